// Package browser implements the headless-browser control plane (spec
// §4.7): launch coalescing, a minimal Chrome DevTools Protocol client,
// screencast frame streaming with adaptive quality, input dispatch with
// coordinate clamping and cursor probing, idle shutdown, and crash
// detection.
//
// The CDP client reuses github.com/coder/websocket — the same
// dependency already wired for internal/transport — since a CDP
// session is, in the teacher's own terms, "yet another JSON-RPC-over-WS
// peer" (internal/direct/server.go handles exactly that shape for
// browser-direct PTY connections).
package browser

// State is the browser service's lifecycle stage (spec §4.7's state
// machine).
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDetached State = "detached"
)

// StartOptions configures Start (spec's start(projectId, opts)).
type StartOptions struct {
	ProjectID string
	ViewportW int
	ViewportH int
	URL       string // optional initial navigation target
}

// Info is returned by Start/Status.
type Info struct {
	Running   bool
	Endpoint  string
	Port      int
	ViewportW int
	ViewportH int
}

// FrameEvent is delivered as browser:frame.
type FrameEvent struct {
	Data      string // base64 JPEG
	Timestamp int64  // agent current-ms at emission
	Format    string
	Width     int
	Height    int
}

// CursorEvent is delivered as browser:cursor.
type CursorEvent struct {
	Cursor string
}

// InputEvent is the union of dispatchable input actions (spec's
// handleInput).
type InputEvent struct {
	Kind       string // mouseMoved | mousePressed | mouseReleased | wheel | keyDown | keyUp | text
	X, Y       float64
	DeltaX     float64
	DeltaY     float64
	Button     string
	Key        string
	Code       string
	Text       string
	ClickCount int
}

// CrashEvent is emitted when the child process exits unexpectedly.
type CrashEvent struct {
	Code   int
	Signal string
}
