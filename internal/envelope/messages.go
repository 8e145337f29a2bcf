package envelope

// Message type constants — the stable wire strings from spec §6.
const (
	TypeTerminalCreate    = "terminal:create"
	TypeTerminalCreated   = "terminal:created"
	TypeTerminalInput     = "terminal:input"
	TypeTerminalOutput    = "terminal:output"
	TypeTerminalResize    = "terminal:resize"
	TypeTerminalDestroy   = "terminal:destroy"
	TypeTerminalDestroyed = "terminal:destroyed"
	TypeTerminalAttach    = "terminal:attach"
	TypeTerminalAttached  = "terminal:attached"
	TypeTerminalCwd       = "terminal:cwd"

	TypeFiletreeList    = "filetree:list"
	TypeFiletreeData    = "filetree:data"
	TypeFiletreeChanged = "filetree:changed"
	TypeFiletreeError   = "filetree:error"

	TypeFileRead    = "file:read"
	TypeFileData    = "file:data"
	TypeFileWrite   = "file:write"
	TypeFileWritten = "file:written"
	TypeFileError   = "file:error"

	TypeImageStart    = "image:start"
	TypeImageChunk    = "image:chunk"
	TypeImageComplete = "image:complete"
	TypeImageSaved    = "image:saved"

	TypeProjectList     = "project:list"
	TypeProjectListData = "project:list-data"
	TypeProjectSwitch   = "project:switch"
	TypeProjectSwitched = "project:switched"
	TypeProjectAdd      = "project:add"
	TypeProjectAdded    = "project:added"
	TypeProjectRemove   = "project:remove"
	TypeProjectRemoved  = "project:removed"
	TypeProjectUpdate   = "project:update"
	TypeProjectUpdated  = "project:updated"
	TypeProjectError    = "project:error"

	TypeTunnelOpen     = "tunnel:open"
	TypeTunnelOpened   = "tunnel:opened"
	TypeTunnelClose    = "tunnel:close"
	TypeTunnelClosed   = "tunnel:closed"
	TypeTunnelRequest  = "tunnel:request"
	TypeTunnelResponse = "tunnel:response"
	TypeTunnelError    = "tunnel:error"

	TypeBrowserStart     = "browser:start"
	TypeBrowserStarted   = "browser:started"
	TypeBrowserStop      = "browser:stop"
	TypeBrowserStopped   = "browser:stopped"
	TypeBrowserNavigate  = "browser:navigate"
	TypeBrowserNavigated = "browser:navigated"
	TypeBrowserInput     = "browser:input"
	TypeBrowserFrame     = "browser:frame"
	TypeBrowserFrameAck  = "browser:frame-ack"
	TypeBrowserCursor    = "browser:cursor"
	TypeBrowserResize    = "browser:resize"
	TypeBrowserError     = "browser:error"
	TypeBrowserCrash     = "browser:crash"

	TypeConnectionRequest = "connection:request"
	TypeConnectionReady   = "connection:ready"
	TypeSignalOffer       = "signal:offer"
	TypeSignalAnswer      = "signal:answer"
	TypeSignalCandidate   = "signal:candidate"
)

// --- Terminal ---

type TerminalCreate struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
	CWD       string `json:"cwd,omitempty"`
	Shell     string `json:"shell,omitempty"`
}

type TerminalCreated struct {
	SessionID string `json:"sessionId"`
	PID       int    `json:"pid"`
}

type TerminalInput struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type TerminalOutput struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type TerminalResize struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type TerminalDestroy struct {
	SessionID string `json:"sessionId"`
}

type TerminalDestroyed struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
}

type TerminalAttach struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

type TerminalAttached struct {
	SessionID      string `json:"sessionId"`
	PID            int    `json:"pid"`
	BufferedOutput string `json:"bufferedOutput"`
}

type TerminalCwd struct {
	SessionID string `json:"sessionId"`
	CWD       string `json:"cwd"`
}

// --- Filesystem ---

type FiletreeList struct {
	Path  string `json:"path"`
	Depth int    `json:"depth,omitempty"`
}

type FileEntry struct {
	Name    string      `json:"name"`
	Path    string      `json:"path"`
	IsDir   bool        `json:"isDir"`
	Entries []FileEntry `json:"entries,omitempty"`
}

type FiletreeData struct {
	Path    string      `json:"path"`
	Entries []FileEntry `json:"entries"`
}

type FiletreeChanged struct {
	Type string `json:"type"` // add, change, unlink, addDir, unlinkDir
	Path string `json:"path"`
}

type FiletreeError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

type FileRead struct {
	FilePath string `json:"filePath"`
}

type FileData struct {
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
	Language string `json:"language"`
	MIME     string `json:"mime"`
	Readonly bool   `json:"readonly"`
	Encoding string `json:"encoding"` // "utf-8" or "base64"
}

type FileWrite struct {
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type FileWritten struct {
	FilePath string `json:"filePath"`
	Size     int    `json:"size"`
}

type FileError struct {
	FilePath string `json:"filePath"`
	Error    string `json:"error"`
}

// --- Image transfer ---

type ImageStart struct {
	TransferID string `json:"transferId"`
	SessionID  string `json:"sessionId"`
	Filename   string `json:"filename"`
	TotalSize  int    `json:"totalSize"`
}

type ImageChunk struct {
	TransferID string `json:"transferId"`
	ChunkIndex int    `json:"chunkIndex"`
	Data       string `json:"data"`
}

type ImageComplete struct {
	TransferID string `json:"transferId"`
}

type ImageSaved struct {
	TransferID string `json:"transferId"`
	SessionID  string `json:"sessionId"`
	FilePath   string `json:"filePath"`
}

// --- Projects ---

type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

type ProjectListData struct {
	Projects         []Project `json:"projects"`
	CurrentProjectID string    `json:"currentProjectId"`
}

type ProjectSwitch struct {
	ProjectID string `json:"projectId"`
}

type ProjectSwitched struct {
	ProjectID string `json:"projectId"`
}

type ProjectAdd struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type ProjectAdded struct {
	Project Project `json:"project"`
}

type ProjectRemove struct {
	ProjectID string `json:"projectId"`
}

type ProjectRemoved struct {
	ProjectID string `json:"projectId"`
}

type ProjectUpdate struct {
	ProjectID string            `json:"projectId"`
	Updates   map[string]string `json:"updates"`
}

type ProjectUpdated struct {
	Project Project `json:"project"`
}

type ProjectError struct {
	Error string `json:"error"`
}

// --- Tunnel ---

type TunnelOpen struct {
	TunnelID   string `json:"tunnelId"`
	TargetPort int    `json:"targetPort"`
	TargetHost string `json:"targetHost,omitempty"`
}

type TunnelOpened struct {
	TunnelID string `json:"tunnelId"`
}

type TunnelClose struct {
	TunnelID string `json:"tunnelId"`
}

type TunnelClosed struct {
	TunnelID string `json:"tunnelId"`
}

type TunnelRequest struct {
	TunnelID  string            `json:"tunnelId"`
	RequestID string            `json:"requestId"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"` // base64
}

type TunnelResponse struct {
	RequestID string            `json:"requestId"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"` // base64
}

type TunnelErrorMsg struct {
	RequestID string `json:"requestId"`
	Code      string `json:"code"`
}

// --- Browser ---

type BrowserStart struct {
	ProjectID string `json:"projectId"`
	URL       string `json:"url,omitempty"`
	ViewportW int    `json:"viewportW,omitempty"`
	ViewportH int    `json:"viewportH,omitempty"`
}

type BrowserStarted struct {
	ViewportW int `json:"viewportW"`
	ViewportH int `json:"viewportH"`
}

type BrowserStop struct{}
type BrowserStopped struct{}

type BrowserNavigate struct {
	URL string `json:"url"`
}

type BrowserNavigated struct {
	URL string `json:"url"`
}

type BrowserInput struct {
	Kind   string  `json:"kind"` // mouseMoved, mousePressed, mouseReleased, keyDown, keyUp, wheel, text
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	DeltaX float64 `json:"deltaX,omitempty"`
	DeltaY float64 `json:"deltaY,omitempty"`
	Button string  `json:"button,omitempty"`
	Key    string  `json:"key,omitempty"`
	Text   string  `json:"text,omitempty"`
}

type BrowserFrame struct {
	Data      string `json:"data"` // base64 JPEG
	Timestamp int64  `json:"timestamp"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

type BrowserFrameAck struct {
	Timestamp int64 `json:"timestamp"`
}

type BrowserCursor struct {
	Cursor string `json:"cursor"`
}

type BrowserResize struct {
	ViewportW int `json:"viewportW"`
	ViewportH int `json:"viewportH"`
}

type BrowserErrorMsg struct {
	Code string `json:"code"`
}

type BrowserCrashMsg struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// --- Signaling (agent side, spec §4.8) ---

type ConnectionRequest struct {
	AgentID string `json:"agentId"`
}

type ConnectionReady struct {
	AgentID string `json:"agentId"`
}

type SignalOffer struct {
	SDP string `json:"sdp"`
}

type SignalAnswer struct {
	SDP string `json:"sdp"`
}

type SignalCandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex *int   `json:"sdpMLineIndex,omitempty"`
}
