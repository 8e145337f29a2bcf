package dispatcher

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ehrlich-b/bridgeagent/internal/authprovider"
	"github.com/ehrlich-b/bridgeagent/internal/browser"
	"github.com/ehrlich-b/bridgeagent/internal/envelope"
	"github.com/ehrlich-b/bridgeagent/internal/projectstore"
	"github.com/ehrlich-b/bridgeagent/internal/ptymgr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn is an in-memory OutConn + Source pair used to drive a Client
// without a real transport.Conn.
type fakeConn struct {
	mu     sync.Mutex
	sent   []envelope.Envelope
	inbox  chan envelope.Envelope
	sentCh chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan envelope.Envelope, 16), sentCh: make(chan struct{}, 64)}
}

func (f *fakeConn) Send(ctx context.Context, env envelope.Envelope) error {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	select {
	case f.sentCh <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeConn) RemoteAddr() string { return "fake" }

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) Receive(ctx context.Context) (envelope.Envelope, error) {
	env, ok := <-f.inbox
	if !ok {
		return envelope.Envelope{}, io.EOF
	}
	return env, nil
}

func (f *fakeConn) push(t *testing.T, msgType string, payload any) {
	t.Helper()
	env, err := envelope.New(msgType, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", msgType, err)
	}
	f.inbox <- env
}

// waitForType polls the sent envelopes for one matching msgType, failing
// the test if it doesn't show up within the timeout.
func (f *fakeConn) waitForType(t *testing.T, msgType string, timeout time.Duration) envelope.Envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, env := range f.sent {
			if env.Type == msgType {
				f.mu.Unlock()
				return env
			}
		}
		f.mu.Unlock()
		select {
		case <-f.sentCh:
		case <-time.After(10 * time.Millisecond):
		}
	}
	t.Fatalf("timed out waiting for envelope type %q", msgType)
	return envelope.Envelope{}
}

func newTestHub(t *testing.T, rootPath string) *Hub {
	t.Helper()
	store, err := projectstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open projectstore: %v", err)
	}

	log := testLogger()
	ptys := ptymgr.New()
	orphans := ptymgr.NewOrphanTracker(ptys, 0)
	browserSvc := browser.NewService(t.TempDir(), log)

	hub := NewHub(log, ptys, orphans, browserSvc, store, rootPath)
	t.Cleanup(func() { hub.Close() })
	return hub
}

func newTestClient(hub *Hub) (*Client, *fakeConn) {
	conn := newFakeConn()
	c := NewClient(hub, conn, nil, authprovider.Identity{Subject: "test"}, testLogger())
	return c, conn
}

// handleNext dequeues one pushed envelope and runs it through Handle on
// its own goroutine, mirroring how Serve dispatches each inbound
// envelope concurrently.
func handleNext(ctx context.Context, c *Client, conn *fakeConn) {
	env := <-conn.inbox
	go c.Handle(ctx, env)
}

func TestTerminalCreateInputDestroy(t *testing.T) {
	hub := newTestHub(t, t.TempDir())
	c, conn := newTestClient(hub)
	ctx := context.Background()

	conn.push(t, envelope.TypeTerminalCreate, envelope.TerminalCreate{SessionID: "s1", Shell: "/bin/sh", Cols: 80, Rows: 24})
	handleNext(ctx, c, conn)

	created := conn.waitForType(t, envelope.TypeTerminalCreated, 5*time.Second)
	data, err := envelope.Unmarshal[envelope.TerminalCreated](created)
	if err != nil {
		t.Fatalf("decode terminal:created: %v", err)
	}
	if data.SessionID != "s1" || data.PID == 0 {
		t.Fatalf("unexpected terminal:created payload: %+v", data)
	}

	conn.push(t, envelope.TypeTerminalInput, envelope.TerminalInput{SessionID: "s1", Data: "echo marker-text\n"})
	handleNext(ctx, c, conn)
	conn.waitForType(t, envelope.TypeTerminalOutput, 5*time.Second)

	conn.push(t, envelope.TypeTerminalDestroy, envelope.TerminalDestroy{SessionID: "s1"})
	handleNext(ctx, c, conn)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, exited := hub.PTYs.ExitCode("s1"); exited {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session was not torn down after terminal:destroy")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFiletreeListRejectsPathTraversal(t *testing.T) {
	root := t.TempDir()
	hub := newTestHub(t, root)
	c, conn := newTestClient(hub)
	ctx := context.Background()

	conn.push(t, envelope.TypeFiletreeList, envelope.FiletreeList{Path: "../../etc"})
	handleNext(ctx, c, conn)

	errEnv := conn.waitForType(t, envelope.TypeFiletreeError, 2*time.Second)
	payload, err := envelope.Unmarshal[envelope.FiletreeError](errEnv)
	if err != nil {
		t.Fatalf("decode filetree:error: %v", err)
	}
	if payload.Error != "PathTraversal" {
		t.Fatalf("expected PathTraversal code, got %q", payload.Error)
	}
}

func TestFileWriteReadRoundtrip(t *testing.T) {
	root := t.TempDir()
	hub := newTestHub(t, root)
	c, conn := newTestClient(hub)
	ctx := context.Background()

	conn.push(t, envelope.TypeFileWrite, envelope.FileWrite{FilePath: "notes.txt", Content: "hello", Encoding: "utf-8"})
	handleNext(ctx, c, conn)
	conn.waitForType(t, envelope.TypeFileWritten, 2*time.Second)

	conn.push(t, envelope.TypeFileRead, envelope.FileRead{FilePath: "notes.txt"})
	handleNext(ctx, c, conn)
	dataEnv := conn.waitForType(t, envelope.TypeFileData, 2*time.Second)
	data, err := envelope.Unmarshal[envelope.FileData](dataEnv)
	if err != nil {
		t.Fatalf("decode file:data: %v", err)
	}
	if data.Content != "hello" {
		t.Fatalf("got content %q, want %q", data.Content, "hello")
	}
}

func TestProjectAddAndSwitchRewritesRoot(t *testing.T) {
	hub := newTestHub(t, "")
	c, conn := newTestClient(hub)
	ctx := context.Background()

	projectRoot := t.TempDir()
	conn.push(t, envelope.TypeProjectAdd, envelope.ProjectAdd{Name: "demo", Path: projectRoot})
	handleNext(ctx, c, conn)
	addedEnv := conn.waitForType(t, envelope.TypeProjectAdded, 2*time.Second)
	added, err := envelope.Unmarshal[envelope.ProjectAdded](addedEnv)
	if err != nil {
		t.Fatalf("decode project:added: %v", err)
	}

	conn.push(t, envelope.TypeProjectSwitch, envelope.ProjectSwitch{ProjectID: added.Project.ID})
	handleNext(ctx, c, conn)
	conn.waitForType(t, envelope.TypeProjectSwitched, 2*time.Second)

	tree, _ := hub.fsServices()
	if tree == nil || tree.Root() != projectRoot {
		t.Fatalf("expected root switched to %q, got %+v", projectRoot, tree)
	}
}

func TestTunnelOpenForwardClose(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	}))
	defer upstream.Close()

	hub := newTestHub(t, t.TempDir())
	c, conn := newTestClient(hub)
	ctx := context.Background()

	addr := upstream.Listener.Addr().String()
	host, portStr, err := splitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr %q: %v", addr, err)
	}
	port, _ := strconv.Atoi(portStr)

	conn.push(t, envelope.TypeTunnelOpen, envelope.TunnelOpen{TunnelID: "t1", TargetHost: host, TargetPort: port})
	handleNext(ctx, c, conn)
	conn.waitForType(t, envelope.TypeTunnelOpened, 2*time.Second)

	conn.push(t, envelope.TypeTunnelRequest, envelope.TunnelRequest{TunnelID: "t1", RequestID: "r1", Method: "GET", Path: "/"})
	handleNext(ctx, c, conn)
	respEnv := conn.waitForType(t, envelope.TypeTunnelResponse, 2*time.Second)
	resp, err := envelope.Unmarshal[envelope.TunnelResponse](respEnv)
	if err != nil {
		t.Fatalf("decode tunnel:response: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.Status)
	}

	conn.push(t, envelope.TypeTunnelClose, envelope.TunnelClose{TunnelID: "t1"})
	handleNext(ctx, c, conn)
	conn.waitForType(t, envelope.TypeTunnelClosed, 2*time.Second)
}

func splitHostPort(addr string) (string, string, error) {
	idx := -1
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", "", io.ErrUnexpectedEOF
	}
	return addr[:idx], addr[idx+1:], nil
}

func TestDisconnectClosesTunnelsAndReleasesBrowserOwnership(t *testing.T) {
	hub := newTestHub(t, t.TempDir())
	c, _ := newTestClient(hub)

	hub.acquireBrowserOwner(c)
	if !hub.isBrowserOwner(c) {
		t.Fatal("expected client to own the browser")
	}
	c.tunnels.Open("t1", "127.0.0.1", 9)

	c.Disconnect()

	if hub.isBrowserOwner(c) {
		t.Fatal("expected browser ownership released on disconnect")
	}
	if _, ok := c.tunnels.State("t1"); ok {
		t.Fatal("expected tunnel closed on disconnect")
	}
}

func TestDisconnectOrphansRunningSession(t *testing.T) {
	hub := newTestHub(t, t.TempDir())
	c, conn := newTestClient(hub)
	ctx := context.Background()

	conn.push(t, envelope.TypeTerminalCreate, envelope.TerminalCreate{SessionID: "s1", Shell: "/bin/sh"})
	handleNext(ctx, c, conn)
	conn.waitForType(t, envelope.TypeTerminalCreated, 5*time.Second)

	c.Disconnect()

	if !hub.Orphans.IsOrphaned("s1") {
		t.Fatal("expected still-running session to be orphaned on disconnect")
	}
	hub.PTYs.Destroy("s1")
}

func TestBrowserOwnershipAcquireReleaseAndTransfer(t *testing.T) {
	hub := newTestHub(t, t.TempDir())
	c1, _ := newTestClient(hub)
	c2, _ := newTestClient(hub)

	prev, changed := hub.acquireBrowserOwner(c1)
	if prev != nil || !changed {
		t.Fatalf("expected fresh acquire, got prev=%v changed=%v", prev, changed)
	}
	prev, changed = hub.acquireBrowserOwner(c2)
	if prev != c1 || !changed {
		t.Fatalf("expected ownership to transfer from c1, got prev=%v changed=%v", prev, changed)
	}
	if !hub.isBrowserOwner(c2) {
		t.Fatal("expected c2 to own the browser after transfer")
	}
	hub.releaseBrowserOwner(c2)
	if hub.isBrowserOwner(c2) {
		t.Fatal("expected ownership released")
	}
}
