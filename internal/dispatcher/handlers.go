package dispatcher

import (
	"context"
	"time"

	"github.com/ehrlich-b/bridgeagent/internal/browser"
	"github.com/ehrlich-b/bridgeagent/internal/envelope"
	"github.com/ehrlich-b/bridgeagent/internal/fsservice"
	"github.com/ehrlich-b/bridgeagent/internal/projectstore"
	"github.com/ehrlich-b/bridgeagent/internal/ptymgr"
	"github.com/ehrlich-b/bridgeagent/internal/tunnel"
)

// handlerFunc routes one decoded envelope type to its service call
// (spec §4.12's routing table).
type handlerFunc func(ctx context.Context, c *Client, env envelope.Envelope)

// handlers is the dispatch table. Signaling envelope types
// (connection:request/ready, signal:offer/answer/candidate) are
// deliberately absent: they are driven entirely by the signaling
// Coordinator against the rendezvous bus (spec §4.8), not by a
// per-client reliable-stream message.
var handlers = map[string]handlerFunc{
	envelope.TypeTerminalCreate:  handleTerminalCreate,
	envelope.TypeTerminalAttach:  handleTerminalAttach,
	envelope.TypeTerminalInput:   handleTerminalInput,
	envelope.TypeTerminalResize:  handleTerminalResize,
	envelope.TypeTerminalDestroy: handleTerminalDestroy,

	envelope.TypeFiletreeList: handleFiletreeList,
	envelope.TypeFileRead:     handleFileRead,
	envelope.TypeFileWrite:    handleFileWrite,

	envelope.TypeImageStart:    handleImageStart,
	envelope.TypeImageChunk:    handleImageChunk,
	envelope.TypeImageComplete: handleImageComplete,

	envelope.TypeProjectList:   handleProjectList,
	envelope.TypeProjectAdd:    handleProjectAdd,
	envelope.TypeProjectRemove: handleProjectRemove,
	envelope.TypeProjectUpdate: handleProjectUpdate,
	envelope.TypeProjectSwitch: handleProjectSwitch,

	envelope.TypeTunnelOpen:    handleTunnelOpen,
	envelope.TypeTunnelClose:   handleTunnelClose,
	envelope.TypeTunnelRequest: handleTunnelRequest,

	envelope.TypeBrowserStart:    handleBrowserStart,
	envelope.TypeBrowserStop:     handleBrowserStop,
	envelope.TypeBrowserNavigate: handleBrowserNavigate,
	envelope.TypeBrowserInput:    handleBrowserInput,
	envelope.TypeBrowserResize:   handleBrowserResize,
	envelope.TypeBrowserFrameAck: handleBrowserFrameAck,
}

// --- Terminal ---

func handleTerminalCreate(ctx context.Context, c *Client, env envelope.Envelope) {
	req, err := envelope.Unmarshal[envelope.TerminalCreate](env)
	if err != nil {
		c.log.Warn("malformed terminal:create", "err", err)
		return
	}
	pid, err := c.hub.PTYs.Create(req.SessionID, ptymgr.CreateOptions{
		Cols: req.Cols, Rows: req.Rows, CWD: req.CWD, Shell: req.Shell,
	})
	if err != nil {
		c.send(mustEnvelope(envelope.TypeTerminalDestroyed, envelope.TerminalDestroyed{SessionID: req.SessionID, ExitCode: -1}))
		return
	}

	c.trackSession(req.SessionID)
	c.hub.PTYs.OnOutput(req.SessionID, func(data []byte) {
		c.send(mustEnvelope(envelope.TypeTerminalOutput, envelope.TerminalOutput{SessionID: req.SessionID, Data: string(data)}))
	})
	c.hub.PTYs.OnExit(req.SessionID, func(sessionID string, exitCode int) {
		c.untrackSession(sessionID)
		c.send(mustEnvelope(envelope.TypeTerminalDestroyed, envelope.TerminalDestroyed{SessionID: sessionID, ExitCode: exitCode}))
	})

	c.send(mustEnvelope(envelope.TypeTerminalCreated, envelope.TerminalCreated{SessionID: req.SessionID, PID: pid}))
	c.startCwdPoll(req.SessionID)
}

func handleTerminalAttach(ctx context.Context, c *Client, env envelope.Envelope) {
	req, err := envelope.Unmarshal[envelope.TerminalAttach](env)
	if err != nil {
		c.log.Warn("malformed terminal:attach", "err", err)
		return
	}

	buffered, ok := c.hub.Orphans.Resume(req.SessionID, func(data []byte) {
		c.send(mustEnvelope(envelope.TypeTerminalOutput, envelope.TerminalOutput{SessionID: req.SessionID, Data: string(data)}))
	})
	if !ok {
		c.send(mustEnvelope(envelope.TypeTerminalDestroyed, envelope.TerminalDestroyed{SessionID: req.SessionID, ExitCode: -1}))
		return
	}

	if req.Cols > 0 && req.Rows > 0 {
		c.hub.PTYs.Resize(req.SessionID, req.Cols, req.Rows)
	}
	pid, _ := c.hub.PTYs.PID(req.SessionID)

	c.trackSession(req.SessionID)
	c.hub.PTYs.OnExit(req.SessionID, func(sessionID string, exitCode int) {
		c.untrackSession(sessionID)
		c.send(mustEnvelope(envelope.TypeTerminalDestroyed, envelope.TerminalDestroyed{SessionID: sessionID, ExitCode: exitCode}))
	})

	c.send(mustEnvelope(envelope.TypeTerminalAttached, envelope.TerminalAttached{
		SessionID: req.SessionID, PID: pid, BufferedOutput: string(buffered),
	}))
	c.startCwdPoll(req.SessionID)
}

func handleTerminalInput(ctx context.Context, c *Client, env envelope.Envelope) {
	req, err := envelope.Unmarshal[envelope.TerminalInput](env)
	if err != nil {
		return
	}
	if err := c.hub.PTYs.Write(req.SessionID, []byte(req.Data)); err != nil {
		c.log.Warn("terminal write failed", "sessionId", req.SessionID, "err", err)
	}
}

func handleTerminalResize(ctx context.Context, c *Client, env envelope.Envelope) {
	req, err := envelope.Unmarshal[envelope.TerminalResize](env)
	if err != nil {
		return
	}
	if err := c.hub.PTYs.Resize(req.SessionID, req.Cols, req.Rows); err != nil {
		c.log.Warn("terminal resize failed", "sessionId", req.SessionID, "err", err)
	}
}

func handleTerminalDestroy(ctx context.Context, c *Client, env envelope.Envelope) {
	req, err := envelope.Unmarshal[envelope.TerminalDestroy](env)
	if err != nil {
		return
	}
	c.untrackSession(req.SessionID)
	c.hub.PTYs.Destroy(req.SessionID)
}

// --- Filesystem ---

func handleFiletreeList(ctx context.Context, c *Client, env envelope.Envelope) {
	req, err := envelope.Unmarshal[envelope.FiletreeList](env)
	if err != nil {
		return
	}
	tree, _ := c.hub.fsServices()
	if tree == nil {
		c.sendError(envelope.TypeFiletreeError, envelope.FiletreeError{Path: req.Path, Error: "no project selected"})
		return
	}
	entries, err := tree.List(req.Path, req.Depth)
	if err != nil {
		c.sendError(envelope.TypeFiletreeError, envelope.FiletreeError{Path: req.Path, Error: errorCode(err)})
		return
	}
	c.send(mustEnvelope(envelope.TypeFiletreeData, envelope.FiletreeData{Path: req.Path, Entries: toWireEntries(entries)}))
}

func toWireEntries(entries []fsservice.Entry) []envelope.FileEntry {
	out := make([]envelope.FileEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, envelope.FileEntry{
			Name: e.Name, Path: e.Path, IsDir: e.IsDir, Entries: toWireEntries(e.Entries),
		})
	}
	return out
}

func handleFileRead(ctx context.Context, c *Client, env envelope.Envelope) {
	req, err := envelope.Unmarshal[envelope.FileRead](env)
	if err != nil {
		return
	}
	_, content := c.hub.fsServices()
	if content == nil {
		c.sendError(envelope.TypeFileError, envelope.FileError{FilePath: req.FilePath, Error: "no project selected"})
		return
	}
	data, err := content.Read(req.FilePath)
	if err != nil {
		c.sendError(envelope.TypeFileError, envelope.FileError{FilePath: req.FilePath, Error: errorCode(err)})
		return
	}
	encoding := "utf-8"
	if data.Binary {
		encoding = "base64"
	}
	c.send(mustEnvelope(envelope.TypeFileData, envelope.FileData{
		FilePath: data.FilePath, Content: data.Content, Language: data.Language,
		MIME: data.MimeType, Readonly: data.Readonly, Encoding: encoding,
	}))
}

func handleFileWrite(ctx context.Context, c *Client, env envelope.Envelope) {
	req, err := envelope.Unmarshal[envelope.FileWrite](env)
	if err != nil {
		return
	}
	_, content := c.hub.fsServices()
	if content == nil {
		c.sendError(envelope.TypeFileError, envelope.FileError{FilePath: req.FilePath, Error: "no project selected"})
		return
	}
	size, err := content.Write(req.FilePath, req.Content, req.Encoding)
	if err != nil {
		c.sendError(envelope.TypeFileError, envelope.FileError{FilePath: req.FilePath, Error: errorCode(err)})
		return
	}
	c.send(mustEnvelope(envelope.TypeFileWritten, envelope.FileWritten{FilePath: req.FilePath, Size: size}))
}

// --- Image transfer ---

func handleImageStart(ctx context.Context, c *Client, env envelope.Envelope) {
	req, err := envelope.Unmarshal[envelope.ImageStart](env)
	if err != nil {
		return
	}
	c.images.Start(req.TransferID, req.SessionID, req.Filename, req.TotalSize)
}

func handleImageChunk(ctx context.Context, c *Client, env envelope.Envelope) {
	req, err := envelope.Unmarshal[envelope.ImageChunk](env)
	if err != nil {
		return
	}
	if err := c.images.Chunk(req.TransferID, req.ChunkIndex, req.Data); err != nil {
		c.log.Warn("image chunk failed", "transferId", req.TransferID, "err", err)
	}
}

func handleImageComplete(ctx context.Context, c *Client, env envelope.Envelope) {
	req, err := envelope.Unmarshal[envelope.ImageComplete](env)
	if err != nil {
		return
	}
	sessionID, filePath, err := c.images.Complete(req.TransferID)
	if err != nil {
		c.log.Warn("image complete failed", "transferId", req.TransferID, "err", err)
		return
	}
	c.send(mustEnvelope(envelope.TypeImageSaved, envelope.ImageSaved{
		TransferID: req.TransferID, SessionID: sessionID, FilePath: filePath,
	}))
}

// --- Projects ---

func handleProjectList(ctx context.Context, c *Client, env envelope.Envelope) {
	projects, err := c.hub.Projects.List()
	if err != nil {
		c.sendError(envelope.TypeProjectError, envelope.ProjectError{Error: errorCode(err)})
		return
	}
	current, _ := c.hub.Projects.CurrentProjectID()
	c.send(mustEnvelope(envelope.TypeProjectListData, envelope.ProjectListData{
		Projects: toWireProjects(projects), CurrentProjectID: current,
	}))
}

func handleProjectAdd(ctx context.Context, c *Client, env envelope.Envelope) {
	req, err := envelope.Unmarshal[envelope.ProjectAdd](env)
	if err != nil {
		return
	}
	p, err := c.hub.Projects.Add(req.Name, req.Path)
	if err != nil {
		c.sendError(envelope.TypeProjectError, envelope.ProjectError{Error: errorCode(err)})
		return
	}
	c.send(mustEnvelope(envelope.TypeProjectAdded, envelope.ProjectAdded{Project: envelope.Project{ID: p.ID, Name: p.Name, Path: p.Path}}))
}

func handleProjectRemove(ctx context.Context, c *Client, env envelope.Envelope) {
	req, err := envelope.Unmarshal[envelope.ProjectRemove](env)
	if err != nil {
		return
	}
	if err := c.hub.Projects.Remove(req.ProjectID); err != nil {
		c.sendError(envelope.TypeProjectError, envelope.ProjectError{Error: errorCode(err)})
		return
	}
	c.send(mustEnvelope(envelope.TypeProjectRemoved, envelope.ProjectRemoved{ProjectID: req.ProjectID}))
}

func handleProjectUpdate(ctx context.Context, c *Client, env envelope.Envelope) {
	req, err := envelope.Unmarshal[envelope.ProjectUpdate](env)
	if err != nil {
		return
	}
	p, err := c.hub.Projects.Update(req.ProjectID, req.Updates)
	if err != nil {
		c.sendError(envelope.TypeProjectError, envelope.ProjectError{Error: errorCode(err)})
		return
	}
	c.send(mustEnvelope(envelope.TypeProjectUpdated, envelope.ProjectUpdated{Project: envelope.Project{ID: p.ID, Name: p.Name, Path: p.Path}}))
}

func handleProjectSwitch(ctx context.Context, c *Client, env envelope.Envelope) {
	req, err := envelope.Unmarshal[envelope.ProjectSwitch](env)
	if err != nil {
		return
	}
	p, err := c.hub.Projects.Get(req.ProjectID)
	if err != nil {
		c.sendError(envelope.TypeProjectError, envelope.ProjectError{Error: errorCode(err)})
		return
	}
	if err := c.hub.Projects.SetCurrentProjectID(p.ID); err != nil {
		c.sendError(envelope.TypeProjectError, envelope.ProjectError{Error: errorCode(err)})
		return
	}
	c.hub.SwitchRoot(p.Path)
	c.send(mustEnvelope(envelope.TypeProjectSwitched, envelope.ProjectSwitched{ProjectID: p.ID}))
}

func toWireProjects(projects []projectstore.Project) []envelope.Project {
	out := make([]envelope.Project, 0, len(projects))
	for _, p := range projects {
		out = append(out, envelope.Project{ID: p.ID, Name: p.Name, Path: p.Path})
	}
	return out
}

// --- Tunnel ---

func handleTunnelOpen(ctx context.Context, c *Client, env envelope.Envelope) {
	req, err := envelope.Unmarshal[envelope.TunnelOpen](env)
	if err != nil {
		return
	}
	if err := c.tunnels.Open(req.TunnelID, req.TargetHost, req.TargetPort); err != nil {
		c.sendError(envelope.TypeTunnelError, envelope.TunnelErrorMsg{Code: errorCode(err)})
		return
	}
	c.send(mustEnvelope(envelope.TypeTunnelOpened, envelope.TunnelOpened{TunnelID: req.TunnelID}))
}

func handleTunnelClose(ctx context.Context, c *Client, env envelope.Envelope) {
	req, err := envelope.Unmarshal[envelope.TunnelClose](env)
	if err != nil {
		return
	}
	c.tunnels.Close(req.TunnelID)
	c.send(mustEnvelope(envelope.TypeTunnelClosed, envelope.TunnelClosed{TunnelID: req.TunnelID}))
}

func handleTunnelRequest(ctx context.Context, c *Client, env envelope.Envelope) {
	req, err := envelope.Unmarshal[envelope.TunnelRequest](env)
	if err != nil {
		return
	}
	resp, err := c.tunnels.Forward(req.TunnelID, tunnel.Request{
		RequestID: req.RequestID, Method: req.Method, Path: req.Path, Headers: req.Headers, BodyB64: req.Body,
	})
	if err != nil {
		c.send(mustEnvelope(envelope.TypeTunnelError, envelope.TunnelErrorMsg{RequestID: req.RequestID, Code: errorCode(err)}))
		return
	}
	c.send(mustEnvelope(envelope.TypeTunnelResponse, envelope.TunnelResponse{
		RequestID: resp.RequestID, Status: resp.Status, Headers: resp.Headers, Body: resp.BodyB64,
	}))
}

// --- Browser ---

func handleBrowserStart(ctx context.Context, c *Client, env envelope.Envelope) {
	req, err := envelope.Unmarshal[envelope.BrowserStart](env)
	if err != nil {
		return
	}
	_, changed := c.hub.acquireBrowserOwner(c)

	info, err := c.hub.Browser.Start(ctx, browser.StartOptions{
		ProjectID: req.ProjectID, ViewportW: req.ViewportW, ViewportH: req.ViewportH, URL: req.URL,
	})
	if err != nil {
		if changed {
			c.hub.releaseBrowserOwner(c)
		}
		c.sendError(envelope.TypeBrowserError, envelope.BrowserErrorMsg{Code: errorCode(err)})
		return
	}
	c.hub.Browser.AttachPreview()
	c.send(mustEnvelope(envelope.TypeBrowserStarted, envelope.BrowserStarted{ViewportW: info.ViewportW, ViewportH: info.ViewportH}))
}

func handleBrowserStop(ctx context.Context, c *Client, env envelope.Envelope) {
	if !c.hub.isBrowserOwner(c) {
		return
	}
	if err := c.hub.Browser.Stop(); err != nil {
		c.log.Warn("browser stop failed", "err", err)
	}
	c.hub.releaseBrowserOwner(c)
	c.send(mustEnvelope(envelope.TypeBrowserStopped, envelope.BrowserStopped{}))
}

func handleBrowserNavigate(ctx context.Context, c *Client, env envelope.Envelope) {
	req, err := envelope.Unmarshal[envelope.BrowserNavigate](env)
	if err != nil {
		return
	}
	if err := c.hub.Browser.Navigate(req.URL); err != nil {
		c.sendError(envelope.TypeBrowserError, envelope.BrowserErrorMsg{Code: errorCode(err)})
		return
	}
	c.send(mustEnvelope(envelope.TypeBrowserNavigated, envelope.BrowserNavigated{URL: req.URL}))
}

func handleBrowserInput(ctx context.Context, c *Client, env envelope.Envelope) {
	req, err := envelope.Unmarshal[envelope.BrowserInput](env)
	if err != nil {
		return
	}
	if err := c.hub.Browser.Input(browser.InputEvent{
		Kind: req.Kind, X: req.X, Y: req.Y, DeltaX: req.DeltaX, DeltaY: req.DeltaY,
		Button: req.Button, Key: req.Key, Text: req.Text,
	}); err != nil {
		c.log.Warn("browser input failed", "err", err)
	}
}

func handleBrowserResize(ctx context.Context, c *Client, env envelope.Envelope) {
	req, err := envelope.Unmarshal[envelope.BrowserResize](env)
	if err != nil {
		return
	}
	if err := c.hub.Browser.Resize(req.ViewportW, req.ViewportH); err != nil {
		c.sendError(envelope.TypeBrowserError, envelope.BrowserErrorMsg{Code: errorCode(err)})
	}
}

func handleBrowserFrameAck(ctx context.Context, c *Client, env envelope.Envelope) {
	req, err := envelope.Unmarshal[envelope.BrowserFrameAck](env)
	if err != nil {
		return
	}
	c.hub.Browser.AckFrame(req.Timestamp, time.Now().UnixMilli())
}
