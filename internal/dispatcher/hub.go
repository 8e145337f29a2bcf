// Package dispatcher wires the per-connection envelope protocol (spec
// §4.12) to the underlying services: PTY sessions, the filesystem
// surface, tunnels, the browser control plane, and project switching.
// Hub holds the state shared by every connected Client; Client holds
// the state private to one connection.
//
// Grounded in the teacher's internal/relay/server.go Server type (a
// shared registry plus per-connection handler), generalized from a
// single wing-to-browser relay to the full envelope routing table.
package dispatcher

import (
	"log/slog"
	"sync"

	"github.com/ehrlich-b/bridgeagent/internal/browser"
	"github.com/ehrlich-b/bridgeagent/internal/envelope"
	"github.com/ehrlich-b/bridgeagent/internal/fsservice"
	"github.com/ehrlich-b/bridgeagent/internal/projectstore"
	"github.com/ehrlich-b/bridgeagent/internal/ptymgr"
)

// Hub owns every piece of state that outlives a single connection: the
// live PTY table, the orphan tracker, the process-wide browser
// singleton, the project store, and the currently active project's
// filesystem services. Exactly one Hub exists per running agent.
type Hub struct {
	log *slog.Logger

	PTYs     *ptymgr.Manager
	Orphans  *ptymgr.OrphanTracker
	Browser  *browser.Service
	Projects *projectstore.Store

	mu           sync.Mutex
	clients      map[*Client]bool
	sessionOwner map[string]*Client
	browserOwner *Client

	tree     *fsservice.FileTree
	content  *fsservice.FileContent
	watcher  *fsservice.Watcher
	rootPath string
}

// NewHub builds a Hub around already-constructed services. rootPath is
// the initial project root the filesystem services are scoped to; pass
// "" to defer scoping until the first project:switch.
func NewHub(log *slog.Logger, ptys *ptymgr.Manager, orphans *ptymgr.OrphanTracker, browserSvc *browser.Service, projects *projectstore.Store, rootPath string) *Hub {
	h := &Hub{
		log:          log,
		PTYs:         ptys,
		Orphans:      orphans,
		Browser:      browserSvc,
		Projects:     projects,
		clients:      make(map[*Client]bool),
		sessionOwner: make(map[string]*Client),
	}
	if rootPath != "" {
		h.switchRootLocked(rootPath)
	}
	h.wireBrowser()
	return h
}

func (h *Hub) switchRootLocked(root string) {
	if h.watcher != nil {
		h.watcher.Close()
		h.watcher = nil
	}
	h.rootPath = root
	h.tree = fsservice.NewFileTree(root)
	h.content = fsservice.NewFileContent(h.tree)

	w, err := fsservice.NewWatcher(root, h.log, func(ev fsservice.ChangeEvent) {
		h.broadcast(envelope.TypeFiletreeChanged, envelope.FiletreeChanged{Type: ev.Type, Path: ev.Path})
	})
	if err != nil {
		h.log.Warn("file watcher failed to start", "root", root, "err", err)
		return
	}
	h.watcher = w
}

// SwitchRoot re-roots the file tree, file content service, and file
// watcher onto a new project path (spec §4.12 project:switch).
func (h *Hub) SwitchRoot(root string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.switchRootLocked(root)
}

func (h *Hub) fsServices() (*fsservice.FileTree, *fsservice.FileContent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tree, h.content
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	for sessionID, owner := range h.sessionOwner {
		if owner == c {
			delete(h.sessionOwner, sessionID)
		}
	}
	if h.browserOwner == c {
		h.browserOwner = nil
	}
	h.mu.Unlock()
}

func (h *Hub) setSessionOwner(sessionID string, c *Client) {
	h.mu.Lock()
	h.sessionOwner[sessionID] = c
	h.mu.Unlock()
}

func (h *Hub) clearSessionOwner(sessionID string) {
	h.mu.Lock()
	delete(h.sessionOwner, sessionID)
	h.mu.Unlock()
}

// broadcast sends an envelope to every connected client, e.g. for
// filetree:changed events (spec §4.12).
func (h *Hub) broadcast(msgType string, payload any) {
	env, err := envelope.New(msgType, payload)
	if err != nil {
		h.log.Warn("broadcast encode failed", "type", msgType, "err", err)
		return
	}
	h.mu.Lock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.send(env)
	}
}

// acquireBrowserOwner makes c the current browser owner, returning the
// previous owner if ownership changed hands (spec §4.12: a second
// browser:start from another client is treated as a re-attach, so
// ownership transfers rather than being rejected).
func (h *Hub) acquireBrowserOwner(c *Client) (previous *Client, changed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	previous = h.browserOwner
	if previous == c {
		return previous, false
	}
	h.browserOwner = c
	return previous, true
}

func (h *Hub) releaseBrowserOwner(c *Client) {
	h.mu.Lock()
	if h.browserOwner == c {
		h.browserOwner = nil
	}
	h.mu.Unlock()
}

func (h *Hub) isBrowserOwner(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.browserOwner == c
}

// wireBrowser connects the process-wide browser singleton's event
// callbacks to whichever client currently owns the stream (spec §4.7).
// The callbacks themselves are wired once; only the routing target
// (browserOwner) changes as ownership transfers between clients.
func (h *Hub) wireBrowser() {
	if h.Browser == nil {
		return
	}
	h.Browser.OnFrame(func(f browser.FrameEvent) {
		h.sendToBrowserOwner(envelope.TypeBrowserFrame, envelope.BrowserFrame{
			Data: f.Data, Timestamp: f.Timestamp, Width: f.Width, Height: f.Height,
		})
	})
	h.Browser.OnCursor(func(ev browser.CursorEvent) {
		h.sendToBrowserOwner(envelope.TypeBrowserCursor, envelope.BrowserCursor{Cursor: ev.Cursor})
	})
	h.Browser.OnCrash(func(ev browser.CrashEvent) {
		h.sendToBrowserOwner(envelope.TypeBrowserCrash, envelope.BrowserCrashMsg{Code: ev.Code, Signal: ev.Signal})
	})
	h.Browser.OnError(func(err error) {
		h.sendToBrowserOwner(envelope.TypeBrowserError, envelope.BrowserErrorMsg{Code: errorCode(err)})
	})
	h.Browser.OnIdleShutdown(func() {
		h.sendToBrowserOwner(envelope.TypeBrowserStopped, envelope.BrowserStopped{})
		h.mu.Lock()
		h.browserOwner = nil
		h.mu.Unlock()
	})
}

func (h *Hub) sendToBrowserOwner(msgType string, payload any) {
	h.mu.Lock()
	owner := h.browserOwner
	h.mu.Unlock()
	if owner == nil {
		return
	}
	env, err := envelope.New(msgType, payload)
	if err != nil {
		h.log.Warn("browser event encode failed", "type", msgType, "err", err)
		return
	}
	owner.send(env)
}

// Close tears down every shared resource. Individual client connections
// must already be closed by their own transports.
func (h *Hub) Close() error {
	h.mu.Lock()
	w := h.watcher
	h.mu.Unlock()
	if w != nil {
		w.Close()
	}
	if h.Browser != nil {
		h.Browser.Stop()
	}
	if h.Projects != nil {
		h.Projects.Close()
	}
	return nil
}
