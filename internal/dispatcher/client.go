package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ehrlich-b/bridgeagent/internal/apperr"
	"github.com/ehrlich-b/bridgeagent/internal/authprovider"
	"github.com/ehrlich-b/bridgeagent/internal/envelope"
	"github.com/ehrlich-b/bridgeagent/internal/fsservice"
	"github.com/ehrlich-b/bridgeagent/internal/signaling"
	"github.com/ehrlich-b/bridgeagent/internal/tunnel"
)

// cwdPollInterval is spec §4.12's terminal:cwd polling cadence.
const cwdPollInterval = 2 * time.Second

// OutConn is the reliable-stream half of a client's transport (spec's
// "transport" field in the Client dispatcher state). transport.Conn
// satisfies this.
type OutConn interface {
	Send(ctx context.Context, env envelope.Envelope) error
	RemoteAddr() string
	Close() error
}

// Source is the receive half of a reliable-stream transport.
// transport.Conn also satisfies this; Client.Serve pulls from it in a
// loop until it errors (disconnect).
type Source interface {
	Receive(ctx context.Context) (envelope.Envelope, error)
}

// Client is the per-connection dispatcher state (spec §3's "Client
// dispatcher state"): the envelope transport, every session this
// client owns, its tunnels, optional browser ownership, and an
// optional upgraded peer-to-peer transport.
type Client struct {
	hub      *Hub
	log      *slog.Logger
	identity authprovider.Identity

	out  OutConn // nil for a peer-only client with no reliable fallback
	peer *signaling.PeerConnection

	tunnels *tunnel.Proxy
	images  *fsservice.ImageReceiver

	mu         sync.Mutex
	sessionIDs map[string]bool
	cwdStop    map[string]chan struct{}
	closed     bool
}

// NewClient creates a dispatcher Client bound to hub. out is the
// reliable-stream connection (may be nil for a pure peer connection);
// peer is the optional WebRTC upgrade (spec §4.10).
func NewClient(hub *Hub, out OutConn, peer *signaling.PeerConnection, identity authprovider.Identity, log *slog.Logger) *Client {
	c := &Client{
		hub:        hub,
		log:        log,
		identity:   identity,
		out:        out,
		peer:       peer,
		tunnels:    tunnel.NewProxy(0),
		images:     fsservice.NewImageReceiver(),
		sessionIDs: make(map[string]bool),
		cwdStop:    make(map[string]chan struct{}),
	}
	hub.addClient(c)
	return c
}

// AttachPeer wires an upgraded WebRTC connection onto an already
// connected client (spec §4.8/§4.10: signaling establishes the peer
// connection for an already-known reliable-stream client).
func (c *Client) AttachPeer(peer *signaling.PeerConnection) {
	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()
}

// Serve pulls envelopes from src until it errors, dispatching each on
// its own goroutine, then runs disconnect cleanup. Call this for a
// client whose primary transport is the reliable stream.
func (c *Client) Serve(ctx context.Context, src Source) {
	for {
		env, err := src.Receive(ctx)
		if err != nil {
			break
		}
		go c.Handle(ctx, env)
	}
	c.Disconnect()
}

// Handle decodes and routes a single inbound envelope (spec §4.12's
// routing table). Unknown types are ignored with a warning, per spec
// §9's typed-dispatch redesign note.
func (c *Client) Handle(ctx context.Context, env envelope.Envelope) {
	h, ok := handlers[env.Type]
	if !ok {
		c.log.Warn("unknown envelope type", "type", env.Type)
		return
	}
	h(ctx, c, env)
}

// send is the best-effort outbound path: errors are logged, never
// propagated, since a write failure here means the connection is
// already on its way out (Serve's Receive will observe it next).
func (c *Client) send(env envelope.Envelope) {
	if err := c.Send(context.Background(), env); err != nil {
		c.log.Warn("send failed", "type", env.Type, "err", err)
	}
}

// Send routes env over the peer connection if one is attached and the
// envelope's type maps to one of its named channels, falling back to
// the reliable stream otherwise (spec §4.10's per-envelope channel
// selection).
func (c *Client) Send(ctx context.Context, env envelope.Envelope) error {
	c.mu.Lock()
	peer := c.peer
	out := c.out
	c.mu.Unlock()

	if peer != nil {
		if label := signaling.ChannelFor(env.Type); label != signaling.ChannelFallback {
			if err := peer.Send(label, env); err == nil {
				return nil
			}
		}
	}
	if out == nil {
		return apperr.New(apperr.ChannelNotOpen, "no reliable fallback transport attached")
	}
	return out.Send(ctx, env)
}

// sendError replies to a request with a typed *:error envelope rather
// than closing the connection (spec §7's propagation policy).
func (c *Client) sendError(msgType string, payload any) {
	env, err := envelope.New(msgType, payload)
	if err != nil {
		c.log.Warn("error envelope encode failed", "type", msgType, "err", err)
		return
	}
	c.send(env)
}

func errorCode(err error) string {
	if kind := apperr.KindOf(err); kind != "" {
		return string(kind)
	}
	return "IOError"
}

// trackSession records sessionID as owned by this client.
func (c *Client) trackSession(sessionID string) {
	c.mu.Lock()
	c.sessionIDs[sessionID] = true
	c.mu.Unlock()
	c.hub.setSessionOwner(sessionID, c)
}

// untrackSession drops sessionID from this client's ownership and
// stops its cwd poller, if any.
func (c *Client) untrackSession(sessionID string) {
	c.mu.Lock()
	delete(c.sessionIDs, sessionID)
	c.mu.Unlock()
	c.stopCwdPoll(sessionID)
	c.hub.clearSessionOwner(sessionID)
}

// startCwdPoll polls sessionID's cwd every cwdPollInterval, emitting
// terminal:cwd on change, until stopped or the session is untracked.
func (c *Client) startCwdPoll(sessionID string) {
	stop := make(chan struct{})
	c.mu.Lock()
	if old, ok := c.cwdStop[sessionID]; ok {
		close(old)
	}
	c.cwdStop[sessionID] = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(cwdPollInterval)
		defer ticker.Stop()
		last := ""
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				cwd := c.hub.PTYs.GetCwd(sessionID)
				if cwd != "" && cwd != last {
					last = cwd
					c.send(mustEnvelope(envelope.TypeTerminalCwd, envelope.TerminalCwd{SessionID: sessionID, CWD: cwd}))
				}
			}
		}
	}()
}

func (c *Client) stopCwdPoll(sessionID string) {
	c.mu.Lock()
	stop, ok := c.cwdStop[sessionID]
	delete(c.cwdStop, sessionID)
	c.mu.Unlock()
	if ok {
		close(stop)
	}
}

// Disconnect runs the full cleanup policy from spec §4.12: detach the
// browser preview if owned, orphan or destroy every owned session,
// close the peer connection, and close all tunnels (which rejects
// every in-flight request with TunnelClosed).
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sessionIDs := make([]string, 0, len(c.sessionIDs))
	for id := range c.sessionIDs {
		sessionIDs = append(sessionIDs, id)
	}
	peer := c.peer
	out := c.out
	c.mu.Unlock()

	if c.hub.isBrowserOwner(c) {
		c.hub.Browser.DetachPreview(0)
		c.hub.releaseBrowserOwner(c)
	}

	for _, sessionID := range sessionIDs {
		c.stopCwdPoll(sessionID)
		if _, exited := c.hub.PTYs.ExitCode(sessionID); exited {
			c.hub.PTYs.Remove(sessionID)
		} else {
			c.hub.Orphans.Orphan(sessionID)
		}
		c.hub.clearSessionOwner(sessionID)
	}

	c.tunnels.CloseAll()

	if peer != nil {
		peer.Close()
	}
	if out != nil {
		out.Close()
	}

	c.hub.removeClient(c)
}

func mustEnvelope(msgType string, payload any) envelope.Envelope {
	env, err := envelope.New(msgType, payload)
	if err != nil {
		return envelope.Envelope{Type: msgType}
	}
	return env
}
