// Package tunnel implements the per-client reverse HTTP proxy that lets
// a browser client reach a localhost-bound dev server through the
// agent (spec §4.6).
//
// Grounded in the teacher's internal/relay/pty_relay.go routing-table
// pattern (a map keyed by an id, guarded by a RWMutex) generalized from
// "relay-to-browser" routing to "agent-to-upstream" request/response
// correlation.
package tunnel

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ehrlich-b/bridgeagent/internal/apperr"
)

// State is a tunnel's lifecycle stage.
type State string

const (
	StateOpening State = "opening"
	StateOpen    State = "open"
	StateError   State = "error"
	StateClosed  State = "closed"
)

// Request is one forwarded HTTP request (spec's tunnel:request payload).
type Request struct {
	RequestID string
	Method    string
	Path      string
	Headers   map[string]string
	BodyB64   string
}

// Response is the result of forwarding a Request (spec's tunnel:response
// payload).
type Response struct {
	RequestID string
	Status    int
	Headers   map[string]string
	BodyB64   string
}

type tunnelEntry struct {
	id         string
	targetHost string
	targetPort int
	state      State
	errMsg     string

	mu      sync.Mutex
	pending map[string]context.CancelFunc
}

// Proxy owns the set of open tunnels for one client connection.
type Proxy struct {
	mu      sync.Mutex
	tunnels map[string]*tunnelEntry
	client  *http.Client
}

// NewProxy creates an empty Proxy. timeout bounds each forwarded
// request; a timeout <= 0 uses 30s.
func NewProxy(timeout time.Duration) *Proxy {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Proxy{
		tunnels: make(map[string]*tunnelEntry),
		client:  &http.Client{Timeout: timeout},
	}
}

// Open registers a new tunnel. Duplicate ids fail with TunnelExists.
func (p *Proxy) Open(tunnelID, targetHost string, targetPort int) error {
	if targetHost == "" {
		targetHost = "127.0.0.1"
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.tunnels[tunnelID]; exists {
		return apperr.New(apperr.TunnelExists, tunnelID)
	}
	p.tunnels[tunnelID] = &tunnelEntry{
		id:         tunnelID,
		targetHost: targetHost,
		targetPort: targetPort,
		state:      StateOpen,
		pending:    make(map[string]context.CancelFunc),
	}
	return nil
}

// Close tears down tunnelID, canceling every in-flight request so each
// rejects with TunnelClosed. Closing an unknown tunnel is a no-op: the
// dispatcher calls Close unconditionally on client disconnect.
func (p *Proxy) Close(tunnelID string) {
	p.mu.Lock()
	t, ok := p.tunnels[tunnelID]
	delete(p.tunnels, tunnelID)
	p.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	t.state = StateClosed
	for _, cancel := range t.pending {
		cancel()
	}
	t.mu.Unlock()
}

// Forward issues req against tunnelID's target and returns the
// response, or a typed error (TunnelNotOpen, TunnelClosed,
// UpstreamUnreachable).
func (p *Proxy) Forward(tunnelID string, req Request) (Response, error) {
	p.mu.Lock()
	t, ok := p.tunnels[tunnelID]
	p.mu.Unlock()
	if !ok {
		return Response{}, apperr.New(apperr.TunnelNotOpen, tunnelID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	if t.state != StateOpen {
		t.mu.Unlock()
		cancel()
		return Response{}, apperr.New(apperr.TunnelNotOpen, tunnelID)
	}
	t.pending[req.RequestID] = cancel
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, req.RequestID)
		t.mu.Unlock()
		cancel()
	}()

	var body io.Reader
	if req.BodyB64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.BodyB64)
		if err != nil {
			return Response{}, apperr.Wrap(apperr.IOError, "decode body", err)
		}
		body = bytes.NewReader(decoded)
	}

	url := t.targetHost + ":" + strconv.Itoa(t.targetPort) + req.Path
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, "http://"+url, body)
	if err != nil {
		return Response{}, apperr.Wrap(apperr.UpstreamUnreachable, "build request", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, apperr.New(apperr.TunnelClosed, tunnelID)
		}
		return Response{}, apperr.Wrap(apperr.UpstreamUnreachable, "do request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, apperr.Wrap(apperr.UpstreamUnreachable, "read response", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return Response{
		RequestID: req.RequestID,
		Status:    resp.StatusCode,
		Headers:   headers,
		BodyB64:   base64.StdEncoding.EncodeToString(respBody),
	}, nil
}

// State reports tunnelID's current lifecycle state.
func (p *Proxy) State(tunnelID string) (State, bool) {
	p.mu.Lock()
	t, ok := p.tunnels[tunnelID]
	p.mu.Unlock()
	if !ok {
		return "", false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, true
}

// CloseAll tears down every tunnel owned by this proxy, e.g. on client
// disconnect.
func (p *Proxy) CloseAll() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.tunnels))
	for id := range p.tunnels {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.Close(id)
	}
}
