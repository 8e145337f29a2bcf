package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/bridgeagent/internal/apperr"
)

// cdpRequest is an outgoing JSON-RPC call.
type cdpRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// cdpResponse is an incoming JSON-RPC reply or event.
type cdpResponse struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// cdpClient is a minimal Chrome DevTools Protocol client: a
// JSON-RPC-over-WebSocket peer, grounded in the same coder/websocket
// usage the teacher applies to browser-direct PTY sockets
// (internal/direct/server.go).
type cdpClient struct {
	conn *websocket.Conn

	nextID uint64

	mu       sync.Mutex
	pending  map[uint64]chan cdpResponse
	handlers map[string][]func(json.RawMessage)
	closed   bool

	onDisconnect func(error)
}

func dialCDP(ctx context.Context, endpoint string) (*cdpClient, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.CdpConnectionLost, "dial inspector", err)
	}
	conn.SetReadLimit(64 * 1024 * 1024) // screencast frames can be large

	c := &cdpClient{
		conn:     conn,
		pending:  make(map[uint64]chan cdpResponse),
		handlers: make(map[string][]func(json.RawMessage)),
	}
	go c.readLoop()
	return c, nil
}

func (c *cdpClient) readLoop() {
	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			c.closed = true
			pending := c.pending
			c.pending = nil
			cb := c.onDisconnect
			c.mu.Unlock()
			for _, ch := range pending {
				close(ch)
			}
			if cb != nil {
				cb(err)
			}
			return
		}

		var resp cdpResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}

		if resp.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[resp.ID]
			if ok {
				delete(c.pending, resp.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- resp
				close(ch)
			}
			continue
		}

		if resp.Method != "" {
			c.mu.Lock()
			hs := append([]func(json.RawMessage){}, c.handlers[resp.Method]...)
			c.mu.Unlock()
			for _, h := range hs {
				h(resp.Params)
			}
		}
	}
}

// OnEvent registers a handler for a CDP event method (e.g.
// "Page.screencastFrame").
func (c *cdpClient) OnEvent(method string, fn func(params json.RawMessage)) {
	c.mu.Lock()
	c.handlers[method] = append(c.handlers[method], fn)
	c.mu.Unlock()
}

// OnDisconnect registers the callback invoked once the read loop
// observes a connection error.
func (c *cdpClient) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// Call issues a CDP method call and waits for its reply, or ctx's
// deadline.
func (c *cdpClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = encoded
	}

	id := atomic.AddUint64(&c.nextID, 1)
	ch := make(chan cdpResponse, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apperr.New(apperr.CdpConnectionLost, "inspector disconnected")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	req := cdpRequest{ID: id, Method: method, Params: raw}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, apperr.Wrap(apperr.CdpConnectionLost, "write to inspector", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, apperr.New(apperr.CdpConnectionLost, "inspector closed before reply")
		}
		if resp.Error != nil {
			return nil, apperr.New(apperr.InspectorTimeout, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.InspectorTimeout, method, ctx.Err())
	}
}

// Close closes the underlying websocket connection.
func (c *cdpClient) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "closing")
}

const defaultCallTimeout = 5 * time.Second
