// Package bus implements signaling.Bus against Supabase Realtime, the
// third-party rendezvous bus the agent signaling coordinator treats as
// an external collaborator (spec §1, §4.8). Supabase Realtime speaks
// the Phoenix Channels wire protocol over a plain websocket: every
// frame is a 5-tuple [joinRef, ref, topic, event, payload]. No official
// Go client exists in the ecosystem for this, so this is built directly
// on github.com/coder/websocket, the same dependency already wired for
// internal/transport, rather than inventing a fake SDK.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/bridgeagent/internal/signaling"
)

const (
	heartbeatInterval = 25 * time.Second
	dialTimeout       = 10 * time.Second
)

// phoenixFrame is the wire shape of every Phoenix Channels message.
type phoenixFrame struct {
	JoinRef *string         `json:"join_ref"`
	Ref     *string         `json:"ref"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type broadcastPayload struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// SupabaseBus dials a single Supabase Realtime websocket connection and
// multiplexes every signaling.BusChannel over it, matching the way one
// physical connection backs many Phoenix channel topics.
type SupabaseBus struct {
	conn *websocket.Conn
	log  *slog.Logger

	refCounter atomic.Uint64

	mu       sync.Mutex
	channels map[string]*supaChannel
}

// Dial connects to a Supabase project's realtime endpoint using anonKey
// (or a service-role key) for auth.
func Dial(ctx context.Context, projectURL, anonKey string, log *slog.Logger) (*SupabaseBus, error) {
	u, err := url.Parse(projectURL)
	if err != nil {
		return nil, fmt.Errorf("parse project url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/realtime/v1/websocket"
	q := u.Query()
	q.Set("apikey", anonKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime websocket: %w", err)
	}

	b := &SupabaseBus{conn: conn, log: log, channels: make(map[string]*supaChannel)}
	go b.readLoop()
	go b.heartbeatLoop()
	return b, nil
}

// Channel returns the BusChannel for name, creating it on first use.
// Matches the rest of this package's lazy-topic convention.
func (b *SupabaseBus) Channel(name string) signaling.BusChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.channels[name]; ok {
		return ch
	}
	ch := &supaChannel{bus: b, topic: "realtime:" + name, handlers: make(map[string]func([]byte))}
	b.channels[name] = ch
	return ch
}

func (b *SupabaseBus) nextRef() string {
	return strconv.FormatUint(b.refCounter.Add(1), 10)
}

func (b *SupabaseBus) send(frame phoenixFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.conn.Write(ctx, websocket.MessageText, data)
}

func (b *SupabaseBus) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		ref := b.nextRef()
		if err := b.send(phoenixFrame{Ref: &ref, Topic: "phoenix", Event: "heartbeat", Payload: json.RawMessage("{}")}); err != nil {
			b.log.Warn("realtime heartbeat failed", "err", err)
			return
		}
	}
}

func (b *SupabaseBus) readLoop() {
	ctx := context.Background()
	for {
		_, data, err := b.conn.Read(ctx)
		if err != nil {
			b.log.Warn("realtime connection closed", "err", err)
			return
		}
		var frame phoenixFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		b.dispatch(frame)
	}
}

func (b *SupabaseBus) dispatch(frame phoenixFrame) {
	b.mu.Lock()
	ch, ok := b.channels[frame.Topic[len("realtime:"):]]
	b.mu.Unlock()
	if !ok {
		return
	}

	switch frame.Event {
	case "broadcast":
		var bp broadcastPayload
		if err := json.Unmarshal(frame.Payload, &bp); err != nil {
			return
		}
		ch.deliver(bp.Event, bp.Payload)
	default:
		ch.deliver(frame.Event, frame.Payload)
	}
}

// supaChannel is one Phoenix topic within a shared SupabaseBus
// connection.
type supaChannel struct {
	bus   *SupabaseBus
	topic string

	mu       sync.Mutex
	handlers map[string]func([]byte)
	joined   bool
	joinRef  string
}

func (c *supaChannel) On(event string, fn func(payload []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = fn
}

func (c *supaChannel) deliver(event string, payload []byte) {
	c.mu.Lock()
	fn, ok := c.handlers[event]
	c.mu.Unlock()
	if ok {
		fn(payload)
	}
}

func (c *supaChannel) Subscribe() error {
	c.mu.Lock()
	ref := c.bus.nextRef()
	c.joinRef = ref
	c.mu.Unlock()

	join := map[string]any{"config": map[string]any{"broadcast": map[string]any{"self": false}}}
	payload, _ := json.Marshal(join)
	if err := c.bus.send(phoenixFrame{JoinRef: &ref, Ref: &ref, Topic: c.topic, Event: "phx_join", Payload: payload}); err != nil {
		return err
	}
	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()
	return nil
}

func (c *supaChannel) Unsubscribe() error {
	c.mu.Lock()
	joined := c.joined
	ref := c.joinRef
	c.joined = false
	c.mu.Unlock()
	if !joined {
		return nil
	}
	leaveRef := c.bus.nextRef()
	return c.bus.send(phoenixFrame{JoinRef: &ref, Ref: &leaveRef, Topic: c.topic, Event: "phx_leave", Payload: json.RawMessage("{}")})
}

func (c *supaChannel) Send(event string, payload []byte) error {
	bp := broadcastPayload{Type: "broadcast", Event: event, Payload: payload}
	data, err := json.Marshal(bp)
	if err != nil {
		return err
	}
	ref := c.bus.nextRef()
	c.mu.Lock()
	joinRef := c.joinRef
	c.mu.Unlock()
	return c.bus.send(phoenixFrame{JoinRef: &joinRef, Ref: &ref, Topic: c.topic, Event: "broadcast", Payload: data})
}
