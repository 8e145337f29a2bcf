package signaling

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeBus is a minimal in-process Bus for testing the coordinator's
// state machine without a real rendezvous service.
type fakeBus struct {
	mu       sync.Mutex
	channels map[string]*fakeChannel
}

func newFakeBus() *fakeBus {
	return &fakeBus{channels: make(map[string]*fakeChannel)}
}

func (b *fakeBus) Channel(name string) BusChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[name]
	if !ok {
		ch = &fakeChannel{name: name, handlers: make(map[string][]func([]byte))}
		b.channels[name] = ch
	}
	return ch
}

type fakeChannel struct {
	name string

	mu         sync.Mutex
	handlers   map[string][]func([]byte)
	subscribed bool
	sent       []sentEvent
}

type sentEvent struct {
	event   string
	payload []byte
}

func (c *fakeChannel) On(event string, fn func(payload []byte)) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], fn)
	c.mu.Unlock()
}

func (c *fakeChannel) Send(event string, payload []byte) error {
	c.mu.Lock()
	c.sent = append(c.sent, sentEvent{event, payload})
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Subscribe() error {
	c.mu.Lock()
	c.subscribed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Unsubscribe() error {
	c.mu.Lock()
	c.subscribed = false
	c.mu.Unlock()
	return nil
}

// deliver simulates an event arriving on the channel from the bus.
func (c *fakeChannel) deliver(event string, payload []byte) {
	c.mu.Lock()
	handlers := append([]func([]byte){}, c.handlers[event]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChannelForRoutesByPrefix(t *testing.T) {
	cases := map[string]string{
		"terminal:output":  ChannelTerminalIO,
		"terminal:input":   ChannelTerminalIO,
		"file:read":        ChannelFileTransfer,
		"image:chunk":      ChannelFileTransfer,
		"browser:frame":    ChannelBrowserStream,
		"tunnel:open":      ChannelFallback,
		"connection:ready": ChannelFallback,
	}
	for typ, want := range cases {
		if got := ChannelFor(typ); got != want {
			t.Errorf("ChannelFor(%q) = %q, want %q", typ, got, want)
		}
	}
}

func TestCoordinatorIgnoresRequestForOtherAgent(t *testing.T) {
	bus := newFakeBus()
	c := NewCoordinator(bus, "owner1", "agent-a", nil, testLogger())
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	presence := bus.Channel("user:owner1:agents").(*fakeChannel)
	presence.deliver("connection-request", mustJSON(connectionRequestPayload{AgentID: "agent-b"}))

	time.Sleep(50 * time.Millisecond)
	presence.mu.Lock()
	defer presence.mu.Unlock()
	if len(presence.sent) != 0 {
		t.Fatalf("expected no connection-ready reply for mismatched agent id, got %v", presence.sent)
	}
}

func TestCoordinatorRepliesReadyForMatchingAgent(t *testing.T) {
	bus := newFakeBus()
	c := NewCoordinator(bus, "owner1", "agent-a", nil, testLogger())
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	presence := bus.Channel("user:owner1:agents").(*fakeChannel)
	presence.deliver("connection-request", mustJSON(connectionRequestPayload{AgentID: "agent-a"}))

	time.Sleep(50 * time.Millisecond)
	presence.mu.Lock()
	defer presence.mu.Unlock()
	if len(presence.sent) != 1 || presence.sent[0].event != "connection-ready" {
		t.Fatalf("expected one connection-ready reply, got %v", presence.sent)
	}

	signalingCh := bus.Channel("agent:agent-a:signaling").(*fakeChannel)
	signalingCh.mu.Lock()
	subscribed := signalingCh.subscribed
	signalingCh.mu.Unlock()
	if !subscribed {
		t.Fatalf("expected signaling channel to be subscribed")
	}
}

func TestCoordinatorDuplicateRequestTearsDownPrevious(t *testing.T) {
	bus := newFakeBus()
	c := NewCoordinator(bus, "owner1", "agent-a", nil, testLogger())
	c.Start()
	presence := bus.Channel("user:owner1:agents").(*fakeChannel)

	presence.deliver("connection-request", mustJSON(connectionRequestPayload{AgentID: "agent-a"}))
	time.Sleep(20 * time.Millisecond)
	c.mu.Lock()
	first := c.session
	c.mu.Unlock()
	if first == nil {
		t.Fatalf("expected a session after first request")
	}

	presence.deliver("connection-request", mustJSON(connectionRequestPayload{AgentID: "agent-a"}))
	time.Sleep(20 * time.Millisecond)
	c.mu.Lock()
	second := c.session
	c.mu.Unlock()
	if second == nil || second == first {
		t.Fatalf("expected a fresh session replacing the torn-down one")
	}
}
