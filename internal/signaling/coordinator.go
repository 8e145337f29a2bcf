package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// Timeouts from spec §5/§4.8.
const (
	SubscribeTimeout = 5 * time.Second
	CleanupDeadline  = 120 * time.Second
)

// ClientWaitTimeouts documents the browser-side mirror state machine
// (spec §4.9): requesting → waiting-ready (5s) → creating-offer →
// waiting-answer (10s) → connecting → connected (15s); up to 3 retries
// with a 3s delay between attempts. The agent never implements this
// side — it's an external collaborator — but the coordinator's own
// timeouts above are chosen to be compatible with it.
const (
	ClientWaitingReadyTimeout  = 5 * time.Second
	ClientWaitingAnswerTimeout = 10 * time.Second
	ClientConnectingTimeout    = 15 * time.Second
	ClientMaxRetries           = 3
	ClientRetryDelay           = 3 * time.Second
)

type connectionRequestPayload struct {
	AgentID string `json:"agentId"`
}

type sdpPayload struct {
	SDP string `json:"sdp"`
}

type candidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// signalingSession is the live state for one in-progress or established
// peer connection attempt (spec's "Signaling session" data model).
type signalingSession struct {
	agentID string
	peerCh  BusChannel
	peer    *PeerConnection
	cleanup *time.Timer
}

// Coordinator implements the agent-side rendezvous protocol (spec
// §4.8): subscribe to this agent's presence channel, answer incoming
// connection requests, and drive offer/answer/ICE exchange to
// completion.
//
// Grounded in the teacher's internal/webrtc/peer.go PeerManager for the
// peer-connection half; the presence/signaling-channel state machine
// itself has no teacher analog (the teacher used a relay WebSocket, not
// a third-party rendezvous bus) and is built directly from spec §4.8.
type Coordinator struct {
	bus        Bus
	ownerID    string
	agentID    string
	iceServers []webrtc.ICEServer
	log        *slog.Logger

	onPeerConnection func(agentID string, peer *PeerConnection)

	mu      sync.Mutex
	session *signalingSession
}

// NewCoordinator creates a Coordinator that answers connection requests
// addressed to agentID, owned by ownerID, on bus.
func NewCoordinator(bus Bus, ownerID, agentID string, iceServers []webrtc.ICEServer, log *slog.Logger) *Coordinator {
	return &Coordinator{bus: bus, ownerID: ownerID, agentID: agentID, iceServers: iceServers, log: log}
}

// OnPeerConnection registers the callback invoked once a peer connection
// has been constructed for an accepted request, letting the dispatcher
// wire up its message/connection handlers before signaling proceeds.
func (c *Coordinator) OnPeerConnection(fn func(agentID string, peer *PeerConnection)) {
	c.mu.Lock()
	c.onPeerConnection = fn
	c.mu.Unlock()
}

// Start subscribes to the owner's presence channel and begins listening
// for connection-request events.
func (c *Coordinator) Start() error {
	presence := c.bus.Channel("user:" + c.ownerID + ":agents")
	presence.On("connection-request", func(payload []byte) {
		var req connectionRequestPayload
		if err := json.Unmarshal(payload, &req); err != nil {
			c.log.Warn("malformed connection-request", "err", err)
			return
		}
		if req.AgentID != c.agentID {
			return
		}
		c.handleRequest(presence)
	})
	return presence.Subscribe()
}

func (c *Coordinator) handleRequest(presence BusChannel) {
	c.mu.Lock()
	if c.session != nil {
		c.teardownLocked()
	}
	c.mu.Unlock()

	signalingCh := c.bus.Channel("agent:" + c.agentID + ":signaling")

	subscribed := make(chan error, 1)
	go func() { subscribed <- signalingCh.Subscribe() }()
	select {
	case err := <-subscribed:
		if err != nil {
			c.log.Warn("signaling channel subscribe failed", "err", err)
			return
		}
	case <-time.After(SubscribeTimeout):
		c.log.Warn("signaling channel subscribe timed out", "agentId", c.agentID)
		return
	}

	session := &signalingSession{agentID: c.agentID, peerCh: signalingCh}
	session.cleanup = time.AfterFunc(CleanupDeadline, func() { c.expire(session) })

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	signalingCh.On("offer", func(payload []byte) { c.handleOffer(session, payload) })
	signalingCh.On("candidate", func(payload []byte) { c.handleRemoteCandidate(session, payload) })

	if err := presence.Send("connection-ready", mustJSON(connectionRequestPayload{AgentID: c.agentID})); err != nil {
		c.log.Warn("send connection-ready failed", "err", err)
	}
}

func (c *Coordinator) handleOffer(session *signalingSession, payload []byte) {
	var offer sdpPayload
	if err := json.Unmarshal(payload, &offer); err != nil {
		c.log.Warn("malformed offer", "err", err)
		return
	}

	peer, err := NewPeerConnection(c.iceServers)
	if err != nil {
		c.log.Warn("new peer connection failed", "err", err)
		return
	}
	peer.OnCandidate(func(candidate, sdpMid string) {
		mid := sdpMid
		session.peerCh.Send("candidate", mustJSON(candidatePayload{Candidate: candidate, SDPMid: &mid}))
	})
	// Spec §4.8 step 6: the cleanup timer only closes the peer if it's
	// still unconnected by the deadline. Once connected, disarm it —
	// otherwise every session gets force-closed at CleanupDeadline
	// regardless of whether it's live.
	peer.OnConnected(func() { session.cleanup.Stop() })

	c.mu.Lock()
	session.peer = peer
	cb := c.onPeerConnection
	c.mu.Unlock()
	if cb != nil {
		cb(session.agentID, peer)
	}

	answer, err := peer.HandleOffer(context.Background(), offer.SDP)
	if err != nil {
		c.log.Warn("handle offer failed", "err", err)
		return
	}
	if err := session.peerCh.Send("answer", mustJSON(sdpPayload{SDP: answer})); err != nil {
		c.log.Warn("send answer failed", "err", err)
	}
}

func (c *Coordinator) handleRemoteCandidate(session *signalingSession, payload []byte) {
	var cand candidatePayload
	if err := json.Unmarshal(payload, &cand); err != nil {
		c.log.Warn("malformed candidate", "err", err)
		return
	}
	c.mu.Lock()
	peer := session.peer
	c.mu.Unlock()
	if peer == nil {
		return
	}
	if err := peer.AddICECandidate(cand.Candidate, cand.SDPMid); err != nil {
		c.log.Warn("add ice candidate failed", "err", err)
	}
}

func (c *Coordinator) expire(session *signalingSession) {
	c.mu.Lock()
	if c.session != session {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.mu.Unlock()
}

// teardownLocked must be called with c.mu held.
func (c *Coordinator) teardownLocked() {
	if c.session == nil {
		return
	}
	s := c.session
	s.cleanup.Stop()
	if s.peer != nil {
		s.peer.Close()
	}
	s.peerCh.Unsubscribe()
	c.session = nil
}

// Stop tears down any in-progress signaling session.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
