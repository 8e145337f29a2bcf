// Package signaling implements the peer-to-peer session-establishment
// protocol: the agent-side rendezvous coordinator (spec §4.8), the
// documented browser-side mirror contract (spec §4.9), and the peer
// connection wrapper with its three named datachannels (spec §4.10).
//
// Grounded in the teacher's internal/webrtc/peer.go PeerManager, but
// generalized from a single per-sender "pty:<id>" datachannel label to
// the spec's fixed three-channel set, and from a relay-identity cache
// to a connection-state/channel-open event stream a dispatcher can
// subscribe to.
package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ehrlich-b/bridgeagent/internal/apperr"
	"github.com/ehrlich-b/bridgeagent/internal/envelope"
)

// Channel labels (spec §4.10).
const (
	ChannelTerminalIO    = "terminal-io"
	ChannelFileTransfer  = "file-transfer"
	ChannelBrowserStream = "browser-stream"

	// ChannelFallback is not a datachannel; it signals "use the
	// reliable-stream transport instead of the peer connection".
	ChannelFallback = ""
)

// ChannelFor selects the datachannel an outgoing envelope type should
// travel over, per spec §4.10's routing table.
func ChannelFor(envelopeType string) string {
	switch {
	case envelopeType == "terminal:output" || envelopeType == "terminal:input":
		return ChannelTerminalIO
	case hasPrefix(envelopeType, "image:") || hasPrefix(envelopeType, "file:"):
		return ChannelFileTransfer
	case hasPrefix(envelopeType, "browser:"):
		return ChannelBrowserStream
	default:
		return ChannelFallback
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Message is a parsed envelope tagged with the channel it arrived on.
type Message struct {
	Channel  string
	Envelope envelope.Envelope
}

// PeerConnection wraps a pion PeerConnection, bringing up the three
// named channels and exposing the event surface spec §4.10 names.
type PeerConnection struct {
	pc *webrtc.PeerConnection

	mu       sync.Mutex
	channels map[string]*webrtc.DataChannel

	onMessage    func(Message)
	onCandidate  func(candidate, sdpMid string)
	onConnected  func()
	onDisconnect func()
	onDCOpen     func(label string)
	onDCClose    func(label string)
}

// NewPeerConnection creates a connection configured with iceServers
// (e.g. the spec's default STUN server).
func NewPeerConnection(iceServers []webrtc.ICEServer) (*PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	p := &PeerConnection{pc: pc, channels: make(map[string]*webrtc.DataChannel)}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		p.mu.Lock()
		cb := p.onCandidate
		p.mu.Unlock()
		if cb != nil {
			init := c.ToJSON()
			mid := ""
			if init.SDPMid != nil {
				mid = *init.SDPMid
			}
			cb(init.Candidate, mid)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.mu.Lock()
		connCb, discCb := p.onConnected, p.onDisconnect
		p.mu.Unlock()
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if connCb != nil {
				connCb()
			}
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if discCb != nil {
				discCb()
			}
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.attach(dc)
	})

	return p, nil
}

func (p *PeerConnection) attach(dc *webrtc.DataChannel) {
	label := dc.Label()
	p.mu.Lock()
	p.channels[label] = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.mu.Lock()
		cb := p.onDCOpen
		p.mu.Unlock()
		if cb != nil {
			cb(label)
		}
	})
	dc.OnClose(func() {
		p.mu.Lock()
		cb := p.onDCClose
		delete(p.channels, label)
		p.mu.Unlock()
		if cb != nil {
			cb(label)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		env, err := envelope.Decode(msg.Data)
		if err != nil {
			return
		}
		p.mu.Lock()
		cb := p.onMessage
		p.mu.Unlock()
		if cb != nil {
			cb(Message{Channel: label, Envelope: env})
		}
	})
}

// OnMessage registers the callback invoked for every decoded inbound
// envelope on any channel.
func (p *PeerConnection) OnMessage(fn func(Message)) {
	p.mu.Lock()
	p.onMessage = fn
	p.mu.Unlock()
}

// OnCandidate registers the outgoing-ICE-candidate callback.
func (p *PeerConnection) OnCandidate(fn func(candidate, sdpMid string)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

// OnConnected registers the connected-state callback.
func (p *PeerConnection) OnConnected(fn func()) {
	p.mu.Lock()
	p.onConnected = fn
	p.mu.Unlock()
}

// OnDisconnected registers the disconnected/failed/closed callback.
func (p *PeerConnection) OnDisconnected(fn func()) {
	p.mu.Lock()
	p.onDisconnect = fn
	p.mu.Unlock()
}

// OnDataChannelOpen registers the per-channel open callback.
func (p *PeerConnection) OnDataChannelOpen(fn func(label string)) {
	p.mu.Lock()
	p.onDCOpen = fn
	p.mu.Unlock()
}

// OnDataChannelClose registers the per-channel close callback.
func (p *PeerConnection) OnDataChannelClose(fn func(label string)) {
	p.mu.Lock()
	p.onDCClose = fn
	p.mu.Unlock()
}

// HandleOffer sets the remote description from sdp, creates the local
// answer, waits for ICE gathering, and returns the answer SDP. Bounded
// by a 10s internal timeout per spec §4.10.
func (p *PeerConnection) HandleOffer(ctx context.Context, sdp string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", apperr.Wrap(apperr.ConnectionTimeout, "set remote description", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", apperr.Wrap(apperr.ConnectionTimeout, "create answer", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", apperr.Wrap(apperr.ConnectionTimeout, "set local description", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", apperr.New(apperr.ConnectionTimeout, "ice gathering timed out")
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return "", apperr.New(apperr.ConnectionTimeout, "no local description after gathering")
	}
	return local.SDP, nil
}

// AddICECandidate adds a remote ICE candidate.
func (p *PeerConnection) AddICECandidate(candidate string, sdpMid *string) error {
	init := webrtc.ICECandidateInit{Candidate: candidate, SDPMid: sdpMid}
	if err := p.pc.AddICECandidate(init); err != nil {
		return apperr.Wrap(apperr.ConnectionTimeout, "add ice candidate", err)
	}
	return nil
}

// EnsureChannels creates the three named datachannels with the
// reliability settings spec §4.10 requires, for the offering side
// (the agent never offers in this spec — the browser always initiates
// — so nothing in this repository calls it).
func (p *PeerConnection) EnsureChannels() error {
	maxRetransmits := uint16(0)
	specs := []struct {
		label   string
		ordered bool
		maxRT   *uint16
	}{
		{ChannelTerminalIO, true, &maxRetransmits},
		{ChannelFileTransfer, true, nil},
		{ChannelBrowserStream, true, nil},
	}
	for _, s := range specs {
		init := &webrtc.DataChannelInit{Ordered: &s.ordered}
		if s.maxRT != nil {
			init.MaxRetransmits = s.maxRT
		}
		dc, err := p.pc.CreateDataChannel(s.label, init)
		if err != nil {
			return fmt.Errorf("create channel %s: %w", s.label, err)
		}
		p.attach(dc)
	}
	return nil
}

// Send marshals env and sends it over the named channel. Fails with
// ChannelNotFound if the channel was never opened, or ChannelNotOpen
// if it exists but isn't in the open state.
func (p *PeerConnection) Send(channelLabel string, env envelope.Envelope) error {
	p.mu.Lock()
	dc, ok := p.channels[channelLabel]
	p.mu.Unlock()
	if !ok {
		return apperr.New(apperr.ChannelNotFound, channelLabel)
	}
	if dc.ReadyState() != webrtc.DataChannelStateOpen {
		return apperr.New(apperr.ChannelNotOpen, channelLabel)
	}
	data, err := envelope.Encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return dc.Send(data)
}

// Close shuts down the underlying peer connection.
func (p *PeerConnection) Close() error {
	return p.pc.Close()
}
