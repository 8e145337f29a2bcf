// Package sink implements the output delegate that stands between a PTY
// output pump and its current consumer — either a live transport write
// function or a replay buffer (spec §4.3). Swapping the live sink is
// atomic with respect to Write, so bytes are never lost or duplicated
// across a swap.
//
// Grounded in the teacher's SwappableWriter (internal/webrtc/transport.go),
// generalized from "relay vs. datachannel" to "live transport vs. replay
// buffer".
package sink

import (
	"sync"

	"github.com/ehrlich-b/bridgeagent/internal/replay"
)

// WriteFunc delivers a chunk of producer output to a live consumer.
type WriteFunc func(data []byte)

// Delegate routes producer bytes to whichever sink is currently attached.
type Delegate struct {
	mu     sync.Mutex
	live   WriteFunc
	buffer *replay.Buffer
}

// New creates a Delegate that falls back to its own replay buffer
// (capacity per replay.DefaultCapacity) whenever no live sink is set.
func New() *Delegate {
	return &Delegate{buffer: replay.New(replay.DefaultCapacity)}
}

// SetSink atomically swaps the live sink. Passing nil detaches the live
// sink, causing subsequent writes to accumulate in the replay buffer.
func (d *Delegate) SetSink(fn WriteFunc) {
	d.mu.Lock()
	d.live = fn
	d.mu.Unlock()
}

// Write delivers data to the live sink if attached, else to the replay
// buffer. The mutex is held for the duration of a live write so a
// concurrent SetSink cannot interleave with it.
func (d *Delegate) Write(data []byte) {
	if len(data) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.live != nil {
		d.live(data)
		return
	}
	d.buffer.Write(data)
}

// AttachOutput swaps in a new live sink and returns the bytes that had
// accumulated in the replay buffer while detached (spec §4.4's
// attachOutput: delivered to the caller, not fn, so it can be embedded
// in an attach response).
func (d *Delegate) AttachOutput(fn WriteFunc) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	buffered := d.buffer.Drain()
	d.live = fn
	return buffered
}

// Detach clears the live sink so subsequent writes fall back to the
// replay buffer. TTL and deadline bookkeeping is kept by the caller.
func (d *Delegate) Detach() {
	d.mu.Lock()
	d.live = nil
	d.mu.Unlock()
}

// Buffer exposes the underlying replay buffer, e.g. so the orphan tracker
// can size/stat it without routing writes through Write.
func (d *Delegate) Buffer() *replay.Buffer {
	return d.buffer
}
