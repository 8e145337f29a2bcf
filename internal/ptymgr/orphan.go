package ptymgr

import (
	"sync"
	"time"
)

// DefaultOrphanTTL is how long an orphaned session is kept alive waiting
// for a reconnect before it is torn down (spec §4.5).
const DefaultOrphanTTL = 300 * time.Second

type orphanEntry struct {
	sessionID string
	deadline  time.Time
	timer     *time.Timer
}

// OrphanTracker tracks PTY sessions that lost their live consumer but
// whose process is kept running, bounded by a per-session TTL. When the
// TTL elapses without a Resume, the session is destroyed via the owning
// Manager.
type OrphanTracker struct {
	mgr *Manager
	ttl time.Duration

	mu      sync.Mutex
	orphans map[string]*orphanEntry
}

// NewOrphanTracker creates a tracker bound to mgr. A ttl <= 0 uses
// DefaultOrphanTTL.
func NewOrphanTracker(mgr *Manager, ttl time.Duration) *OrphanTracker {
	if ttl <= 0 {
		ttl = DefaultOrphanTTL
	}
	return &OrphanTracker{mgr: mgr, ttl: ttl, orphans: make(map[string]*orphanEntry)}
}

// Orphan marks sessionID as orphaned: it detaches the live sink (output
// now accumulates in the replay buffer) and starts the TTL countdown.
// It also rewires the session's exit callback so a process that exits
// on its own while orphaned is forgotten and removed immediately
// instead of lingering until the TTL fires (spec §4.5).
func (t *OrphanTracker) Orphan(sessionID string) {
	t.mgr.Detach(sessionID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.orphans[sessionID]; exists {
		return
	}
	entry := &orphanEntry{sessionID: sessionID, deadline: time.Now().Add(t.ttl)}
	entry.timer = time.AfterFunc(t.ttl, func() { t.expire(sessionID) })
	t.orphans[sessionID] = entry

	t.mgr.OnExit(sessionID, func(sessionID string, exitCode int) {
		t.Forget(sessionID)
		t.mgr.Remove(sessionID)
	})
}

// Resume cancels sessionID's TTL countdown, attaches fn as its live sink,
// and returns the bytes that accumulated while orphaned. It returns
// false if sessionID is not currently orphaned (spec §4.5 resume() edge
// case: session expired or never orphaned) or is no longer tracked.
func (t *OrphanTracker) Resume(sessionID string, fn func(data []byte)) ([]byte, bool) {
	t.mu.Lock()
	entry, ok := t.orphans[sessionID]
	if ok {
		entry.timer.Stop()
		delete(t.orphans, sessionID)
	}
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	buffered, err := t.mgr.AttachOutput(sessionID, fn)
	if err != nil {
		return nil, false
	}
	return buffered, true
}

// IsOrphaned reports whether sessionID is currently in the orphan table.
func (t *OrphanTracker) IsOrphaned(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.orphans[sessionID]
	return ok
}

// Forget removes sessionID from the orphan table without touching the
// underlying session, used when the process exits on its own while
// orphaned (spec §4.5: the PTY exit tears the session down immediately,
// no need to wait out the TTL).
func (t *OrphanTracker) Forget(sessionID string) {
	t.mu.Lock()
	entry, ok := t.orphans[sessionID]
	if ok {
		entry.timer.Stop()
		delete(t.orphans, sessionID)
	}
	t.mu.Unlock()
}

func (t *OrphanTracker) expire(sessionID string) {
	t.mu.Lock()
	_, ok := t.orphans[sessionID]
	delete(t.orphans, sessionID)
	t.mu.Unlock()
	if !ok {
		return
	}
	t.mgr.Destroy(sessionID)
}
