package ptymgr

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ehrlich-b/bridgeagent/internal/apperr"
)

func TestCreateEchoDestroy(t *testing.T) {
	m := New()
	pid, err := m.Create("s1", CreateOptions{Shell: "/bin/sh", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if pid == 0 {
		t.Fatalf("expected nonzero pid")
	}

	var mu sync.Mutex
	var got []byte
	done := make(chan struct{})
	m.OnOutput("s1", func(data []byte) {
		mu.Lock()
		got = append(got, data...)
		if strings.Contains(string(got), "hello-pty") {
			select {
			case <-done:
			default:
				close(done)
			}
		}
		mu.Unlock()
	})

	if err := m.Write("s1", []byte("echo hello-pty\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for echoed output")
	}

	if err := m.Destroy("s1"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := m.Destroy("s1"); !apperr.Is(err, apperr.SessionGone) {
		t.Fatalf("expected SessionGone on double destroy, got %v", err)
	}
}

func TestCreateRejectsDisallowedShell(t *testing.T) {
	m := New()
	_, err := m.Create("s2", CreateOptions{Shell: "/bin/not-a-real-shell"})
	if !apperr.Is(err, apperr.ShellNotAllowed) {
		t.Fatalf("expected ShellNotAllowed, got %v", err)
	}
}

func TestCreateRejectsDuplicateSession(t *testing.T) {
	m := New()
	if _, err := m.Create("dup", CreateOptions{Shell: "/bin/sh"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	defer m.Destroy("dup")

	if _, err := m.Create("dup", CreateOptions{Shell: "/bin/sh"}); err == nil {
		t.Fatalf("expected error creating duplicate session id")
	}
}

func TestWriteAfterDestroyFails(t *testing.T) {
	m := New()
	if _, err := m.Create("s3", CreateOptions{Shell: "/bin/sh"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Destroy("s3"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := m.Write("s3", []byte("x")); !apperr.Is(err, apperr.SessionGone) {
		t.Fatalf("expected SessionGone, got %v", err)
	}
}

func TestOrphanResumeWithinTTL(t *testing.T) {
	m := New()
	if _, err := m.Create("s4", CreateOptions{Shell: "/bin/sh"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	defer m.Destroy("s4")

	var firstGot []byte
	var mu sync.Mutex
	m.OnOutput("s4", func(data []byte) {
		mu.Lock()
		firstGot = append(firstGot, data...)
		mu.Unlock()
	})

	tracker := NewOrphanTracker(m, time.Minute)
	tracker.Orphan("s4")
	if !tracker.IsOrphaned("s4") {
		t.Fatalf("expected session to be tracked as orphaned")
	}

	m.Write("s4", []byte("echo while-orphaned\n"))
	time.Sleep(200 * time.Millisecond)

	var resumedGot []byte
	buffered, ok := tracker.Resume("s4", func(data []byte) {
		mu.Lock()
		resumedGot = append(resumedGot, data...)
		mu.Unlock()
	})
	if !ok {
		t.Fatalf("expected resume to succeed")
	}
	if !strings.Contains(string(buffered), "while-orphaned") {
		t.Fatalf("expected buffered replay to contain orphaned output, got %q", buffered)
	}
	if tracker.IsOrphaned("s4") {
		t.Fatalf("session should no longer be orphaned after resume")
	}
	_ = resumedGot
}

func TestOrphanResumeUnknownSessionFails(t *testing.T) {
	m := New()
	tracker := NewOrphanTracker(m, time.Minute)
	_, ok := tracker.Resume("never-orphaned", func([]byte) {})
	if ok {
		t.Fatalf("expected resume of unknown session to fail")
	}
}

func TestResizeUnknownSessionFails(t *testing.T) {
	m := New()
	if err := m.Resize("nope", 100, 40); !apperr.Is(err, apperr.SessionGone) {
		t.Fatalf("expected SessionGone, got %v", err)
	}
}
