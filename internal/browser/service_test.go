package browser

import (
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/ehrlich-b/bridgeagent/internal/apperr"
)

func testService(t *testing.T) *Service {
	t.Helper()
	return NewService(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestValidateNavigationSchemeAcceptsHTTPAndHTTPS(t *testing.T) {
	for _, u := range []string{"http://example.com", "https://example.com/path?q=1"} {
		if err := validateNavigationScheme(u); err != nil {
			t.Fatalf("%s: unexpected error: %v", u, err)
		}
	}
}

func TestValidateNavigationSchemeRejectsOtherSchemes(t *testing.T) {
	for _, u := range []string{"file:///etc/passwd", "javascript:alert(1)", "ftp://host/x", "not a url"} {
		if err := validateNavigationScheme(u); !apperr.Is(err, apperr.SchemeBlocked) {
			t.Fatalf("%s: expected SchemeBlocked, got %v", u, err)
		}
	}
}

func TestClampFBounds(t *testing.T) {
	cases := []struct {
		v, lo, hi, want float64
	}{
		{-5, 0, 100, 0},
		{150, 0, 100, 100},
		{50, 0, 100, 50},
		{0, 0, 100, 0},
		{100, 0, 100, 100},
	}
	for _, c := range cases {
		if got := clampF(c.v, c.lo, c.hi); got != c.want {
			t.Fatalf("clampF(%v,%v,%v) = %v, want %v", c.v, c.lo, c.hi, got, c.want)
		}
	}
}

func TestIsFinite(t *testing.T) {
	if !isFinite(0) || !isFinite(123.45) || !isFinite(-99) {
		t.Fatal("ordinary values should be finite")
	}
	nan := 0.0
	nan = nan / nan
	if isFinite(nan) {
		t.Fatal("NaN should not be finite")
	}
	if isFinite(math.Inf(1)) {
		t.Fatal("infinite value should not be finite")
	}
}

func TestStatusOnFreshServiceIsStopped(t *testing.T) {
	s := testService(t)
	info := s.Status()
	if info.Running {
		t.Fatal("fresh service should not be running")
	}
}

func TestNavigateBeforeStartFails(t *testing.T) {
	s := testService(t)
	err := s.Navigate("https://example.com")
	if !apperr.Is(err, apperr.BrowserNotStarted) {
		t.Fatalf("expected BrowserNotStarted, got %v", err)
	}
}

func TestInputBeforeStartFails(t *testing.T) {
	s := testService(t)
	err := s.Input(InputEvent{Kind: "mouseMoved", X: 10, Y: 10})
	if !apperr.Is(err, apperr.BrowserNotStarted) {
		t.Fatalf("expected BrowserNotStarted, got %v", err)
	}
}

func TestResizeBeforeStartFails(t *testing.T) {
	s := testService(t)
	err := s.Resize(640, 480)
	if !apperr.Is(err, apperr.BrowserNotStarted) {
		t.Fatalf("expected BrowserNotStarted, got %v", err)
	}
}

func TestStopOnFreshServiceIsNoop(t *testing.T) {
	s := testService(t)
	if err := s.Stop(); err != nil {
		t.Fatalf("stop on a never-started service should be a no-op, got %v", err)
	}
	if s.Status().Running {
		t.Fatal("still should not be running")
	}
}

func TestDetachAndAttachWithoutRunningAreNoops(t *testing.T) {
	s := testService(t)
	s.DetachPreview(0)
	s.AttachPreview()
	if s.Status().Running {
		t.Fatal("detach/attach without a running browser should not start one")
	}
}
