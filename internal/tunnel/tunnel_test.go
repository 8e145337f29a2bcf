package tunnel

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ehrlich-b/bridgeagent/internal/apperr"
)

func testServer(t *testing.T) (host string, port int, closeFn func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Echo-Path", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	}))
	u, _ := url.Parse(srv.URL)
	p, _ := strconv.Atoi(u.Port())
	return "127.0.0.1", p, srv.Close
}

func TestOpenForwardClose(t *testing.T) {
	host, port, closeSrv := testServer(t)
	defer closeSrv()

	p := NewProxy(5 * time.Second)
	if err := p.Open("t1", host, port); err != nil {
		t.Fatalf("open: %v", err)
	}

	resp, err := p.Forward("t1", Request{RequestID: "r1", Method: "GET", Path: "/hello"})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("got status %d", resp.Status)
	}
	body, _ := base64.StdEncoding.DecodeString(resp.BodyB64)
	if string(body) != "pong" {
		t.Fatalf("got body %q", body)
	}

	p.Close("t1")
	if _, err := p.Forward("t1", Request{RequestID: "r2", Method: "GET", Path: "/"}); !apperr.Is(err, apperr.TunnelNotOpen) {
		t.Fatalf("expected TunnelNotOpen after close, got %v", err)
	}
}

func TestDuplicateOpenFails(t *testing.T) {
	p := NewProxy(time.Second)
	if err := p.Open("dup", "127.0.0.1", 9999); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := p.Open("dup", "127.0.0.1", 9999); !apperr.Is(err, apperr.TunnelExists) {
		t.Fatalf("expected TunnelExists, got %v", err)
	}
}

func TestForwardUnknownTunnelFails(t *testing.T) {
	p := NewProxy(time.Second)
	if _, err := p.Forward("nope", Request{RequestID: "r1", Method: "GET", Path: "/"}); !apperr.Is(err, apperr.TunnelNotOpen) {
		t.Fatalf("expected TunnelNotOpen, got %v", err)
	}
}

func TestForwardUnreachableUpstreamFails(t *testing.T) {
	p := NewProxy(time.Second)
	p.Open("t2", "127.0.0.1", 1)
	_, err := p.Forward("t2", Request{RequestID: "r1", Method: "GET", Path: "/"})
	if !apperr.Is(err, apperr.UpstreamUnreachable) {
		t.Fatalf("expected UpstreamUnreachable, got %v", err)
	}
	if state, _ := p.State("t2"); state != StateOpen {
		t.Fatalf("tunnel should remain open after a single failed request, got %v", state)
	}
}

func TestConcurrentRequestsDistinguishedByID(t *testing.T) {
	host, port, closeSrv := testServer(t)
	defer closeSrv()

	p := NewProxy(5 * time.Second)
	p.Open("t3", host, port)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.Forward("t3", Request{RequestID: strconv.Itoa(i), Method: "GET", Path: "/x"})
			errs[i] = err
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
	}
}
