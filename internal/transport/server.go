// Package transport implements the reliable-stream transport server
// (spec §4.11): TCP listener, websocket upgrade, bearer-credential
// auth, and a per-connection envelope read/write surface the
// dispatcher drives. Grounded in the teacher's
// internal/direct/server.go handleDirectPTY, generalized from a single
// PTY-attach handshake to the full envelope protocol.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/bridgeagent/internal/authprovider"
	"github.com/ehrlich-b/bridgeagent/internal/envelope"
)

// MaxPayload is the per-record size limit spec §4.11 names (10 MiB).
const MaxPayload = 10 * 1024 * 1024

// Conn is a single client's envelope stream.
type Conn struct {
	ws         *websocket.Conn
	remoteAddr string
}

// Send encodes and writes env as a text frame.
func (c *Conn) Send(ctx context.Context, env envelope.Envelope) error {
	data, err := envelope.Encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Receive reads and decodes the next envelope. Returns
// apperr.MalformedEnvelope for bad records rather than closing the
// connection, so the caller can reply with a *:error envelope.
func (c *Conn) Receive(ctx context.Context) (envelope.Envelope, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return envelope.Envelope{}, err
	}
	return envelope.Decode(data)
}

// RemoteAddr is the client's network address, for logging.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Close closes the underlying websocket connection.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "closing")
}

// CloseWithError closes the connection abnormally, used after a
// rejected handler panic or unrecoverable protocol violation.
func (c *Conn) CloseWithError(reason string) error {
	return c.ws.Close(websocket.StatusProtocolError, reason)
}

// Handler is invoked once per accepted connection, after auth
// succeeds. It owns the connection until it returns; the server closes
// the underlying socket when it does.
type Handler func(ctx context.Context, conn *Conn, identity authprovider.Identity)

// Server accepts TCP connections, upgrades to websocket, and runs
// Handler for each one after auth.
type Server struct {
	Addr      string
	Auth      authprovider.Provider // nil means auth disabled, all connections accepted anonymously
	OnConnect Handler
	Log       *slog.Logger

	ln net.Listener
}

// ListenAndServe binds Addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr, err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /agent", s.handleUpgrade)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	})

	httpSrv := &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Serve(ln) }()

	s.logger().Info("transport listening", "addr", s.Addr)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Close stops the listener immediately.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	log := s.logger()

	identity, ok, err := s.authenticate(r)
	if err != nil {
		log.Error("auth provider failure", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Warn("websocket accept failed", "err", err)
		return
	}
	ws.SetReadLimit(MaxPayload)

	conn := &Conn{ws: ws, remoteAddr: r.RemoteAddr}
	defer conn.ws.CloseNow()

	if s.OnConnect != nil {
		s.OnConnect(r.Context(), conn, identity)
	}
}

// authenticate extracts a bearer credential per spec §6 (query param
// ?token=, or Authorization: Bearer) and verifies it. A nil Auth
// disables authentication entirely.
func (s *Server) authenticate(r *http.Request) (authprovider.Identity, bool, error) {
	if s.Auth == nil {
		return authprovider.Identity{Subject: "anonymous"}, true, nil
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return s.Auth.Verify(r.Context(), token)
}

func (s *Server) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
