// Package registryclient implements the agent's consumer side of the
// external agent registry (spec §6 "Agent registry (consumed)"):
// register once at startup, heartbeat every 30s, unregister on
// shutdown. Heartbeats are best-effort — failures are logged and
// swallowed, never fatal to the agent process.
//
// Grounded in the teacher's internal/ws/client.go heartbeatLoop (same
// 30s interval, same ticker-plus-context-cancellation shape) and
// internal/relay/internal_api.go's refreshRemoteUserOrgs for the
// plain net/http JSON-over-HTTP calling convention, generalized from a
// one-off GET into the register/heartbeat/unregister trio.
package registryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// HeartbeatInterval matches the teacher's relay heartbeat cadence and
// spec §6's stated 30s.
const HeartbeatInterval = 30 * time.Second

// RegisterRequest is what the agent announces about itself (spec's
// register({name, publicUrl, ownerId, version?, platform?, metadata?})).
type RegisterRequest struct {
	Name      string            `json:"name"`
	PublicURL string            `json:"publicUrl"`
	OwnerID   string            `json:"ownerId"`
	Version   string            `json:"version,omitempty"`
	Platform  string            `json:"platform,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Info is the registry's response to a successful Register.
type Info struct {
	ID string `json:"id"`
}

// Registry is the external collaborator spec §6 names. HTTPRegistry is
// the concrete implementation this package ships; any other transport
// satisfying this interface can be substituted.
type Registry interface {
	Register(ctx context.Context, req RegisterRequest) (Info, error)
	Heartbeat(ctx context.Context, id string) error
	Unregister(ctx context.Context, id string) error
}

// HTTPRegistry calls a JSON-over-HTTP registry at BaseURL.
type HTTPRegistry struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPRegistry builds a registry client bound to baseURL.
func NewHTTPRegistry(baseURL string) *HTTPRegistry {
	return &HTTPRegistry{BaseURL: baseURL, Client: &http.Client{Timeout: 5 * time.Second}}
}

func (h *HTTPRegistry) Register(ctx context.Context, req RegisterRequest) (Info, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Info{}, fmt.Errorf("marshal register request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/agents", bytes.NewReader(body))
	if err != nil {
		return Info{}, fmt.Errorf("build register request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(httpReq)
	if err != nil {
		return Info{}, fmt.Errorf("register: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return Info{}, fmt.Errorf("register: unexpected status %d", resp.StatusCode)
	}

	var info Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Info{}, fmt.Errorf("decode register response: %w", err)
	}
	return info, nil
}

func (h *HTTPRegistry) Heartbeat(ctx context.Context, id string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/agents/"+id+"/heartbeat", nil)
	if err != nil {
		return err
	}
	resp, err := h.Client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("heartbeat: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (h *HTTPRegistry) Unregister(ctx context.Context, id string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, h.BaseURL+"/agents/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := h.Client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("unregister: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Client drives the register/heartbeat/unregister lifecycle against a
// Registry. All failures after the initial Register are logged and
// swallowed (spec §6): a registry outage never brings the agent down.
type Client struct {
	registry Registry
	log      *slog.Logger

	id string
}

// New creates a lifecycle client for registry.
func New(registry Registry, log *slog.Logger) *Client {
	return &Client{registry: registry, log: log}
}

// Run registers req, then heartbeats every HeartbeatInterval until ctx
// is cancelled, then best-effort unregisters. A failed initial register
// is logged and Run returns immediately without starting heartbeats —
// the agent continues to operate without a registry entry.
func (c *Client) Run(ctx context.Context, req RegisterRequest) {
	info, err := c.registry.Register(ctx, req)
	if err != nil {
		c.log.Warn("registry register failed, continuing unregistered", "err", err)
		return
	}
	c.id = info.ID
	c.log.Info("registered with agent registry", "id", c.id)

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			unregCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := c.registry.Unregister(unregCtx, c.id); err != nil {
				c.log.Warn("registry unregister failed", "err", err)
			}
			return
		case <-ticker.C:
			if err := c.registry.Heartbeat(ctx, c.id); err != nil {
				c.log.Warn("registry heartbeat failed", "err", err)
			}
		}
	}
}
