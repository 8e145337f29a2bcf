package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/bridgeagent/internal/authprovider"
	"github.com/ehrlich-b/bridgeagent/internal/browser"
	"github.com/ehrlich-b/bridgeagent/internal/bus"
	"github.com/ehrlich-b/bridgeagent/internal/config"
	"github.com/ehrlich-b/bridgeagent/internal/dispatcher"
	"github.com/ehrlich-b/bridgeagent/internal/projectstore"
	"github.com/ehrlich-b/bridgeagent/internal/ptymgr"
	"github.com/ehrlich-b/bridgeagent/internal/registryclient"
	"github.com/ehrlich-b/bridgeagent/internal/signaling"
	"github.com/ehrlich-b/bridgeagent/internal/transport"
)

func main() {
	root := &cobra.Command{
		Use:   "agentd",
		Short: "bridge agent: terminal, filesystem, tunnel and browser control plane",
	}
	root.AddCommand(serveCmd(), projectCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the agent, accepting connections from wing clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	return cmd
}

func runServe() error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := config.Load()

	userDir, err := config.GetUserConfigDir()
	if err != nil {
		return fmt.Errorf("resolve user config dir: %w", err)
	}
	if err := config.EnsureConfigDir(userDir); err != nil {
		return fmt.Errorf("ensure config dir: %w", err)
	}
	agentCfg, err := config.LoadAgentConfig(userDir)
	if err != nil {
		return fmt.Errorf("load agent config: %w", err)
	}

	store, err := projectstore.Open(filepath.Join(userDir, "projects.db"))
	if err != nil {
		return fmt.Errorf("open project store: %w", err)
	}
	defer store.Close()

	rootPath := ""
	if id, _ := store.CurrentProjectID(); id != "" {
		if p, err := store.Get(id); err == nil {
			rootPath = p.Path
		}
	}

	ptys := ptymgr.New()
	orphanTTL := ptymgr.DefaultOrphanTTL
	if cfg.SessionTimeout > 0 {
		orphanTTL = time.Duration(cfg.SessionTimeout) * time.Second
	}
	orphans := ptymgr.NewOrphanTracker(ptys, orphanTTL)
	browserSvc := browser.NewService(userDir, log)

	hub := dispatcher.NewHub(log, ptys, orphans, browserSvc, store, rootPath)
	defer hub.Close()

	auth := buildAuthProvider(cfg)

	agentID := cfg.AgentName
	if agentID == "" {
		agentID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	srv := &transport.Server{
		Addr: fmt.Sprintf(":%d", cfg.Port),
		Auth: auth,
		Log:  log,
		OnConnect: func(connCtx context.Context, conn *transport.Conn, identity authprovider.Identity) {
			client := dispatcher.NewClient(hub, conn, nil, identity, log)
			log.Info("client connected", "remote", conn.RemoteAddr(), "subject", identity.Subject)
			client.Serve(connCtx, conn)
		},
	}

	if cfg.SupabaseURL != "" && cfg.SupabaseKey != "" {
		realtimeBus, err := bus.Dial(ctx, cfg.SupabaseURL, cfg.SupabaseKey, log)
		if err != nil {
			log.Warn("signaling bus unavailable, peer-to-peer connections disabled", "err", err)
		} else {
			coordinator := signaling.NewCoordinator(realtimeBus, cfg.AgentName, agentID, toICEServers(agentCfg.ICEServers), log)
			coordinator.OnPeerConnection(func(peerAgentID string, peer *signaling.PeerConnection) {
				client := dispatcher.NewClient(hub, nil, peer, authprovider.Identity{Subject: peerAgentID}, log)
				log.Info("peer connection established", "agentId", peerAgentID)
				peer.OnMessage(func(m signaling.Message) { go client.Handle(ctx, m.Envelope) })
				peer.OnDisconnected(func() { client.Disconnect() })
			})
			if err := coordinator.Start(); err != nil {
				log.Warn("signaling coordinator start failed", "err", err)
			} else {
				defer coordinator.Stop()
			}
		}
	}

	if cfg.RegistryPath != "" {
		registryCl := registryclient.New(registryclient.NewHTTPRegistry(cfg.RegistryPath), log)
		go registryCl.Run(ctx, registryclient.RegisterRequest{
			Name:      cfg.AgentName,
			PublicURL: cfg.PublicURL,
			OwnerID:   agentID,
		})
	}

	log.Info("agent starting", "port", cfg.Port, "agentId", agentID)
	return srv.ListenAndServe(ctx)
}

func buildAuthProvider(cfg *config.Config) authprovider.Provider {
	return authprovider.NewStaticToken(cfg.Token)
}

// toICEServers converts the agent's persisted YAML ICE server config
// into the webrtc library's type, kept out of internal/config so that
// package stays free of a pion/webrtc import.
func toICEServers(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

func projectCmd() *cobra.Command {
	parent := &cobra.Command{
		Use:   "project",
		Short: "manage registered project directories",
	}
	parent.AddCommand(projectListCmd(), projectAddCmd(), projectRemoveCmd())
	return parent
}

func openStore() (*projectstore.Store, error) {
	userDir, err := config.GetUserConfigDir()
	if err != nil {
		return nil, err
	}
	if err := config.EnsureConfigDir(userDir); err != nil {
		return nil, err
	}
	return projectstore.Open(filepath.Join(userDir, "projects.db"))
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list registered projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			projects, err := store.List()
			if err != nil {
				return err
			}
			current, _ := store.CurrentProjectID()
			for _, p := range projects {
				marker := " "
				if p.ID == current {
					marker = "*"
				}
				fmt.Printf("%s %s\t%s\t%s\n", marker, p.ID, p.Name, p.Path)
			}
			return nil
		},
	}
}

func projectAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <name> <path>",
		Short: "register a project directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			abs, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}
			p, err := store.Add(args[0], abs)
			if err != nil {
				return err
			}
			fmt.Printf("added %s (%s)\n", p.Name, p.ID)
			return nil
		},
	}
	return cmd
}

func projectRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "remove a registered project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Remove(args[0])
		},
	}
}
