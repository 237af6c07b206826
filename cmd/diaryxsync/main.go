// Command diaryxsync is a demo host for the sync core: it opens one
// workspace document against a sync server, keeps it open until
// interrupted, and hot-reloads its connection settings from config.yaml.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/diaryxsync/internal/config"
	"github.com/ehrlich-b/diaryxsync/internal/doctransport"
	"github.com/ehrlich-b/diaryxsync/internal/engine"
	"github.com/ehrlich-b/diaryxsync/internal/identity"
	"github.com/ehrlich-b/diaryxsync/internal/logger"
	"github.com/ehrlich-b/diaryxsync/internal/session"
	"github.com/ehrlich-b/diaryxsync/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:   "diaryxsync",
		Short: "diaryx-sync client core",
	}
	root.AddCommand(newSyncCmd())
	root.AddCommand(newIdentityCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "open a document and keep it synced until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, _ := cmd.Flags().GetString("doc")
			dir, _ := cmd.Flags().GetString("dir")
			logLevel, _ := cmd.Flags().GetString("log-level")

			if dir == "" {
				d, err := config.UserConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				dir = d
			}
			if err := config.EnsureConfigDir(dir); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}

			if err := logger.Init(logLevel, filepath.Join(dir, "diaryxsync.log")); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			cfg, err := config.Load(dir)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			st, err := store.Open(filepath.Join(dir, "diaryxsync.db"))
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			idStore := identity.NewStore(dir)
			kp, err := idStore.LoadOrCreate()
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}
			logger.Log.Info("device identity ready", "publicKey", kp.PublicHex())

			backend := engine.NewFake()
			instanceID := uuid.NewString()
			logger.Log.Info("client instance started", "instanceId", instanceID)

			// The factory reads the manager's current server URL so a
			// hot-reloaded value reaches rebuilt transports.
			var mgr *session.Manager
			factory := func(ctx context.Context, docName string) (session.Transport, error) {
				serverURL := mgr.ServerURL()
				if serverURL == "" {
					serverURL = cfg.ServerURL
				}
				return doctransport.New(doctransport.Config{
					ServerURL: serverURL,
					DocName:   docName,
					OwnerID:   instanceID,
					Token:     cfg.Token,
				}, backend, logger.Log), nil
			}

			mgr = session.New(backend, st, factory, logger.Log)
			mgr.OnMarkdownSave = func(ctx context.Context, docName string, content []byte) error {
				dest := filepath.Join(dir, "markdown", docName+".md")
				if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
					return fmt.Errorf("create markdown dir: %w", err)
				}
				return os.WriteFile(dest, content, 0o644)
			}
			mgr.OnRemoteUpdate = func(docName string) {
				logger.Log.Debug("remote update applied", "doc", docName)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			go func() {
				if err := config.Watch(ctx, dir, logger.Log, func(c *config.Config) {
					if err := mgr.SetServerURL(ctx, c.ServerURL); err != nil {
						logger.Log.Warn("reconfigure server url failed", "err", err)
					}
					if err := mgr.SetP2PEnabled(ctx, c.P2PEnabled); err != nil {
						logger.Log.Warn("reconfigure p2p flag failed", "err", err)
					}
				}); err != nil {
					logger.Log.Warn("config watcher stopped", "err", err)
				}
			}()

			if doc != "" {
				if _, err := mgr.GetCollaborativeDocument(ctx, doc); err != nil {
					return fmt.Errorf("open document %s: %w", doc, err)
				}
				logger.Log.Info("document opened", "doc", doc, "server", cfg.ServerURL)
			}

			fmt.Printf("diaryxsync running, server=%s doc=%s (ctrl-c to stop)\n", cfg.ServerURL, doc)
			<-ctx.Done()

			fmt.Println("shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			mgr.Shutdown(shutdownCtx)
			return nil
		},
	}
	cmd.Flags().String("doc", "", "document name to open on startup")
	cmd.Flags().String("dir", "", "config/state directory (default ~/.diaryxsync)")
	cmd.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	return cmd
}

func newIdentityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "print this device's P2P identity public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				d, err := config.UserConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				dir = d
			}
			kp, err := identity.NewStore(dir).LoadOrCreate()
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}
			fmt.Println(kp.PublicHex())
			return nil
		},
	}
	cmd.Flags().String("dir", "", "config/state directory (default ~/.diaryxsync)")
	return cmd
}
