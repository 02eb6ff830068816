// fieldsyncd is the on-device sync daemon for field engineers: it keeps the
// durable local store, runs the sync manager, and exposes sync status and
// submission ingress over localhost HTTP and WebSocket.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/heliosmaint/fieldsync/internal/config"
	"github.com/heliosmaint/fieldsync/internal/logging"
	"github.com/heliosmaint/fieldsync/internal/models"
	"github.com/heliosmaint/fieldsync/internal/syncer"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fieldsyncd",
		Short:         "Offline-first sync daemon for field engineers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newSyncCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				found, err := config.FindConfigFile()
				if err != nil {
					return err
				}
				path = found
			}

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			logging.Init(os.Stdout, logLevel(cfg.Log.Level))
			log := logging.Get()
			log.Info("starting fieldsyncd", map[string]interface{}{
				"config":      path,
				"data_dir":    cfg.Server.DataDir,
				"engineer_id": cfg.Sync.EngineerID,
			})

			d, err := newDaemon(cfg, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return d.run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync status of a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get("http://" + addr + "/api/sync/status")
			if err != nil {
				return fmt.Errorf("daemon not reachable at %s: %w", addr, err)
			}
			defer resp.Body.Close()

			var status models.SyncStatus
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return fmt.Errorf("failed to decode status: %w", err)
			}

			fmt.Printf("Pending:  %d\n", status.Pending)
			fmt.Printf("Failed:   %d\n", status.Failed)
			fmt.Printf("Online:   %v\n", status.IsOnline)
			fmt.Printf("Syncing:  %v\n", status.IsSyncing)
			if status.LastSync != nil {
				fmt.Printf("LastSync: %s\n", status.LastSync.Format(time.RFC3339))
			} else {
				fmt.Println("LastSync: never")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "daemon address")
	return cmd
}

func newSyncCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Force an immediate sync pass on a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Post("http://"+addr+"/api/sync/force", "application/json", nil)
			if err != nil {
				return fmt.Errorf("daemon not reachable at %s: %w", addr, err)
			}
			defer resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusOK:
				var result syncer.Result
				if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
					return fmt.Errorf("failed to decode result: %w", err)
				}
				fmt.Printf("Synced: %d, Failed: %d\n", result.Synced, result.Failed)
				return nil
			case http.StatusConflict:
				return fmt.Errorf("a sync pass is already in progress")
			case http.StatusServiceUnavailable:
				return fmt.Errorf("the daemon is offline")
			default:
				return fmt.Errorf("force sync failed with status %d", resp.StatusCode)
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "daemon address")
	return cmd
}

// logLevel maps a config string to a log level, defaulting to INFO.
func logLevel(s string) logging.LogLevel {
	switch s {
	case "DEBUG", "debug":
		return logging.LevelDebug
	case "WARN", "warn":
		return logging.LevelWarn
	case "ERROR", "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
