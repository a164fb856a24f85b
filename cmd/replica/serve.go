package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mschirtzinger/replica/internal/replica/schema"
	"github.com/mschirtzinger/replica/internal/replica/server"
	"github.com/mschirtzinger/replica/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Run the reference sync server",
	Long: `Run an HTTP sync server that replicas pull from and push to.

Endpoints:
  POST /api/v1/sync/pull   changes after the client's last pulled timestamp
  POST /api/v1/sync/push   apply client changes, 409 on conflict
  GET  /api/v1/stats       record counts per collection
  GET  /healthz            liveness and protocol version
  GET  /metrics            Prometheus metrics

Every accepted change is stamped with a server timestamp that never
repeats, and a push is rejected whole when any of its records changed on
the server after the client's last pull.`,
	Run: func(cmd *cobra.Command, args []string) {
		sc := cfg.Server
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := os.MkdirAll(filepath.Dir(sc.Database), 0o755); err != nil {
			fatalf("creating server data directory: %v", err)
		}
		store, err := server.OpenStore("file:" + sc.Database)
		if err != nil {
			fatalf("opening server store: %v", err)
		}
		defer store.Close()
		atExit(func() { _ = store.Close() })

		opts := server.ServiceOptions{
			MinSchemaVersion: sc.MinSchemaVersion,
			KeepEchoes:       !sc.EchoSuppression,
			Logger:           logger,
		}
		if sc.StrictSchema {
			app := schema.SudokuSchema
			opts.Schema = &app
		}
		svc, err := server.NewService(ctx, store, opts)
		if err != nil {
			fatalf("starting sync service: %v", err)
		}

		srv := server.NewServer(server.Config{
			Addr:         sc.Addr,
			AuthToken:    sc.Token,
			AllowOrigins: sc.AllowOrigins,
			Logger:       logger,
		}, server.NewSyncHandler(svc, logger))

		fmt.Printf("%s Sync server on %s\n", ui.RenderAccent("🚀"), sc.Addr)
		fmt.Printf("   Store: %s\n", sc.Database)
		if sc.Token == "" {
			fmt.Printf("   %s\n", ui.RenderWarn("No auth token configured; any client may sync"))
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := srv.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
			fatalf("server stopped: %v", err)
		}
		logger.Info("sync server exited", zap.String("addr", sc.Addr))
	},
}

func init() {
	serveCmd.Flags().String("server-addr", "", "Address to listen on (default :8080)")
	serveCmd.Flags().String("server-database", "", "Server database path")
	serveCmd.Flags().String("server-token", "", "Require this bearer token")
	rootCmd.AddCommand(serveCmd)
}
