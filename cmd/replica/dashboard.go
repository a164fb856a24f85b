package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/replica/internal/replica/dashboard"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "maint",
	Short:   "Start a WebSocket dashboard that watches the local replica",
	Long: `Start a WebSocket dashboard server for monitoring the replica without
syncing it.

Clients receive a stats message on connect and then every --every: the
replica id, last pulled timestamp, schema version and pending edit count.
'replica daemon' runs the same dashboard and adds sync_complete,
sync_error and conflict messages as it syncs.

Example usage:
  replica dashboard                          # Start on default :8081
  replica dashboard --dashboard-addr :9000   # Start on custom port

Connect with a WebSocket client:
  ws://localhost:8081/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		every, _ := cmd.Flags().GetDuration("every")
		if every <= 0 {
			fatalf("--every must be positive")
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		store, err := openStore(ctx)
		if err != nil {
			fatalf("opening replica: %v", err)
		}
		defer store.Close()

		r, closeCursors, err := newReplica(ctx, store, nil)
		if err != nil {
			fatalf("creating replica: %v", err)
		}
		defer closeCursors()

		server := dashboard.NewServer(dashboard.Config{Addr: cfg.Dashboard.Addr, Logger: logger})
		handler := dashboard.NewHandler(server, logger)
		handler.SetStatusSource(r)

		if err := server.Start(); err != nil {
			fatalf("failed to start dashboard: %v", err)
		}

		fmt.Printf("Dashboard server started on http://%s\n", server.Addr())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.Addr())
		fmt.Printf("Health check: http://%s/health\n", server.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ticker := time.NewTicker(every)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				if server.ClientCount() > 0 {
					handler.BroadcastStats()
				}
			}
		}

		fmt.Println("\nShutting down dashboard server...")
		if err := server.Stop(); err != nil {
			fatalf("during shutdown: %v", err)
		}
		fmt.Println("Dashboard server stopped")
	},
}

func init() {
	dashboardCmd.Flags().String("dashboard-addr", "", "Address to listen on (default :8081)")
	dashboardCmd.Flags().Duration("every", 5*time.Second, "How often to push stats to clients")
	rootCmd.AddCommand(dashboardCmd)
}
