package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mschirtzinger/replica/internal/metrics"
	"github.com/mschirtzinger/replica/internal/replica/daemon"
	"github.com/mschirtzinger/replica/internal/replica/dashboard"
	replicasync "github.com/mschirtzinger/replica/internal/replica/sync"
	"github.com/mschirtzinger/replica/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Sync periodically in the foreground",
	Long: `Run the sync daemon in the foreground.

The daemon will:
  1. Sync on startup and then every sync.interval
  2. Retry transient failures (network errors, conflicts) with backoff
  3. Import fixture files written to --fixtures and sync right away
  4. Stream every outcome to the WebSocket dashboard

It stops on Ctrl+C, or when the local schema is too old to sync.`,
	Run: func(cmd *cobra.Command, args []string) {
		noDashboard, _ := cmd.Flags().GetBool("no-dashboard")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		store, err := openStore(ctx)
		if err != nil {
			fatalf("opening replica: %v", err)
		}
		defer store.Close()

		observers := replicasync.Observers{metrics.Observer{}}
		var dash *dashboard.Server
		var dashHandler *dashboard.Handler
		if !noDashboard {
			dash = dashboard.NewServer(dashboard.Config{Addr: cfg.Dashboard.Addr, Logger: logger})
			dashHandler = dashboard.NewHandler(dash, logger)
			observers = append(observers, dashHandler)
		}

		r, closeCursors, err := newReplica(ctx, store, observers)
		if err != nil {
			fatalf("creating replica: %v", err)
		}
		defer closeCursors()

		if dash != nil {
			dashHandler.SetStatusSource(r)
			if err := dash.Start(); err != nil {
				fatalf("starting dashboard: %v", err)
			}
			defer dash.Stop()
		}

		if metricsAddr != "" {
			metricsSrv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", zap.Error(err))
				}
			}()
			defer metricsSrv.Close()
		}

		d, err := daemon.New(r, store, daemon.Config{
			Interval:         cfg.Sync.Interval,
			FixturesDir:      cfg.Fixtures,
			DebounceInterval: cfg.Sync.Debounce,
			RetryInitial:     cfg.Sync.RetryInitial,
			RetryMax:         cfg.Sync.RetryMax,
			MaxRetries:       cfg.Sync.MaxRetries,
			Logger:           logger,
		})
		if err != nil {
			fatalf("creating daemon: %v", err)
		}

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Replica: %s\n", store.Path())
		fmt.Printf("   Remote: %s\n", cfg.Remote.URL)
		fmt.Printf("   Interval: %v\n", cfg.Sync.Interval)
		if cfg.Fixtures != "" {
			fmt.Printf("   Fixtures: %s\n", cfg.Fixtures)
		}
		if dash != nil {
			fmt.Printf("   Dashboard: ws://%s/ws\n", dash.Addr())
		}
		if metricsAddr != "" {
			fmt.Printf("   Metrics: http://%s/metrics\n", metricsAddr)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		runErr := d.Run(ctx)
		stats := d.Stats()
		fmt.Printf("\n%s %d sync(s), %d failure(s), %d retr(ies), %d fixture record(s) imported\n",
			ui.RenderMuted("Stopped:"), stats.Syncs, stats.Failures, stats.Retries, stats.Imported)
		if runErr != nil {
			printSyncError(runErr)
			exit(1)
		}
	},
}

func init() {
	daemonCmd.Flags().String("fixtures", "", "Watch this directory for fixture files to import")
	daemonCmd.Flags().String("dashboard-addr", "", "Dashboard listen address (default :8081)")
	daemonCmd.Flags().Bool("no-dashboard", false, "Do not start the WebSocket dashboard")
	daemonCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	rootCmd.AddCommand(daemonCmd)
}
