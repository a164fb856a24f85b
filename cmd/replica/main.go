package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mschirtzinger/replica/internal/config"
	"github.com/mschirtzinger/replica/internal/logging"
	"github.com/mschirtzinger/replica/internal/replica/cursorstore"
	"github.com/mschirtzinger/replica/internal/replica/db"
	"github.com/mschirtzinger/replica/internal/replica/migrate"
	"github.com/mschirtzinger/replica/internal/replica/remote"
	"github.com/mschirtzinger/replica/internal/replica/schema"
	replicasync "github.com/mschirtzinger/replica/internal/replica/sync"
)

var (
	cfg    *config.AppConfig
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "replica",
	Short: "Local-first replica of the sudoku store with pull/push sync",
	Long: `replica keeps a local SQLite copy of the sudoku collections and
reconciles it with a remote sync server.

Local edits are recorded with their modification time and pushed on the
next sync; remote changes since the last pulled timestamp are pulled first
and applied atomically.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		loaded, err := config.Load(path, cmd.Flags())
		if err != nil {
			return err
		}
		cfg = loaded

		l, err := logging.New(logging.Config{
			Level:       cfg.Log.Level,
			Environment: cfg.Log.Environment,
			ServiceName: "replica",
			File:        cfg.Log.File,
			MaxSizeMB:   cfg.Log.MaxSizeMB,
			MaxBackups:  cfg.Log.MaxBackups,
		})
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "server", Title: "Server Commands:"},
		&cobra.Group{ID: "maint", Title: "Maintenance Commands:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default: replica.yaml or replica.toml in . or .replica/)")
	flags.String("database", "", "Local replica database path")
	flags.String("remote-url", "", "Sync server base URL")
	flags.String("remote-token", "", "Bearer token for the sync server")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-file", "", "Also write JSON logs to this file (rotated)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		exit(1)
	}
}

// exitHooks release what deferred calls would on a normal return; os.Exit
// skips defers.
var exitHooks []func()

var osExit = os.Exit

// atExit registers fn to run when the command exits through exit or fatalf.
func atExit(fn func()) {
	exitHooks = append(exitHooks, fn)
}

// exit runs the exit hooks, newest first, and terminates with code.
func exit(code int) {
	for i := len(exitHooks) - 1; i >= 0; i-- {
		exitHooks[i]()
	}
	exitHooks = nil
	_ = logger.Sync()
	osExit(code)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	exit(1)
}

// openStore opens the local replica and brings it to the declared schema
// version, like the app does on launch.
func openStore(ctx context.Context) (*db.DB, error) {
	store, err := db.Open(cfg.Database, db.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	res, err := migrate.Run(ctx, store, schema.SudokuSchema, schema.SudokuMigrations, migrate.Options{Logger: logger})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if !res.UpToDate() {
		logger.Info("replica migrated",
			zap.Int("from", res.FromVersion),
			zap.Int("to", res.ToVersion),
			zap.Bool("created", res.Created),
		)
	}
	atExit(func() { _ = store.Close() })
	return store, nil
}

// cursorStores returns the configured cursor mirrors, or nil to keep the
// cursor in the replica database only.
func cursorStores(store *db.DB) (replicasync.CursorStore, func(), error) {
	var secondaries []cursorstore.Store
	closeFn := func() {}

	if cfg.Cursor.File != "" {
		secondaries = append(secondaries, cursorstore.NewFileStore(cfg.Cursor.File))
	}
	if cfg.Cursor.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Cursor.RedisAddr})
		secondaries = append(secondaries, cursorstore.NewRedisStore(client, cfg.Cursor.RedisKey))
		closeFn = func() { _ = client.Close() }
	}
	if len(secondaries) == 0 {
		return nil, closeFn, nil
	}
	return cursorstore.NewMirror(logger, cursorstore.NewDBStore(store), secondaries...), closeFn, nil
}

// newReplica wires the local store to the configured remote.
func newReplica(ctx context.Context, store *db.DB, observer replicasync.Observer) (*replicasync.Replica, func(), error) {
	id, err := store.ReplicaID(ctx)
	if err != nil {
		return nil, nil, err
	}
	cursors, closeCursors, err := cursorStores(store)
	if err != nil {
		return nil, nil, err
	}

	client := remote.New(&http.Client{Timeout: cfg.Remote.Timeout}, remote.Config{
		BaseURL:   cfg.Remote.URL,
		Token:     cfg.Remote.Token,
		ReplicaID: id,
	})
	r, err := replicasync.NewReplica(ctx, store, client, replicasync.ReplicaOptions{
		Options: replicasync.Options{
			RequiredVersion: schema.SudokuSchema.Version,
			Migrations:      schema.SudokuMigrations,
			ReplicaID:       id,
			Logger:          logger,
			Observer:        observer,
		},
		Cursors: cursors,
	})
	if err != nil {
		closeCursors()
		return nil, nil, err
	}
	atExit(closeCursors)
	return r, closeCursors, nil
}
