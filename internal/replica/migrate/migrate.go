// Package migrate brings a local replica store to the app schema version.
//
// A fresh store gets every table of the declared schema in one transaction.
// An older store replays each migration descriptor it is missing, in
// ascending order, one transaction per descriptor: the recorded version only
// advances after every step of that descriptor succeeded, so a failure
// leaves the store at the last fully applied version.
//
// The sync engine never migrates; it refuses to sync a store that is behind.
package migrate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/replica/internal/replica/db"
	"github.com/mschirtzinger/replica/internal/replica/schema"
)

// Store is the subset of the local store the runner needs.
type Store interface {
	CurrentSchemaVersion(ctx context.Context) (int, error)
	BeginMigration(ctx context.Context) (*db.MigrationTx, error)
	BackupTo(ctx context.Context, path string) error
	Path() string
}

// Options contains configuration for a migration run
type Options struct {
	DryRun bool        // Report planned steps without writing
	Backup bool        // Copy the database before the first write
	Logger *zap.Logger // Defaults to a no-op logger
}

// Applied describes one descriptor that ran (or would run).
type Applied struct {
	ToVersion int
	Steps     []string
}

// Result contains statistics about the migration
type Result struct {
	FromVersion   int
	ToVersion     int
	Created       bool // fresh store created at the declared version
	Applied       []Applied
	BackupCreated string
	DryRun        bool
}

// UpToDate reports whether nothing had to change.
func (r *Result) UpToDate() bool {
	return !r.Created && len(r.Applied) == 0
}

// Run migrates store to app.Version using migs.
func Run(ctx context.Context, store Store, app schema.AppSchema, migs schema.Migrations, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := app.Validate(); err != nil {
		return nil, fmt.Errorf("invalid app schema: %w", err)
	}
	if err := migs.Validate(); err != nil {
		return nil, fmt.Errorf("invalid migrations: %w", err)
	}

	current, err := store.CurrentSchemaVersion(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{FromVersion: current, ToVersion: current, DryRun: opts.DryRun}
	if current > app.Version {
		return nil, fmt.Errorf("store is at schema v%d, newer than app schema v%d", current, app.Version)
	}
	if current == app.Version {
		return result, nil
	}

	// Plan before touching anything
	var plan schema.Migrations
	if current > 0 {
		plan = migs.Between(current, app.Version)
		expect := current + 1
		for _, mig := range plan {
			if mig.ToVersion != expect {
				break
			}
			expect++
		}
		if expect != app.Version+1 {
			return nil, fmt.Errorf("no migration path from v%d to v%d (missing descriptor for v%d)", current, app.Version, expect)
		}
	}

	if opts.DryRun {
		if current == 0 {
			result.Created = true
			result.Applied = append(result.Applied, Applied{ToVersion: app.Version, Steps: createSteps(app)})
		}
		for _, mig := range plan {
			result.Applied = append(result.Applied, Applied{ToVersion: mig.ToVersion, Steps: describe(mig.Steps)})
		}
		result.ToVersion = app.Version
		return result, nil
	}

	// Create backup if requested
	if opts.Backup && current > 0 {
		backupPath := store.Path() + ".backup." + time.Now().Format("20060102-150405")
		if err := store.BackupTo(ctx, backupPath); err != nil {
			return nil, err
		}
		result.BackupCreated = backupPath
		logger.Info("database backed up", zap.String("path", backupPath))
	}

	if current == 0 {
		if err := createFresh(ctx, store, app); err != nil {
			return result, err
		}
		result.Created = true
		result.ToVersion = app.Version
		result.Applied = append(result.Applied, Applied{ToVersion: app.Version, Steps: createSteps(app)})
		logger.Info("schema created", zap.Int("version", app.Version), zap.Strings("tables", app.TableNames()))
		return result, nil
	}

	for _, mig := range plan {
		if err := apply(ctx, store, mig); err != nil {
			logger.Error("migration failed",
				zap.Int("to_version", mig.ToVersion),
				zap.Int("at_version", result.ToVersion),
				zap.Error(err),
			)
			return result, fmt.Errorf("migration to v%d failed: %w", mig.ToVersion, err)
		}
		result.ToVersion = mig.ToVersion
		result.Applied = append(result.Applied, Applied{ToVersion: mig.ToVersion, Steps: describe(mig.Steps)})
		logger.Info("migration applied", zap.Int("to_version", mig.ToVersion), zap.Int("steps", len(mig.Steps)))
	}

	return result, nil
}

func createFresh(ctx context.Context, store Store, app schema.AppSchema) error {
	tx, err := store.BeginMigration(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range app.Tables {
		if err := tx.CreateCollection(ctx, table); err != nil {
			return err
		}
	}
	if err := tx.SetSchemaVersion(ctx, app.Version); err != nil {
		return err
	}
	return tx.Commit()
}

func apply(ctx context.Context, store Store, mig schema.Migration) error {
	tx, err := store.BeginMigration(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, step := range mig.Steps {
		switch s := step.(type) {
		case schema.CreateTable:
			err = tx.CreateCollection(ctx, s.Table)
		case schema.AddColumns:
			err = tx.AddColumns(ctx, s.Table, s.Columns)
		default:
			err = fmt.Errorf("unsupported migration step %T", step)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", step.Describe(), err)
		}
	}

	if err := tx.SetSchemaVersion(ctx, mig.ToVersion); err != nil {
		return err
	}
	return tx.Commit()
}

func createSteps(app schema.AppSchema) []string {
	steps := make([]string, len(app.Tables))
	for i, t := range app.Tables {
		steps[i] = schema.CreateTable{Table: t}.Describe()
	}
	return steps
}

func describe(steps []schema.Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Describe()
	}
	return out
}
