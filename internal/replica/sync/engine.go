package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/replica/internal/replica/protocol"
	"github.com/mschirtzinger/replica/internal/replica/schema"
)

// Options configures an Engine.
type Options struct {
	// RequiredVersion is the lowest local schema version this engine syncs.
	// Usually the declared app schema version.
	RequiredVersion int

	// Migrations describe the app schema history; used to tell the remote
	// what the replica gained since its last sync.
	Migrations schema.Migrations

	// ReplicaID is copied into reports.
	ReplicaID string

	Logger   *zap.Logger
	Observer Observer
	Clock    func() time.Time
}

// engine implements the Engine interface.
type engine struct {
	store  Store
	remote Remote
	opts   Options
	logger *zap.Logger

	// gate serializes Synchronize calls.
	gate stdsync.Mutex
}

// New creates a new Engine.
//
// The store must already be migrated to opts.RequiredVersion; the engine
// never migrates. If opts.Logger is nil, logging is disabled.
//
// Example:
//
//	store, err := db.Open(".replica/replica.db")
//	if err != nil {
//	    return err
//	}
//	engine := sync.New(store, remote.New(httpClient, remote.Config{BaseURL: url}), sync.Options{
//	    RequiredVersion: schema.SudokuSchema.Version,
//	    Migrations:      schema.SudokuMigrations,
//	})
func New(store Store, remote Remote, opts Options) Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &engine{
		store:  store,
		remote: remote,
		opts:   opts,
		logger: opts.Logger.With(zap.String("component", "sync")),
	}
}

// Synchronize implements Engine.Synchronize.
func (e *engine) Synchronize(ctx context.Context, cursor schema.Cursor) (schema.Cursor, *Report, error) {
	e.gate.Lock()
	defer e.gate.Unlock()

	report := &Report{ReplicaID: e.opts.ReplicaID, Started: e.opts.Clock(), Cursor: cursor}
	next, err := e.synchronize(ctx, cursor, report)
	report.Duration = e.opts.Clock().Sub(report.Started)

	if err != nil {
		report.Cursor = cursor
		e.logger.Warn("sync failed",
			zap.Error(err),
			zap.Bool("retryable", IsRetryable(err)),
			zap.Stringer("cursor", cursor),
		)
		if e.opts.Observer != nil {
			e.opts.Observer.OnSyncError(err, report)
		}
		return cursor, report, err
	}

	report.Cursor = next
	e.logger.Info("sync complete",
		zap.Int("pulled", report.PulledCount()),
		zap.Int("pushed", report.PushedCount()),
		zap.Int("kept_local", report.Applied.Kept),
		zap.Bool("advanced", report.Advanced),
		zap.Stringer("cursor", next),
		zap.Duration("took", report.Duration),
	)
	if e.opts.Observer != nil {
		e.opts.Observer.OnSyncComplete(report)
	}
	return next, report, nil
}

func (e *engine) synchronize(ctx context.Context, cursor schema.Cursor, report *Report) (schema.Cursor, error) {
	// Preflight: never exchange anything with an unmigrated store
	local, err := e.store.CurrentSchemaVersion(ctx)
	if err != nil {
		return cursor, fmt.Errorf("failed to read local schema version: %w", err)
	}
	if local < e.opts.RequiredVersion {
		return cursor, &SchemaError{Local: local, Required: e.opts.RequiredVersion}
	}

	// Pull
	pullReq := protocol.PullRequest{
		LastPulledAt:  cursor.LastPulledAt,
		SchemaVersion: local,
		Migration:     e.migrationInfo(cursor, local),
	}
	pullStart := e.opts.Clock()
	pulled, err := e.remote.Pull(ctx, pullReq)
	report.PullDuration = e.opts.Clock().Sub(pullStart)
	if err != nil {
		return cursor, classifyRemote(PhasePull, err)
	}
	if pulled == nil || pulled.Timestamp.IsZero() {
		return cursor, &TransportError{Phase: PhasePull, Err: errors.New("response without timestamp")}
	}

	serverNow := pulled.Timestamp
	if cursor.LastPulledAt != nil && serverNow.Before(*cursor.LastPulledAt) {
		// The watermark never moves back, whatever the remote clock says.
		serverNow = *cursor.LastPulledAt
	}

	report.Pulled = pulled.Changes.Counts()
	applied, err := e.store.ApplyChangeSet(ctx, pulled.Changes)
	if err != nil {
		return cursor, asApplyError(err)
	}
	report.Applied = applied

	// Push: re-derived from local edit timestamps on every call
	changes, snap, err := e.store.PendingChangesSince(ctx, cursor.LastPulledAt)
	if err != nil {
		return cursor, fmt.Errorf("failed to derive local changes: %w", err)
	}
	if snap.Late > 0 {
		e.logger.Warn("pushing edits stamped before the last pull; local clock may be behind the remote",
			zap.Int("count", snap.Late))
	}

	var ackedAt time.Time
	if !changes.IsEmpty() {
		if err := changes.Validate(); err != nil {
			return cursor, fmt.Errorf("invalid local change set: %w", err)
		}
		pushStart := e.opts.Clock()
		ack, err := e.remote.Push(ctx, protocol.PushRequest{Changes: changes, LastPulledAt: &serverNow})
		report.PushDuration = e.opts.Clock().Sub(pushStart)
		if err != nil {
			err = classifyRemote(PhasePush, err)
			var conflict *ConflictError
			if errors.As(err, &conflict) {
				report.ConflictIDs = conflict.IDs
			}
			return cursor, err
		}
		report.Pushed = changes.Counts()
		if ack != nil {
			ackedAt = ack.Timestamp
		}
	}

	if snap.Len() > 0 {
		if err := e.store.AcknowledgePush(ctx, snap, ackedAt); err != nil {
			return cursor, fmt.Errorf("failed to acknowledge push: %w", err)
		}
	}

	// Idempotence: an empty exchange leaves the watermark alone.
	if pulled.Changes.IsEmpty() && changes.IsEmpty() {
		return schema.Cursor{LastPulledAt: cursor.LastPulledAt, SchemaVersion: local}, nil
	}

	report.Advanced = cursor.LastPulledAt == nil || serverNow.After(*cursor.LastPulledAt)
	return schema.Cursor{LastPulledAt: &serverNow, SchemaVersion: local}, nil
}

// migrationInfo returns what changed since the schema version recorded at
// the last sync, or nil on a first sync or when nothing changed.
func (e *engine) migrationInfo(cursor schema.Cursor, local int) *schema.MigrationInfo {
	if cursor.LastPulledAt == nil || cursor.SchemaVersion == 0 || cursor.SchemaVersion >= local {
		return nil
	}
	return e.opts.Migrations.Info(cursor.SchemaVersion, local)
}

// classifyRemote maps remote failures into the error taxonomy.
func classifyRemote(phase Phase, err error) error {
	var (
		transport *TransportError
		conflict  *ConflictError
		schemaErr *SchemaError
	)
	switch {
	case errors.As(err, &transport):
		if transport.Phase == "" {
			transport.Phase = phase
		}
		return transport
	case errors.As(err, &conflict):
		return conflict
	case errors.As(err, &schemaErr):
		return schemaErr
	default:
		return &TransportError{Phase: phase, Err: err}
	}
}
