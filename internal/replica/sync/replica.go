package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/replica/internal/replica/schema"
)

// CursorStore persists the sync cursor between runs.
type CursorStore interface {
	Load(ctx context.Context) (schema.Cursor, error)
	Save(ctx context.Context, cursor schema.Cursor) error
}

// ReplicaStore is a local store that also keeps its own cursor.
type ReplicaStore interface {
	Store
	LoadCursor(ctx context.Context) (schema.Cursor, error)
	SaveCursor(ctx context.Context, cursor schema.Cursor) error
	CountPending(ctx context.Context) (int, error)
	ReplicaID(ctx context.Context) (string, error)
}

// ReplicaOptions configures a Replica.
type ReplicaOptions struct {
	Options

	// Cursors overrides where the cursor is persisted. Defaults to the
	// store's own sync_cursor table.
	Cursors CursorStore
}

// Replica ties an Engine to persisted cursor state: Sync loads the cursor,
// synchronizes, and saves the new cursor only when the exchange succeeded.
type Replica struct {
	store   ReplicaStore
	cursors CursorStore
	engine  Engine
	logger  *zap.Logger

	mu         stdsync.Mutex
	lastReport *Report
	lastError  error
	lastSyncAt time.Time
}

// NewReplica creates a Replica over store and remote.
func NewReplica(ctx context.Context, store ReplicaStore, remote Remote, opts ReplicaOptions) (*Replica, error) {
	if opts.ReplicaID == "" {
		id, err := store.ReplicaID(ctx)
		if err != nil {
			return nil, err
		}
		opts.ReplicaID = id
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	cursors := opts.Cursors
	if cursors == nil {
		cursors = storeCursors{store}
	}
	return &Replica{
		store:   store,
		cursors: cursors,
		engine:  New(store, remote, opts.Options),
		logger:  opts.Logger,
	}, nil
}

// Sync runs one synchronization and persists the resulting cursor.
func (r *Replica) Sync(ctx context.Context) (*Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cursor, err := r.cursors.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}

	next, report, err := r.engine.Synchronize(ctx, cursor)
	r.lastReport = report
	r.lastError = err
	if err != nil {
		return report, err
	}

	if !next.Equal(cursor) {
		if err := r.cursors.Save(ctx, next); err != nil {
			r.lastError = err
			return report, fmt.Errorf("failed to save cursor: %w", err)
		}
	}
	r.lastSyncAt = report.Started
	return report, nil
}

// Status is a point-in-time view of a replica.
type Status struct {
	ReplicaID     string
	Cursor        schema.Cursor
	SchemaVersion int
	Pending       int
	LastSyncAt    time.Time
	LastReport    *Report
	LastError     error
}

// Status reports the persisted cursor, schema version and pending edits.
func (r *Replica) Status(ctx context.Context) (*Status, error) {
	cursor, err := r.cursors.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}
	version, err := r.store.CurrentSchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := r.store.CountPending(ctx)
	if err != nil {
		return nil, err
	}
	id, err := r.store.ReplicaID(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return &Status{
		ReplicaID:     id,
		Cursor:        cursor,
		SchemaVersion: version,
		Pending:       pending,
		LastSyncAt:    r.lastSyncAt,
		LastReport:    r.lastReport,
		LastError:     r.lastError,
	}, nil
}

// storeCursors adapts the store's own cursor table to CursorStore.
type storeCursors struct {
	store ReplicaStore
}

func (s storeCursors) Load(ctx context.Context) (schema.Cursor, error) {
	return s.store.LoadCursor(ctx)
}

func (s storeCursors) Save(ctx context.Context, cursor schema.Cursor) error {
	return s.store.SaveCursor(ctx, cursor)
}
