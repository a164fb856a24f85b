package sync

import (
	"context"
	"time"

	"github.com/mschirtzinger/replica/internal/replica/db"
	"github.com/mschirtzinger/replica/internal/replica/protocol"
	"github.com/mschirtzinger/replica/internal/replica/schema"
)

// Engine reconciles one local replica with the remote.
//
// Synchronize performs one pull+push exchange starting at cursor and returns
// the cursor to persist. On any error the returned cursor equals the input:
// the watermark only advances when the whole exchange succeeded.
//
// Only one Synchronize runs at a time per engine; concurrent callers wait.
// Local edits may continue during a sync and are picked up by the next one.
//
// Example:
//
//	next, report, err := engine.Synchronize(ctx, cursor)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(report.Pushed)
type Engine interface {
	Synchronize(ctx context.Context, cursor schema.Cursor) (schema.Cursor, *Report, error)
}

// Store is the local side of a sync.
type Store interface {
	// CurrentSchemaVersion returns the version the store has migrated to.
	CurrentSchemaVersion(ctx context.Context) (int, error)

	// ApplyChangeSet writes a pulled change set atomically.
	ApplyChangeSet(ctx context.Context, changes schema.ChangeSet) (db.ApplyResult, error)

	// PendingChangesSince derives the push payload from local edits.
	PendingChangesSince(ctx context.Context, since *time.Time) (schema.ChangeSet, *db.Snapshot, error)

	// AcknowledgePush marks the pushed record versions as delivered under
	// the remote's ackedAt tick.
	AcknowledgePush(ctx context.Context, snap *db.Snapshot, ackedAt time.Time) error
}

// Remote is the source of truth.
//
// Implementations report failures with the error types of this package
// (*TransportError, *ConflictError, *SchemaError). Any other error is
// treated as a transport failure.
type Remote interface {
	Pull(ctx context.Context, req protocol.PullRequest) (*protocol.PullResponse, error)
	Push(ctx context.Context, req protocol.PushRequest) (*protocol.PushResponse, error)
}

// Observer receives the outcome of every Synchronize call. Implementations
// must not block.
type Observer interface {
	OnSyncComplete(report *Report)
	OnSyncError(err error, report *Report)
}

// Observers fans out to several observers.
type Observers []Observer

func (o Observers) OnSyncComplete(report *Report) {
	for _, obs := range o {
		obs.OnSyncComplete(report)
	}
}

func (o Observers) OnSyncError(err error, report *Report) {
	for _, obs := range o {
		obs.OnSyncError(err, report)
	}
}
