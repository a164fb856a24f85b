package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mschirtzinger/replica/internal/replica/schema"
)

// PendingKind classifies a pending record.
type PendingKind string

const (
	PendingCreated PendingKind = "created"
	PendingUpdated PendingKind = "updated"
	PendingDeleted PendingKind = "deleted"

	// PendingDropped marks a record created and deleted locally before the
	// remote ever saw it. It is not pushed; acknowledgement purges it.
	PendingDropped PendingKind = "dropped"
)

// SnapshotEntry pins the version of one record included in a push.
type SnapshotEntry struct {
	Collection     string
	ID             string
	Kind           PendingKind
	LastModifiedAt int64
}

// Snapshot records exactly which record versions a push payload was derived
// from, so acknowledging it never swallows edits made while the push was in
// flight.
type Snapshot struct {
	Entries []SnapshotEntry

	// Late counts pending records stamped at or before the watermark passed
	// to PendingChangesSince. They are still included.
	Late int
}

// Len returns the number of pinned records.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Entries)
}

// PendingChangesSince derives the push payload from local edits.
//
// The result is read in one read transaction. Every record with an
// unacknowledged local edit is included, classified as created (the remote
// has never seen it), updated, or deleted (a tombstone the remote knows).
// A record created and deleted locally is left out of the change set.
//
// since is the watermark of the last successful sync: normally every pending
// edit is stamped after it. Edits stamped earlier (local clock behind the
// remote) are still returned and counted in Snapshot.Late.
func (db *DB) PendingChangesSince(ctx context.Context, since *time.Time) (schema.ChangeSet, *Snapshot, error) {
	tx, err := db.conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
	SELECT collection, id, fields, last_modified_at, server_known, deleted
	FROM records
	WHERE acked_at IS NULL OR acked_at <> last_modified_at
	ORDER BY collection, last_modified_at, id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query pending records: %w", err)
	}
	defer rows.Close()

	var sinceMs int64 = -1
	if since != nil {
		sinceMs = schema.Millis(*since)
	}

	changes := make(schema.ChangeSet)
	snap := &Snapshot{}
	for rows.Next() {
		var entry SnapshotEntry
		var fields string
		var serverKnown, deleted bool
		if err := rows.Scan(&entry.Collection, &entry.ID, &fields, &entry.LastModifiedAt, &serverKnown, &deleted); err != nil {
			return nil, nil, fmt.Errorf("failed to scan pending record: %w", err)
		}
		if sinceMs >= 0 && entry.LastModifiedAt <= sinceMs {
			snap.Late++
		}

		c := changes[entry.Collection]
		switch {
		case deleted && !serverKnown:
			entry.Kind = PendingDropped
		case deleted:
			entry.Kind = PendingDeleted
			c.Deleted = append(c.Deleted, entry.ID)
		default:
			decoded, err := decodeFields(fields)
			if err != nil {
				return nil, nil, err
			}
			e := schema.Entity{ID: entry.ID, Fields: decoded, LastModifiedAt: schema.FromMillis(entry.LastModifiedAt)}
			if serverKnown {
				entry.Kind = PendingUpdated
				c.Updated = append(c.Updated, e)
			} else {
				entry.Kind = PendingCreated
				c.Created = append(c.Created, e)
			}
		}
		if !c.IsEmpty() {
			changes[entry.Collection] = c
		}
		snap.Entries = append(snap.Entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to iterate pending records: %w", err)
	}

	return changes, snap, nil
}

// AcknowledgePush marks the snapshot's record versions as seen by the remote.
//
// A record is acknowledged only if its last_modified_at still equals the
// snapshot value; newer edits stay pending. Pushed creates and updates mark
// the record server-known either way. Acknowledged tombstones and dropped
// records are purged.
//
// ackedAt is the tick the remote stored the push under (zero if unknown).
// Acknowledged records are restamped to at least ackedAt and edits made
// while the push was in flight to above it, so the remote's copy of the push
// never wins last-writer-wins against a later local edit.
func (db *DB) AcknowledgePush(ctx context.Context, snap *Snapshot, ackedAt time.Time) error {
	if snap.Len() == 0 {
		return nil
	}
	var ack int64
	if !ackedAt.IsZero() {
		ack = schema.Millis(ackedAt)
	}

	// Start transaction
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range snap.Entries {
		switch e.Kind {
		case PendingCreated, PendingUpdated:
			_, err = tx.ExecContext(ctx, `
			UPDATE records
			SET server_known = 1,
			    acked_at = CASE WHEN last_modified_at = ? THEN MAX(last_modified_at, ?) ELSE acked_at END,
			    last_modified_at = CASE WHEN last_modified_at = ? THEN MAX(last_modified_at, ?)
			                            ELSE MAX(last_modified_at, ? + 1) END
			WHERE collection = ? AND id = ?
			`, e.LastModifiedAt, ack, e.LastModifiedAt, ack, ack, e.Collection, e.ID)
		case PendingDeleted, PendingDropped:
			_, err = tx.ExecContext(ctx,
				`DELETE FROM records WHERE collection = ? AND id = ? AND deleted = 1 AND last_modified_at = ?`,
				e.Collection, e.ID, e.LastModifiedAt,
			)
		default:
			err = fmt.Errorf("unknown snapshot kind %q", e.Kind)
		}
		if err != nil {
			return fmt.Errorf("failed to acknowledge %s/%s: %w", e.Collection, e.ID, err)
		}
	}

	// Commit transaction
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
