package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mschirtzinger/replica/internal/replica/schema"
)

// ApplyResult counts what ApplyChangeSet did.
type ApplyResult struct {
	Inserted int
	Updated  int
	Deleted  int

	// Kept counts pulled updates skipped because a pending local edit of the
	// same record is newer. Those edits are pushed by the same sync.
	Kept int
}

// ApplyChangeSet writes a pulled change set in a single transaction.
//
// Per collection the order is created, then updated, then deleted, so a
// record created and updated remotely since the last pull ends with its
// updated payload. A create of an existing id is an update. Remote deletes
// remove the record even if it has local edits.
//
// Any invalid entity, unknown collection, unknown column or type mismatch
// rolls back the whole change set and returns a *RecordError.
func (db *DB) ApplyChangeSet(ctx context.Context, changes schema.ChangeSet) (ApplyResult, error) {
	var res ApplyResult
	if changes.IsEmpty() {
		return res, nil
	}

	// Start transaction
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := db.now().UnixMilli()
	for _, collection := range changes.Collections() {
		c := changes[collection]
		if c.IsEmpty() {
			continue
		}
		cols, err := db.writableColumns(ctx, tx, collection, "")
		if err != nil {
			return ApplyResult{}, err
		}

		for _, e := range c.Created {
			if err := db.applyUpsert(ctx, tx, collection, cols, e, now, &res); err != nil {
				return ApplyResult{}, err
			}
		}
		for _, e := range c.Updated {
			if err := db.applyUpsert(ctx, tx, collection, cols, e, now, &res); err != nil {
				return ApplyResult{}, err
			}
		}
		for _, id := range c.Deleted {
			if id == "" {
				return ApplyResult{}, &RecordError{Collection: collection, Err: fmt.Errorf("deleted entry without id")}
			}
			result, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
			if err != nil {
				return ApplyResult{}, fmt.Errorf("failed to delete record %s/%s: %w", collection, id, err)
			}
			if n, _ := result.RowsAffected(); n > 0 {
				res.Deleted++
			}
		}
	}

	// Commit transaction
	if err := tx.Commit(); err != nil {
		return ApplyResult{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return res, nil
}

func (db *DB) applyUpsert(ctx context.Context, tx *sql.Tx, collection string, cols map[string]columnInfo, e schema.Entity, now int64, res *ApplyResult) error {
	if err := e.Validate(); err != nil {
		return &RecordError{Collection: collection, ID: e.ID, Err: err}
	}
	checked, err := checkFields(cols, e.Fields)
	if err != nil {
		return &RecordError{Collection: collection, ID: e.ID, Err: err}
	}
	encoded, err := encodeFields(checked)
	if err != nil {
		return err
	}

	remoteAt := schema.Millis(e.LastModifiedAt)
	if remoteAt == 0 {
		remoteAt = now
	}

	existing, err := loadRow(ctx, tx, collection, e.ID)
	if err != nil {
		return err
	}

	switch {
	case existing == nil:
		_, err = tx.ExecContext(ctx, `
		INSERT INTO records (collection, id, fields, last_modified_at, acked_at, server_known, deleted)
		VALUES (?, ?, ?, ?, ?, 1, 0)
		`, collection, e.ID, encoded, remoteAt, remoteAt)
		if err == nil {
			res.Inserted++
		}
	case existing.pending() && existing.lastModified > remoteAt:
		_, err = tx.ExecContext(ctx,
			`UPDATE records SET server_known = 1 WHERE collection = ? AND id = ?`,
			collection, e.ID,
		)
		if err == nil {
			res.Kept++
		}
	default:
		_, err = tx.ExecContext(ctx, `
		UPDATE records
		SET fields = ?, last_modified_at = ?, acked_at = ?, server_known = 1, deleted = 0
		WHERE collection = ? AND id = ?
		`, encoded, remoteAt, remoteAt, collection, e.ID)
		if err == nil {
			res.Updated++
		}
	}
	if err != nil {
		return fmt.Errorf("failed to apply record %s/%s: %w", collection, e.ID, err)
	}
	return nil
}
