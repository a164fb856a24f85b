package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mschirtzinger/replica/internal/replica/schema"
)

// LoadCursor returns the persisted sync cursor.
func (db *DB) LoadCursor(ctx context.Context) (schema.Cursor, error) {
	var lastPulled sql.NullInt64
	var cursor schema.Cursor
	err := db.conn.QueryRowContext(ctx,
		`SELECT last_pulled_at, schema_version FROM sync_cursor WHERE id = 1`,
	).Scan(&lastPulled, &cursor.SchemaVersion)
	if err != nil {
		return schema.Cursor{}, fmt.Errorf("failed to load cursor: %w", err)
	}
	if lastPulled.Valid {
		t := schema.FromMillis(lastPulled.Int64)
		cursor.LastPulledAt = &t
	}
	return cursor, nil
}

// SaveCursor persists the sync cursor. The watermark never moves backwards;
// use Reset to start over.
func (db *DB) SaveCursor(ctx context.Context, cursor schema.Cursor) error {
	if err := cursor.Validate(); err != nil {
		return fmt.Errorf("invalid cursor: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT last_pulled_at FROM sync_cursor WHERE id = 1`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read cursor: %w", err)
	}

	next := schema.MillisPtr(cursor.LastPulledAt)
	if current.Valid && (next == nil || *next < current.Int64) {
		return fmt.Errorf("refusing to move cursor back from %d to %v", current.Int64, cursorValue(next))
	}

	var value sql.NullInt64
	if next != nil {
		value = sql.NullInt64{Int64: *next, Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE sync_cursor SET last_pulled_at = ?, schema_version = ? WHERE id = 1`,
		value, cursor.SchemaVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func cursorValue(ms *int64) any {
	if ms == nil {
		return "null"
	}
	return *ms
}
