package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/mschirtzinger/replica/internal/replica/schema"
)

// storedRow is a records row as read back from the database.
type storedRow struct {
	fields       string
	lastModified int64
	ackedAt      sql.NullInt64
	serverKnown  bool
	deleted      bool
}

func (r *storedRow) pending() bool {
	return !r.ackedAt.Valid || r.ackedAt.Int64 != r.lastModified
}

func loadRow(ctx context.Context, q querier, collection, id string) (*storedRow, error) {
	var r storedRow
	err := q.QueryRowContext(ctx, `
	SELECT fields, last_modified_at, acked_at, server_known, deleted
	FROM records WHERE collection = ? AND id = ?
	`, collection, id).Scan(&r.fields, &r.lastModified, &r.ackedAt, &r.serverKnown, &r.deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record %s/%s: %w", collection, id, err)
	}
	return &r, nil
}

func decodeFields(data string) (map[string]any, error) {
	fields := make(map[string]any)
	if data == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}
	return fields, nil
}

func encodeFields(fields map[string]any) (string, error) {
	if fields == nil {
		return "{}", nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to marshal fields: %w", err)
	}
	return string(data), nil
}

// writableColumns resolves the columns of a collection or returns a
// RecordError for unknown collections.
func (db *DB) writableColumns(ctx context.Context, q querier, collection, id string) (map[string]columnInfo, error) {
	cols, ok, err := db.columns(ctx, q, collection)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &RecordError{Collection: collection, ID: id, Err: ErrUnknownCollection}
	}
	return cols, nil
}

// Create inserts a new record as a local edit and returns it.
// The id is generated; records created locally are pushed as "created".
func (db *DB) Create(ctx context.Context, collection string, fields map[string]any) (*schema.Entity, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	e, err := db.putLocal(ctx, tx, collection, schema.Entity{ID: uuid.NewString(), Fields: fields}, false)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return e, nil
}

// Update merges fields into an existing record as a local edit.
// Returns ErrNotFound if the record does not exist or was deleted.
func (db *DB) Update(ctx context.Context, collection, id string, fields map[string]any) (*schema.Entity, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cols, err := db.writableColumns(ctx, tx, collection, id)
	if err != nil {
		return nil, err
	}
	checked, err := checkFields(cols, fields)
	if err != nil {
		return nil, &RecordError{Collection: collection, ID: id, Err: err}
	}

	existing, err := loadRow(ctx, tx, collection, id)
	if err != nil {
		return nil, err
	}
	if existing == nil || existing.deleted {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}

	merged, err := decodeFields(existing.fields)
	if err != nil {
		return nil, err
	}
	for k, v := range checked {
		merged[k] = v
	}
	encoded, err := encodeFields(merged)
	if err != nil {
		return nil, err
	}

	stamp := db.stamp(existing.lastModified)
	_, err = tx.ExecContext(ctx,
		`UPDATE records SET fields = ?, last_modified_at = ? WHERE collection = ? AND id = ?`,
		encoded, stamp, collection, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update record %s/%s: %w", collection, id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &schema.Entity{ID: id, Fields: merged, LastModifiedAt: schema.FromMillis(stamp)}, nil
}

// Delete marks a record deleted as a local edit. The tombstone is kept until
// the remote acknowledges it. Returns ErrNotFound for unknown records.
func (db *DB) Delete(ctx context.Context, collection, id string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := loadRow(ctx, tx, collection, id)
	if err != nil {
		return err
	}
	if existing == nil || existing.deleted {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE records SET deleted = 1, last_modified_at = ? WHERE collection = ? AND id = ?`,
		db.stamp(existing.lastModified), collection, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete record %s/%s: %w", collection, id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Import writes every fixture entity as a local edit in one transaction.
// Entities without an id get schema.FixtureID by position, so importing the
// same fixture twice writes the same records. Existing ids are overwritten
// (and resurrected if deleted). Returns the number of entities written.
func (db *DB) Import(ctx context.Context, fixture schema.Fixture) (int, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	n := 0
	for _, collection := range sortedKeys(fixture) {
		for i, e := range fixture[collection] {
			if e.ID == "" {
				e.ID = schema.FixtureID("", collection, i)
			}
			if _, err := db.putLocal(ctx, tx, collection, e, true); err != nil {
				return 0, err
			}
			n++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return n, nil
}

// putLocal writes the full field payload of e as a local edit.
func (db *DB) putLocal(ctx context.Context, tx *sql.Tx, collection string, e schema.Entity, overwrite bool) (*schema.Entity, error) {
	if err := e.Validate(); err != nil {
		return nil, &RecordError{Collection: collection, ID: e.ID, Err: err}
	}
	cols, err := db.writableColumns(ctx, tx, collection, e.ID)
	if err != nil {
		return nil, err
	}
	checked, err := checkFields(cols, e.Fields)
	if err != nil {
		return nil, &RecordError{Collection: collection, ID: e.ID, Err: err}
	}
	encoded, err := encodeFields(checked)
	if err != nil {
		return nil, err
	}

	existing, err := loadRow(ctx, tx, collection, e.ID)
	if err != nil {
		return nil, err
	}

	var stamp int64
	switch {
	case existing == nil:
		stamp = db.stamp(0)
		_, err = tx.ExecContext(ctx, `
		INSERT INTO records (collection, id, fields, last_modified_at, acked_at, server_known, deleted)
		VALUES (?, ?, ?, ?, NULL, 0, 0)
		`, collection, e.ID, encoded, stamp)
	case overwrite:
		stamp = db.stamp(existing.lastModified)
		_, err = tx.ExecContext(ctx,
			`UPDATE records SET fields = ?, last_modified_at = ?, deleted = 0 WHERE collection = ? AND id = ?`,
			encoded, stamp, collection, e.ID,
		)
	default:
		return nil, &RecordError{Collection: collection, ID: e.ID, Err: fmt.Errorf("record already exists")}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write record %s/%s: %w", collection, e.ID, err)
	}

	return &schema.Entity{ID: e.ID, Fields: checked, LastModifiedAt: schema.FromMillis(stamp)}, nil
}

// Get retrieves a live record by id.
// Returns ErrNotFound if the record does not exist or is a tombstone.
func (db *DB) Get(ctx context.Context, collection, id string) (*schema.Entity, error) {
	r, err := loadRow(ctx, db.conn, collection, id)
	if err != nil {
		return nil, err
	}
	if r == nil || r.deleted {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	fields, err := decodeFields(r.fields)
	if err != nil {
		return nil, err
	}
	return &schema.Entity{ID: id, Fields: fields, LastModifiedAt: schema.FromMillis(r.lastModified)}, nil
}

// ListOptions configures List.
type ListOptions struct {
	// IncludeDeleted also returns local tombstones that are not yet pushed.
	IncludeDeleted bool
	// PendingOnly restricts results to records with unpushed local edits.
	PendingOnly bool
	// Limit restricts the number of results (0 = no limit)
	Limit int
	// Offset skips the first N results (for pagination)
	Offset int
}

// List returns the records of a collection ordered by id.
func (db *DB) List(ctx context.Context, collection string, opts ListOptions) ([]schema.Entity, error) {
	conditions := []string{"collection = ?"}
	args := []any{collection}
	if !opts.IncludeDeleted {
		conditions = append(conditions, "deleted = 0")
	}
	if opts.PendingOnly {
		conditions = append(conditions, "(acked_at IS NULL OR acked_at <> last_modified_at)")
	}

	query := `SELECT id, fields, last_modified_at, deleted FROM records WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY id`
	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	defer rows.Close()

	var out []schema.Entity
	for rows.Next() {
		var e schema.Entity
		var fields string
		var ms int64
		if err := rows.Scan(&e.ID, &fields, &ms, &e.Deleted); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if e.Fields, err = decodeFields(fields); err != nil {
			return nil, err
		}
		e.LastModifiedAt = schema.FromMillis(ms)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return out, nil
}

// Count returns the number of live records in a collection, or in all
// collections when collection is empty.
func (db *DB) Count(ctx context.Context, collection string) (int, error) {
	query := `SELECT COUNT(*) FROM records WHERE deleted = 0`
	var args []any
	if collection != "" {
		query += ` AND collection = ?`
		args = append(args, collection)
	}
	var count int
	if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// CountPending returns the number of records with unpushed local edits.
func (db *DB) CountPending(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE acked_at IS NULL OR acked_at <> last_modified_at`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending records: %w", err)
	}
	return count, nil
}

// Reset drops every record and rewinds the sync cursor. The registered
// schema and the replica id are kept. This is the only way LastPulledAt
// goes back to nil.
func (db *DB) Reset(ctx context.Context) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sync_cursor SET last_pulled_at = NULL, schema_version = 0 WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
