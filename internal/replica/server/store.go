package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/mschirtzinger/replica/internal/replica/protocol"
	"github.com/mschirtzinger/replica/internal/replica/schema"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS remote_records (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	fields TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	origin TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_remote_records_updated ON remote_records(updated_at);
`

// Store keeps the authoritative copy of every record.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and creates if needed) the server database. dsn is a
// modernc sqlite DSN such as "file:remote.db" or "file::memory:".
func OpenStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote store: %w", err)
	}
	// One writer; also keeps an in-memory database on a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure remote store: %w", err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize remote store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// LatestUpdate returns the highest updated_at ever assigned, 0 when empty.
func (s *Store) LatestUpdate(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(updated_at), 0) FROM remote_records`).Scan(&v)
	return v, err
}

// ChangesSince returns every record with updated_at in (since, until].
// Records created after since are reported as created. Tombstones are
// always reported: a replica may hold a record it pushed itself even if
// the record was created after its watermark. Records last written by
// skipOrigin are left out too, unless skipOrigin is empty.
func (s *Store) ChangesSince(ctx context.Context, since *int64, until int64, skipOrigin string) (schema.ChangeSet, error) {
	var from int64 = -1
	if since != nil {
		from = *since
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT collection, id, fields, created_at, updated_at, deleted
		FROM remote_records
		WHERE updated_at > ? AND updated_at <= ? AND (? = '' OR origin <> ?)
		ORDER BY collection, updated_at, id
	`, from, until, skipOrigin, skipOrigin)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	changes := make(schema.ChangeSet)
	for rows.Next() {
		var (
			collection, id, fields string
			createdAt, updatedAt   int64
			deleted                bool
		)
		if err := rows.Scan(&collection, &id, &fields, &createdAt, &updatedAt, &deleted); err != nil {
			return nil, err
		}
		isNew := createdAt > from
		c := changes[collection]
		switch {
		case deleted:
			c.Deleted = append(c.Deleted, id)
		default:
			var decoded map[string]any
			if err := json.Unmarshal([]byte(fields), &decoded); err != nil {
				return nil, fmt.Errorf("corrupt record %s/%s: %w", collection, id, err)
			}
			e := schema.Entity{ID: id, Fields: decoded, LastModifiedAt: schema.FromMillis(updatedAt)}
			if isNew {
				c.Created = append(c.Created, e)
			} else {
				c.Updated = append(c.Updated, e)
			}
		}
		changes[collection] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return changes, nil
}

// ConflictsTx lists the records of changes modified after pulledAt.
// A nil pulledAt conflicts with every existing record.
func (s *Store) ConflictsTx(ctx context.Context, tx *sql.Tx, changes schema.ChangeSet, pulledAt *int64) ([]protocol.ConflictRef, error) {
	var after int64 = -1
	if pulledAt != nil {
		after = *pulledAt
	}
	var conflicts []protocol.ConflictRef
	for _, collection := range changes.Collections() {
		for _, id := range changes[collection].IDs() {
			var updatedAt int64
			err := tx.QueryRowContext(ctx,
				`SELECT updated_at FROM remote_records WHERE collection = ? AND id = ?`,
				collection, id,
			).Scan(&updatedAt)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if updatedAt > after {
				conflicts = append(conflicts, protocol.ConflictRef{Collection: collection, ID: id})
			}
		}
	}
	return conflicts, nil
}

// UpsertTx writes a live record at tick.
func (s *Store) UpsertTx(ctx context.Context, tx *sql.Tx, collection string, e schema.Entity, tick int64, origin string) error {
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO remote_records (collection, id, fields, created_at, updated_at, deleted, origin)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			fields = excluded.fields,
			updated_at = excluded.updated_at,
			deleted = 0,
			origin = excluded.origin
	`, collection, e.ID, string(fields), tick, tick, origin)
	return err
}

// DeleteTx tombstones an existing record at tick. Unknown ids are ignored.
func (s *Store) DeleteTx(ctx context.Context, tx *sql.Tx, collection, id string, tick int64, origin string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE remote_records SET deleted = 1, updated_at = ?, origin = ?
		WHERE collection = ? AND id = ? AND deleted = 0
	`, tick, origin, collection, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Get returns a live record.
func (s *Store) Get(ctx context.Context, collection, id string) (*schema.Entity, error) {
	var (
		fields    string
		updatedAt int64
		deleted   bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT fields, updated_at, deleted FROM remote_records WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&fields, &updatedAt, &deleted)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && deleted) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(fields), &decoded); err != nil {
		return nil, err
	}
	return &schema.Entity{ID: id, Fields: decoded, LastModifiedAt: schema.FromMillis(updatedAt)}, nil
}

// Count returns the number of live records per collection.
func (s *Store) Count(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT collection, COUNT(*) FROM remote_records WHERE deleted = 0 GROUP BY collection`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, rows.Err()
}
