// Package db provides the embedded SQLite store backing a local replica.
//
// The store keeps every collection in a single generic records table so
// that the sync engine can apply and derive change sets for any collection
// declared by the app schema without per-table SQL.
//
// Architecture:
//   - Database file: .replica/replica.db
//   - WAL mode: concurrent readers during writes, immediate write transactions
//   - Tables: replica_meta, collections, columns, records, sync_cursor
//
// Each record row carries two timestamps in unix milliseconds:
//   - last_modified_at - stamped by every local edit, copied from the remote on pull
//   - acked_at         - the last_modified_at value the remote has seen
//
// A row is pending (must be pushed) while acked_at differs from
// last_modified_at. Pulled rows are written with both equal, so they are never
// echoed back. Local edit stamps are strictly increasing per row, so an edit
// made while a push is in flight always survives that push's acknowledgement.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a record does not exist or is a tombstone.
var ErrNotFound = errors.New("record not found")

// DB wraps the SQLite connection holding one replica.
type DB struct {
	conn   *sql.DB
	path   string
	now    func() time.Time
	logger *zap.Logger

	// schemaMu guards the cached column lookup used to validate writes.
	schemaMu sync.RWMutex
	tables   map[string]map[string]columnInfo
}

// Option configures a DB at open time.
type Option func(*DB)

// WithClock overrides the clock used to stamp local edits.
func WithClock(now func() time.Time) Option {
	return func(db *DB) {
		if now != nil {
			db.now = now
		}
	}
}

// WithLogger sets the logger used for non-fatal warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(db *DB) {
		if logger != nil {
			db.logger = logger
		}
	}
}

// Open creates a new database connection at the specified path.
//
// If the database doesn't exist, it is created along with the bookkeeping
// tables. Collections are registered later by the migration runner.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	store, err := db.Open(".replica/replica.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string, opts ...Option) (*DB, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go in the DSN so that every pooled connection gets them.
	// Write transactions start IMMEDIATE to avoid lock upgrade failures
	// between concurrent editors and the sync engine.
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:   conn,
		path:   path,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(db)
	}

	// Enable WAL mode for concurrent reads
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	// Checkpoint WAL before closing
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Warn("failed to checkpoint WAL", zap.Error(err))
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the bookkeeping tables if they don't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the bookkeeping tables with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS replica_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- Registered by migrations
	CREATE TABLE IF NOT EXISTS collections (
		name TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS columns (
		collection TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,  -- string, number, boolean
		indexed INTEGER NOT NULL DEFAULT 0,
		default_value TEXT,  -- JSON scalar
		position INTEGER NOT NULL,
		PRIMARY KEY (collection, name),
		FOREIGN KEY (collection) REFERENCES collections(name) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS records (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		fields TEXT NOT NULL DEFAULT '{}',  -- JSON object
		last_modified_at INTEGER NOT NULL,
		acked_at INTEGER,
		server_known INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (collection, id),
		FOREIGN KEY (collection) REFERENCES collections(name) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_records_modified ON records(last_modified_at);
	CREATE INDEX IF NOT EXISTS idx_records_pending
	    ON records(collection, last_modified_at)
	    WHERE acked_at IS NULL OR acked_at <> last_modified_at;

	CREATE TABLE IF NOT EXISTS sync_cursor (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		last_pulled_at INTEGER,
		schema_version INTEGER NOT NULL DEFAULT 0
	);

	INSERT OR IGNORE INTO sync_cursor (id, last_pulled_at, schema_version) VALUES (1, NULL, 0);
	INSERT OR IGNORE INTO replica_meta (key, value) VALUES ('schema_version', '0');
	`

	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Replica identity is generated once and survives resets.
	if _, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO replica_meta (key, value) VALUES ('replica_id', ?)`,
		uuid.NewString(),
	); err != nil {
		return fmt.Errorf("failed to initialize replica id: %w", err)
	}

	return nil
}

// ReplicaID returns the stable identity of this replica.
func (db *DB) ReplicaID(ctx context.Context) (string, error) {
	var id string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM replica_meta WHERE key = 'replica_id'`).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to read replica id: %w", err)
	}
	return id, nil
}

// CurrentSchemaVersion returns the schema version the local store is at.
// A store that has never been migrated reports 0.
func (db *DB) CurrentSchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := db.conn.QueryRowContext(ctx,
		`SELECT CAST(value AS INTEGER) FROM replica_meta WHERE key = 'schema_version'`,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// stamp returns a local edit timestamp strictly greater than prev.
func (db *DB) stamp(prev int64) int64 {
	now := db.now().UnixMilli()
	if now <= prev {
		now = prev + 1
	}
	return now
}

// BackupTo writes a consistent copy of the database to path.
func (db *DB) BackupTo(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	if _, err := db.conn.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("failed to back up database: %w", err)
	}
	return nil
}
