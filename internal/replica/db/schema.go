package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/mschirtzinger/replica/internal/replica/schema"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type columnInfo struct {
	schema.ColumnSchema
	position int
}

// LoadSchema reconstructs the registered app schema from the store.
func (db *DB) LoadSchema(ctx context.Context) (schema.AppSchema, error) {
	version, err := db.CurrentSchemaVersion(ctx)
	if err != nil {
		return schema.AppSchema{}, err
	}

	rows, err := db.conn.QueryContext(ctx, `
	SELECT c.name, col.name, col.type, col.indexed, col.default_value
	FROM collections c
	LEFT JOIN columns col ON col.collection = c.name
	ORDER BY c.created_at, c.name, col.position
	`)
	if err != nil {
		return schema.AppSchema{}, fmt.Errorf("failed to load schema: %w", err)
	}
	defer rows.Close()

	app := schema.AppSchema{Version: version}
	index := make(map[string]int)
	for rows.Next() {
		var table string
		var colName, colType, defaultJSON sql.NullString
		var indexed sql.NullBool
		if err := rows.Scan(&table, &colName, &colType, &indexed, &defaultJSON); err != nil {
			return schema.AppSchema{}, fmt.Errorf("failed to scan schema row: %w", err)
		}
		i, ok := index[table]
		if !ok {
			i = len(app.Tables)
			index[table] = i
			app.Tables = append(app.Tables, schema.TableSchema{Name: table})
		}
		if !colName.Valid {
			continue
		}
		col := schema.ColumnSchema{
			Name:    colName.String,
			Type:    schema.ColumnType(colType.String),
			Indexed: indexed.Bool,
		}
		if defaultJSON.Valid {
			if err := json.Unmarshal([]byte(defaultJSON.String), &col.Default); err != nil {
				return schema.AppSchema{}, fmt.Errorf("failed to parse default of %s.%s: %w", table, col.Name, err)
			}
		}
		app.Tables[i].Columns = append(app.Tables[i].Columns, col)
	}
	if err := rows.Err(); err != nil {
		return schema.AppSchema{}, fmt.Errorf("failed to iterate schema rows: %w", err)
	}
	return app, nil
}

// columns returns the registered columns of a collection, or false if the
// collection is unknown. Results are cached until the next migration.
func (db *DB) columns(ctx context.Context, q querier, collection string) (map[string]columnInfo, bool, error) {
	db.schemaMu.RLock()
	cols, ok := db.tables[collection]
	db.schemaMu.RUnlock()
	if ok {
		return cols, true, nil
	}

	var exists int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM collections WHERE name = ?`, collection).Scan(&exists)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up collection %s: %w", collection, err)
	}
	if exists == 0 {
		return nil, false, nil
	}

	rows, err := q.QueryContext(ctx,
		`SELECT name, type, indexed, position FROM columns WHERE collection = ? ORDER BY position`,
		collection,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load columns of %s: %w", collection, err)
	}
	defer rows.Close()

	cols = make(map[string]columnInfo)
	for rows.Next() {
		var ci columnInfo
		var typ string
		if err := rows.Scan(&ci.Name, &typ, &ci.Indexed, &ci.position); err != nil {
			return nil, false, fmt.Errorf("failed to scan column: %w", err)
		}
		ci.Type = schema.ColumnType(typ)
		cols[ci.Name] = ci
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("failed to iterate columns: %w", err)
	}

	db.schemaMu.Lock()
	if db.tables == nil {
		db.tables = make(map[string]map[string]columnInfo)
	}
	db.tables[collection] = cols
	db.schemaMu.Unlock()
	return cols, true, nil
}

func (db *DB) invalidateSchemaCache() {
	db.schemaMu.Lock()
	db.tables = nil
	db.schemaMu.Unlock()
}

// checkFields normalizes fields and type-checks them against the columns.
func checkFields(cols map[string]columnInfo, fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for name, v := range fields {
		col, ok := cols[name]
		if !ok {
			return nil, fmt.Errorf("unknown column %s", name)
		}
		if err := col.Check(v); err != nil {
			return nil, err
		}
		nv, _ := schema.NormalizeValue(v)
		out[name] = nv
	}
	return out, nil
}

// MigrationTx applies schema changes inside a single transaction.
// Nothing is visible until Commit; Rollback discards every step.
type MigrationTx struct {
	db *DB
	tx *sql.Tx
}

// BeginMigration starts a schema-changing transaction.
func (db *DB) BeginMigration(ctx context.Context) (*MigrationTx, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &MigrationTx{db: db, tx: tx}, nil
}

// CreateCollection registers a new collection and its columns.
func (m *MigrationTx) CreateCollection(ctx context.Context, table schema.TableSchema) error {
	if err := table.Validate(); err != nil {
		return fmt.Errorf("invalid table: %w", err)
	}
	_, err := m.tx.ExecContext(ctx,
		`INSERT INTO collections (name, created_at) VALUES (?, ?)`,
		table.Name, m.db.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", table.Name, err)
	}
	return m.insertColumns(ctx, table.Name, table.Columns, 0)
}

// AddColumns adds columns to an existing collection and writes their
// defaults into existing records. Backfilled values do not make a record
// pending: the remote derives the same defaults on its side.
func (m *MigrationTx) AddColumns(ctx context.Context, collection string, columns []schema.ColumnSchema) error {
	var next int
	err := m.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position) + 1, -1) FROM columns WHERE collection = ?`, collection,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("failed to inspect collection %s: %w", collection, err)
	}
	if next < 0 {
		var exists int
		if err := m.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM collections WHERE name = ?`, collection).Scan(&exists); err != nil {
			return fmt.Errorf("failed to look up collection %s: %w", collection, err)
		}
		if exists == 0 {
			return fmt.Errorf("collection %s does not exist", collection)
		}
		next = 0
	}

	if err := m.insertColumns(ctx, collection, columns, next); err != nil {
		return err
	}

	for _, col := range columns {
		if col.Default == nil {
			continue
		}
		value, err := schema.NormalizeValue(col.Default)
		if err != nil {
			return fmt.Errorf("invalid default for %s.%s: %w", collection, col.Name, err)
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode default for %s.%s: %w", collection, col.Name, err)
		}
		// json_set needs a JSON value, hence json(?).
		_, err = m.tx.ExecContext(ctx, `
		UPDATE records SET fields = json_set(fields, '$.' || ?, json(?))
		WHERE collection = ? AND json_type(fields, '$.' || ?) IS NULL
		`, col.Name, string(encoded), collection, col.Name)
		if err != nil {
			return fmt.Errorf("failed to backfill %s.%s: %w", collection, col.Name, err)
		}
	}
	return nil
}

func (m *MigrationTx) insertColumns(ctx context.Context, collection string, columns []schema.ColumnSchema, start int) error {
	for i, col := range columns {
		if err := col.Validate(); err != nil {
			return fmt.Errorf("invalid column in %s: %w", collection, err)
		}
		var defaultJSON sql.NullString
		if col.Default != nil {
			value, _ := schema.NormalizeValue(col.Default)
			data, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("failed to encode default for %s.%s: %w", collection, col.Name, err)
			}
			defaultJSON = sql.NullString{String: string(data), Valid: true}
		}
		_, err := m.tx.ExecContext(ctx,
			`INSERT INTO columns (collection, name, type, indexed, default_value, position) VALUES (?, ?, ?, ?, ?, ?)`,
			collection, col.Name, string(col.Type), col.Indexed, defaultJSON, start+i,
		)
		if err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", collection, col.Name, err)
		}
		if col.Indexed {
			idx := fmt.Sprintf(
				`CREATE INDEX IF NOT EXISTS "idx_%s_%s" ON records(json_extract(fields, '$.%s')) WHERE collection = '%s'`,
				collection, col.Name, col.Name, collection,
			)
			if _, err := m.tx.ExecContext(ctx, idx); err != nil {
				return fmt.Errorf("failed to index %s.%s: %w", collection, col.Name, err)
			}
		}
	}
	return nil
}

// SetSchemaVersion records the version reached by this transaction.
func (m *MigrationTx) SetSchemaVersion(ctx context.Context, version int) error {
	_, err := m.tx.ExecContext(ctx,
		`UPDATE replica_meta SET value = ? WHERE key = 'schema_version'`,
		strconv.Itoa(version),
	)
	if err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	_, err = m.tx.ExecContext(ctx,
		`INSERT INTO replica_meta (key, value) VALUES ('migrated_at', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		m.db.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to record migration time: %w", err)
	}
	return nil
}

// Commit makes the migration visible.
func (m *MigrationTx) Commit() error {
	defer m.db.invalidateSchemaCache()
	if err := m.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// Rollback discards the migration. Safe to call after Commit.
func (m *MigrationTx) Rollback() error {
	err := m.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}
