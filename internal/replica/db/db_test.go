package db

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/replica/internal/replica/schema"
)

// testClock is a manually advanced clock for deterministic stamps.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// setupTestDB opens a store in a temp dir with the sudoku schema registered.
func setupTestDB(t *testing.T) (*DB, *testClock) {
	t.Helper()
	clock := newTestClock()
	db, err := Open(filepath.Join(t.TempDir(), "replica.db"), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	mig, err := db.BeginMigration(ctx)
	if err != nil {
		t.Fatalf("BeginMigration() failed: %v", err)
	}
	for _, table := range schema.SudokuSchema.Tables {
		if err := mig.CreateCollection(ctx, table); err != nil {
			t.Fatalf("CreateCollection(%s) failed: %v", table.Name, err)
		}
	}
	if err := mig.SetSchemaVersion(ctx, schema.SudokuSchema.Version); err != nil {
		t.Fatalf("SetSchemaVersion() failed: %v", err)
	}
	if err := mig.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}
	return db, clock
}

func TestOpen_Success(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "replica.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("path = %q, want %q", db.Path(), path)
	}

	ctx := context.Background()
	version, err := db.CurrentSchemaVersion(ctx)
	if err != nil {
		t.Fatalf("CurrentSchemaVersion() failed: %v", err)
	}
	if version != 0 {
		t.Errorf("fresh store version = %d, want 0", version)
	}

	cursor, err := db.LoadCursor(ctx)
	if err != nil {
		t.Fatalf("LoadCursor() failed: %v", err)
	}
	if !cursor.IsZero() {
		t.Errorf("fresh cursor = %v, want zero", cursor)
	}
}

func TestReplicaIDStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replica.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	id1, err := db.ReplicaID(context.Background())
	if err != nil {
		t.Fatalf("ReplicaID() failed: %v", err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()
	id2, _ := db.ReplicaID(context.Background())
	if id1 == "" || id1 != id2 {
		t.Errorf("replica id changed across reopen: %q -> %q", id1, id2)
	}
}

func TestClose_Idempotent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "replica.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}

func TestLoadSchema(t *testing.T) {
	db, _ := setupTestDB(t)
	app, err := db.LoadSchema(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, app.Version)
	require.Len(t, app.Tables, 2)

	attempts, ok := app.Table(schema.TableSudokuAttempts)
	require.True(t, ok)
	col, ok := attempts.Column("sudoku_id")
	require.True(t, ok)
	assert.True(t, col.Indexed)
	assert.Equal(t, schema.ColumnString, col.Type)
}

func TestCreateGetUpdateDelete(t *testing.T) {
	db, clock := setupTestDB(t)
	ctx := context.Background()

	created, err := db.Create(ctx, schema.TableSudokuAttempts, map[string]any{"progress": "1", "totalElapsedTime": 5})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, 5.0, created.Fields["totalElapsedTime"])

	clock.Advance(time.Second)
	updated, err := db.Update(ctx, schema.TableSudokuAttempts, created.ID, map[string]any{"progress": "55"})
	require.NoError(t, err)
	assert.Equal(t, "55", updated.Fields["progress"])
	assert.Equal(t, 5.0, updated.Fields["totalElapsedTime"], "update merges fields")
	assert.True(t, updated.LastModifiedAt.After(created.LastModifiedAt))

	got, err := db.Get(ctx, schema.TableSudokuAttempts, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "55", got.Fields["progress"])

	require.NoError(t, db.Delete(ctx, schema.TableSudokuAttempts, created.ID))
	_, err = db.Get(ctx, schema.TableSudokuAttempts, created.ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	err = db.Delete(ctx, schema.TableSudokuAttempts, created.ID)
	assert.True(t, errors.Is(err, ErrNotFound), "deleting a tombstone is not found")

	_, err = db.Update(ctx, schema.TableSudokuAttempts, "missing", map[string]any{"progress": "2"})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCreate_Validation(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		collection string
		fields     map[string]any
		wantErr    error
		errMsg     string
	}{
		{"unknown collection", "boards", map[string]any{}, ErrUnknownCollection, ""},
		{"unknown column", schema.TableSudokus, map[string]any{"color": "red"}, nil, "unknown column color"},
		{"type mismatch", schema.TableSudokus, map[string]any{"clues": "thirty"}, nil, "type mismatch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.Create(ctx, tt.collection, tt.fields)
			require.Error(t, err)
			var recErr *RecordError
			require.True(t, errors.As(err, &recErr), "want *RecordError, got %T", err)
			assert.Equal(t, tt.collection, recErr.Collection)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.errMsg != "" {
				assert.Contains(t, err.Error(), tt.errMsg)
			}
		})
	}
}

func TestStampsStrictlyIncrease(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	// The clock never advances: stamps must still be unique per record.
	e, err := db.Create(ctx, schema.TableSudokus, map[string]any{"clues": 1})
	require.NoError(t, err)
	prev := e.LastModifiedAt
	for i := 0; i < 5; i++ {
		u, err := db.Update(ctx, schema.TableSudokus, e.ID, map[string]any{"clues": i})
		require.NoError(t, err)
		assert.True(t, u.LastModifiedAt.After(prev), "update %d not after previous stamp", i)
		prev = u.LastModifiedAt
	}
}

func TestListAndCount(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := db.Create(ctx, schema.TableSudokus, map[string]any{"clues": i})
		require.NoError(t, err)
	}
	a, err := db.Create(ctx, schema.TableSudokuAttempts, map[string]any{"progress": "x"})
	require.NoError(t, err)
	require.NoError(t, db.Delete(ctx, schema.TableSudokuAttempts, a.ID))

	n, err := db.Count(ctx, schema.TableSudokus)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = db.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "tombstones are not counted")

	list, err := db.List(ctx, schema.TableSudokus, ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	withDeleted, err := db.List(ctx, schema.TableSudokuAttempts, ListOptions{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, withDeleted, 1)
	assert.True(t, withDeleted[0].Deleted)

	pending, err := db.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, pending)
}

func TestImport(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	fixture := schema.Fixture{
		schema.TableSudokus: {
			{ID: "s1", Fields: map[string]any{"puzzle": "53..7", "clues": 30.0}},
			{Fields: map[string]any{"puzzle": "6..19", "clues": 25.0}},
		},
	}
	n, err := db.Import(ctx, fixture)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Re-importing overwrites by id.
	fixture[schema.TableSudokus][0].Fields["clues"] = 31.0
	_, err = db.Import(ctx, schema.Fixture{schema.TableSudokus: fixture[schema.TableSudokus][:1]})
	require.NoError(t, err)

	s1, err := db.Get(ctx, schema.TableSudokus, "s1")
	require.NoError(t, err)
	assert.Equal(t, 31.0, s1.Fields["clues"])

	count, _ := db.Count(ctx, schema.TableSudokus)
	assert.Equal(t, 2, count)

	_, err = db.Import(ctx, schema.Fixture{"boards": {{ID: "b1"}}})
	assert.ErrorIs(t, err, ErrUnknownCollection)
}

func TestImport_IsRepeatable(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		fixture := schema.Fixture{
			schema.TableSudokus: {{Fields: map[string]any{"puzzle": "6..19", "clues": 25.0}}},
		}
		n, err := db.Import(ctx, fixture)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	count, err := db.Count(ctx, schema.TableSudokus)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := db.Get(ctx, schema.TableSudokus, schema.FixtureID("", schema.TableSudokus, 0))
	require.NoError(t, err)
	assert.Equal(t, 25.0, got.Fields["clues"])
}

func TestCursorPersistence(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	t1 := time.UnixMilli(1767225600000).UTC()
	require.NoError(t, db.SaveCursor(ctx, schema.Cursor{LastPulledAt: &t1, SchemaVersion: 2}))

	got, err := db.LoadCursor(ctx)
	require.NoError(t, err)
	require.NotNil(t, got.LastPulledAt)
	assert.True(t, got.LastPulledAt.Equal(t1))
	assert.Equal(t, 2, got.SchemaVersion)

	earlier := t1.Add(-time.Second)
	err = db.SaveCursor(ctx, schema.Cursor{LastPulledAt: &earlier, SchemaVersion: 2})
	assert.ErrorContains(t, err, "refusing to move cursor back")

	err = db.SaveCursor(ctx, schema.Cursor{SchemaVersion: 2})
	assert.Error(t, err, "clearing the watermark requires Reset")

	require.NoError(t, db.Reset(ctx))
	got, err = db.LoadCursor(ctx)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestReset(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	_, err := db.Create(ctx, schema.TableSudokus, map[string]any{"clues": 1})
	require.NoError(t, err)
	id, _ := db.ReplicaID(ctx)

	require.NoError(t, db.Reset(ctx))

	n, _ := db.Count(ctx, "")
	assert.Equal(t, 0, n)
	version, _ := db.CurrentSchemaVersion(ctx)
	assert.Equal(t, 2, version, "reset keeps the schema")
	after, _ := db.ReplicaID(ctx)
	assert.Equal(t, id, after)
}
