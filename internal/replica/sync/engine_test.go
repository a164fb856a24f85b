package sync

import (
	"context"
	"errors"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/replica/internal/replica/db"
	"github.com/mschirtzinger/replica/internal/replica/migrate"
	"github.com/mschirtzinger/replica/internal/replica/schema"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type testClock struct {
	mu  stdsync.Mutex
	now time.Time
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

// setupStore opens a store migrated to app.
func setupStore(t *testing.T, app schema.AppSchema) (*db.DB, *testClock) {
	t.Helper()
	clock := &testClock{now: epoch}
	store, err := db.Open(filepath.Join(t.TempDir(), "replica.db"), db.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if _, err := migrate.Run(context.Background(), store, app, nil, migrate.Options{}); err != nil {
		t.Fatalf("migrate.Run() failed: %v", err)
	}
	return store, clock
}

func newTestEngine(store Store, remote Remote) Engine {
	return New(store, remote, Options{
		RequiredVersion: schema.SudokuSchema.Version,
		Migrations:      schema.SudokuMigrations,
		ReplicaID:       "test-replica",
	})
}

func attempt(id, progress string) schema.Entity {
	return schema.Entity{ID: id, Fields: map[string]any{"sudoku_id": "s1", "progress": progress}}
}

func TestSynchronize_FirstSyncPullsEverything(t *testing.T) {
	store, _ := setupStore(t, schema.SudokuSchema)
	remote := newMemRemote(epoch.UnixMilli())
	remote.put(schema.TableSudokus, schema.Entity{ID: "s1", Fields: map[string]any{"clues": 30}})
	remote.put(schema.TableSudokuAttempts, attempt("a1", "1"))
	ctx := context.Background()

	engine := newTestEngine(store, remote)
	next, report, err := engine.Synchronize(ctx, schema.Cursor{})
	require.NoError(t, err)

	require.NotNil(t, next.LastPulledAt)
	assert.Equal(t, epoch.UnixMilli()+2, schema.Millis(*next.LastPulledAt))
	assert.Equal(t, 2, next.SchemaVersion)
	assert.True(t, report.Advanced)
	assert.Equal(t, 2, report.PulledCount())
	assert.Equal(t, 0, report.PushedCount())
	assert.Equal(t, 2, report.Applied.Inserted)
	assert.Nil(t, remote.lastPull().LastPulledAt)

	s1, err := store.Get(ctx, schema.TableSudokus, "s1")
	require.NoError(t, err)
	assert.Equal(t, 30.0, s1.Fields["clues"])

	pending, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	assert.Equal(t, 0, remote.pushCount())
}

func TestSynchronize_Idempotent(t *testing.T) {
	store, _ := setupStore(t, schema.SudokuSchema)
	remote := newMemRemote(epoch.UnixMilli())
	remote.put(schema.TableSudokuAttempts, attempt("a1", "1"))
	ctx := context.Background()
	engine := newTestEngine(store, remote)

	first, _, err := engine.Synchronize(ctx, schema.Cursor{})
	require.NoError(t, err)

	// Nothing changed on either side: the watermark stays put.
	for i := 0; i < 3; i++ {
		next, report, err := engine.Synchronize(ctx, first)
		require.NoError(t, err)
		assert.True(t, next.Equal(first), "sync %d moved cursor from %s to %s", i, first, next)
		assert.False(t, report.Advanced)
		assert.Equal(t, 0, report.PulledCount())
	}
	assert.Equal(t, 0, remote.pushCount())
}

func TestSynchronize_RemoteUpdateExample(t *testing.T) {
	store, _ := setupStore(t, schema.SudokuSchema)
	remote := newMemRemote(epoch.UnixMilli())
	remote.put(schema.TableSudokuAttempts, attempt("a1", "1"))
	ctx := context.Background()
	engine := newTestEngine(store, remote)

	t0, _, err := engine.Synchronize(ctx, schema.Cursor{})
	require.NoError(t, err)
	require.Equal(t, 2, t0.SchemaVersion)

	remote.put(schema.TableSudokuAttempts, attempt("a1", "55"))
	t1 := schema.Millis(*t0.LastPulledAt) + 1

	next, report, err := engine.Synchronize(ctx, t0)
	require.NoError(t, err)

	a1, err := store.Get(ctx, schema.TableSudokuAttempts, "a1")
	require.NoError(t, err)
	assert.Equal(t, "55", a1.Fields["progress"])

	require.NotNil(t, next.LastPulledAt)
	assert.Equal(t, t1, schema.Millis(*next.LastPulledAt))
	assert.Equal(t, 2, next.SchemaVersion)
	assert.Equal(t, 1, report.Applied.Updated)
	assert.Equal(t, 0, remote.pushCount())
}

func TestSynchronize_PushesLocalEdits(t *testing.T) {
	store, clock := setupStore(t, schema.SudokuSchema)
	remote := newMemRemote(epoch.UnixMilli())
	remote.put(schema.TableSudokuAttempts, attempt("a1", "1"))
	ctx := context.Background()
	engine := newTestEngine(store, remote)

	cursor, _, err := engine.Synchronize(ctx, schema.Cursor{})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = store.Update(ctx, schema.TableSudokuAttempts, "a1", map[string]any{"progress": "12"})
	require.NoError(t, err)
	created, err := store.Create(ctx, schema.TableSudokus, map[string]any{"clues": 25})
	require.NoError(t, err)

	next, report, err := engine.Synchronize(ctx, cursor)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{schema.TableSudokus: 1, schema.TableSudokuAttempts: 1}, report.Pushed)

	push := remote.lastPush()
	require.NotNil(t, push.LastPulledAt)
	assert.True(t, push.LastPulledAt.Equal(*next.LastPulledAt), "push must carry this sync's pull timestamp")
	require.Len(t, push.Changes[schema.TableSudokus].Created, 1)
	assert.Equal(t, created.ID, push.Changes[schema.TableSudokus].Created[0].ID)
	require.Len(t, push.Changes[schema.TableSudokuAttempts].Updated, 1)
	assert.Equal(t, "12", push.Changes[schema.TableSudokuAttempts].Updated[0].Fields["progress"])

	got, ok := remote.get(schema.TableSudokuAttempts, "a1")
	require.True(t, ok)
	assert.Equal(t, "12", got.Fields["progress"])

	pending, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestSynchronize_NoLossOnPushFailure(t *testing.T) {
	store, clock := setupStore(t, schema.SudokuSchema)
	remote := newMemRemote(epoch.UnixMilli())
	remote.put(schema.TableSudokuAttempts, attempt("a1", "1"))
	ctx := context.Background()
	engine := newTestEngine(store, remote)

	t0, _, err := engine.Synchronize(ctx, schema.Cursor{})
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = store.Update(ctx, schema.TableSudokuAttempts, "a1", map[string]any{"progress": "7"})
	require.NoError(t, err)
	s2, err := store.Create(ctx, schema.TableSudokus, map[string]any{"clues": 40})
	require.NoError(t, err)

	remote.mu.Lock()
	remote.pushErr = errors.New("connection reset by peer")
	remote.mu.Unlock()

	next, report, err := engine.Synchronize(ctx, t0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.True(t, IsRetryable(err))
	var transport *TransportError
	require.ErrorAs(t, err, &transport)
	assert.Equal(t, PhasePush, transport.Phase)
	assert.True(t, next.Equal(t0), "cursor must not advance on failure")
	assert.True(t, report.Cursor.Equal(t0))

	pending, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	remote.mu.Lock()
	remote.pushErr = nil
	remote.mu.Unlock()

	_, _, err = engine.Synchronize(ctx, next)
	require.NoError(t, err)
	push := remote.lastPush()
	assert.Equal(t, []string{s2.ID}, push.Changes[schema.TableSudokus].IDs())
	assert.Equal(t, []string{"a1"}, push.Changes[schema.TableSudokuAttempts].IDs())
}

func TestSynchronize_PullFailureKeepsCursor(t *testing.T) {
	store, _ := setupStore(t, schema.SudokuSchema)
	remote := newMemRemote(epoch.UnixMilli())
	remote.pullErr = errors.New("dial tcp: connection refused")
	engine := newTestEngine(store, remote)

	start := schema.Cursor{LastPulledAt: &epoch, SchemaVersion: 2}
	next, _, err := engine.Synchronize(context.Background(), start)
	require.Error(t, err)

	var transport *TransportError
	require.ErrorAs(t, err, &transport)
	assert.Equal(t, PhasePull, transport.Phase)
	assert.Contains(t, err.Error(), "connection refused")
	assert.True(t, next.Equal(start))
	assert.Equal(t, 0, remote.pushCount())
}

func TestSynchronize_ApplyOrdering(t *testing.T) {
	store, _ := setupStore(t, schema.SudokuSchema)
	remote := newMemRemote(epoch.UnixMilli())
	ms := epoch.UnixMilli()
	remote.extraPull = schema.ChangeSet{
		schema.TableSudokuAttempts: {
			Created: []schema.Entity{{ID: "a1", Fields: map[string]any{"progress": "1"}, LastModifiedAt: schema.FromMillis(ms - 20)}},
			Updated: []schema.Entity{{ID: "a1", Fields: map[string]any{"progress": "55"}, LastModifiedAt: schema.FromMillis(ms - 10)}},
		},
	}
	ctx := context.Background()

	_, _, err := newTestEngine(store, remote).Synchronize(ctx, schema.Cursor{})
	require.NoError(t, err)

	a1, err := store.Get(ctx, schema.TableSudokuAttempts, "a1")
	require.NoError(t, err)
	assert.Equal(t, "55", a1.Fields["progress"])
}

func TestSynchronize_PullIsAtomic(t *testing.T) {
	store, _ := setupStore(t, schema.SudokuSchema)
	remote := newMemRemote(epoch.UnixMilli())
	// sudokuAttempts sorts before sudokus, so a1 is written before the
	// failing record and must be rolled back with it.
	remote.extraPull = schema.ChangeSet{
		schema.TableSudokuAttempts: {Updated: []schema.Entity{attempt("a1", "3")}},
		schema.TableSudokus:        {Created: []schema.Entity{{ID: "bad", Fields: map[string]any{"color": "red"}}}},
	}
	ctx := context.Background()

	start := schema.Cursor{}
	next, _, err := newTestEngine(store, remote).Synchronize(ctx, start)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrApply))
	assert.False(t, IsRetryable(err))

	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, schema.TableSudokus, applyErr.Collection)
	assert.Equal(t, "bad", applyErr.ID)

	assert.True(t, next.IsZero())
	_, err = store.Get(ctx, schema.TableSudokuAttempts, "a1")
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.Equal(t, 0, remote.pushCount())
}

func TestSynchronize_ConflictSurfaced(t *testing.T) {
	store, clock := setupStore(t, schema.SudokuSchema)
	remote := newMemRemote(epoch.UnixMilli())
	remote.put(schema.TableSudokuAttempts, attempt("a1", "1"))
	ctx := context.Background()
	engine := newTestEngine(store, remote)

	t0, _, err := engine.Synchronize(ctx, schema.Cursor{})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = store.Update(ctx, schema.TableSudokuAttempts, "a1", map[string]any{"progress": "local"})
	require.NoError(t, err)

	// Another replica writes a1 between our pull and our push.
	remote.beforePush = func(r *memRemote) {
		r.putLocked(schema.TableSudokuAttempts, attempt("a1", "remote"))
		r.beforePush = nil
	}

	next, report, err := engine.Synchronize(ctx, t0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.True(t, IsRetryable(err))

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []string{"sudokuAttempts/a1"}, conflict.IDs)
	assert.Equal(t, conflict.IDs, report.ConflictIDs)
	assert.True(t, next.Equal(t0), "cursor must not advance on conflict")

	pending, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	// The retry pulls the remote version first; the local edit is newer
	// and wins.
	_, report, err = engine.Synchronize(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied.Kept)
	got, ok := remote.get(schema.TableSudokuAttempts, "a1")
	require.True(t, ok)
	assert.Equal(t, "local", got.Fields["progress"])
}

func TestSynchronize_Deletes(t *testing.T) {
	store, clock := setupStore(t, schema.SudokuSchema)
	remote := newMemRemote(epoch.UnixMilli())
	remote.put(schema.TableSudokuAttempts, attempt("a1", "1"))
	remote.put(schema.TableSudokuAttempts, attempt("a2", "2"))
	ctx := context.Background()
	engine := newTestEngine(store, remote)

	cursor, _, err := engine.Synchronize(ctx, schema.Cursor{})
	require.NoError(t, err)

	// Local delete of a known record is pushed as a tombstone.
	clock.Advance(time.Second)
	require.NoError(t, store.Delete(ctx, schema.TableSudokuAttempts, "a1"))
	// Created and deleted locally: never pushed.
	tmp, err := store.Create(ctx, schema.TableSudokus, map[string]any{"clues": 1})
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, schema.TableSudokus, tmp.ID))
	// Deleted remotely.
	remote.remove(schema.TableSudokuAttempts, "a2")

	cursor, report, err := engine.Synchronize(ctx, cursor)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied.Deleted)

	push := remote.lastPush()
	assert.Equal(t, []string{"a1"}, push.Changes[schema.TableSudokuAttempts].Deleted)
	_, hasSudokus := push.Changes[schema.TableSudokus]
	assert.False(t, hasSudokus)

	_, ok := remote.get(schema.TableSudokuAttempts, "a1")
	assert.False(t, ok)
	_, err = store.Get(ctx, schema.TableSudokuAttempts, "a2")
	assert.ErrorIs(t, err, db.ErrNotFound)

	// Acknowledged tombstones are purged.
	all, err := store.List(ctx, schema.TableSudokuAttempts, db.ListOptions{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Empty(t, all)
	pending, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	assert.NotNil(t, cursor.LastPulledAt)
}

func TestSynchronize_LocalClockBehindRemote(t *testing.T) {
	store, _ := setupStore(t, schema.SudokuSchema)
	remote := newMemRemote(epoch.Add(time.Hour).UnixMilli())
	remote.put(schema.TableSudokuAttempts, attempt("a1", "1"))
	ctx := context.Background()
	engine := newTestEngine(store, remote)

	cursor, _, err := engine.Synchronize(ctx, schema.Cursor{})
	require.NoError(t, err)

	// Stamped an hour before the watermark; still pushed.
	created, err := store.Create(ctx, schema.TableSudokus, map[string]any{"clues": 2})
	require.NoError(t, err)
	require.True(t, created.LastModifiedAt.Before(*cursor.LastPulledAt))

	_, report, err := engine.Synchronize(ctx, cursor)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PushedCount())
	_, ok := remote.get(schema.TableSudokus, created.ID)
	assert.True(t, ok)
}

func TestSynchronize_EchoNeverOverwritesNewerLocalEdit(t *testing.T) {
	store, _ := setupStore(t, schema.SudokuSchema)
	// The remote clock runs ahead and this remote echoes our own pushes.
	remote := newMemRemote(epoch.Add(10 * time.Second).UnixMilli())
	ctx := context.Background()
	engine := newTestEngine(store, remote)

	a1, err := store.Create(ctx, schema.TableSudokuAttempts, map[string]any{"sudoku_id": "s1", "progress": "1"})
	require.NoError(t, err)
	cursor, _, err := engine.Synchronize(ctx, schema.Cursor{})
	require.NoError(t, err)

	acked, err := store.Get(ctx, schema.TableSudokuAttempts, a1.ID)
	require.NoError(t, err)
	stored, ok := remote.get(schema.TableSudokuAttempts, a1.ID)
	require.True(t, ok)
	assert.False(t, acked.LastModifiedAt.Before(stored.LastModifiedAt), "acknowledged stamp below the remote's")

	_, err = store.Update(ctx, schema.TableSudokuAttempts, a1.ID, map[string]any{"progress": "2"})
	require.NoError(t, err)

	_, report, err := engine.Synchronize(ctx, cursor)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied.Kept)
	assert.Equal(t, 1, report.PushedCount())

	got, err := store.Get(ctx, schema.TableSudokuAttempts, a1.ID)
	require.NoError(t, err)
	assert.Equal(t, "2", got.Fields["progress"])
	stored, ok = remote.get(schema.TableSudokuAttempts, a1.ID)
	require.True(t, ok)
	assert.Equal(t, "2", stored.Fields["progress"])

	pending, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestSynchronize_SchemaPreflight(t *testing.T) {
	store, _ := setupStore(t, schema.SudokuSchemaV1())
	remote := newMemRemote(epoch.UnixMilli())

	start := schema.Cursor{LastPulledAt: &epoch, SchemaVersion: 1}
	next, _, err := newTestEngine(store, remote).Synchronize(context.Background(), start)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSchema))
	assert.False(t, IsRetryable(err))

	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, 1, schemaErr.Local)
	assert.Equal(t, 2, schemaErr.Required)
	assert.False(t, schemaErr.Remote)

	assert.True(t, next.Equal(start))
	assert.Empty(t, remote.pulls, "nothing may be exchanged before migrating")
}

func TestSynchronize_RemoteSchemaRejection(t *testing.T) {
	store, _ := setupStore(t, schema.SudokuSchema)
	remote := newMemRemote(epoch.UnixMilli())
	remote.pullErr = &SchemaError{Local: 2, Required: 3, Remote: true}

	_, _, err := newTestEngine(store, remote).Synchronize(context.Background(), schema.Cursor{})
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.True(t, schemaErr.Remote)
	assert.Equal(t, 3, schemaErr.Required)
}

func TestSynchronize_SendsMigrationInfo(t *testing.T) {
	store, _ := setupStore(t, schema.SudokuSchema)
	remote := newMemRemote(epoch.UnixMilli())
	ctx := context.Background()
	engine := newTestEngine(store, remote)

	_, _, err := engine.Synchronize(ctx, schema.Cursor{})
	require.NoError(t, err)
	assert.Nil(t, remote.lastPull().Migration, "first sync has nothing to report")

	// Last synced at v1, now at v2.
	_, _, err = engine.Synchronize(ctx, schema.Cursor{LastPulledAt: &epoch, SchemaVersion: 1})
	require.NoError(t, err)
	info := remote.lastPull().Migration
	require.NotNil(t, info)
	assert.Equal(t, 1, info.FromVersion)
	assert.Equal(t, []schema.MigrationColumn{{Table: schema.TableSudokus, Column: "sudokuNumber"}}, info.Columns)
	assert.Equal(t, 2, remote.lastPull().SchemaVersion)
}

func TestSynchronize_WatermarkNeverMovesBack(t *testing.T) {
	store, clock := setupStore(t, schema.SudokuSchema)
	remote := newMemRemote(epoch.UnixMilli())
	ctx := context.Background()

	ahead := epoch.Add(time.Hour)
	clock.Advance(2 * time.Hour)
	_, err := store.Create(ctx, schema.TableSudokus, map[string]any{"clues": 9})
	require.NoError(t, err)

	next, _, err := newTestEngine(store, remote).Synchronize(ctx, schema.Cursor{LastPulledAt: &ahead, SchemaVersion: 2})
	require.NoError(t, err)
	assert.True(t, next.LastPulledAt.Equal(ahead))
}

type recordingObserver struct {
	mu        stdsync.Mutex
	completed []*Report
	failed    []error
}

func (o *recordingObserver) OnSyncComplete(report *Report) {
	o.mu.Lock()
	o.completed = append(o.completed, report)
	o.mu.Unlock()
}

func (o *recordingObserver) OnSyncError(err error, report *Report) {
	o.mu.Lock()
	o.failed = append(o.failed, err)
	o.mu.Unlock()
}

func TestSynchronize_NotifiesObservers(t *testing.T) {
	store, _ := setupStore(t, schema.SudokuSchema)
	remote := newMemRemote(epoch.UnixMilli())
	first, second := &recordingObserver{}, &recordingObserver{}
	engine := New(store, remote, Options{
		RequiredVersion: 2,
		Observer:        Observers{first, second},
	})
	ctx := context.Background()

	_, _, err := engine.Synchronize(ctx, schema.Cursor{})
	require.NoError(t, err)
	remote.pullErr = errors.New("boom")
	_, _, err = engine.Synchronize(ctx, schema.Cursor{})
	require.Error(t, err)

	for _, obs := range []*recordingObserver{first, second} {
		assert.Len(t, obs.completed, 1)
		require.Len(t, obs.failed, 1)
		assert.True(t, errors.Is(obs.failed[0], ErrTransport))
	}
}
