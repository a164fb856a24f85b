// Package loadtest runs concurrent replicas against one sync server and
// checks that they converge.
//
// Every replica creates attempts and keeps editing one shared puzzle while
// syncing on its own schedule, so pushes race and conflict. After the edit
// phase all replicas sync in rounds until nothing moves, then the run
// verifies that no created record was lost or duplicated and that every
// replica holds the same shared puzzle.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/replica/internal/replica/db"
	"github.com/mschirtzinger/replica/internal/replica/migrate"
	"github.com/mschirtzinger/replica/internal/replica/remote"
	"github.com/mschirtzinger/replica/internal/replica/schema"
	"github.com/mschirtzinger/replica/internal/replica/server"
	replicasync "github.com/mschirtzinger/replica/internal/replica/sync"
)

// SharedID is the puzzle every replica edits.
const SharedID = "loadtest-shared"

// Config describes a load test run.
type Config struct {
	Replicas        int
	EditsPerReplica int
	// SyncEvery syncs after this many edits.
	SyncEvery int
	// MaxAttempts bounds the retries of one sync on retryable errors.
	MaxAttempts int

	// Dir holds the replica databases (and the server's when in-process).
	Dir string

	// ServerURL targets a running server. Empty starts one in-process.
	ServerURL string
	Token     string

	Logger *zap.Logger
}

// DefaultConfig returns a small but contended run.
func DefaultConfig(dir string) Config {
	return Config{
		Replicas:        8,
		EditsPerReplica: 25,
		SyncEvery:       5,
		MaxAttempts:     10,
		Dir:             dir,
	}
}

// LatencyStats captures sync latency across all replicas.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration // Median
	P95   time.Duration
	P99   time.Duration
	Count int
}

// Result reports what a run did and whether the replicas converged.
type Result struct {
	Replicas  int
	Created   int
	Syncs     int
	Retries   int
	Conflicts int
	Kept      int
	Errors    []string
	Rounds    int
	Latency   *LatencyStats
	Elapsed   time.Duration

	// Converged is true when every replica holds every created record
	// exactly once, nothing is pending, and the shared puzzle agrees.
	Converged bool
	Problems  []string
}

type member struct {
	id      string
	store   *db.DB
	replica *replicasync.Replica
}

type counters struct {
	mu        sync.Mutex
	durations []time.Duration
	syncs     int
	retries   int
	conflicts int
	kept      int
	errs      []string
}

func (c *counters) record(d time.Duration, report *replicasync.Report, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.durations = append(c.durations, d)
	if report != nil {
		c.kept += report.Applied.Kept
	}
	if errors.Is(err, replicasync.ErrConflict) {
		c.conflicts++
	}
}

// Run executes a load test.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.Replicas <= 0 || cfg.EditsPerReplica <= 0 {
		return nil, fmt.Errorf("replicas and edits must be positive")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("a working directory is required")
	}
	if cfg.SyncEvery <= 0 {
		cfg.SyncEvery = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	log := cfg.Logger.With(zap.String("component", "loadtest"))
	start := time.Now()

	var svc *server.Service
	url := cfg.ServerURL
	if url == "" {
		var stop func()
		var err error
		url, svc, stop, err = startServer(ctx, cfg)
		if err != nil {
			return nil, err
		}
		defer stop()
	}

	members, err := openMembers(ctx, cfg, url)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, m := range members {
			_ = m.store.Close()
		}
	}()

	c := &counters{}
	syncWithRetry := func(m *member) (*replicasync.Report, error) {
		var (
			report *replicasync.Report
			err    error
		)
		for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
			t0 := time.Now()
			report, err = m.replica.Sync(ctx)
			c.record(time.Since(t0), report, err)
			if err == nil || !replicasync.IsRetryable(err) {
				break
			}
			c.mu.Lock()
			c.retries++
			c.mu.Unlock()
		}
		c.mu.Lock()
		c.syncs++
		if err != nil {
			c.errs = append(c.errs, fmt.Sprintf("%s: %v", m.id, err))
		}
		c.mu.Unlock()
		return report, err
	}

	// Seed the shared puzzle once and let every replica see it.
	if _, err := members[0].store.Import(ctx, schema.Fixture{
		schema.TableSudokus: {{ID: SharedID, Fields: map[string]any{"clues": 0, "puzzle": "loadtest"}}},
	}); err != nil {
		return nil, fmt.Errorf("failed to seed shared puzzle: %w", err)
	}
	for _, m := range members {
		if _, err := syncWithRetry(m); err != nil {
			return nil, fmt.Errorf("initial sync failed: %w", err)
		}
	}

	log.Info("starting edit phase",
		zap.Int("replicas", cfg.Replicas),
		zap.Int("edits", cfg.EditsPerReplica),
	)
	var wg sync.WaitGroup
	editErrs := make(chan error, len(members))
	for i, m := range members {
		wg.Add(1)
		go func(n int, m *member) {
			defer wg.Done()
			for j := 0; j < cfg.EditsPerReplica; j++ {
				if ctx.Err() != nil {
					return
				}
				if _, err := m.store.Create(ctx, schema.TableSudokuAttempts, map[string]any{
					"sudoku_id": SharedID,
					"user_id":   m.id,
					"progress":  fmt.Sprintf("%d-%d", n, j),
				}); err != nil {
					editErrs <- fmt.Errorf("%s: create failed: %w", m.id, err)
					return
				}
				if (j+1)%cfg.SyncEvery == 0 {
					if _, err := m.store.Update(ctx, schema.TableSudokus, SharedID, map[string]any{
						"clues": n*cfg.EditsPerReplica + j,
					}); err != nil && !errors.Is(err, db.ErrNotFound) {
						editErrs <- fmt.Errorf("%s: update failed: %w", m.id, err)
						return
					}
					_, _ = syncWithRetry(m)
				}
			}
		}(i, m)
	}
	wg.Wait()
	close(editErrs)
	if err, ok := <-editErrs; ok {
		return nil, err
	}

	// Settle: sync everyone in turn until a whole round moves nothing.
	rounds := 0
	for rounds < 2*cfg.Replicas+2 {
		rounds++
		moved := 0
		for _, m := range members {
			report, err := syncWithRetry(m)
			if err != nil {
				return nil, fmt.Errorf("settle sync failed: %w", err)
			}
			moved += report.PulledCount() + report.PushedCount()
		}
		if moved == 0 {
			break
		}
	}

	res := &Result{
		Replicas:  cfg.Replicas,
		Created:   cfg.Replicas * cfg.EditsPerReplica,
		Syncs:     c.syncs,
		Retries:   c.retries,
		Conflicts: c.conflicts,
		Kept:      c.kept,
		Errors:    c.errs,
		Rounds:    rounds,
		Latency:   computeLatencyStats(c.durations),
	}
	res.Problems = verify(ctx, members, svc, res.Created)
	res.Converged = len(res.Problems) == 0
	res.Elapsed = time.Since(start)

	log.Info("load test finished",
		zap.Bool("converged", res.Converged),
		zap.Int("syncs", res.Syncs),
		zap.Int("conflicts", res.Conflicts),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

func startServer(ctx context.Context, cfg Config) (string, *server.Service, func(), error) {
	store, err := server.OpenStore("file:" + filepath.Join(cfg.Dir, "server.db"))
	if err != nil {
		return "", nil, nil, err
	}
	svc, err := server.NewService(ctx, store, server.ServiceOptions{})
	if err != nil {
		_ = store.Close()
		return "", nil, nil, err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		_ = store.Close()
		return "", nil, nil, err
	}

	srvCtx, cancel := context.WithCancel(ctx)
	srv := server.NewServer(server.Config{AuthToken: cfg.Token}, server.NewSyncHandler(svc, nil))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(srvCtx, ln)
	}()
	stop := func() {
		cancel()
		<-done
		_ = store.Close()
	}
	return "http://" + ln.Addr().String(), svc, stop, nil
}

func openMembers(ctx context.Context, cfg Config, url string) (members []*member, err error) {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	defer func() {
		if err != nil {
			for _, m := range members {
				_ = m.store.Close()
			}
		}
	}()
	for i := 0; i < cfg.Replicas; i++ {
		store, err := db.Open(filepath.Join(cfg.Dir, fmt.Sprintf("replica-%03d.db", i)))
		if err != nil {
			return members, err
		}
		if _, err := migrate.Run(ctx, store, schema.SudokuSchema, schema.SudokuMigrations, migrate.Options{}); err != nil {
			_ = store.Close()
			return members, err
		}
		id, err := store.ReplicaID(ctx)
		if err != nil {
			_ = store.Close()
			return members, err
		}
		client := remote.New(httpClient, remote.Config{BaseURL: url, Token: cfg.Token, ReplicaID: id})
		r, err := replicasync.NewReplica(ctx, store, client, replicasync.ReplicaOptions{
			Options: replicasync.Options{
				RequiredVersion: schema.SudokuSchema.Version,
				Migrations:      schema.SudokuMigrations,
				ReplicaID:       id,
				Logger:          cfg.Logger,
			},
		})
		if err != nil {
			_ = store.Close()
			return members, err
		}
		members = append(members, &member{id: id, store: store, replica: r})
	}
	return members, nil
}

// verify checks convergence and returns a description of every problem.
func verify(ctx context.Context, members []*member, svc *server.Service, want int) []string {
	var problems []string
	var shared []string

	for _, m := range members {
		n, err := m.store.Count(ctx, schema.TableSudokuAttempts)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: count failed: %v", m.id, err))
			continue
		}
		if n != want {
			problems = append(problems, fmt.Sprintf("%s: has %d attempts, want %d", m.id, n, want))
		}
		pending, err := m.store.CountPending(ctx)
		if err == nil && pending != 0 {
			problems = append(problems, fmt.Sprintf("%s: %d edits still pending", m.id, pending))
		}
		e, err := m.store.Get(ctx, schema.TableSudokus, SharedID)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: shared puzzle: %v", m.id, err))
			continue
		}
		shared = append(shared, fmt.Sprint(e.Fields["clues"]))
	}

	sort.Strings(shared)
	if len(shared) > 0 && shared[0] != shared[len(shared)-1] {
		problems = append(problems, fmt.Sprintf("shared puzzle diverged: %v", shared))
	}

	if svc != nil {
		counts, err := svc.Stats(ctx)
		if err != nil {
			problems = append(problems, fmt.Sprintf("server stats: %v", err))
		} else if counts[schema.TableSudokuAttempts] != want {
			problems = append(problems, fmt.Sprintf("server has %d attempts, want %d", counts[schema.TableSudokuAttempts], want))
		}
	}
	return problems
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(durations)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(sorted),
	}
}

// Print writes a plain-text summary of the result.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "Load test:\n")
	fmt.Fprintf(w, "  Replicas:      %d\n", r.Replicas)
	fmt.Fprintf(w, "  Created:       %d\n", r.Created)
	fmt.Fprintf(w, "  Syncs:         %d (%d retries, %d conflicts, %d kept local)\n", r.Syncs, r.Retries, r.Conflicts, r.Kept)
	fmt.Fprintf(w, "  Settle rounds: %d\n", r.Rounds)
	fmt.Fprintf(w, "  Elapsed:       %v\n", r.Elapsed)
	if l := r.Latency; l != nil && l.Count > 0 {
		fmt.Fprintf(w, "Sync latency:\n")
		fmt.Fprintf(w, "  Min:           %v\n", l.Min)
		fmt.Fprintf(w, "  P50 (Median):  %v\n", l.P50)
		fmt.Fprintf(w, "  Mean:          %v\n", l.Mean)
		fmt.Fprintf(w, "  P95:           %v\n", l.P95)
		fmt.Fprintf(w, "  P99:           %v\n", l.P99)
		fmt.Fprintf(w, "  Max:           %v\n", l.Max)
	}
	if r.Converged {
		fmt.Fprintf(w, "Converged: yes\n")
		return
	}
	fmt.Fprintf(w, "Converged: no\n")
	for _, p := range r.Problems {
		fmt.Fprintf(w, "  - %s\n", p)
	}
}
