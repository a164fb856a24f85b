// Package daemon keeps a replica in sync in the background.
//
// The daemon:
//  1. Syncs on start and then every Interval
//  2. Retries transport failures and conflicts with exponential backoff
//  3. Optionally watches a directory of fixture files and imports every
//     written file as local edits, then syncs right away
//  4. Stops on context cancellation, or when the replica's schema is
//     rejected (that needs a migration, not a retry)
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mschirtzinger/replica/internal/replica/schema"
	replicasync "github.com/mschirtzinger/replica/internal/replica/sync"
)

// Syncer runs one synchronization. *sync.Replica implements it.
type Syncer interface {
	Sync(ctx context.Context) (*replicasync.Report, error)
}

// Importer writes fixture entities as local edits. *db.DB implements it.
type Importer interface {
	Import(ctx context.Context, fixture schema.Fixture) (int, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// Interval between periodic syncs.
	Interval time.Duration

	// FixturesDir, when set, is watched for fixture files to import.
	FixturesDir string

	// DebounceInterval is how long a file must stay quiet before it is
	// imported. Editors often write a file several times in a row.
	DebounceInterval time.Duration

	// RetryInitial and RetryMax bound the backoff between attempts of one
	// sync; MaxRetries caps the attempts (0 retries until the next tick).
	RetryInitial time.Duration
	RetryMax     time.Duration
	MaxRetries   uint64

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		DebounceInterval: 200 * time.Millisecond,
		RetryInitial:     500 * time.Millisecond,
		RetryMax:         30 * time.Second,
		MaxRetries:       5,
	}
}

// Stats counts what the daemon has done since it started.
type Stats struct {
	Syncs    int
	Failures int
	Retries  int
	Imported int
	LastSync time.Time
	LastErr  error
}

// Daemon schedules syncs and fixture imports.
type Daemon struct {
	syncer   Syncer
	importer Importer
	config   Config
	log      *zap.Logger

	trigger chan struct{}

	changeQueue   map[string]queuedChange
	changeQueueMu sync.Mutex

	statsMu sync.Mutex
	stats   Stats
}

type queuedChange struct {
	op       EventOp
	queuedAt time.Time
}

// New creates a daemon. importer may be nil when FixturesDir is empty.
func New(syncer Syncer, importer Importer, config Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if config.FixturesDir != "" && importer == nil {
		return nil, fmt.Errorf("importer is required to watch %s", config.FixturesDir)
	}
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaults.DebounceInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = defaults.RetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = defaults.RetryMax
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Daemon{
		syncer:      syncer,
		importer:    importer,
		config:      config,
		log:         config.Logger.With(zap.String("component", "daemon")),
		trigger:     make(chan struct{}, 1),
		changeQueue: make(map[string]queuedChange),
	}, nil
}

// Run blocks until ctx is cancelled or the remote rejects the replica's
// schema. Cancellation returns nil.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info("starting daemon",
		zap.Duration("interval", d.config.Interval),
		zap.String("fixtures", d.config.FixturesDir),
	)

	var (
		events <-chan FileEvent
		errs   <-chan error
	)
	if d.config.FixturesDir != "" {
		watcher, err := NewFileWatcher()
		if err != nil {
			return err
		}
		if err := watcher.Start(d.config.FixturesDir); err != nil {
			return err
		}
		defer func() {
			if err := watcher.Stop(); err != nil {
				d.log.Warn("failed to stop watcher", zap.Error(err))
			}
		}()
		events, errs = watcher.Events(), watcher.Errors()
	}

	if err := d.syncOnce(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()
	debounce := time.NewTicker(d.config.DebounceInterval)
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("daemon stopped")
			return nil

		case <-ticker.C:
			if err := d.syncOnce(ctx); err != nil {
				return err
			}

		case <-d.trigger:
			if err := d.syncOnce(ctx); err != nil {
				return err
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			d.log.Debug("fixture event", zap.String("path", ev.Path), zap.Stringer("op", ev.Op))
			d.queueChange(ev)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			d.log.Warn("watcher error", zap.Error(err))

		case <-debounce.C:
			if d.processPendingChanges(ctx) > 0 {
				d.Trigger()
			}
		}
	}
}

// Trigger requests a sync as soon as possible. Requests made while one is
// already pending are merged.
func (d *Daemon) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// SyncNow runs one sync, retrying retryable failures with backoff.
func (d *Daemon) SyncNow(ctx context.Context) (*replicasync.Report, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.config.RetryInitial
	b.MaxInterval = d.config.RetryMax
	b.MaxElapsedTime = 0
	var policy backoff.BackOff = b
	if d.config.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(policy, d.config.MaxRetries)
	}

	var report *replicasync.Report
	op := func() error {
		r, err := d.syncer.Sync(ctx)
		report = r
		if err != nil && !replicasync.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		d.statsMu.Lock()
		d.stats.Retries++
		d.statsMu.Unlock()
		d.log.Warn("sync failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify)

	d.statsMu.Lock()
	d.stats.Syncs++
	d.stats.LastErr = err
	if err != nil {
		d.stats.Failures++
	} else {
		d.stats.LastSync = time.Now()
	}
	d.statsMu.Unlock()
	return report, err
}

// syncOnce syncs and logs the outcome. Only errors that end the daemon are
// returned.
func (d *Daemon) syncOnce(ctx context.Context) error {
	report, err := d.SyncNow(ctx)
	switch {
	case err == nil:
		d.log.Info("sync complete",
			zap.Int("pulled", report.PulledCount()),
			zap.Int("pushed", report.PushedCount()),
			zap.Duration("duration", report.Duration),
		)
		return nil
	case ctx.Err() != nil:
		return nil
	case errors.Is(err, replicasync.ErrSchema):
		d.log.Error("schema rejected, stopping", zap.Error(err))
		return err
	default:
		d.log.Error("sync failed", zap.Error(err))
		return nil
	}
}

// Stats returns a snapshot of the daemon counters.
func (d *Daemon) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

// ImportFile reads a fixture file and writes it as local edits.
func (d *Daemon) ImportFile(ctx context.Context, path string) (int, error) {
	fixture, err := schema.ReadFixtureFile(path)
	if err != nil {
		return 0, err
	}
	n, err := d.importer.Import(ctx, fixture)
	if err != nil {
		return 0, fmt.Errorf("failed to import %s: %w", path, err)
	}
	d.statsMu.Lock()
	d.stats.Imported += n
	d.statsMu.Unlock()
	return n, nil
}

func (d *Daemon) queueChange(ev FileEvent) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[ev.Path] = queuedChange{op: ev.Op, queuedAt: time.Now()}
}

// processPendingChanges imports files that have been quiet for long enough
// and returns the number of entities written.
func (d *Daemon) processPendingChanges(ctx context.Context) int {
	d.changeQueueMu.Lock()
	ready := make(map[string]queuedChange)
	now := time.Now()
	for path, ch := range d.changeQueue {
		if now.Sub(ch.queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready[path] = ch
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	total := 0
	for path, ch := range ready {
		if ch.op == OpRemove {
			// Removing a fixture does not delete what it imported.
			d.log.Debug("fixture removed", zap.String("path", path))
			continue
		}
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		n, err := d.ImportFile(ctx, path)
		if err != nil {
			d.log.Warn("fixture import failed", zap.String("path", path), zap.Error(err))
			continue
		}
		d.log.Info("fixture imported", zap.String("path", path), zap.Int("records", n))
		total += n
	}
	return total
}
