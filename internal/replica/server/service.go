package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/replica/internal/replica/protocol"
	"github.com/mschirtzinger/replica/internal/replica/schema"
)

// ErrNotFound is returned by Store.Get for missing or deleted records.
var ErrNotFound = errors.New("not found")

// ConflictError rejects a push that touches records changed after the
// pusher's pull.
type ConflictError struct {
	Conflicts []protocol.ConflictRef
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%d record(s) changed since last pull", len(e.Conflicts))
}

// SchemaTooOldError rejects a replica below the minimum schema version.
type SchemaTooOldError struct {
	SchemaVersion    int
	MinSchemaVersion int
}

func (e *SchemaTooOldError) Error() string {
	return fmt.Sprintf("schema v%d is below the minimum v%d", e.SchemaVersion, e.MinSchemaVersion)
}

// BadRequestError marks a request the server refuses to process.
type BadRequestError struct {
	Err error
}

func (e *BadRequestError) Error() string { return e.Err.Error() }

func (e *BadRequestError) Unwrap() error { return e.Err }

// ServiceOptions configures a Service.
type ServiceOptions struct {
	// MinSchemaVersion rejects pulls from older replicas with 412.
	MinSchemaVersion int

	// Schema, when set, restricts pushes to its tables and columns.
	Schema *schema.AppSchema

	// KeepEchoes includes a replica's own writes in its incremental pulls.
	// By default they are left out, so a sync right after a push is a no-op.
	KeepEchoes bool

	Clock  func() time.Time
	Logger *zap.Logger
}

// Service implements pull and push over a Store.
//
// Every accepted push is stamped with a tick of a millisecond clock that
// never repeats or goes back. A pull reports a timestamp no lower than any
// tick already assigned and every later tick is above it. Pulls and pushes
// are serialized, so a change is either included in a pull or stamped
// after its timestamp.
type Service struct {
	store *Store
	opts  ServiceOptions
	log   *zap.Logger

	mu       sync.Mutex
	lastTick int64
}

// NewService creates a service and resumes the tick clock from the store.
func NewService(ctx context.Context, store *Store, opts ServiceOptions) (*Service, error) {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	latest, err := store.LatestUpdate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest update: %w", err)
	}
	return &Service{
		store:    store,
		opts:     opts,
		log:      opts.Logger.With(zap.String("component", "sync-server")),
		lastTick: latest,
	}, nil
}

// nextTick returns a fresh tick. Caller holds mu.
func (s *Service) nextTick() int64 {
	now := s.opts.Clock().UnixMilli()
	if now <= s.lastTick {
		now = s.lastTick + 1
	}
	s.lastTick = now
	return now
}

// Pull returns the changes after req.LastPulledAt.
func (s *Service) Pull(ctx context.Context, replicaID string, req protocol.PullRequest) (*protocol.PullResponse, error) {
	if s.opts.MinSchemaVersion > 0 && req.SchemaVersion < s.opts.MinSchemaVersion {
		return nil, &SchemaTooOldError{SchemaVersion: req.SchemaVersion, MinSchemaVersion: s.opts.MinSchemaVersion}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Clock().UnixMilli()
	if now < s.lastTick {
		now = s.lastTick
	}
	// Later pushes must stamp above this pull's timestamp.
	s.lastTick = now

	var since *int64
	skip := ""
	if req.LastPulledAt != nil {
		ms := schema.Millis(*req.LastPulledAt)
		since = &ms
		if !s.opts.KeepEchoes {
			skip = replicaID
		}
	}
	changes, err := s.store.ChangesSince(ctx, since, now, skip)
	if err != nil {
		return nil, fmt.Errorf("failed to read changes: %w", err)
	}

	if req.Migration != nil {
		s.log.Info("replica migrated",
			zap.String("replica", replicaID),
			zap.Int("from", req.Migration.FromVersion),
			zap.Int("to", req.SchemaVersion),
			zap.Strings("tables", req.Migration.Tables),
		)
	}
	s.log.Debug("pull",
		zap.String("replica", replicaID),
		zap.Int("changes", changes.Count()),
		zap.Int64("timestamp", now),
	)
	return &protocol.PullResponse{Changes: changes, Timestamp: schema.FromMillis(now)}, nil
}

// Push applies req atomically or rejects it whole.
func (s *Service) Push(ctx context.Context, replicaID string, req protocol.PushRequest) (*protocol.PushResponse, error) {
	if err := req.Changes.Validate(); err != nil {
		return nil, &BadRequestError{Err: err}
	}
	if err := s.checkSchema(req.Changes); err != nil {
		return nil, &BadRequestError{Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var pulledAt *int64
	if req.LastPulledAt != nil {
		ms := schema.Millis(*req.LastPulledAt)
		pulledAt = &ms
	}

	var (
		tick     int64
		accepted int
	)
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		conflicts, err := s.store.ConflictsTx(ctx, tx, req.Changes, pulledAt)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			return &ConflictError{Conflicts: conflicts}
		}

		tick = s.nextTick()
		for _, collection := range req.Changes.Collections() {
			c := req.Changes[collection]
			for _, e := range c.Created {
				if err := s.store.UpsertTx(ctx, tx, collection, e, tick, replicaID); err != nil {
					return err
				}
				accepted++
			}
			for _, e := range c.Updated {
				if err := s.store.UpsertTx(ctx, tx, collection, e, tick, replicaID); err != nil {
					return err
				}
				accepted++
			}
			for _, id := range c.Deleted {
				if _, err := s.store.DeleteTx(ctx, tx, collection, id, tick, replicaID); err != nil {
					return err
				}
				accepted++
			}
		}
		return nil
	})
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			s.log.Info("push rejected",
				zap.String("replica", replicaID),
				zap.Int("conflicts", len(conflict.Conflicts)),
			)
			return nil, err
		}
		return nil, fmt.Errorf("failed to apply push: %w", err)
	}

	s.log.Debug("push",
		zap.String("replica", replicaID),
		zap.Int("accepted", accepted),
		zap.Int64("tick", tick),
	)
	return &protocol.PushResponse{Timestamp: schema.FromMillis(tick), Accepted: accepted}, nil
}

func (s *Service) checkSchema(changes schema.ChangeSet) error {
	if s.opts.Schema == nil {
		return nil
	}
	for _, collection := range changes.Collections() {
		table, ok := s.opts.Schema.Table(collection)
		if !ok {
			return fmt.Errorf("unknown collection %q", collection)
		}
		c := changes[collection]
		for _, e := range append(append([]schema.Entity{}, c.Created...), c.Updated...) {
			if err := table.CheckFields(e.Fields); err != nil {
				return fmt.Errorf("%s/%s: %w", collection, e.ID, err)
			}
		}
	}
	return nil
}

// Stats returns live record counts per collection.
func (s *Service) Stats(ctx context.Context) (map[string]int, error) {
	return s.store.Count(ctx)
}
