// Package cursorstore persists the sync cursor outside of (or next to) the
// local database.
//
// The local database is the default home of the cursor. File and Redis
// stores exist for deployments that share the watermark with other
// processes, and Mirror keeps a secondary copy next to the primary.
package cursorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mschirtzinger/replica/internal/replica/schema"
)

// Store defines the interface for persisting and loading the sync cursor.
type Store interface {
	// Save persists the cursor.
	Save(ctx context.Context, cursor schema.Cursor) error

	// Load retrieves the last saved cursor. Returns the zero cursor if none
	// was saved yet.
	Load(ctx context.Context) (schema.Cursor, error)
}

// DBBackend is the part of the local store that keeps the cursor.
type DBBackend interface {
	LoadCursor(ctx context.Context) (schema.Cursor, error)
	SaveCursor(ctx context.Context, cursor schema.Cursor) error
}

// DBStore implements Store over the local database.
type DBStore struct {
	db DBBackend
}

func NewDBStore(db DBBackend) *DBStore {
	return &DBStore{db: db}
}

func (s *DBStore) Save(ctx context.Context, cursor schema.Cursor) error {
	return s.db.SaveCursor(ctx, cursor)
}

func (s *DBStore) Load(ctx context.Context) (schema.Cursor, error) {
	return s.db.LoadCursor(ctx)
}

// FileStore implements Store using a local JSON file.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Save writes the cursor atomically: a temp file renamed over the target.
func (s *FileStore) Save(ctx context.Context, cursor schema.Cursor) error {
	if err := cursor.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("failed to encode cursor: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create cursor directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".cursor-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cursor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write cursor: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace cursor file: %w", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context) (schema.Cursor, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return schema.Cursor{}, nil
		}
		return schema.Cursor{}, err
	}
	var cursor schema.Cursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return schema.Cursor{}, fmt.Errorf("failed to parse cursor file %s: %w", filepath.Base(s.path), err)
	}
	return cursor, nil
}

// RedisStore implements Store using Redis.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	return &RedisStore{
		client: client,
		key:    key,
	}
}

func (s *RedisStore) Save(ctx context.Context, cursor schema.Cursor) error {
	if err := cursor.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("failed to encode cursor: %w", err)
	}
	return s.client.Set(ctx, s.key, data, 0).Err()
}

func (s *RedisStore) Load(ctx context.Context) (schema.Cursor, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return schema.Cursor{}, nil
		}
		return schema.Cursor{}, err
	}
	var cursor schema.Cursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return schema.Cursor{}, fmt.Errorf("failed to parse cursor at %s: %w", s.key, err)
	}
	return cursor, nil
}

// Mirror reads from and writes to a primary store, and copies every saved
// cursor to secondaries. Secondary failures are logged, never returned.
type Mirror struct {
	primary     Store
	secondaries []Store
	logger      *zap.Logger
}

func NewMirror(logger *zap.Logger, primary Store, secondaries ...Store) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{primary: primary, secondaries: secondaries, logger: logger}
}

func (m *Mirror) Save(ctx context.Context, cursor schema.Cursor) error {
	if err := m.primary.Save(ctx, cursor); err != nil {
		return err
	}
	for i, s := range m.secondaries {
		if err := s.Save(ctx, cursor); err != nil {
			m.logger.Warn("failed to mirror cursor", zap.Int("secondary", i), zap.Error(err))
		}
	}
	return nil
}

func (m *Mirror) Load(ctx context.Context) (schema.Cursor, error) {
	return m.primary.Load(ctx)
}
