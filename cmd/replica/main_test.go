package main

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/mschirtzinger/replica/internal/config"
	"github.com/mschirtzinger/replica/internal/replica/schema"
)

// stubExit records the exit code instead of terminating the test binary.
func stubExit(t *testing.T) *int {
	t.Helper()
	code := -1
	osExit = func(c int) { code = c }
	t.Cleanup(func() {
		osExit = os.Exit
		exitHooks = nil
	})
	return &code
}

func TestExit_RunsHooksNewestFirst(t *testing.T) {
	code := stubExit(t)

	var order []string
	atExit(func() { order = append(order, "store") })
	atExit(func() { order = append(order, "cursors") })
	exit(1)

	if *code != 1 {
		t.Errorf("exit code = %d, want 1", *code)
	}
	if want := []string{"cursors", "store"}; !slices.Equal(order, want) {
		t.Errorf("hooks ran as %v, want %v", order, want)
	}
	if len(exitHooks) != 0 {
		t.Errorf("%d hook(s) left registered", len(exitHooks))
	}
}

func TestFatalf_ClosesOpenedStore(t *testing.T) {
	code := stubExit(t)
	prev := cfg
	t.Cleanup(func() { cfg = prev })
	path := filepath.Join(t.TempDir(), "replica.db")
	cfg = &config.AppConfig{Database: path}

	ctx := context.Background()
	store, err := openStore(ctx)
	if err != nil {
		t.Fatalf("openStore() failed: %v", err)
	}
	if _, err := store.Create(ctx, schema.TableSudokus, map[string]any{"clues": 30}); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	fatalf("sync failed: %v", "connection refused")

	if *code != 1 {
		t.Errorf("exit code = %d, want 1", *code)
	}
	// Close checkpoints and truncates the write-ahead log.
	if info, err := os.Stat(path + "-wal"); err == nil && info.Size() > 0 {
		t.Errorf("WAL still holds %d bytes after fatalf", info.Size())
	}
}
