// Package export writes comparison rows to date-partitioned parquet files
// under dt=YYYY-MM-DD/ directories. Writing a partition is an idempotent
// replace: prior artifacts are removed and a single timestamped snapshot
// takes their place, so re-processing a date never duplicates rows.
package export

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// Error wraps a partition write failure. The runner treats it as fatal for
// the export step but still emits the alert with a warning.
type Error struct {
	Date string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("export partition %s: %v", e.Date, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// PartitionStore is the artifact backend. Keys are store-relative paths of
// the form dt=YYYY-MM-DD/<artifact>; the store prepends its own base or
// prefix.
type PartitionStore interface {
	// Name labels the store in logs and metrics.
	Name() string
	// List returns the keys of every artifact in a date's partition.
	List(ctx context.Context, date string) ([]string, error)
	// Delete removes artifacts by key. Dry-run stores may keep history and
	// report success.
	Delete(ctx context.Context, keys []string) error
	// Put writes one artifact.
	Put(ctx context.Context, key string, data []byte) error
}

// PartitionKey is the store-relative directory for a date.
func PartitionKey(date string) string {
	return "dt=" + date
}

// LocalStore writes partitions under a filesystem root. It is the dry-run
// backend: prior artifacts are kept, each run adds a new timestamped file.
type LocalStore struct {
	log  *slog.Logger
	root string
}

// NewLocalStore roots a store at dir, creating it if needed.
func NewLocalStore(log *slog.Logger, dir string) (*LocalStore, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if dir == "" {
		return nil, errors.New("dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export root: %w", err)
	}
	return &LocalStore{log: log, root: dir}, nil
}

func (s *LocalStore) Name() string { return "local" }

func (s *LocalStore) List(ctx context.Context, date string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, PartitionKey(date)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list partition %s: %w", date, err)
	}
	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		keys = append(keys, PartitionKey(date)+"/"+entry.Name())
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete is a no-op: the local store keeps history so a dry run never
// destroys prior output.
func (s *LocalStore) Delete(ctx context.Context, keys []string) error {
	if len(keys) > 0 {
		s.log.Debug("export: local store keeping prior artifacts", "count", len(keys))
	}
	return nil
}

func (s *LocalStore) Put(ctx context.Context, key string, data []byte) error {
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create partition dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", key, err)
	}
	return nil
}

// Path returns the absolute filesystem path of a key, for tests and logs.
func (s *LocalStore) Path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}
