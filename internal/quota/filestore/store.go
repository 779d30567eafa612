// Package filestore persists usage ledger snapshots as a JSON file on local
// disk.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/sys/atomicwriter"

	"github.com/querygate/querygate/internal/quota"
)

type Store struct {
	path string
}

func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("ledger file path is required")
	}
	return &Store{path: filepath.Clean(path)}, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Load(_ context.Context) (quota.Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return quota.Snapshot{}, quota.ErrNoSnapshot
		}
		return quota.Snapshot{}, fmt.Errorf("read ledger file: %w", err)
	}
	return quota.DecodeSnapshot(data)
}

// Save writes to a temporary file in the same directory and renames it over
// the previous snapshot, so a crash leaves either the old or the new file.
func (s *Store) Save(ctx context.Context, snapshot quota.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := quota.EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}
	if err := atomicwriter.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write ledger file: %w", err)
	}
	return nil
}
