// Package objectstore persists usage ledger snapshots as a JSON object in
// S3-compatible storage. A PUT replaces the whole object, so readers see
// either the previous or the new snapshot.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/querygate/querygate/internal/quota"
	"github.com/querygate/querygate/internal/storage"
)

const maxSnapshotBytes = 16 << 20

type Store struct {
	objects storage.ObjectStore
	key     string
}

func New(objects storage.ObjectStore, ledger string) (*Store, error) {
	if objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	key, err := storage.LedgerSnapshotKey(ledger)
	if err != nil {
		return nil, err
	}
	return &Store{objects: objects, key: key}, nil
}

func (s *Store) Key() string {
	return s.key
}

func (s *Store) Load(ctx context.Context) (quota.Snapshot, error) {
	body, err := s.objects.Get(ctx, s.key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return quota.Snapshot{}, quota.ErrNoSnapshot
		}
		return quota.Snapshot{}, fmt.Errorf("get ledger snapshot: %w", err)
	}
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(io.LimitReader(body, maxSnapshotBytes+1))
	if err != nil {
		return quota.Snapshot{}, fmt.Errorf("read ledger snapshot: %w", err)
	}
	if len(data) > maxSnapshotBytes {
		return quota.Snapshot{}, fmt.Errorf("ledger snapshot exceeds %d bytes", maxSnapshotBytes)
	}
	return quota.DecodeSnapshot(data)
}

func (s *Store) Save(ctx context.Context, snapshot quota.Snapshot) error {
	data, err := quota.EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	if _, err := s.objects.Put(ctx, s.key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("put ledger snapshot: %w", err)
	}
	return nil
}
