// Package postgres persists usage ledger snapshots in PostgreSQL, one JSONB
// row per ledger name.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/querygate/querygate/internal/quota"
)

const (
	loadSnapshotQuery = `
SELECT snapshot
FROM usage_ledger_snapshot
WHERE ledger_name = $1`

	saveSnapshotQuery = `
INSERT INTO usage_ledger_snapshot (ledger_name, snapshot, snapshot_version, updated_at)
VALUES ($1, $2::jsonb, $3, $4)
ON CONFLICT (ledger_name)
DO UPDATE SET snapshot = EXCLUDED.snapshot, snapshot_version = EXCLUDED.snapshot_version, updated_at = EXCLUDED.updated_at`

	insertExportAuditQuery = `
INSERT INTO usage_export_audit (ledger_name, object_key, row_count, exported_by)
VALUES ($1, $2, $3, $4)
RETURNING export_id, exported_at`
)

type Store struct {
	db     *sql.DB
	ledger string
}

func NewStore(db *sql.DB, ledger string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	ledger = strings.TrimSpace(ledger)
	if ledger == "" {
		return nil, fmt.Errorf("ledger name is required")
	}
	return &Store{db: db, ledger: ledger}, nil
}

func (s *Store) Load(ctx context.Context) (quota.Snapshot, error) {
	var raw []byte
	if err := s.db.QueryRowContext(ctx, loadSnapshotQuery, s.ledger).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return quota.Snapshot{}, quota.ErrNoSnapshot
		}
		return quota.Snapshot{}, fmt.Errorf("load ledger snapshot: %w", err)
	}
	return quota.DecodeSnapshot(raw)
}

// Save upserts the snapshot row. The single statement replaces the row
// atomically.
func (s *Store) Save(ctx context.Context, snapshot quota.Snapshot) error {
	data, err := quota.EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	updatedAt := snapshot.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, saveSnapshotQuery, s.ledger, string(data), quota.SnapshotVersion, updatedAt); err != nil {
		return fmt.Errorf("save ledger snapshot: %w", err)
	}
	return nil
}

// RecordExport notes that the ledger was exported to objectKey.
func (s *Store) RecordExport(ctx context.Context, objectKey string, rowCount int64, exportedBy string) (quota.ExportAudit, error) {
	audit := quota.ExportAudit{ObjectKey: objectKey, RowCount: rowCount, ExportedBy: exportedBy}
	err := s.db.QueryRowContext(ctx, insertExportAuditQuery, s.ledger, objectKey, rowCount, exportedBy).
		Scan(&audit.ExportID, &audit.ExportedAt)
	if err != nil {
		return quota.ExportAudit{}, fmt.Errorf("record usage export: %w", err)
	}
	return audit, nil
}
