package gate

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sort"

	"github.com/querygate/querygate/internal/observability"
	"github.com/querygate/querygate/internal/quota"
	"github.com/querygate/querygate/internal/safety"
	"github.com/querygate/querygate/internal/storage"
)

const parquetContentType = "application/vnd.apache.parquet"

func (s *Service) Databases(ctx context.Context) ([]string, error) {
	if s.catalog == nil {
		return nil, &Error{Code: CodeNotConfigured, Message: "the executor cannot list databases"}
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ExecuteTimeout)
	defer cancel()
	databases, err := s.catalog.ListDatabases(ctx)
	if err != nil {
		return nil, s.executionError(ctx, err)
	}
	sort.Strings(databases)
	return databases, nil
}

func (s *Service) Tables(ctx context.Context, database string) ([]string, error) {
	if s.catalog == nil {
		return nil, &Error{Code: CodeNotConfigured, Message: "the executor cannot list tables"}
	}
	database, err := s.database(database)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ExecuteTimeout)
	defer cancel()
	tables, err := s.catalog.ListTables(ctx, database)
	if err != nil {
		return nil, s.executionError(ctx, err)
	}
	return tables, nil
}

func (s *Service) Usage() (quota.Usage, error) {
	if s.ledger == nil {
		return quota.Usage{}, &Error{Code: CodeNotConfigured, Message: "usage tracking is not configured"}
	}
	return s.ledger.Summary(), nil
}

// ExportUsage streams the retained usage buckets to w as parquet.
func (s *Service) ExportUsage(w io.Writer) (int64, error) {
	if s.ledger == nil {
		return 0, &Error{Code: CodeNotConfigured, Message: "usage tracking is not configured"}
	}
	return s.ledger.ExportParquet(w)
}

// ArchiveUsage writes a parquet usage export to the object store and, when
// an export recorder is configured, records it in the audit trail.
func (s *Service) ArchiveUsage(ctx context.Context, requestedBy string) (quota.ExportAudit, error) {
	if s.ledger == nil || s.archive == nil {
		return quota.ExportAudit{}, &Error{Code: CodeNotConfigured, Message: "usage archiving is not configured"}
	}
	now := s.cfg.Clock().UTC()
	key, err := storage.UsageExportKey(s.cfg.LedgerName, now)
	if err != nil {
		return quota.ExportAudit{}, s.archiveError(ctx, "build export key", err)
	}

	var buf bytes.Buffer
	rows, err := s.ledger.ExportParquet(&buf)
	if err != nil {
		return quota.ExportAudit{}, s.archiveError(ctx, "encode usage export", err)
	}
	if _, err := s.archive.Put(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), storage.PutOptions{ContentType: parquetContentType}); err != nil {
		return quota.ExportAudit{}, s.archiveError(ctx, "upload usage export", err)
	}

	audit := quota.ExportAudit{ObjectKey: key, RowCount: rows, ExportedBy: requestedBy, ExportedAt: now}
	if s.exports != nil {
		audit, err = s.exports.RecordExport(ctx, key, rows, requestedBy)
		if err != nil {
			return quota.ExportAudit{}, s.archiveError(ctx, "record usage export", err)
		}
	}
	s.logger.InfoContext(ctx, "usage_archived",
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("object_key", key),
		slog.Int64("rows", rows),
		slog.String("exported_by", requestedBy),
	)
	return audit, nil
}

func (s *Service) archiveError(ctx context.Context, step string, err error) error {
	s.logger.ErrorContext(ctx, "usage_archive_failed",
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("step", step),
		slog.String("error", err.Error()),
	)
	return &Error{
		Code:      CodeArchiveFailed,
		Message:   "usage export could not be archived",
		Retryable: true,
		Details:   map[string]any{"step": step},
		Err:       err,
	}
}

// ValidateCandidate exposes the validator verdict without executing, for
// dry runs.
func (s *Service) ValidateCandidate(c safety.CandidateQuery) safety.Verdict {
	return s.validator.Validate(c)
}
