package api

import (
	"bytes"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/querygate/querygate/internal/auth"
	"github.com/querygate/querygate/internal/observability"
)

func handleUsage(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireGate(deps, w, r) {
		return
	}
	if err := requireRole(r, auth.RoleUsageAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	usage, err := deps.Gate.Usage()
	if err != nil {
		writeGateError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// handleUsageExport buffers the parquet file so an encoding failure can still
// be reported as a JSON error.
func handleUsageExport(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireGate(deps, w, r) {
		return
	}
	if err := requireRole(r, auth.RoleUsageAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var buf bytes.Buffer
	rows, err := deps.Gate.ExportUsage(&buf)
	if err != nil {
		writeGateError(deps, w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apache.parquet")
	w.Header().Set("Content-Disposition", `attachment; filename="usage.parquet"`)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Row-Count", strconv.FormatInt(rows, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil && deps.Logger != nil {
		deps.Logger.WarnContext(r.Context(), "usage_export_write_failed",
			slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

func handleUsageArchive(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireGate(deps, w, r) {
		return
	}
	if err := requireRole(r, auth.RoleUsageAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	audit, err := deps.Gate.ArchiveUsage(r.Context(), principalFromRequest(r))
	if err != nil {
		writeGateError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, audit)
}
