package api

import (
	"net/http"

	"github.com/querygate/querygate/internal/auth"
)

func handleDatabases(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireGate(deps, w, r) {
		return
	}
	if err := requireRole(r, auth.RoleQueryReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	databases, err := deps.Gate.Databases(r.Context())
	if err != nil {
		writeGateError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"databases": databases})
}

func handleTables(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireGate(deps, w, r) {
		return
	}
	if err := requireRole(r, auth.RoleQueryReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	database := r.URL.Query().Get("database")
	tables, err := deps.Gate.Tables(r.Context(), database)
	if err != nil {
		writeGateError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"database": database, "tables": tables})
}
