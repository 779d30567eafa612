package api

import (
	"net/http"
	"strings"

	"github.com/querygate/querygate/internal/auth"
	"github.com/querygate/querygate/internal/gate"
	"github.com/querygate/querygate/internal/safety"
)

type validateRequest struct {
	SQL      string `json:"sql"`
	Database string `json:"database"`
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireGate(deps, w, r) {
		return
	}
	if err := requireRole(r, auth.RoleQueryReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request gate.AskRequest
	if !decodeJSON(w, r, &request) {
		return
	}
	answer, err := deps.Gate.Ask(r.Context(), request)
	if err != nil {
		writeGateError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func handleQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireGate(deps, w, r) {
		return
	}
	if err := requireRole(r, auth.RoleQueryReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request gate.RunRequest
	if !decodeJSON(w, r, &request) {
		return
	}
	if strings.TrimSpace(request.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, string(gate.CodeInvalidRequest), "sql is required", false, nil)
		return
	}
	answer, err := deps.Gate.Run(r.Context(), request)
	if err != nil {
		writeGateError(deps, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// handleValidate reports the validator verdict for a statement without
// running it.
func handleValidate(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !requireGate(deps, w, r) {
		return
	}
	if err := requireRole(r, auth.RoleQueryReader); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request validateRequest
	if !decodeJSON(w, r, &request) {
		return
	}
	verdict := deps.Gate.ValidateCandidate(safety.CandidateQuery{Text: request.SQL, TargetDatabase: request.Database})
	writeJSON(w, http.StatusOK, verdict)
}
