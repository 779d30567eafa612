package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/querygate/querygate/internal/auth"
	"github.com/querygate/querygate/internal/config"
	"github.com/querygate/querygate/internal/gate"
	"github.com/querygate/querygate/internal/observability"
	"github.com/querygate/querygate/internal/query"
	"github.com/querygate/querygate/internal/quota"
	"github.com/querygate/querygate/internal/safety"
)

const maxRequestBodyBytes = 1 << 20

type ReadinessCheck func(ctx context.Context) error

// Gate is the question pipeline the handler serves. *gate.Service
// implements it.
type Gate interface {
	Ask(ctx context.Context, req gate.AskRequest) (gate.Answer, error)
	Run(ctx context.Context, req gate.RunRequest) (gate.Answer, error)
	Databases(ctx context.Context) ([]string, error)
	Tables(ctx context.Context, database string) ([]string, error)
	Usage() (quota.Usage, error)
	ExportUsage(w io.Writer) (int64, error)
	ArchiveUsage(ctx context.Context, requestedBy string) (quota.ExportAudit, error)
	ValidateCandidate(c safety.CandidateQuery) safety.Verdict
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Gate              Gate
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, h http.Handler) {
		mux.Handle(pattern, observability.Route(pattern, h))
	}

	handle("GET /v1/health", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	}))

	handle("GET /v1/ready", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	}))

	handle("GET /v1/metrics", promhttp.Handler())

	routes := map[string]http.HandlerFunc{
		"POST /v1/ask":           func(w http.ResponseWriter, r *http.Request) { handleAsk(deps, w, r) },
		"POST /v1/query":         func(w http.ResponseWriter, r *http.Request) { handleQuery(deps, w, r) },
		"POST /v1/validate":      func(w http.ResponseWriter, r *http.Request) { handleValidate(deps, w, r) },
		"GET /v1/databases":      func(w http.ResponseWriter, r *http.Request) { handleDatabases(deps, w, r) },
		"GET /v1/tables":         func(w http.ResponseWriter, r *http.Request) { handleTables(deps, w, r) },
		"GET /v1/usage":          func(w http.ResponseWriter, r *http.Request) { handleUsage(deps, w, r) },
		"GET /v1/usage/export":   func(w http.ResponseWriter, r *http.Request) { handleUsageExport(deps, w, r) },
		"POST /v1/usage/archive": func(w http.ResponseWriter, r *http.Request) { handleUsageArchive(deps, w, r) },
	}

	protected := http.NewServeMux()
	for pattern, handler := range routes {
		protected.HandleFunc(pattern, handler)
	}

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	for pattern := range routes {
		handle(pattern, protectedHandler)
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func CheckLedgerDSN(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.Ledger.Backend == config.LedgerPostgres && cfg.Ledger.DSN == "" {
			return errors.New("ledger dsn is not configured")
		}
		return nil
	}
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.ObjectStore.Endpoint == "" {
			return errors.New("object store endpoint is not configured")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("object store bucket is not configured")
		}
		return nil
	}
}

// CheckPing adapts a ping function, such as (*sql.DB).PingContext, into a
// readiness check.
func CheckPing(name string, ping func(ctx context.Context) error) ReadinessCheck {
	return func(ctx context.Context) error {
		if err := ping(ctx); err != nil {
			return fmt.Errorf("%s unavailable: %w", name, err)
		}
		return nil
	}
}

// CheckCatalog reports the executor ready once it can list databases, which
// needs the remote SQL service to answer or the DuckDB data dir to be
// readable.
func CheckCatalog(name string, catalog query.Catalog) ReadinessCheck {
	return CheckPing(name, func(ctx context.Context) error {
		_, err := catalog.ListDatabases(ctx)
		return err
	})
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func requireGate(deps Dependencies, w http.ResponseWriter, r *http.Request) bool {
	if deps.Gate == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, string(gate.CodeNotConfigured), "query gate is not configured", false, nil)
		return false
	}
	return true
}

func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	if identity.HasRole(role) {
		return nil
	}
	return fmt.Errorf("missing required role %q", role)
}

// principalFromRequest names the caller for audit records. Without auth the
// X-Principal header is trusted, falling back to "anonymous".
func principalFromRequest(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity.Principal != "" {
		return identity.Principal
	}
	if principal := r.Header.Get("X-Principal"); principal != "" {
		return principal
	}
	return "anonymous"
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid request body", false, map[string]any{"details": err.Error()})
		return false
	}
	return true
}

// encodeFailureBody is sent when a payload cannot be encoded. The status has
// not been written at that point, so the caller sees a 500.
const encodeFailureBody = `{"error_code":"RESPONSE_ENCODING_FAILED","message":"response could not be encoded","retryable":false}` + "\n"

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, encodeFailureBody)
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}

// writeGateError renders a gate failure. Errors that are not *gate.Error are
// internal and their text is not echoed to the caller.
func writeGateError(deps Dependencies, w http.ResponseWriter, r *http.Request, err error) {
	gateErr, ok := gate.AsError(err)
	if !ok {
		if deps.Logger != nil {
			deps.Logger.ErrorContext(r.Context(), "request_failed",
				slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", "the request could not be completed", false, nil)
		return
	}
	writeError(r.Context(), w, statusForCode(gateErr.Code), string(gateErr.Code), gateErr.Message, gateErr.Retryable, gateErr.Details)
}

func statusForCode(code gate.Code) int {
	switch code {
	case gate.CodeInvalidRequest, gate.CodeValidationRejected:
		return http.StatusBadRequest
	case gate.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case gate.CodeTranslationFailed, gate.CodeExecutionFailed:
		return http.StatusBadGateway
	case gate.CodeTranslationTimeout, gate.CodeExecutionTimeout:
		return http.StatusGatewayTimeout
	case gate.CodeNotConfigured:
		return http.StatusNotImplemented
	case gate.CodeArchiveFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
