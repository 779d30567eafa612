package observability

import (
	"context"
	"io"
	"log/slog"

	"github.com/querygate/querygate/internal/config"
)

type ctxKey string

const (
	traceIDKey     ctxKey = "trace_id"
	requestInfoKey ctxKey = "request_info"
)

// NewLogger builds the process logger. Every record carries the service,
// profile and the backends that answer questions, so log lines from
// differently wired deployments can be told apart.
func NewLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	options := &slog.HandlerOptions{Level: cfg.Observability.LogLevel}
	var handler slog.Handler
	if cfg.Observability.LogJSON {
		handler = slog.NewJSONHandler(writer, options)
	} else {
		handler = slog.NewTextHandler(writer, options)
	}
	return slog.New(handler).With(
		slog.String("service", cfg.Service.Name),
		slog.String("profile", string(cfg.Profile)),
		slog.String("executor_backend", cfg.Executor.Backend),
		slog.String("ledger_backend", cfg.Ledger.Backend),
	)
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	value, ok := ctx.Value(traceIDKey).(string)
	if !ok {
		return ""
	}
	return value
}

// RequestInfo is filled in by inner handlers and read back by the request
// log and metrics once the handler chain returns.
type RequestInfo struct {
	Route     string
	Principal string
}

func contextWithRequestInfo(ctx context.Context) (context.Context, *RequestInfo) {
	info := &RequestInfo{}
	return context.WithValue(ctx, requestInfoKey, info), info
}

// RequestInfoFromContext returns nil outside TraceMiddleware.
func RequestInfoFromContext(ctx context.Context) *RequestInfo {
	info, _ := ctx.Value(requestInfoKey).(*RequestInfo)
	return info
}

// SetPrincipal records the authenticated caller for the request log.
func SetPrincipal(ctx context.Context, principal string) {
	if info := RequestInfoFromContext(ctx); info != nil {
		info.Principal = principal
	}
}
