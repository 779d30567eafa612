// Package query defines the executor contract and the tabular result model
// shared by the execution backends.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Column struct {
	Name         string `json:"name"`
	DeclaredType string `json:"declared_type,omitempty"`
}

// ResultSet is an ordered, read-only table. Every row has one value per
// column.
type ResultSet struct {
	Columns  []Column      `json:"columns"`
	Rows     [][]any       `json:"rows"`
	Duration time.Duration `json:"-"`
}

func (r ResultSet) ColumnNames() []string {
	names := make([]string, len(r.Columns))
	for i, col := range r.Columns {
		names[i] = col.Name
	}
	return names
}

type Request struct {
	SQL      string
	Database string
}

type Executor interface {
	Execute(ctx context.Context, req Request) (ResultSet, error)
}

// Catalog is implemented by executors that can enumerate what they serve.
type Catalog interface {
	ListDatabases(ctx context.Context) ([]string, error)
	ListTables(ctx context.Context, database string) ([]string, error)
}

type ErrorKind string

const (
	KindTimeout          ErrorKind = "timeout"
	KindPermissionDenied ErrorKind = "permission_denied"
	KindSyntax           ErrorKind = "syntax"
	KindUnavailable      ErrorKind = "unavailable"
	KindEngine           ErrorKind = "engine"
)

// ExecutionError is a failure reported by the database or the execution
// service. Message is safe to show to callers.
type ExecutionError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func NewExecutionError(kind ErrorKind, message string, err error) *ExecutionError {
	return &ExecutionError{Kind: kind, Message: message, Err: err}
}

// KindOf reports the ExecutionError kind of err, treating context deadlines
// as timeouts and anything else as an engine failure.
func KindOf(err error) ErrorKind {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindEngine
}

// StripTrailingSemicolons trims whitespace and statement terminators from
// the end of sqlText.
func StripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
