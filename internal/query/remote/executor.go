// Package remote executes queries through an HTTP "SQL function" service
// that fronts the actual databases.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/querygate/querygate/internal/query"
)

const maxResponseBytes = 32 << 20

type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

type Executor struct {
	url    string
	apiKey string
	client *http.Client
}

func NewExecutor(cfg Config) (*Executor, error) {
	endpoint := strings.TrimSpace(cfg.URL)
	if endpoint == "" {
		return nil, fmt.Errorf("sql function url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Executor{
		url:    endpoint,
		apiKey: strings.TrimSpace(cfg.APIKey),
		client: &http.Client{Timeout: timeout},
	}, nil
}

type executeRequest struct {
	QueryType    string `json:"query_type"`
	Query        string `json:"query,omitempty"`
	Database     string `json:"database,omitempty"`
	OutputFormat string `json:"output_format,omitempty"`
}

type executeResponse struct {
	Rows    json.RawMessage `json:"rows"`
	Columns []string        `json:"columns"`
	Error   string          `json:"error"`
}

func (e *Executor) Execute(ctx context.Context, req query.Request) (query.ResultSet, error) {
	sqlText := query.StripTrailingSemicolons(req.SQL)
	if sqlText == "" {
		return query.ResultSet{}, fmt.Errorf("sql is required")
	}

	start := time.Now()
	body, err := e.call(ctx, executeRequest{
		QueryType:    "single",
		Query:        sqlText,
		Database:     req.Database,
		OutputFormat: "raw",
	})
	if err != nil {
		return query.ResultSet{}, err
	}

	var parsed executeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return query.ResultSet{}, query.NewExecutionError(query.KindEngine, "malformed execution response", err)
	}
	if strings.TrimSpace(parsed.Error) != "" {
		return query.ResultSet{}, query.NewExecutionError(kindFromMessage(parsed.Error), parsed.Error, nil)
	}

	names, rows, err := decodeRows(parsed.Rows, parsed.Columns)
	if err != nil {
		return query.ResultSet{}, query.NewExecutionError(query.KindEngine, "malformed result rows", err)
	}
	columns := make([]query.Column, len(names))
	for i, name := range names {
		columns[i] = query.Column{Name: name}
	}
	return query.ResultSet{Columns: columns, Rows: rows, Duration: time.Since(start)}, nil
}

func (e *Executor) ListDatabases(ctx context.Context) ([]string, error) {
	body, err := e.call(ctx, executeRequest{QueryType: "metadata"})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Databases []string `json:"databases"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, query.NewExecutionError(query.KindEngine, "malformed metadata response", err)
	}
	return parsed.Databases, nil
}

func (e *Executor) ListTables(ctx context.Context, database string) ([]string, error) {
	result, err := e.Execute(ctx, query.Request{
		Database: database,
		SQL:      "SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_TYPE = 'BASE TABLE' ORDER BY TABLE_NAME",
	})
	if err != nil {
		return nil, err
	}
	tables := make([]string, 0, len(result.Rows))
	for _, row := range result.Rows {
		if len(row) == 0 {
			continue
		}
		if name, ok := row[0].(string); ok {
			tables = append(tables, name)
		}
	}
	return tables, nil
}

func (e *Executor) call(ctx context.Context, payload executeRequest) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal execution request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("build execution request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("x-functions-key", e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil || isTimeout(err) {
			return nil, query.NewExecutionError(query.KindTimeout, "execution service did not answer in time", err)
		}
		return nil, query.NewExecutionError(query.KindUnavailable, "execution service unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, query.NewExecutionError(query.KindUnavailable, "read execution response", err)
	}
	if resp.StatusCode >= 400 {
		return nil, statusError(resp.StatusCode, body)
	}
	return body, nil
}

func statusError(status int, body []byte) error {
	message := strings.TrimSpace(string(body))
	var parsed executeResponse
	if json.Unmarshal(body, &parsed) == nil && strings.TrimSpace(parsed.Error) != "" {
		message = parsed.Error
	}
	if len(message) > 512 {
		message = message[:512]
	}
	if message == "" {
		message = http.StatusText(status)
	}

	kind := query.KindEngine
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = query.KindPermissionDenied
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = query.KindTimeout
	case status >= 500:
		kind = query.KindUnavailable
	case status == http.StatusBadRequest:
		kind = kindFromMessage(message)
	}
	return query.NewExecutionError(kind, fmt.Sprintf("execution service returned %d: %s", status, message), nil)
}

func kindFromMessage(message string) query.ErrorKind {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "syntax"):
		return query.KindSyntax
	case strings.Contains(lower, "permission"), strings.Contains(lower, "denied"):
		return query.KindPermissionDenied
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "timed out"):
		return query.KindTimeout
	default:
		return query.KindEngine
	}
}

type timeoutError interface {
	Timeout() bool
}

func isTimeout(err error) bool {
	var te timeoutError
	return errors.As(err, &te) && te.Timeout()
}
