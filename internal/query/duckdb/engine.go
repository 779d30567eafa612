// Package duckdb executes queries against local DuckDB database files, one
// file per database, opened read-only.
package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	duckdb "github.com/marcboeker/go-duckdb/v2"

	"github.com/querygate/querygate/internal/query"
	"github.com/querygate/querygate/internal/safety"
)

const fileExtension = ".duckdb"

type Config struct {
	DataDir string
	Threads int
}

type Engine struct {
	dataDir string
	threads int

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func NewEngine(cfg Config) (*Engine, error) {
	dataDir := strings.TrimSpace(cfg.DataDir)
	if dataDir == "" {
		return nil, fmt.Errorf("duckdb data dir is required")
	}
	return &Engine{dataDir: filepath.Clean(dataDir), threads: cfg.Threads, dbs: map[string]*sql.DB{}}, nil
}

func (e *Engine) Execute(ctx context.Context, req query.Request) (query.ResultSet, error) {
	sqlText := query.StripTrailingSemicolons(req.SQL)
	if sqlText == "" {
		return query.ResultSet{}, fmt.Errorf("sql is required")
	}
	db, err := e.open(req.Database)
	if err != nil {
		return query.ResultSet{}, err
	}

	start := time.Now()
	rows, err := db.QueryContext(ctx, sqlText)
	if err != nil {
		return query.ResultSet{}, classify(ctx, err)
	}
	defer func() { _ = rows.Close() }()

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return query.ResultSet{}, classify(ctx, err)
	}
	columns := make([]query.Column, len(columnTypes))
	for i, ct := range columnTypes {
		columns[i] = query.Column{Name: ct.Name(), DeclaredType: ct.DatabaseTypeName()}
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.ResultSet{}, classify(ctx, err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.ResultSet{}, classify(ctx, err)
	}

	return query.ResultSet{Columns: columns, Rows: resultRows, Duration: time.Since(start)}, nil
}

// ListDatabases returns the database names found in the data dir, sorted.
func (e *Engine) ListDatabases(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(e.dataDir)
	if err != nil {
		return nil, query.NewExecutionError(query.KindUnavailable, "data directory is not readable", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileExtension) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), fileExtension)
		if safety.ValidIdentifier(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (e *Engine) ListTables(ctx context.Context, database string) ([]string, error) {
	result, err := e.Execute(ctx, query.Request{
		Database: database,
		SQL:      "SELECT table_name FROM information_schema.tables WHERE table_type = 'BASE TABLE' ORDER BY table_name",
	})
	if err != nil {
		return nil, err
	}
	tables := make([]string, 0, len(result.Rows))
	for _, row := range result.Rows {
		if name, ok := row[0].(string); ok {
			tables = append(tables, name)
		}
	}
	return tables, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for name, db := range e.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(e.dbs, name)
	}
	return errors.Join(errs...)
}

func (e *Engine) open(database string) (*sql.DB, error) {
	if !safety.ValidIdentifier(database) {
		return nil, query.NewExecutionError(query.KindEngine, fmt.Sprintf("invalid database name %q", database), nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if db, ok := e.dbs[database]; ok {
		return db, nil
	}

	path := filepath.Join(e.dataDir, database+fileExtension)
	if _, err := os.Stat(path); err != nil {
		return nil, query.NewExecutionError(query.KindUnavailable, fmt.Sprintf("database %q is not available", database), err)
	}
	dsn := path + "?access_mode=read_only"
	if e.threads > 0 {
		dsn += fmt.Sprintf("&threads=%d", e.threads)
	}
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, query.NewExecutionError(query.KindUnavailable, fmt.Sprintf("open database %q", database), err)
	}
	e.dbs[database] = db
	return db, nil
}

func classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil || errors.Is(err, context.DeadlineExceeded) {
		return query.NewExecutionError(query.KindTimeout, "query exceeded its time limit", err)
	}
	message := err.Error()
	switch {
	case strings.Contains(message, "Parser Error"):
		return query.NewExecutionError(query.KindSyntax, message, err)
	case strings.Contains(message, "read-only"), strings.Contains(message, "Permission Error"):
		return query.NewExecutionError(query.KindPermissionDenied, message, err)
	case strings.Contains(message, "IO Error"):
		return query.NewExecutionError(query.KindUnavailable, message, err)
	default:
		return query.NewExecutionError(query.KindEngine, message, err)
	}
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		case duckdb.Decimal:
			normalized[i] = decimalToFloat(typed)
		case *big.Int:
			f, _ := new(big.Float).SetInt(typed).Float64()
			normalized[i] = f
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func decimalToFloat(d duckdb.Decimal) float64 {
	if d.Value == nil {
		return 0
	}
	value := new(big.Float).SetInt(d.Value)
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(d.Scale)), nil))
	f, _ := value.Quo(value, scale).Float64()
	return f
}
