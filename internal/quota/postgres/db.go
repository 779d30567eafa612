package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultPingTimeout = 5 * time.Second

// ErrSchemaMissing means querygate-migrate has not been run against the
// ledger database.
var ErrSchemaMissing = errors.New("ledger schema is not migrated")

// ledgerTables are the tables created by the embedded migrations.
var ledgerTables = []string{"usage_ledger_snapshot", "usage_export_audit"}

const tableExistsQuery = `SELECT to_regclass($1) IS NOT NULL`

type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

// Open connects to the ledger database through the pgx stdlib driver and
// waits for one successful ping.
func Open(ctx context.Context, cfg DBConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("ledger dsn is required")
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	configurePool(db, cfg)

	if err := ping(ctx, db, cfg.PingTimeout); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func configurePool(db *sql.DB, cfg DBConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

func ping(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping ledger db: %w", err)
	}
	return nil
}

// VerifySchema checks that the ledger tables exist. A missing table yields
// an error wrapping ErrSchemaMissing.
func VerifySchema(ctx context.Context, db *sql.DB) error {
	for _, table := range ledgerTables {
		var exists bool
		if err := db.QueryRowContext(ctx, tableExistsQuery, table).Scan(&exists); err != nil {
			return fmt.Errorf("check ledger table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("%w: table %s not found", ErrSchemaMissing, table)
		}
	}
	return nil
}
