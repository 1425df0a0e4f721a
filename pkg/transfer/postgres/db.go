// Package postgres implements the transfer stores on PostgreSQL through
// database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// uniqueViolation is the SQLSTATE of a unique constraint violation.
const uniqueViolation = "23505"

// Config holds PostgreSQL connection configuration.
type Config struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// DefaultConfig returns default PostgreSQL configuration.
func DefaultConfig() Config {
	return Config{
		DSN:             "host=localhost port=5432 user=postgres password=postgres dbname=transfers sslmode=disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Open connects, pings and creates the schema if needed.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	db, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init tables: %w", err)
	}
	return db, nil
}

// Connect opens the pool and pings it without touching the schema.
func Connect(ctx context.Context, cfg Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return db, nil
}

// schema is applied in order by Migrate. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS transfer_executions (
		id UUID PRIMARY KEY,
		operation_key TEXT NOT NULL,
		attempted_at TIMESTAMP WITH TIME ZONE NOT NULL,
		state TEXT NOT NULL,
		remote_tx_id TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		amount BIGINT NOT NULL,
		source JSONB NOT NULL,
		destination JSONB NOT NULL,
		purpose TEXT NOT NULL,
		memo TEXT NOT NULL DEFAULT '',
		contract_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transfer_executions_key ON transfer_executions(operation_key, attempted_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_transfer_executions_success ON transfer_executions(operation_key) WHERE state = 'SUCCESS'`,
	`CREATE TABLE IF NOT EXISTS recurring_contracts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		source JSONB NOT NULL,
		amount BIGINT NOT NULL,
		billing_day INT NOT NULL CHECK (billing_day BETWEEN 1 AND 31),
		status TEXT NOT NULL,
		payer_name TEXT NOT NULL DEFAULT '',
		building_name TEXT NOT NULL DEFAULT '',
		unit_number TEXT NOT NULL DEFAULT '',
		last_executed_at TIMESTAMP WITH TIME ZONE,
		last_state TEXT NOT NULL DEFAULT '',
		last_tx_id TEXT NOT NULL DEFAULT '',
		last_failure_reason TEXT NOT NULL DEFAULT '',
		failure_count INT NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_recurring_contracts_due ON recurring_contracts(billing_day) WHERE status = 'ACTIVE'`,
	`CREATE TABLE IF NOT EXISTS linked_accounts (
		user_id TEXT NOT NULL,
		account_number TEXT NOT NULL,
		bank_code TEXT NOT NULL DEFAULT '',
		bank_name TEXT NOT NULL DEFAULT '',
		holder_name TEXT NOT NULL DEFAULT '',
		customer_ref TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (user_id, account_number)
	)`,
}

// Migrate creates the tables and indexes used by the stores.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
