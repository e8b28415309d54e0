package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// A single connection serialises writers; conditional updates rely on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &DB{db}, nil
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationPlans,
		migrationSessions,
		migrationTransactions,
		migrationCommands,
		migrationIndexes,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

const migrationPlans = `
CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	duration_minutes INTEGER NOT NULL DEFAULT 0,
	data_limit_mb INTEGER NOT NULL DEFAULT 0,
	download_kbps INTEGER NOT NULL DEFAULT 0,
	upload_kbps INTEGER NOT NULL DEFAULT 0,
	price REAL NOT NULL,
	active INTEGER NOT NULL DEFAULT 1
);
`

const migrationSessions = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	phone_number TEXT NOT NULL,
	mac_address TEXT,
	plan_id TEXT REFERENCES plans(id),
	status TEXT NOT NULL DEFAULT 'pending',

	-- Router identity
	username TEXT NOT NULL UNIQUE,
	password TEXT NOT NULL,

	-- Consumption
	data_used_bytes INTEGER NOT NULL DEFAULT 0,
	time_used_minutes INTEGER NOT NULL DEFAULT 0,

	end_cause TEXT,
	version INTEGER NOT NULL DEFAULT 0,

	-- Timestamps
	activated_at DATETIME,
	expires_at DATETIME,
	ended_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const migrationTransactions = `
CREATE TABLE IF NOT EXISTS payment_transactions (
	id TEXT PRIMARY KEY,
	reference TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	plan_id TEXT NOT NULL REFERENCES plans(id),
	amount REAL NOT NULL,
	currency TEXT NOT NULL DEFAULT 'KES',
	phone_number TEXT NOT NULL,
	checkout_request_id TEXT,
	merchant_request_id TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	result_code INTEGER,
	result_desc TEXT,
	receipt_number TEXT,
	failure_reason TEXT,
	callback_payload TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	completed_at DATETIME
);
`

const migrationCommands = `
CREATE TABLE IF NOT EXISTS enforcement_commands (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	session_id TEXT,
	identity TEXT,
	device TEXT NOT NULL,
	success INTEGER NOT NULL,
	request TEXT,
	response TEXT,
	error TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	executed_at DATETIME NOT NULL
);
`

const migrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_mac_address ON sessions(mac_address COLLATE NOCASE);
CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_checkout ON payment_transactions(checkout_request_id)
	WHERE checkout_request_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_transactions_session_id ON payment_transactions(session_id);
CREATE INDEX IF NOT EXISTS idx_commands_session_id ON enforcement_commands(session_id);
CREATE INDEX IF NOT EXISTS idx_commands_executed_at ON enforcement_commands(executed_at);
`

// nullTime converts a time to sql.NullTime, normalised to UTC
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// nullString converts a string to sql.NullString
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// execer is satisfied by both *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// affected returns the number of rows changed by result
func affected(result sql.Result) (int64, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}
