package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection
type DB struct {
	db *sql.DB
}

// NewDB creates a new database connection
func NewDB(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Open database connection
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	database := &DB{db: db}

	// Initialize schema
	if err := database.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return database, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

// GetDB returns the underlying sql.DB connection
func (d *DB) GetDB() *sql.DB {
	return d.db
}

// initSchema initializes the database schema
func (d *DB) initSchema() error {
	schema := `
	-- Durable operation queue; survives reload and crash
	CREATE TABLE IF NOT EXISTS operations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		op_id TEXT UNIQUE NOT NULL,
		op_type TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		scope_key TEXT NOT NULL,
		payload BLOB,
		content_hash TEXT,
		status TEXT NOT NULL DEFAULT 'PENDING',
		retry_count INTEGER DEFAULT 0,
		last_error TEXT,
		forced INTEGER DEFAULT 0,
		tentative INTEGER DEFAULT 0,
		next_attempt_at REAL NOT NULL,
		created_at REAL DEFAULT (unixepoch()),
		updated_at REAL DEFAULT (unixepoch())
	);

	-- Recent-uploads index for the duplicate-content fast path
	CREATE TABLE IF NOT EXISTS dedup_index (
		content_hash TEXT NOT NULL,
		scope_key TEXT NOT NULL,
		op_id TEXT NOT NULL,
		synced_at REAL NOT NULL,
		PRIMARY KEY (content_hash, scope_key)
	);

	-- Drain leadership across processes sharing this database
	CREATE TABLE IF NOT EXISTS leases (
		name TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		expires_at REAL NOT NULL
	);

	-- Indexes for performance
	CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);
	CREATE INDEX IF NOT EXISTS idx_operations_scope_key ON operations(scope_key);
	CREATE INDEX IF NOT EXISTS idx_operations_created_at ON operations(created_at);
	CREATE INDEX IF NOT EXISTS idx_dedup_index_synced_at ON dedup_index(synced_at);
	`

	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (d *DB) BeginTx() (*sql.Tx, error) {
	return d.db.Begin()
}

// Exec executes a query without returning rows
func (d *DB) Exec(query string, args ...interface{}) (sql.Result, error) {
	return d.db.Exec(query, args...)
}

// Query executes a query that returns rows
func (d *DB) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return d.db.Query(query, args...)
}

// QueryRow executes a query that returns a single row
func (d *DB) QueryRow(query string, args ...interface{}) *sql.Row {
	return d.db.QueryRow(query, args...)
}

// toUnix converts a time to fractional unix seconds for storage
func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// fromUnix converts fractional unix seconds back to a time
func fromUnix(sec float64) time.Time {
	return time.Unix(0, int64(sec*1e9)).UTC()
}
