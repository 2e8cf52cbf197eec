package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database handle.
//
// The store is shared by independently scheduled OS processes (decide, the
// async worker, the learning loop, the evaluator), so every connection gets a
// short busy timeout and callers treat SQLITE_BUSY as transient.
type DB struct {
	conn *sql.DB
	Path string
}

// Config holds database configuration
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// DefaultConfig returns the default database configuration
func DefaultConfig(path string) Config {
	return Config{
		Path:        path,
		BusyTimeout: 250 * time.Millisecond,
	}
}

// NewDB opens (creating if necessary) the SQLite database file
func NewDB(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 250 * time.Millisecond
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open database %s: %w", cfg.Path, err)
	}

	// SQLite serializes writers; a single connection avoids spurious
	// SQLITE_BUSY between goroutines of the same process while cross-process
	// contention is still resolved by the busy timeout.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("unable to ping database %s: %w", cfg.Path, err)
	}

	return &DB{conn: conn, Path: cfg.Path}, nil
}

// Conn returns the underlying sql.DB for direct access
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// IsBusy reports whether err is SQLite lock contention. Callers treat it as
// transient and retry on the next scheduled invocation.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
