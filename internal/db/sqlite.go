// Package db opens the SQLite database behind the sqlite store.
package db

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens the database at dbPath and brings its schema up to date. WAL
// lets readers proceed during a write; transactions take the write lock up
// front so read-modify-write sequences never interleave.
func Open(dbPath string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", withParams(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return conn, nil
}

// NewTestDB opens a fresh in-memory database. The pool is pinned to one
// connection because every :memory: connection sees its own database.
func NewTestDB() (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", withParams(":memory:"))
	if err != nil {
		return nil, fmt.Errorf("failed to open test database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return conn, nil
}

func withParams(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + "_txlock=immediate&_busy_timeout=5000"
}

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	path TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

func migrate(conn *sql.DB) error {
	if _, err := conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
