package state

import (
	"database/sql"
	"time"
)

// Store wraps the SQLite handle with typed repositories. All methods are
// safe for concurrent use; the handle is capped at one open connection.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

func nowNs() int64 {
	return time.Now().UnixNano()
}
