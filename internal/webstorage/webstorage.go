// Package webstorage backs localStorage and sessionStorage with SQLite.
//
// sessionStorage lives in an in-memory database that disappears with the
// worker. localStorage is a file under the worker's data directory so it
// survives restarts; workers sharing a path share the data.
package webstorage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

// MaxBytes is the per-store quota over the sum of key and value lengths.
const MaxBytes = 10 * 1024 * 1024

// ErrQuotaExceeded is returned by SetItem when the write would push the
// store past MaxBytes.
var ErrQuotaExceeded = errors.New("Exceeded maximum storage size")

const schema = `CREATE TABLE IF NOT EXISTS data (key TEXT PRIMARY KEY NOT NULL, value TEXT NOT NULL)`

// Store is one Storage area.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenMemory returns an empty store that lives only as long as the Store.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory storage: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	return newStore(db)
}

// Open opens (or creates) the store at path, creating parent directories.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening storage %q: %w", path, err)
	}
	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	return newStore(db)
}

func newStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating storage table: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetItem returns the value for key and whether it was present.
func (s *Store) GetItem(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM data WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage get: %w", err)
	}
	return v, true, nil
}

// SetItem stores value under key. An existing key keeps its position.
func (s *Store) SetItem(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("storage set: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var used int64
	if err := tx.QueryRow(`SELECT COALESCE(SUM(LENGTH(CAST(key AS BLOB)) + LENGTH(CAST(value AS BLOB))), 0) FROM data WHERE key <> ?`, key).Scan(&used); err != nil {
		return fmt.Errorf("storage set: %w", err)
	}
	if used+int64(len(key))+int64(len(value)) > MaxBytes {
		return ErrQuotaExceeded
	}
	if _, err := tx.Exec(`INSERT INTO data (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
		return fmt.Errorf("storage set: %w", err)
	}
	return tx.Commit()
}

// RemoveItem deletes key. Missing keys are ignored.
func (s *Store) RemoveItem(key string) error {
	if _, err := s.db.Exec(`DELETE FROM data WHERE key = ?`, key); err != nil {
		return fmt.Errorf("storage remove: %w", err)
	}
	return nil
}

// Clear deletes every key.
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM data`); err != nil {
		return fmt.Errorf("storage clear: %w", err)
	}
	return nil
}

// Key returns the n-th key in insertion order.
func (s *Store) Key(n int) (string, bool, error) {
	if n < 0 {
		return "", false, nil
	}
	var k string
	err := s.db.QueryRow(`SELECT key FROM data ORDER BY rowid LIMIT 1 OFFSET ?`, n).Scan(&k)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage key: %w", err)
	}
	return k, true, nil
}

// Keys returns every key in insertion order.
func (s *Store) Keys() ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM data ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("storage keys: %w", err)
	}
	defer func() { _ = rows.Close() }()
	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("storage keys: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Len returns the number of keys.
func (s *Store) Len() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM data`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage length: %w", err)
	}
	return n, nil
}
