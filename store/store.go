// Package store provides the durable local key/value store backing the
// submission queue, analytics batcher, and sync cursors. Values are
// JSON-encoded and survive process restarts.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/AtRiskMedia/surveykiosk-go/logging"
	"github.com/AtRiskMedia/surveykiosk-go/models"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
)

const schema = `
CREATE TABLE IF NOT EXISTS app_store (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// Store is a quota-bounded durable key/value store over sqlite. The quota
// mirrors the storage ceiling of the kiosk platform: writes that would
// exceed it fail with a StorageExhaustion error, and callers decide what
// to evict.
type Store struct {
	db       *sql.DB
	maxBytes int64
	logger   *logging.ChanneledLogger

	// Serializes read-modify-write sequences across goroutines. The store
	// is single-writer-at-a-time per logical key by this ordering.
	mu sync.Mutex
}

// New opens (or creates) the store for the specified driver.
func New(driverName, dataSourceName string, maxBytes int64, logger *logging.ChanneledLogger) (*Store, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store ping failed: %w", err)
	}

	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create store schema: %w", err)
	}

	logger.Store().Info("Durable store opened", "driverName", driverName, "maxBytes", maxBytes)

	return &Store{db: db, maxBytes: maxBytes, logger: logger}, nil
}

// Get reads the value for key into v. The second return reports whether the
// key was present.
func (s *Store) Get(key string, v any) (bool, error) {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM app_store WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, models.NewSyncError(models.ErrStorageExhaustion, "store.get", err)
	}

	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, models.NewSyncError(models.ErrValidation, "store.get",
			fmt.Errorf("malformed entry for key %s: %w", key, err))
	}
	return true, nil
}

// Set writes the JSON encoding of v under key. A write that would push the
// store past its byte quota fails with a StorageExhaustion error and leaves
// the existing entry untouched.
func (s *Store) Set(key string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(v)
	if err != nil {
		return models.NewSyncError(models.ErrValidation, "store.set", err)
	}

	used, err := s.usedBytesLocked()
	if err != nil {
		return err
	}

	var existing int64
	_ = s.db.QueryRow(`SELECT LENGTH(value) FROM app_store WHERE key = ?`, key).Scan(&existing)

	if used-existing+int64(len(raw)) > s.maxBytes {
		s.logger.Store().Error("Store quota exceeded",
			"key", key, "usedBytes", used, "writeBytes", len(raw), "maxBytes", s.maxBytes)
		return models.NewSyncError(models.ErrStorageExhaustion, "store.set",
			fmt.Errorf("write of %d bytes would exceed quota of %d bytes", len(raw), s.maxBytes))
	}

	_, err = s.db.Exec(
		`INSERT INTO app_store (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, string(raw))
	if err != nil {
		return models.NewSyncError(models.ErrStorageExhaustion, "store.set", err)
	}
	return nil
}

// Delete removes key from the store. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM app_store WHERE key = ?`, key); err != nil {
		return models.NewSyncError(models.ErrStorageExhaustion, "store.delete", err)
	}
	return nil
}

// Keys returns every key currently present.
func (s *Store) Keys() ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM app_store ORDER BY key`)
	if err != nil {
		return nil, models.NewSyncError(models.ErrStorageExhaustion, "store.keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, models.NewSyncError(models.ErrStorageExhaustion, "store.keys", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// UsedBytes reports the total size of stored values.
func (s *Store) UsedBytes() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedBytesLocked()
}

func (s *Store) usedBytesLocked() (int64, error) {
	var used sql.NullInt64
	err := s.db.QueryRow(`SELECT COALESCE(SUM(LENGTH(value)), 0) FROM app_store`).Scan(&used)
	if err != nil {
		return 0, models.NewSyncError(models.ErrStorageExhaustion, "store.usedBytes", err)
	}
	return used.Int64, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
