// Package storage persists per-plugin key/value state for the host.
// Each plugin sees only its own namespace; the host owns the database
// file so a crashed plugin never corrupts another plugin's data.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Store is a SQLite-backed key/value store scoped by plugin ID.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open creates or opens the store database at dbPath.
func Open(dbPath string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "storage").Logger(),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Debug().Str("path", dbPath).Msg("Plugin storage opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		plugin_id  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (plugin_id, key)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize storage schema: %w", err)
	}
	return nil
}

// Get returns the value stored for (pluginID, key). The second return is
// false when the key has never been set.
func (s *Store) Get(pluginID, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(
		"SELECT value FROM kv WHERE plugin_id = ? AND key = ?",
		pluginID, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage get failed: %w", err)
	}
	return value, true, nil
}

// Set upserts the value for (pluginID, key).
func (s *Store) Set(pluginID, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO kv (plugin_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (plugin_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		pluginID, key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage set failed: %w", err)
	}
	return nil
}

// Delete removes the value for (pluginID, key). Deleting a missing key
// is not an error.
func (s *Store) Delete(pluginID, key string) error {
	_, err := s.db.Exec(
		"DELETE FROM kv WHERE plugin_id = ? AND key = ?",
		pluginID, key,
	)
	if err != nil {
		return fmt.Errorf("storage delete failed: %w", err)
	}
	return nil
}

// Keys lists the keys a plugin has stored.
func (s *Store) Keys(pluginID string) ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM kv WHERE plugin_id = ? ORDER BY key", pluginID)
	if err != nil {
		return nil, fmt.Errorf("storage keys failed: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("storage keys scan failed: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Purge removes every key a plugin has stored. Used when a plugin is
// uninstalled.
func (s *Store) Purge(pluginID string) error {
	_, err := s.db.Exec("DELETE FROM kv WHERE plugin_id = ?", pluginID)
	if err != nil {
		return fmt.Errorf("storage purge failed: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
