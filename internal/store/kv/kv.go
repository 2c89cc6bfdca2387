// Package kv implements the settings blob persistence spec.md §4.5
// describes, backed by SQLite (grounded on the teacher's
// internal/storage/sqlite app_state table), plus the one-time
// legacy-plaintext-password migration §4.5 requires.
package kv

import (
	"database/sql"
	"fmt"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a key/value settings backend. Values are opaque strings; callers
// own their own encoding. Passwords do not belong here — those go through
// store/secret.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the key-value store under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "xmpbee.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open kv database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate kv database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS app_state (
		key TEXT PRIMARY KEY,
		value TEXT
	)`)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Set upserts key's value.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO app_state (key, value)
		VALUES (?, ?)
	`, key, value)
	return err
}

// Get returns key's value and whether it was present.
func (s *Store) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM app_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Delete removes key, if present.
func (s *Store) Delete(key string) error {
	_, err := s.db.Exec("DELETE FROM app_state WHERE key = ?", key)
	return err
}

const legacyPasswordMigratedKey = "legacy_password_migration_done"

// MigrateLegacyPlaintextPasswords runs once: for every account still
// carrying a plaintext password in its TOML config, move it into secrets
// and blank it out, matching spec.md §4.5's requirement that legacy
// plaintext never lingers on disk after the first run that notices it.
// migrate is called once per account with its current plaintext password
// (empty string if none) and should return true if it performed a move.
func (s *Store) MigrateLegacyPlaintextPasswords(accounts []string, passwords map[string]string, migrate func(account, password string) bool) error {
	_, done, err := s.Get(legacyPasswordMigratedKey)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	for _, account := range accounts {
		password := passwords[account]
		if password == "" {
			continue
		}
		migrate(account, password)
	}

	return s.Set(legacyPasswordMigratedKey, "1")
}
