package prefs

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Store persists per-account client preferences (theme, last peer, ...)
// between runs. Everything is keyed by account id so that deleting an
// account can drop exactly its rows.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "creating preferences directory")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening preferences database")
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "connecting to preferences database")
	}

	schema := `CREATE TABLE IF NOT EXISTS preferences (
		account_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (account_id, key)
	)`
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "initializing preferences schema")
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Set(accountID, key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO preferences (account_id, key, value) VALUES (?, ?, ?) ON CONFLICT(account_id, key) DO UPDATE SET value = excluded.value",
		accountID, key, value,
	)
	return errors.Wrapf(err, "storing preference %s", key)
}

// Get returns the stored value, or "" when the key was never set.
func (s *Store) Get(accountID, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		"SELECT value FROM preferences WHERE account_id = ? AND key = ?",
		accountID, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "loading preference %s", key)
	}
	return value, nil
}

// ClearAccount drops every preference for the account. Called when the
// account itself is deleted.
func (s *Store) ClearAccount(accountID string) error {
	_, err := s.db.Exec("DELETE FROM preferences WHERE account_id = ?", accountID)
	return errors.Wrap(err, "clearing account preferences")
}
