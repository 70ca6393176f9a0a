package storage

import (
	"database/sql"
	"fmt"
	"log"

	"github.com/spf13/viper"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists values in an embedded sqlite database, the
// default backend for a single-meter deployment.
type SQLiteStore struct {
	db *sql.DB
}

// InitSQLite opens (and if needed creates) the sqlite database file.
func InitSQLite() (*SQLiteStore, error) {
	viper.SetDefault("storage.sqlite_path", "meterd.db")
	path := viper.GetString("storage.sqlite_path")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("error opening sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to sqlite database: %w", err)
	}

	// single writer; the driver serializes access
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS attributes (key TEXT PRIMARY KEY, value BLOB NOT NULL)`,
	); err != nil {
		return nil, fmt.Errorf("error creating attributes table: %w", err)
	}

	log.Printf("SQLite store opened at %s", path)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(
		`SELECT value FROM attributes WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) Put(key string, value []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO attributes (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("error writing %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
