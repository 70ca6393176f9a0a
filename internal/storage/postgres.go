package storage

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/viper"
)

// PostgresConfig holds connection settings for the postgres backend.
type PostgresConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// GetPostgresConfig returns postgres configuration with defaults.
func GetPostgresConfig() *PostgresConfig {
	viper.SetDefault("storage.postgres.host", "localhost")
	viper.SetDefault("storage.postgres.port", "5432")
	viper.SetDefault("storage.postgres.user", "postgres")
	viper.SetDefault("storage.postgres.password", "password")
	viper.SetDefault("storage.postgres.name", "meterd")
	viper.SetDefault("storage.postgres.ssl_mode", "disable")
	viper.SetDefault("storage.postgres.max_open_conns", 25)
	viper.SetDefault("storage.postgres.max_idle_conns", 5)
	viper.SetDefault("storage.postgres.conn_max_lifetime", time.Minute*5)

	return &PostgresConfig{
		Host:            viper.GetString("storage.postgres.host"),
		Port:            viper.GetString("storage.postgres.port"),
		User:            viper.GetString("storage.postgres.user"),
		Password:        viper.GetString("storage.postgres.password"),
		Name:            viper.GetString("storage.postgres.name"),
		SSLMode:         viper.GetString("storage.postgres.ssl_mode"),
		MaxOpenConns:    viper.GetInt("storage.postgres.max_open_conns"),
		MaxIdleConns:    viper.GetInt("storage.postgres.max_idle_conns"),
		ConnMaxLifetime: viper.GetDuration("storage.postgres.conn_max_lifetime"),
	}
}

// PostgresStore persists values in postgres, for fleet deployments where
// many meter cores share one database.
type PostgresStore struct {
	db     *sql.DB
	prefix string
}

// InitPostgres initializes the postgres connection and schema.
func InitPostgres() (*PostgresStore, error) {
	config := GetPostgresConfig()

	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Name, config.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS attributes (key TEXT PRIMARY KEY, value BYTEA NOT NULL)`,
	); err != nil {
		return nil, fmt.Errorf("error creating attributes table: %w", err)
	}

	log.Println("Postgres store connection established")
	return &PostgresStore{db: db, prefix: viper.GetString("meter.serial")}, nil
}

// NewPostgresStore wraps an existing connection, used by tests.
func NewPostgresStore(db *sql.DB, prefix string) *PostgresStore {
	return &PostgresStore{db: db, prefix: prefix}
}

func (s *PostgresStore) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *PostgresStore) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(
		`SELECT value FROM attributes WHERE key = $1`, s.key(key),
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) Put(key string, value []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO attributes (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		s.key(key), value,
	)
	if err != nil {
		return fmt.Errorf("error writing %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
