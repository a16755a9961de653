package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records through a native pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// BuildPool creates a pgx pool with sane defaults for a single-agent workload.
func BuildPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	config.MinConns = 1
	config.MaxConns = 4
	config.MaxConnLifetime = 30 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second
	return pgxpool.NewWithConfig(ctx, config)
}

// EnsureSchema creates the session_entries table if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS session_entries (
    entry_key TEXT PRIMARY KEY,
    entry_value TEXT NOT NULL,
    updated_unix BIGINT NOT NULL
);
`)
	return err
}

// NewPostgresStore builds a pool for databaseURL, ensures the schema, and wraps it.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("kvstore.open.pgx: %w", errEmptyDatabaseURL)
	}
	pool, err := BuildPool(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("kvstore.open.pgx: %w", err)
	}
	if schemaErr := EnsureSchema(ctx, pool); schemaErr != nil {
		pool.Close()
		return nil, fmt.Errorf("kvstore.migrate.pgx: %w", schemaErr)
	}
	return &PostgresStore{pool: pool}, nil
}

func (store *PostgresStore) Get(ctx context.Context, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("kvstore.get.pgx: %w", ErrEmptyKey)
	}
	var value string
	row := store.pool.QueryRow(ctx, `
SELECT entry_value
FROM session_entries
WHERE entry_key = $1
`, key)
	if scanErr := row.Scan(&value); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return "", fmt.Errorf("kvstore.get.pgx: %w", ErrNotFound)
		}
		return "", fmt.Errorf("kvstore.get.pgx: %w", scanErr)
	}
	return value, nil
}

func (store *PostgresStore) Set(ctx context.Context, key string, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("kvstore.set.pgx: %w", ErrEmptyKey)
	}
	_, err := store.pool.Exec(ctx, `
INSERT INTO session_entries (entry_key, entry_value, updated_unix)
VALUES ($1, $2, $3)
ON CONFLICT (entry_key) DO UPDATE
SET entry_value = EXCLUDED.entry_value, updated_unix = EXCLUDED.updated_unix
`, key, value, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("kvstore.set.pgx: %w", err)
	}
	return nil
}

func (store *PostgresStore) Remove(ctx context.Context, key string) error {
	_, err := store.pool.Exec(ctx, `
DELETE FROM session_entries
WHERE entry_key = $1
`, key)
	if err != nil {
		return fmt.Errorf("kvstore.remove.pgx: %w", err)
	}
	return nil
}

// Driver returns "pgx".
func (store *PostgresStore) Driver() string {
	return "pgx"
}

// Close closes the pool.
func (store *PostgresStore) Close() error {
	store.pool.Close()
	return nil
}
