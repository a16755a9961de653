package kvstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Open selects a backend from the store URL scheme:
//
//	memory://                 in-process map
//	file:///path/state.json   atomic JSON document
//	sqlite://path, postgres:// GORM table
//	pgx://user@host/db        native pgx pool
//	redis://host:6379/0       Redis strings (optional ?prefix=)
//
// An empty URL selects the in-memory backend.
func Open(ctx context.Context, storeURL string) (Store, error) {
	trimmed := strings.TrimSpace(storeURL)
	if trimmed == "" {
		return NewMemoryStore(), nil
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("kvstore.parse_url: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		path := parsed.Path
		if parsed.Opaque != "" {
			path = parsed.Opaque
		}
		if parsed.Host != "" {
			path = parsed.Host + path
		}
		return NewFileStore(path)
	case "sqlite", "sqlite3", "postgres", "postgresql":
		return NewDatabaseStore(ctx, trimmed)
	case "pgx":
		parsed.Scheme = "postgres"
		return NewPostgresStore(ctx, parsed.String())
	case "redis", "rediss":
		return OpenRedisStore(ctx, trimmed)
	case "":
		return nil, fmt.Errorf("kvstore.open: %w", errUnsupportedNoScheme)
	default:
		return nil, fmt.Errorf("kvstore.open.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedScheme)
	}
}
