package kvstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces keys when the store URL carries no prefix parameter.
const DefaultRedisPrefix = "medsession:"

// RedisStore persists records as plain Redis strings.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. An empty prefix selects DefaultRedisPrefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// OpenRedisStore parses a redis:// URL, honours an optional "prefix" query
// parameter, and pings the server before returning.
func OpenRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	parsed, parseErr := url.Parse(redisURL)
	if parseErr != nil {
		return nil, fmt.Errorf("kvstore.open.redis: %w", parseErr)
	}
	query := parsed.Query()
	prefix := query.Get("prefix")
	query.Del("prefix")
	parsed.RawQuery = query.Encode()

	options, optionsErr := redis.ParseURL(parsed.String())
	if optionsErr != nil {
		return nil, fmt.Errorf("kvstore.open.redis: %w", optionsErr)
	}
	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kvstore.open.redis: %w", pingErr)
	}
	return NewRedisStore(client, prefix), nil
}

func (store *RedisStore) key(key string) string {
	return store.prefix + key
}

func (store *RedisStore) Get(ctx context.Context, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("kvstore.get.redis: %w", ErrEmptyKey)
	}
	value, err := store.client.Get(ctx, store.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("kvstore.get.redis: %w", ErrNotFound)
		}
		return "", fmt.Errorf("kvstore.get.redis: %w", err)
	}
	return value, nil
}

func (store *RedisStore) Set(ctx context.Context, key string, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("kvstore.set.redis: %w", ErrEmptyKey)
	}
	if err := store.client.Set(ctx, store.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("kvstore.set.redis: %w", err)
	}
	return nil
}

func (store *RedisStore) Remove(ctx context.Context, key string) error {
	if err := store.client.Del(ctx, store.key(key)).Err(); err != nil {
		return fmt.Errorf("kvstore.remove.redis: %w", err)
	}
	return nil
}

// Driver returns "redis".
func (store *RedisStore) Driver() string {
	return "redis"
}

// Close closes the client.
func (store *RedisStore) Close() error {
	return store.client.Close()
}
