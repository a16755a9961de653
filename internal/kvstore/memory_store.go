package kvstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore keeps records in process memory; intended for tests and dev.
type MemoryStore struct {
	mutex   sync.Mutex
	entries map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]string)}
}

func (store *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("kvstore.get.memory: %w", ErrEmptyKey)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	value, ok := store.entries[key]
	if !ok {
		return "", fmt.Errorf("kvstore.get.memory: %w", ErrNotFound)
	}
	return value, nil
}

func (store *MemoryStore) Set(ctx context.Context, key string, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("kvstore.set.memory: %w", ErrEmptyKey)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.entries[key] = value
	return nil
}

func (store *MemoryStore) Remove(ctx context.Context, key string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.entries, key)
	return nil
}

// Driver returns "memory".
func (store *MemoryStore) Driver() string {
	return "memory"
}

// Close is a no-op.
func (store *MemoryStore) Close() error {
	return nil
}

// Len reports the number of stored keys.
func (store *MemoryStore) Len() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.entries)
}
