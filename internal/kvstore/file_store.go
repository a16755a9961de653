package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var errEmptyFilePath = errors.New("kvstore.file.empty_path")

type fileDocument struct {
	Entries   map[string]string `json:"entries"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// FileStore keeps records in a single JSON document rewritten atomically on every change.
type FileStore struct {
	mutex   sync.Mutex
	path    string
	entries map[string]string
}

// NewFileStore opens or creates the JSON document at path.
func NewFileStore(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("kvstore.open.file: %w", errEmptyFilePath)
	}
	store := &FileStore{path: path, entries: make(map[string]string)}
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		if errors.Is(readErr, os.ErrNotExist) {
			return store, nil
		}
		return nil, fmt.Errorf("kvstore.open.file: %w", readErr)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return store, nil
	}
	var document fileDocument
	if decodeErr := json.Unmarshal(data, &document); decodeErr != nil {
		return nil, fmt.Errorf("kvstore.open.file: %w: %v", ErrCorruptRecord, decodeErr)
	}
	if document.Entries != nil {
		store.entries = document.Entries
	}
	return store, nil
}

func (store *FileStore) Get(ctx context.Context, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("kvstore.get.file: %w", ErrEmptyKey)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	value, ok := store.entries[key]
	if !ok {
		return "", fmt.Errorf("kvstore.get.file: %w", ErrNotFound)
	}
	return value, nil
}

func (store *FileStore) Set(ctx context.Context, key string, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("kvstore.set.file: %w", ErrEmptyKey)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	previous, existed := store.entries[key]
	store.entries[key] = value
	if err := store.flushLocked(); err != nil {
		if existed {
			store.entries[key] = previous
		} else {
			delete(store.entries, key)
		}
		return fmt.Errorf("kvstore.set.file: %w", err)
	}
	return nil
}

func (store *FileStore) Remove(ctx context.Context, key string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	previous, existed := store.entries[key]
	if !existed {
		return nil
	}
	delete(store.entries, key)
	if err := store.flushLocked(); err != nil {
		store.entries[key] = previous
		return fmt.Errorf("kvstore.remove.file: %w", err)
	}
	return nil
}

// Driver returns "file".
func (store *FileStore) Driver() string {
	return "file"
}

// Close is a no-op; every change is already flushed.
func (store *FileStore) Close() error {
	return nil
}

func (store *FileStore) flushLocked() error {
	if err := os.MkdirAll(filepath.Dir(store.path), 0o700); err != nil {
		return err
	}
	encoded, encodeErr := json.MarshalIndent(fileDocument{
		Entries:   store.entries,
		UpdatedAt: time.Now().UTC(),
	}, "", "  ")
	if encodeErr != nil {
		return encodeErr
	}
	encoded = append(encoded, '\n')
	temporaryPath := store.path + ".tmp"
	if err := os.WriteFile(temporaryPath, encoded, 0o600); err != nil {
		return err
	}
	return os.Rename(temporaryPath, store.path)
}
