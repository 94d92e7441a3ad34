package storage

import (
	"context"
	"path"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store
var ErrKeyNotFound = errors.New("key not found")

// ErrNotInteger is returned by Incr when the stored value is not an integer
var ErrNotInteger = errors.New("value is not an integer")

// Store defines the key-value primitives the dedup layer is built on.
// Every method is a single atomic operation; implementations must be safe
// for concurrent use.
type Store interface {
	// Get retrieves a value by key.
	// Returns ErrKeyNotFound if the key doesn't exist
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value, overwriting any existing one
	Set(ctx context.Context, key, value string) error

	// SetNX stores a value only if the key is absent and reports whether it did
	SetNX(ctx context.Context, key, value string) (bool, error)

	// MSetNX stores all pairs only if none of the keys exists
	MSetNX(ctx context.Context, pairs map[string]string) (bool, error)

	// Incr increments an integer value, treating a missing key as 0
	Incr(ctx context.Context, key string) (int64, error)

	// Del removes keys and returns how many existed
	Del(ctx context.Context, keys ...string) (int64, error)

	// Exists reports whether a key exists
	Exists(ctx context.Context, key string) (bool, error)

	// Scan returns all keys matching a glob pattern.
	// Order is not guaranteed
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Close releases the store's resources
	Close() error
}

// MemoryStore implements Store with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu   sync.RWMutex      // Protects concurrent access
	data map[string]string // Key-value storage
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]string),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.data[key]
	if !exists {
		return "", ErrKeyNotFound
	}
	return value, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = value
	return nil
}

func (m *MemoryStore) SetNX(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.data[key]; exists {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

func (m *MemoryStore) MSetNX(_ context.Context, pairs map[string]string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range pairs {
		if _, exists := m.data[key]; exists {
			return false, nil
		}
	}
	for key, value := range pairs {
		m.data[key] = value
	}
	return true, nil
}

func (m *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	if value, exists := m.data[key]; exists {
		var err error
		if n, err = strconv.ParseInt(value, 10, 64); err != nil {
			return 0, errors.Wrapf(ErrNotInteger, "incr %s", key)
		}
	}
	n++
	m.data[key] = strconv.FormatInt(n, 10)
	return n, nil
}

// Del removes keys
// No error if a key doesn't exist (idempotent)
func (m *MemoryStore) Del(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, key := range keys {
		if _, exists := m.data[key]; exists {
			delete(m.data, key)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.data[key]
	return exists, nil
}

// Scan matches keys with path.Match, which covers the redis glob subset
// used for message keys.
func (m *MemoryStore) Scan(_ context.Context, pattern string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0)
	for key := range m.data {
		ok, err := path.Match(pattern, key)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid pattern %q", pattern)
		}
		if ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Len returns the number of stored keys
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *MemoryStore) Close() error { return nil }
