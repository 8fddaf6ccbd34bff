package storage

import (
	"sync"
	"time"
)

// MemoryStorage is a map guarded by a single mutex. Every Get and Set takes
// the lock for the duration of the operation.
type MemoryStorage struct {
	mu     sync.Mutex
	data   map[string]*Value
	now    Clock
	closed bool
}

// MemoryOption is a function that configures a MemoryStorage instance
type MemoryOption func(*MemoryStorage)

// WithClock replaces the time source used for expiry checks
func WithClock(clock Clock) MemoryOption {
	return func(s *MemoryStorage) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewMemory creates an empty in-memory storage
func NewMemory(opts ...MemoryOption) *MemoryStorage {
	s := &MemoryStorage{
		data: make(map[string]*Value),
		now:  time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Get retrieves a value by key. An expired entry is deleted and reported
// as absent.
func (s *MemoryStorage) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, exists := s.data[key]
	if !exists {
		return nil, false
	}

	if value.IsExpiredAt(s.now()) {
		delete(s.data, key)
		return nil, false
	}

	return append([]byte(nil), value.Data...), true
}

// Set stores a value with optional expiration
func (s *MemoryStorage) Set(key string, value []byte, expiry *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.data[key] = newValue(value, expiry)
	return nil
}

// Del deletes one or more keys
func (s *MemoryStorage) Del(keys ...string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for _, key := range keys {
		if _, exists := s.data[key]; exists {
			delete(s.data, key)
			deleted++
		}
	}
	return deleted
}

// KeyCount returns the number of keys held
func (s *MemoryStorage) KeyCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.data))
}

// Close drops all data and rejects further writes
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.data = make(map[string]*Value)
	return nil
}
