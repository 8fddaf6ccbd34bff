package storage

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// shard is one slice of the keyspace with its own lock
type shard struct {
	mu   sync.Mutex
	data map[string]*Value
}

// ShardedStorage spreads keys over independently locked shards chosen by
// xxhash. Semantics match MemoryStorage; only lock contention differs.
type ShardedStorage struct {
	shards    []shard
	shardMask uint64
	now       Clock
	closed    atomic.Bool
}

// ShardedOption configures a ShardedStorage instance
type ShardedOption func(*ShardedStorage)

// WithShardClock replaces the time source used for expiry checks
func WithShardClock(clock Clock) ShardedOption {
	return func(s *ShardedStorage) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewSharded creates a sharded storage. The shard count is rounded up to the
// next power of 2.
func NewSharded(count int, opts ...ShardedOption) *ShardedStorage {
	n := nextPowerOf2(count)
	s := &ShardedStorage{
		shards:    make([]shard, n),
		shardMask: uint64(n - 1),
		now:       time.Now,
	}
	for i := range s.shards {
		s.shards[i].data = make(map[string]*Value)
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// nextPowerOf2 returns the next power of 2 >= n
func nextPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

func (s *ShardedStorage) shardFor(key string) *shard {
	return &s.shards[xxhash.Sum64String(key)&s.shardMask]
}

// ShardCount returns the number of shards
func (s *ShardedStorage) ShardCount() int {
	return len(s.shards)
}

// Get retrieves a value by key, deleting it if it has expired
func (s *ShardedStorage) Get(key string) ([]byte, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	value, exists := sh.data[key]
	if !exists {
		return nil, false
	}

	if value.IsExpiredAt(s.now()) {
		delete(sh.data, key)
		return nil, false
	}

	return append([]byte(nil), value.Data...), true
}

// Set stores a value with optional expiration
func (s *ShardedStorage) Set(key string, value []byte, expiry *time.Time) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	// Close flips the flag before clearing shards under their locks
	if s.closed.Load() {
		return ErrClosed
	}
	sh.data[key] = newValue(value, expiry)

	return nil
}

// Del deletes one or more keys
func (s *ShardedStorage) Del(keys ...string) int64 {
	var deleted int64
	for _, key := range keys {
		sh := s.shardFor(key)
		sh.mu.Lock()
		if _, exists := sh.data[key]; exists {
			delete(sh.data, key)
			deleted++
		}
		sh.mu.Unlock()
	}
	return deleted
}

// KeyCount sums the key counts of every shard
func (s *ShardedStorage) KeyCount() int64 {
	var total int64
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		total += int64(len(sh.data))
		sh.mu.Unlock()
	}
	return total
}

// Close drops all data and rejects further writes
func (s *ShardedStorage) Close() error {
	s.closed.Store(true)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		sh.data = make(map[string]*Value)
		sh.mu.Unlock()
	}
	return nil
}
