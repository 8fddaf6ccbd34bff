// Package storage provides the key-value store behind the command layer.
//
// Values are strings with an optional absolute expiry. Expiry is checked
// lazily: the read that finds an expired entry deletes it. There is no
// background sweep.
//
// Basic usage:
//
//	store := storage.NewMemory()
//	err := store.Set("key", []byte("value"), nil)
//	value, exists := store.Get("key")
//
// Two implementations are available:
//   - MemoryStorage, a single map behind one mutex
//   - ShardedStorage, the same semantics over xxhash-selected shards
package storage
