package storage

import (
	"errors"
	"time"
)

// ErrClosed is returned by writes to a closed storage
var ErrClosed = errors.New("storage closed")

// Storage is the key-value capability the command layer consumes. Expiry is
// lazy: an expired entry is removed by the read that finds it.
type Storage interface {
	// Get returns a copy of the value stored at key
	Get(key string) ([]byte, bool)

	// Set stores value at key, replacing any previous value and expiry.
	// A nil expiry means the key never expires.
	Set(key string, value []byte, expiry *time.Time) error

	// Del removes keys and returns how many existed
	Del(keys ...string) int64

	// KeyCount returns the number of stored keys, expired ones included
	// until a read removes them
	KeyCount() int64

	Close() error
}

// Clock returns the current time. Tests swap it to move time forward.
type Clock func() time.Time
