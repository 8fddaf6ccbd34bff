package redisnode

import (
	"errors"
	"fmt"

	"github.com/raniellyferreira/redis-inmemory-node/command"
	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/replication"
)

// Error types for specific failure scenarios
var (
	// ErrNotReplica indicates a replica-only operation on a master
	ErrNotReplica = errors.New("node is not a replica")

	// ErrNotStarted indicates the node has not been started
	ErrNotStarted = errors.New("node not started")

	// ErrInvalidConfig indicates invalid configuration options
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrClosed indicates the node has been closed
	ErrClosed = errors.New("node is closed")
)

// SyncError reports the replication phase that failed: connect,
// handshake, snapshot or stream
type SyncError = replication.SyncError

// HandshakeError reports the handshake step that failed
type HandshakeError = replication.HandshakeError

// ProtocolError reports input beyond the protocol limits
type ProtocolError = protocol.ProtocolError

// ArgError reports a command missing a required argument
type ArgError = command.ArgError

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Addr string
	Err  error
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error to %s: %v", e.Addr, e.Err)
}

// Unwrap returns the wrapped error
func (e *ConnectionError) Unwrap() error {
	return e.Err
}
