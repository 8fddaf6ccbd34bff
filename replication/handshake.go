package replication

import (
	"fmt"
	"strconv"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
)

// HandshakeError reports the handshake step that failed
type HandshakeError struct {
	Step string
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed at %s: %v", e.Step, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Handshake runs the replica side of the replication handshake on conn:
// PING, REPLCONF listening-port, REPLCONF capa psync2 and PSYNC ? -1. Each
// request is followed by reading one reply, which is not inspected. There
// are no retries; the first I/O failure aborts with a *HandshakeError.
//
// The reply to PSYNC is returned so the caller can pick up the snapshot
// that follows a FULLRESYNC.
func Handshake(conn *protocol.Conn, port int) (protocol.Frame, error) {
	steps := []struct {
		name string
		req  protocol.Array
	}{
		{"ping", protocol.Array{"PING"}},
		{"replconf listening-port", protocol.Array{"REPLCONF", "listening-port", strconv.Itoa(port)}},
		{"replconf capa", protocol.Array{"REPLCONF", "capa", "psync2"}},
		{"psync", protocol.Array{"PSYNC", "?", "-1"}},
	}

	var reply protocol.Frame
	for _, step := range steps {
		if err := conn.WriteFrame(step.req); err != nil {
			return nil, &HandshakeError{Step: step.name, Err: err}
		}

		var err error
		reply, err = conn.ReadFrame()
		if err != nil {
			return nil, &HandshakeError{Step: step.name, Err: err}
		}
	}

	return reply, nil
}
