package replication

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"
)

// Role is the replication role of a node
type Role int

const (
	RoleMaster Role = iota
	RoleReplica
)

// String returns the role name as INFO reports it
func (r Role) String() string {
	if r == RoleReplica {
		return "slave"
	}
	return "master"
}

// State is the process-wide replication state. Role, upstream and
// replication ID are fixed at construction; the offset and replica count
// are updated atomically.
type State struct {
	role     Role
	upstream string
	replID   string

	offset   atomic.Int64
	replicas atomic.Int64
}

// NewState creates the replication state. A non-empty upstream address
// makes the node a replica.
func NewState(upstream string) *State {
	role := RoleMaster
	if upstream != "" {
		role = RoleReplica
	}

	return &State{
		role:     role,
		upstream: upstream,
		replID:   newReplID(),
	}
}

// newReplID returns 40 random hex characters
func newReplID() string {
	b := make([]byte, 20)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Role returns the node role
func (s *State) Role() Role {
	return s.role
}

// Upstream returns the configured master address, empty on a master
func (s *State) Upstream() string {
	return s.upstream
}

// ReplID returns the replication ID
func (s *State) ReplID() string {
	return s.replID
}

// Offset returns the replication offset
func (s *State) Offset() int64 {
	return s.offset.Load()
}

// AddOffset advances the offset by n bytes of replication stream and
// returns the new value
func (s *State) AddOffset(n int64) int64 {
	return s.offset.Add(n)
}

// SetOffset moves the offset to n, as a replica does when it adopts the
// offset announced in FULLRESYNC
func (s *State) SetOffset(n int64) {
	s.offset.Store(n)
}

// ReplicaCount returns the number of attached replica streams
func (s *State) ReplicaCount() int64 {
	return s.replicas.Load()
}

// AddReplica adjusts the attached replica count by delta
func (s *State) AddReplica(delta int64) int64 {
	return s.replicas.Add(delta)
}

// FullResyncLine returns the status text a master replies to PSYNC ? -1
func (s *State) FullResyncLine() string {
	return fmt.Sprintf("FULLRESYNC %s %d", s.replID, s.Offset())
}

// Info renders the replication section returned by INFO
func (s *State) Info() string {
	if s.role == RoleReplica {
		return "role:" + s.role.String()
	}

	lines := []string{
		"role:" + s.role.String(),
		"master_replid:" + s.replID,
		fmt.Sprintf("master_repl_offset:%d", s.Offset()),
	}
	return strings.Join(lines, "\n")
}
