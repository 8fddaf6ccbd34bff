package server

import (
	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/replication"
)

// serveReplica answers PSYNC ? -1 and turns the connection into a replica
// stream: FULLRESYNC, the snapshot, then every published write in order.
// It returns when the replica goes away, falls too far behind, or the
// server stops. The connection is never used for requests again.
func (c *Client) serveReplica() {
	s := c.server

	// Subscribe before FULLRESYNC so no write after the snapshot is missed
	sub := s.env.Feed.Subscribe()
	defer sub.Unsubscribe()

	if !c.write(
		protocol.Status(s.env.State.FullResyncLine()),
		protocol.RawBytes(replication.EmptySnapshot()),
	) {
		return
	}

	s.recordReplicas(1)
	defer s.recordReplicas(-1)

	s.logger.Info("replica attached", "remote", c.conn.RemoteAddr())

	// Replicas only send REPLCONF ACK from here on. Reading them is how a
	// disconnect is noticed while no writes flow.
	gone := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(gone)
		for {
			if _, err := c.conn.ReadFrame(); err != nil {
				return
			}
		}
	}()
	defer c.Close()

	for {
		select {
		case cmd, ok := <-sub.C():
			if !ok {
				if err := sub.Err(); err != nil {
					s.logger.Error("replica stream dropped", "remote", c.conn.RemoteAddr(), "error", err)
					s.recordError("replica_lagged")
				}
				return
			}
			if !c.write(protocol.Array(cmd.Args())) {
				return
			}

		case <-gone:
			s.logger.Info("replica detached", "remote", c.conn.RemoteAddr())
			return

		case <-c.ctx.Done():
			return
		}
	}
}
