// Package replication implements both sides of master/replica replication.
//
// On a master, State holds the replication ID and offset reported by INFO
// and FULLRESYNC, and a Broadcaster fans applied writes out to every
// connection that has requested a full resync.
//
// On a replica, Client dials the configured master, runs the fixed
// handshake (PING, REPLCONF listening-port, REPLCONF capa psync2,
// PSYNC ? -1), loads the RDB snapshot that follows FULLRESYNC and then
// applies the streamed writes:
//
//	client := replication.NewClient("localhost:6379", 6380, store)
//	client.SetState(state)
//	if err := client.Run(ctx); err != nil {
//		log.Println(err)
//	}
//
// The handshake is attempted once. A failure is returned to the caller,
// which keeps serving as an isolated node.
package replication
