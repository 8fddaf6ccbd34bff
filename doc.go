// Package redisnode provides a minimal Redis-compatible node with
// master/replica replication.
//
// A node serves PING, ECHO, GET, SET (with EX/PX expiry), INFO and Lua
// scripting from an in-memory store. Without an upstream it is a master:
// any connection that sends PSYNC ? -1 receives FULLRESYNC and a snapshot,
// then every write in order. With an upstream it is a replica: it runs the
// replication handshake, loads the snapshot and applies the master's
// stream, re-publishing it to its own replicas.
//
// Basic usage:
//
//	master, err := redisnode.New(redisnode.WithPort(6379))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer master.Close()
//
//	if err := master.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//
//	replica, err := redisnode.New(
//		redisnode.WithPort(6380),
//		redisnode.WithReplicaOf("localhost 6379"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer replica.Close()
//
//	if err := replica.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//	if err := replica.WaitForSync(ctx); err != nil {
//		log.Printf("replication failed: %v", err)
//	}
//
// A failed handshake does not stop the replica from serving clients; it
// is logged and reported by WaitForSync.
package redisnode
