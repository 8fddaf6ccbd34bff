package redisnode

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/raniellyferreira/redis-inmemory-node/replication"
	"github.com/raniellyferreira/redis-inmemory-node/server"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

// SyncStatus is the replica side view of replication
type SyncStatus = replication.SyncStatus

// Node is one Redis-compatible process: a server over an in-memory store,
// acting as a master, or as a replica of an upstream master when
// WithReplicaOf is given.
type Node struct {
	// Configuration
	config *config

	// Components
	storage storage.Storage
	state   *replication.State
	feed    *replication.Broadcaster
	server  *server.Server
	client  *replication.Client // nil on a master

	// State
	mu      sync.RWMutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{} // closed when replication stops
	synced  chan struct{} // closed when the initial sync attempt ends
	syncErr error
}

// New creates a Node with the given options
//
// The node is created but not started. Use Start() to listen and, on a
// replica, to connect to the master.
//
// Example:
//
//	node, err := redisnode.New(
//		redisnode.WithPort(6380),
//		redisnode.WithReplicaOf("localhost 6379"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
func New(opts ...Option) (*Node, error) {
	cfg := defaultConfig()

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	var stor storage.Storage
	if cfg.storeShards > 0 {
		stor = storage.NewSharded(cfg.storeShards)
	} else {
		stor = storage.NewMemory()
	}

	state := replication.NewState(cfg.replicaOf)
	feed := replication.NewBroadcaster(cfg.replicaBacklog)

	logger := &loggerAdapter{logger: cfg.logger}
	feed.SetLogger(logger)

	env := server.Env{
		Store:         stor,
		State:         state,
		Feed:          feed,
		Scripting:     cfg.scripting,
		ScriptTimeout: cfg.scriptTimeout,
		Logger:        logger,
	}
	if cfg.metrics != nil {
		env.Metrics = &metricsAdapter{metrics: cfg.metrics}
	}

	node := &Node{
		config:  cfg,
		storage: stor,
		state:   state,
		feed:    feed,
		server:  server.NewServer(cfg.addr, env),
		done:    make(chan struct{}),
		synced:  make(chan struct{}),
	}

	if cfg.replicaOf != "" {
		node.client = replication.NewClient(cfg.replicaOf, 0, stor)
		node.client.SetLogger(logger)
		node.client.SetConnectTimeout(cfg.connectTimeout)
		node.client.SetState(state)
		node.client.SetBroadcaster(feed)
		if cfg.metrics != nil {
			node.client.SetMetrics(&metricsAdapter{metrics: cfg.metrics})
		}
	}

	return node, nil
}

// Start begins serving clients. On a replica the listener is bound first,
// so its port can be announced to the master, then the initial
// synchronization runs and clients are accepted only once it has ended.
// A replica whose synchronization fails keeps serving as an isolated node;
// the failure is logged and reported by WaitForSync.
//
// Example:
//
//	if err := node.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if n.started {
		n.mu.Unlock()
		return nil // Already started
	}
	if err := ctx.Err(); err != nil {
		n.mu.Unlock()
		return err
	}

	if err := n.server.Listen(); err != nil {
		n.mu.Unlock()
		n.config.logger.Error("Failed to start server", Field{Key: "error", Value: err}, Field{Key: "addr", Value: n.config.addr})
		return err
	}
	n.started = true

	if n.client == nil {
		n.server.Serve()
		close(n.synced)
		close(n.done)
		n.mu.Unlock()
		return nil
	}

	// Replication outlives the Start context; Close stops it
	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.mu.Unlock()

	port, err := listenPort(n.server.Addr())
	if err != nil {
		n.config.logger.Error("Could not determine listening port", Field{Key: "error", Value: err})
	}
	n.client.SetListenPort(port)

	syncErr := n.sync(ctx, runCtx)

	// Close may have run during the sync; it waits on synced before stopping
	// the server, so Serve never races with Stop.
	n.mu.Lock()
	n.syncErr = syncErr
	closed := n.closed
	if !closed {
		n.server.Serve()
	}
	n.mu.Unlock()
	close(n.synced)

	if closed {
		close(n.done)
		return ErrClosed
	}

	if syncErr != nil {
		n.config.logger.Error("Replication with master failed, serving as an isolated node",
			Field{Key: "master", Value: n.config.replicaOf}, Field{Key: "error", Value: syncErr})
		close(n.done)
		return nil
	}

	go n.replicate(runCtx)
	return nil
}

// sync runs the initial synchronization. It gives up when the sync timeout
// expires, when ctx is done or when the node closes.
func (n *Node) sync(ctx, runCtx context.Context) error {
	syncCtx, cancel := context.WithTimeout(runCtx, n.config.syncTimeout)
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return n.client.Sync(syncCtx)
}

// replicate applies the master's stream until the connection ends or the
// node closes. There is no reconnect.
func (n *Node) replicate(ctx context.Context) {
	defer close(n.done)

	if n.config.metrics != nil {
		n.config.metrics.RecordKeyCount(n.storage.KeyCount())
	}

	if err := n.client.Stream(ctx); err != nil && ctx.Err() == nil {
		n.config.logger.Error("Replication stream ended", Field{Key: "error", Value: err})
	}
}

// WaitForSync blocks until the initial synchronization with the master has
// finished or ctx is done, and returns the synchronization error if any
func (n *Node) WaitForSync(ctx context.Context) error {
	if n.client == nil {
		return ErrNotReplica
	}
	if !n.isStarted() {
		return ErrNotStarted
	}

	select {
	case <-n.synced:
		n.mu.RLock()
		defer n.mu.RUnlock()
		return n.syncErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops replication, closes every connection and releases the store
//
// Example:
//
//	defer node.Close()
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	started := n.started
	cancel := n.cancel
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if started && n.client != nil {
		<-n.synced
	}

	if started {
		if err := n.server.Stop(); err != nil {
			n.config.logger.Error("Error stopping server", Field{Key: "error", Value: err})
		}
	}

	if n.client != nil {
		_ = n.client.Close()
		if started {
			<-n.done
		}
	}

	n.feed.Close()

	return n.storage.Close()
}

// Storage returns the underlying storage for direct access
func (n *Node) Storage() storage.Storage {
	return n.storage
}

// Addr returns the address the node listens on
func (n *Node) Addr() string {
	return n.server.Addr()
}

// Role returns whether the node is a master or a replica
func (n *Node) Role() replication.Role {
	return n.state.Role()
}

// ReplicationID returns the 40 character replication ID of this process
func (n *Node) ReplicationID() string {
	return n.state.ReplID()
}

// ReplicationOffset returns the current replication offset
func (n *Node) ReplicationOffset() int64 {
	return n.state.Offset()
}

// SyncStatus returns the replica's synchronization status. A master
// reports the zero value.
func (n *Node) SyncStatus() SyncStatus {
	if n.client == nil {
		return SyncStatus{}
	}
	return n.client.Status()
}

// Info returns detailed information about the node
//
// Example:
//
//	info := node.Info()
//	fmt.Printf("Role: %v\n", info["role"])
func (n *Node) Info() map[string]interface{} {
	info := map[string]interface{}{
		"role":               n.state.Role().String(),
		"replication_id":     n.state.ReplID(),
		"replication_offset": n.state.Offset(),
		"connected_replicas": n.state.ReplicaCount(),
		"keys":               n.storage.KeyCount(),
		"server":             n.server.Stats(),
		"version":            VersionInfo(),
	}

	if n.client != nil {
		status := n.client.Status()
		info["replication"] = map[string]interface{}{
			"master":                 n.config.replicaOf,
			"connected":              status.Connected,
			"initial_sync_completed": status.InitialSyncCompleted,
			"keys_loaded":            status.KeysLoaded,
			"commands_processed":     status.CommandsProcessed,
		}
	}

	return info
}

// isStarted returns true if the node is started (thread-safe)
func (n *Node) isStarted() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.started && !n.closed
}

func listenPort(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	return strconv.Atoi(port)
}
