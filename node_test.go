package redisnode_test

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisnode "github.com/raniellyferreira/redis-inmemory-node"
	"github.com/raniellyferreira/redis-inmemory-node/metrics"
	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/replication"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

func quietLogger() redisnode.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return redisnode.NewLogrusLogger(l)
}

func startNode(t *testing.T, opts ...redisnode.Option) *redisnode.Node {
	t.Helper()

	opts = append([]redisnode.Option{
		redisnode.WithAddr("127.0.0.1:0"),
		redisnode.WithLogger(quietLogger()),
	}, opts...)

	node, err := redisnode.New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Close() })

	require.NoError(t, node.Start(context.Background()))
	return node
}

func newClient(t *testing.T, addr string) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Protocol:        2,
		DisableIdentity: true,
		MaxRetries:      -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func waitForKey(t *testing.T, store storage.Storage, key, value string) {
	t.Helper()

	assert.Eventually(t, func() bool {
		got, ok := store.Get(key)
		return ok && string(got) == value
	}, 2*time.Second, 10*time.Millisecond, "key %q never reached %q", key, value)
}

func TestNew(t *testing.T) {
	node, err := redisnode.New(redisnode.WithAddr("127.0.0.1:0"))
	require.NoError(t, err)
	defer node.Close()

	assert.Equal(t, replication.RoleMaster, node.Role())
	assert.Len(t, node.ReplicationID(), 40)
	assert.Zero(t, node.ReplicationOffset())
}

func TestNewWithInvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  redisnode.Option
	}{
		{"bad addr", redisnode.WithAddr("no-port")},
		{"port out of range", redisnode.WithPort(70000)},
		{"bad master", redisnode.WithReplicaOf("localhost")},
		{"master port not a number", redisnode.WithReplicaOf("localhost six")},
		{"zero connect timeout", redisnode.WithConnectTimeout(0)},
		{"zero sync timeout", redisnode.WithSyncTimeout(0)},
		{"negative script timeout", redisnode.WithScriptTimeout(-time.Second)},
		{"zero backlog", redisnode.WithReplicaBacklog(0)},
		{"zero shards", redisnode.WithStoreShards(0)},
		{"nil logger", redisnode.WithLogger(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := redisnode.New(tt.opt)
			assert.ErrorIs(t, err, redisnode.ErrInvalidConfig)
		})
	}
}

func TestNodeShardedStore(t *testing.T) {
	node, err := redisnode.New(redisnode.WithAddr("127.0.0.1:0"), redisnode.WithStoreShards(5))
	require.NoError(t, err)
	defer node.Close()

	sharded, ok := node.Storage().(*storage.ShardedStorage)
	require.True(t, ok)
	assert.Equal(t, 8, sharded.ShardCount())
}

func TestMasterServesClients(t *testing.T) {
	node := startNode(t)
	client := newClient(t, node.Addr())
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "k", "v", 0).Err())

	got, err := client.Get(ctx, "k").Result()
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	info, err := client.Info(ctx).Result()
	require.NoError(t, err)
	assert.Contains(t, info, "role:master")
	assert.Contains(t, info, "master_replid:"+node.ReplicationID())

	value, ok := node.Storage().Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", string(value))
}

func TestReplicaFollowsMaster(t *testing.T) {
	master := startNode(t)
	replica := startNode(t, redisnode.WithReplicaOf(master.Addr()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, replica.WaitForSync(ctx))

	assert.Equal(t, replication.RoleReplica, replica.Role())
	assert.True(t, replica.SyncStatus().InitialSyncCompleted)

	assert.Eventually(t, func() bool {
		return master.Info()["connected_replicas"] == int64(1)
	}, 2*time.Second, 10*time.Millisecond)

	client := newClient(t, master.Addr())
	require.NoError(t, client.Set(ctx, "a", "1", 0).Err())
	require.NoError(t, client.Set(ctx, "b", "2", time.Minute).Err())

	waitForKey(t, replica.Storage(), "a", "1")
	waitForKey(t, replica.Storage(), "b", "2")

	assert.Eventually(t, func() bool {
		return replica.ReplicationOffset() == master.ReplicationOffset()
	}, 2*time.Second, 10*time.Millisecond)

	info, err := newClient(t, replica.Addr()).Info(ctx, "replication").Result()
	require.NoError(t, err)
	assert.Equal(t, "role:slave", info)
}

func TestReplicaOfReplica(t *testing.T) {
	master := startNode(t)
	middle := startNode(t, redisnode.WithReplicaOf(master.Addr()))
	leaf := startNode(t, redisnode.WithReplicaOf(middle.Addr()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, middle.WaitForSync(ctx))
	require.NoError(t, leaf.WaitForSync(ctx))

	assert.Eventually(t, func() bool {
		return middle.Info()["connected_replicas"] == int64(1)
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, newClient(t, master.Addr()).Set(ctx, "chained", "yes", 0).Err())

	waitForKey(t, middle.Storage(), "chained", "yes")
	waitForKey(t, leaf.Storage(), "chained", "yes")
}

func TestScriptWritesReachReplica(t *testing.T) {
	master := startNode(t)
	replica := startNode(t, redisnode.WithReplicaOf(master.Addr()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, replica.WaitForSync(ctx))

	assert.Eventually(t, func() bool {
		return master.Info()["connected_replicas"] == int64(1)
	}, 2*time.Second, 10*time.Millisecond)

	client := newClient(t, master.Addr())
	_, err := client.Eval(ctx, "return redis.call('SET', KEYS[1], ARGV[1])", []string{"lua"}, "ran").Result()
	require.NoError(t, err)

	waitForKey(t, replica.Storage(), "lua", "ran")
}

func TestHandshakeFailureIsNonFatal(t *testing.T) {
	// A port nobody listens on
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := l.Addr().String()
	require.NoError(t, l.Close())

	node := startNode(t,
		redisnode.WithReplicaOf(deadAddr),
		redisnode.WithConnectTimeout(time.Second),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = node.WaitForSync(ctx)
	require.Error(t, err)

	var syncErr *redisnode.SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, "connect", syncErr.Phase)

	// Still serving, as an isolated replica
	client := newClient(t, node.Addr())
	pong, err := client.Ping(ctx).Result()
	require.NoError(t, err)
	assert.Equal(t, "PONG", pong)

	info, err := client.Info(ctx).Result()
	require.NoError(t, err)
	assert.Equal(t, "role:slave", info)
}

func TestNodeLifecycle(t *testing.T) {
	node, err := redisnode.New(redisnode.WithAddr("127.0.0.1:0"), redisnode.WithLogger(quietLogger()))
	require.NoError(t, err)

	assert.ErrorIs(t, node.WaitForSync(context.Background()), redisnode.ErrNotReplica)

	require.NoError(t, node.Start(context.Background()))
	require.NoError(t, node.Start(context.Background()), "second Start is a no-op")

	require.NoError(t, node.Close())
	require.NoError(t, node.Close(), "second Close is a no-op")

	assert.ErrorIs(t, node.Start(context.Background()), redisnode.ErrClosed)
}

func TestWaitForSyncBeforeStart(t *testing.T) {
	node, err := redisnode.New(redisnode.WithReplicaOf("127.0.0.1:6379"))
	require.NoError(t, err)
	defer node.Close()

	assert.ErrorIs(t, node.WaitForSync(context.Background()), redisnode.ErrNotStarted)
}

type testMetrics struct {
	mu       sync.Mutex
	commands map[string]int
	syncs    int
	keys     []int64
	replicas []int64
	errors   []string
	bytes    int64
}

func (m *testMetrics) RecordSyncDuration(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs++
}

func (m *testMetrics) RecordCommandProcessed(cmd string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commands == nil {
		m.commands = make(map[string]int)
	}
	m.commands[cmd]++
}

func (m *testMetrics) RecordNetworkBytes(bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytes += bytes
}

func (m *testMetrics) RecordKeyCount(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, count)
}

func (m *testMetrics) RecordReplicaCount(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replicas = append(m.replicas, count)
}

func (m *testMetrics) RecordError(errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, errorType)
}

func TestNodeMetrics(t *testing.T) {
	masterMetrics := &testMetrics{}
	replicaMetrics := &testMetrics{}

	master := startNode(t, redisnode.WithMetrics(masterMetrics))
	replica := startNode(t, redisnode.WithReplicaOf(master.Addr()), redisnode.WithMetrics(replicaMetrics))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, replica.WaitForSync(ctx))

	require.NoError(t, newClient(t, master.Addr()).Set(ctx, "k", "v", 0).Err())
	waitForKey(t, replica.Storage(), "k", "v")

	require.NoError(t, replica.Close())
	require.NoError(t, master.Close())

	masterMetrics.mu.Lock()
	assert.Equal(t, 1, masterMetrics.commands["set"])
	assert.Contains(t, masterMetrics.replicas, int64(1))
	masterMetrics.mu.Unlock()

	replicaMetrics.mu.Lock()
	assert.Equal(t, 1, replicaMetrics.syncs)
	assert.Equal(t, 1, replicaMetrics.commands["set"])
	assert.Equal(t, []int64{0}, replicaMetrics.keys)
	assert.Positive(t, replicaMetrics.bytes)
	replicaMetrics.mu.Unlock()
}

// slowMaster accepts one replica and answers its PING at once. It reports
// the port the replica announces with REPLCONF listening-port, then holds
// the remaining handshake replies until release is closed.
func slowMaster(t *testing.T, release <-chan struct{}) (string, <-chan int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	announced := make(chan int, 1)
	go func() {
		netConn, err := ln.Accept()
		if err != nil {
			return
		}
		defer netConn.Close()
		conn := protocol.NewConn(netConn)

		if _, err := conn.ReadFrame(); err != nil {
			return
		}
		conn.WriteFrame(protocol.Status("PONG"))

		frame, err := conn.ReadFrame()
		if err != nil {
			return
		}
		args := protocol.Args(frame)
		if len(args) == 3 {
			port, _ := strconv.Atoi(args[2])
			announced <- port
		}

		<-release

		conn.WriteFrame(protocol.Status("OK"))
		if _, err := conn.ReadFrame(); err != nil {
			return
		}
		conn.WriteFrame(protocol.Status("OK"))
		if _, err := conn.ReadFrame(); err != nil {
			return
		}
		conn.WriteFrame(
			protocol.Status("FULLRESYNC 8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb 0"),
			protocol.RawBytes(replication.EmptySnapshot()),
		)

		// Hold the stream open until the test ends
		for {
			if _, err := conn.ReadFrame(); err != nil {
				return
			}
		}
	}()

	return ln.Addr().String(), announced
}

func TestReplicaServesOnlyAfterSync(t *testing.T) {
	release := make(chan struct{})
	masterAddr, announced := slowMaster(t, release)

	node, err := redisnode.New(
		redisnode.WithAddr("127.0.0.1:0"),
		redisnode.WithReplicaOf(masterAddr),
		redisnode.WithLogger(quietLogger()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Close() })

	started := make(chan error, 1)
	go func() { started <- node.Start(context.Background()) }()

	var port int
	select {
	case port = <-announced:
	case <-time.After(5 * time.Second):
		t.Fatal("replica never announced its port")
	}

	// The socket is bound but nobody answers while the handshake is pending
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("*1\r\n$4\r\nPING\r\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	n, err := conn.Read(make([]byte, 16))
	assert.Zero(t, n)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())

	select {
	case err := <-started:
		t.Fatalf("Start returned before the handshake finished: %v", err)
	default:
	}

	close(release)

	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after the handshake")
	}
	assert.True(t, node.SyncStatus().InitialSyncCompleted)

	// The waiting connection is served now
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	reply := make([]byte, len("+PONG\r\n"))
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, "+PONG\r\n", string(reply))
}

func TestSyncTimeoutFallsBackToServing(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	masterAddr, _ := slowMaster(t, release)

	node := startNode(t,
		redisnode.WithReplicaOf(masterAddr),
		redisnode.WithSyncTimeout(100*time.Millisecond),
	)

	err := node.WaitForSync(context.Background())
	var syncErr *redisnode.SyncError
	require.True(t, errors.As(err, &syncErr), "got %v", err)
	assert.Equal(t, "handshake", syncErr.Phase)

	pong, err := newClient(t, node.Addr()).Ping(context.Background()).Result()
	require.NoError(t, err)
	assert.Equal(t, "PONG", pong)
}

func TestUnknownCommandsShareOneMetricSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := metrics.NewCollector(reg)
	require.NoError(t, err)

	node := startNode(t, redisnode.WithMetrics(collector))

	conn, err := net.Dial("tcp", node.Addr())
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 200; i++ {
		name := "junk-" + strconv.Itoa(i)
		_, err := conn.Write([]byte("*1\r\n$" + strconv.Itoa(len(name)) + "\r\n" + name + "\r\n"))
		require.NoError(t, err)
	}
	_, err = conn.Write([]byte("*1\r\n$4\r\nPING\r\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	reply := make([]byte, len("+PONG\r\n"))
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, "+PONG\r\n", string(reply))

	require.NoError(t, node.Close())

	count, err := testutil.GatherAndCount(reg, "redis_node_commands_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series for ping, one shared by every unknown command")

	count, err = testutil.GatherAndCount(reg, "redis_node_command_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
