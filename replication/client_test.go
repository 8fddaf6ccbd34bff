package replication

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

const testReplID = "8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb"

// fakeMaster accepts one replica, answers the handshake, sends snapshot and
// then hands the connection to the test
func fakeMaster(t *testing.T, snapshot []byte) (string, <-chan *protocol.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	ready := make(chan *protocol.Conn, 1)
	go func() {
		netConn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			<-done
			netConn.Close()
		}()

		conn := protocol.NewConn(netConn)
		replies := []protocol.Frame{
			protocol.Status("PONG"),
			protocol.Status("OK"),
			protocol.Status("OK"),
		}
		for _, reply := range replies {
			if _, err := conn.ReadFrame(); err != nil {
				return
			}
			conn.WriteFrame(reply)
		}

		if _, err := conn.ReadFrame(); err != nil {
			return
		}
		conn.WriteFrame(protocol.Status("FULLRESYNC "+testReplID+" 42"), protocol.RawBytes(snapshot))
		ready <- conn
	}()

	return ln.Addr().String(), ready
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestClientSyncAndStream(t *testing.T) {
	snapshot := newRDB().op(rdbTypeString).str("preloaded").str("yes").end()
	addr, ready := fakeMaster(t, snapshot)

	store := storage.NewMemory()
	state := NewState(addr)
	feed := NewBroadcaster(16)
	sub := feed.Subscribe()

	client := NewClient(addr, 6380, store)
	client.SetState(state)
	client.SetBroadcaster(feed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, client.Sync(ctx))

	status := client.Status()
	assert.True(t, status.InitialSyncCompleted)
	assert.Equal(t, testReplID, status.MasterReplID)
	assert.Equal(t, int64(1), status.KeysLoaded)
	assert.Equal(t, int64(len(snapshot)), status.SnapshotBytes)
	assert.Equal(t, int64(42), state.Offset())

	value, ok := store.Get("preloaded")
	require.True(t, ok)
	assert.Equal(t, "yes", string(value))

	streamErr := make(chan error, 1)
	go func() { streamErr <- client.Stream(ctx) }()

	master := <-ready
	setA := protocol.Array{"SET", "a", "1"}
	setB := protocol.Array{"SET", "b", "2"}
	require.NoError(t, master.WriteFrame(setA, setB))

	expected := int64(42 + len(protocol.Encode(setA)) + len(protocol.Encode(setB)))
	waitFor(t, func() bool { return state.Offset() == expected })

	value, _ = store.Get("a")
	assert.Equal(t, "1", string(value))
	value, _ = store.Get("b")
	assert.Equal(t, "2", string(value))

	// Applied writes are re-published in order
	first := <-sub.C()
	second := <-sub.C()
	assert.Equal(t, []string(setA), first.Args())
	assert.Equal(t, []string(setB), second.Args())

	// GETACK is answered with the offset preceding it
	require.NoError(t, master.WriteFrame(protocol.Array{"REPLCONF", "GETACK", "*"}))
	ack, err := master.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, protocol.Array{"REPLCONF", "ACK", strconv.FormatInt(expected, 10)}, ack)

	cancel()
	select {
	case err := <-streamErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
	assert.False(t, client.Status().Connected)
}

func TestClientAppliesExpiry(t *testing.T) {
	addr, ready := fakeMaster(t, EmptySnapshot())
	store := storage.NewMemory()
	client := NewClient(addr, 6380, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go client.Run(ctx)

	master := <-ready
	require.NoError(t, master.WriteFrame(protocol.Array{"SET", "short", "v", "PX", "30"}))

	waitFor(t, func() bool {
		_, ok := store.Get("short")
		return ok
	})
	waitFor(t, func() bool {
		_, ok := store.Get("short")
		return !ok
	})
}

func TestClientConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	client := NewClient(addr, 6380, storage.NewMemory())
	client.SetConnectTimeout(time.Second)

	err = client.Sync(context.Background())
	var syncErr *SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, "connect", syncErr.Phase)
}

func TestClientHandshakeFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	client := NewClient(ln.Addr().String(), 6380, storage.NewMemory())
	err = client.Sync(context.Background())

	var syncErr *SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, "handshake", syncErr.Phase)

	var hsErr *HandshakeError
	require.True(t, errors.As(err, &hsErr))
	assert.Equal(t, "ping", hsErr.Step)
}

func TestParseFullResync(t *testing.T) {
	id, offset, ok := parseFullResync(protocol.Status("FULLRESYNC " + testReplID + " 7"))
	require.True(t, ok)
	assert.Equal(t, testReplID, id)
	assert.Equal(t, int64(7), offset)

	_, _, ok = parseFullResync(protocol.Status("CONTINUE"))
	assert.False(t, ok)
	_, _, ok = parseFullResync(protocol.BulkString("FULLRESYNC x 1"))
	assert.False(t, ok)
}

func TestStreamWithoutSync(t *testing.T) {
	client := NewClient("127.0.0.1:1", 6380, storage.NewMemory())
	err := client.Stream(context.Background())
	assert.Error(t, err)
}

type commandMetrics struct {
	mu       sync.Mutex
	commands []string
}

func (m *commandMetrics) RecordSyncDuration(time.Duration) {}
func (m *commandMetrics) RecordNetworkBytes(int64)         {}
func (m *commandMetrics) RecordError(string)               {}

func (m *commandMetrics) RecordCommandProcessed(cmd string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, cmd)
}

func (m *commandMetrics) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

func TestClientCountsUnknownCommandsUnderOneLabel(t *testing.T) {
	addr, ready := fakeMaster(t, EmptySnapshot())
	metrics := &commandMetrics{}

	client := NewClient(addr, 6380, storage.NewMemory())
	client.SetMetrics(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	master := <-ready
	require.NoError(t, master.WriteFrame(
		protocol.Array{"FLUSHALL"},
		protocol.Array{"x-custom-1", "a"},
		protocol.Array{"SET", "k", "v"},
	))

	waitFor(t, func() bool { return len(metrics.recorded()) == 3 })
	assert.Equal(t, []string{"unknown", "unknown", "set"}, metrics.recorded())
}
