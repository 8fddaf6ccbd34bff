package replication

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/command"
	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

// Logger interface for replication logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// MetricsCollector interface for replication metrics
type MetricsCollector interface {
	RecordSyncDuration(duration time.Duration)
	RecordCommandProcessed(cmd string, duration time.Duration)
	RecordNetworkBytes(bytes int64)
	RecordError(errorType string)
}

// SyncError represents a synchronization error with the phase it failed in
type SyncError struct {
	Phase string // "connect", "handshake", "snapshot", "stream"
	Err   error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	return fmt.Sprintf("sync error in phase %s: %v", e.Phase, e.Err)
}

// Unwrap returns the wrapped error
func (e *SyncError) Unwrap() error {
	return e.Err
}

// SyncStatus is a point-in-time view of the replica side of replication
type SyncStatus struct {
	Connected            bool
	InitialSyncCompleted bool
	MasterAddr           string
	MasterReplID         string
	ReplicationOffset    int64
	SnapshotBytes        int64
	KeysLoaded           int64
	CommandsProcessed    int64
	BytesReceived        int64
	LastSyncTime         time.Time
}

// Client is the replica side of replication. It connects to a master, runs
// the handshake, loads the snapshot that follows FULLRESYNC, and then
// applies every streamed write to the local store.
type Client struct {
	masterAddr string
	listenPort int
	storage    storage.Storage
	state      *State
	feed       *Broadcaster

	mu   sync.Mutex
	conn *protocol.Conn

	statusMu sync.RWMutex
	status   SyncStatus

	logger         Logger
	metrics        MetricsCollector
	connectTimeout time.Duration
}

// NewClient creates a replication client for masterAddr. listenPort is the
// port this node serves clients on, announced to the master during the
// handshake.
func NewClient(masterAddr string, listenPort int, stor storage.Storage) *Client {
	return &Client{
		masterAddr:     masterAddr,
		listenPort:     listenPort,
		storage:        stor,
		status:         SyncStatus{MasterAddr: masterAddr},
		logger:         nopLogger{},
		connectTimeout: 5 * time.Second,
	}
}

// SetLogger sets the logger
func (c *Client) SetLogger(logger Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// SetMetrics sets the metrics collector
func (c *Client) SetMetrics(metrics MetricsCollector) {
	c.metrics = metrics
}

// SetConnectTimeout sets the dial timeout
func (c *Client) SetConnectTimeout(timeout time.Duration) {
	c.connectTimeout = timeout
}

// SetListenPort sets the port announced to the master with REPLCONF
// listening-port
func (c *Client) SetListenPort(port int) {
	c.listenPort = port
}

// SetState attaches the node's replication state so applied writes advance
// its offset
func (c *Client) SetState(state *State) {
	c.state = state
}

// SetBroadcaster makes the client re-publish every applied write, so
// replicas of this node receive them too
func (c *Client) SetBroadcaster(feed *Broadcaster) {
	c.feed = feed
}

// Status returns the current synchronization status
func (c *Client) Status() SyncStatus {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// Run synchronizes and then streams until ctx is done or the connection
// fails
func (c *Client) Run(ctx context.Context) error {
	if err := c.Sync(ctx); err != nil {
		return err
	}
	return c.Stream(ctx)
}

// Sync dials the master, performs the handshake and loads the snapshot.
// It does not retry.
func (c *Client) Sync(ctx context.Context) error {
	start := time.Now()
	c.logger.Info("Connecting to master", "addr", c.masterAddr)

	dialer := &net.Dialer{Timeout: c.connectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", c.masterAddr)
	if err != nil {
		c.recordMetricError("connect")
		return &SyncError{Phase: "connect", Err: err}
	}

	conn := protocol.NewConn(netConn)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.updateStatus(func(s *SyncStatus) { s.Connected = true })

	// Unblock the handshake reads if ctx ends first
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	reply, err := Handshake(conn, c.listenPort)
	if err != nil {
		c.recordMetricError("handshake")
		c.disconnect()
		return &SyncError{Phase: "handshake", Err: err}
	}
	c.logger.Debug("Handshake completed", "reply", reply.String())

	replID, offset, ok := parseFullResync(reply)
	if !ok {
		// No snapshot follows anything but FULLRESYNC
		c.logger.Info("Master did not start a full resync", "reply", reply.String())
		return nil
	}

	if c.state != nil {
		c.state.SetOffset(offset)
	}
	c.updateStatus(func(s *SyncStatus) {
		s.MasterReplID = replID
		s.ReplicationOffset = offset
	})

	raw, err := conn.ReadSnapshot()
	if err != nil {
		c.recordMetricError("snapshot")
		c.disconnect()
		return &SyncError{Phase: "snapshot", Err: err}
	}
	c.recordNetworkBytes(int64(len(raw)))

	loaded, err := c.loadSnapshot(raw)
	if err != nil {
		// The stream that follows is still framed correctly, so keep going
		c.logger.Error("Snapshot could not be parsed", "error", err, "size", len(raw))
		c.recordMetricError("snapshot")
	}

	duration := time.Since(start)
	if c.metrics != nil {
		c.metrics.RecordSyncDuration(duration)
	}
	c.updateStatus(func(s *SyncStatus) {
		s.InitialSyncCompleted = true
		s.SnapshotBytes = int64(len(raw))
		s.KeysLoaded = loaded
		s.LastSyncTime = time.Now()
	})

	c.logger.Info("Initial synchronization completed",
		"duration", duration, "snapshot_bytes", len(raw), "keys", loaded)
	return nil
}

// Stream applies commands sent by the master until ctx is done or the
// connection fails. Sync must have succeeded first.
func (c *Client) Stream(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return &SyncError{Phase: "stream", Err: net.ErrClosed}
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer c.disconnect()

	c.logger.Debug("Starting command streaming")
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.recordMetricError("stream")
			return &SyncError{Phase: "stream", Err: err}
		}

		if err := c.processFrame(conn, frame); err != nil {
			c.recordMetricError("stream")
			return &SyncError{Phase: "stream", Err: err}
		}
	}
}

// Close drops the connection to the master
func (c *Client) Close() error {
	c.disconnect()
	return nil
}

// processFrame applies one streamed frame and advances the offset by its
// encoded size
func (c *Client) processFrame(conn *protocol.Conn, frame protocol.Frame) error {
	size := int64(len(protocol.Encode(frame)))
	c.recordNetworkBytes(size)
	start := time.Now()

	cmd, err := command.Parse(frame)
	if err != nil {
		c.logger.Debug("Skipping invalid replicated command", "error", err)
		c.advance(size)
		return nil
	}

	switch cmd := cmd.(type) {
	case command.Set:
		if err := c.storage.Set(cmd.Key, []byte(cmd.Value), cmd.ExpireAt); err != nil {
			return fmt.Errorf("apply set: %w", err)
		}
		if c.feed != nil {
			c.feed.Publish(cmd)
		}
	case command.Ping:
		// Master keepalive
	case command.ReplConf:
		if len(cmd.Options) > 0 && strings.EqualFold(cmd.Options[0], "getack") {
			// The ACK reports the offset before this GETACK
			ack := protocol.Array{"REPLCONF", "ACK", strconv.FormatInt(c.offset(), 10)}
			if err := conn.WriteFrame(ack); err != nil {
				return fmt.Errorf("write ack: %w", err)
			}
		}
	default:
		c.logger.Debug("Ignoring replicated command", "command", cmd.Name())
	}

	c.advance(size)
	if c.metrics != nil {
		c.metrics.RecordCommandProcessed(command.Label(cmd), time.Since(start))
	}
	c.updateStatus(func(s *SyncStatus) { s.CommandsProcessed++ })
	return nil
}

func (c *Client) loadSnapshot(raw []byte) (int64, error) {
	handler := &rdbStorageHandler{storage: c.storage, logger: c.logger}
	parser := NewRDBParser(bytes.NewReader(raw), handler)
	parser.SetLogger(c.logger)

	err := parser.Parse()
	if parser.Skipped() > 0 {
		c.logger.Info("Snapshot contained unsupported keys", "skipped", parser.Skipped())
	}
	return handler.loaded, err
}

func (c *Client) advance(n int64) {
	var offset int64
	if c.state != nil {
		offset = c.state.AddOffset(n)
	}
	c.updateStatus(func(s *SyncStatus) {
		if c.state != nil {
			s.ReplicationOffset = offset
		} else {
			s.ReplicationOffset += n
		}
	})
}

func (c *Client) offset() int64 {
	if c.state != nil {
		return c.state.Offset()
	}
	return c.Status().ReplicationOffset
}

func (c *Client) disconnect() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.updateStatus(func(s *SyncStatus) { s.Connected = false })
}

func (c *Client) updateStatus(fn func(*SyncStatus)) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	fn(&c.status)
}

func (c *Client) recordNetworkBytes(n int64) {
	c.updateStatus(func(s *SyncStatus) { s.BytesReceived += n })
	if c.metrics != nil {
		c.metrics.RecordNetworkBytes(n)
	}
}

func (c *Client) recordMetricError(errorType string) {
	if c.metrics != nil {
		c.metrics.RecordError(errorType)
	}
}

// parseFullResync extracts the replication ID and offset from a
// "+FULLRESYNC <replid> <offset>" reply
func parseFullResync(reply protocol.Frame) (string, int64, bool) {
	status, ok := reply.(protocol.SimpleStatus)
	if !ok {
		return "", 0, false
	}

	parts := strings.Fields(status.Text)
	if len(parts) != 3 || parts[0] != "FULLRESYNC" {
		return "", 0, false
	}

	offset, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[1], offset, true
}

// rdbStorageHandler loads database 0 of a snapshot into a store
type rdbStorageHandler struct {
	storage   storage.Storage
	logger    Logger
	currentDB int
	loaded    int64
}

func (h *rdbStorageHandler) OnDatabase(index int) error {
	h.currentDB = index
	if index != 0 {
		h.logger.Info("Ignoring keys outside database 0", "db", index)
	}
	return nil
}

func (h *rdbStorageHandler) OnKey(key, value []byte, expiry *time.Time) error {
	if h.currentDB != 0 {
		return nil
	}
	if err := h.storage.Set(string(key), value, expiry); err != nil {
		return err
	}
	h.loaded++
	return nil
}

func (h *rdbStorageHandler) OnAux(key, value []byte) error {
	h.logger.Debug("RDB aux field", "key", string(key), "value", string(value))
	return nil
}

func (h *rdbStorageHandler) OnEnd() error {
	return nil
}

// nopLogger discards everything
type nopLogger struct{}

func (nopLogger) Debug(msg string, fields ...interface{}) {}
func (nopLogger) Info(msg string, fields ...interface{})  {}
func (nopLogger) Error(msg string, fields ...interface{}) {}
