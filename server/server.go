package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/command"
	"github.com/raniellyferreira/redis-inmemory-node/lua"
	"github.com/raniellyferreira/redis-inmemory-node/protocol"
	"github.com/raniellyferreira/redis-inmemory-node/replication"
	"github.com/raniellyferreira/redis-inmemory-node/storage"
)

// ServerVersion is the Redis version reported to clients
const ServerVersion = "7.2.0"

// Logger interface for server logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// MetricsCollector interface for server metrics
type MetricsCollector interface {
	RecordCommandProcessed(cmd string, duration time.Duration)
	RecordReplicaCount(count int64)
	RecordError(errorType string)
}

// Env is the process-wide context every connection works against
type Env struct {
	Store storage.Storage
	State *replication.State
	Feed  *replication.Broadcaster

	// Scripting enables EVAL, EVALSHA and SCRIPT
	Scripting bool
	// ScriptTimeout bounds one script run; zero uses lua.DefaultTimeout
	ScriptTimeout time.Duration

	Logger  Logger
	Metrics MetricsCollector
}

// Server accepts client connections and dispatches their commands
type Server struct {
	env     Env
	scripts *lua.Engine
	logger  Logger

	addr string

	// Connection management
	listener net.Listener
	clients  sync.Map // map[net.Conn]*Client

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	connCount    int64
	commandCount int64
	errorCount   int64
	mu           sync.RWMutex
}

// NewServer creates a server for addr. Missing parts of env get defaults:
// a memory store, master state, and a broadcaster with the default backlog.
func NewServer(addr string, env Env) *Server {
	if env.Store == nil {
		env.Store = storage.NewMemory()
	}
	if env.State == nil {
		env.State = replication.NewState("")
	}
	if env.Feed == nil {
		env.Feed = replication.NewBroadcaster(replication.DefaultBacklog)
	}
	if env.Logger == nil {
		env.Logger = nopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		env:    env,
		logger: env.Logger,
		addr:   addr,
		ctx:    ctx,
		cancel: cancel,
	}
	if env.Scripting {
		s.scripts = lua.NewEngine(s.apply)
		s.scripts.SetTimeout(env.ScriptTimeout)
	}
	return s
}

// Start starts listening and accepting connections
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.Serve()
	return nil
}

// Listen binds the listening socket without accepting connections. Clients
// that connect before Serve wait in the accept backlog.
func (s *Server) Listen() error {
	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.logger.Info("server listening", "addr", s.listener.Addr().String(), "role", s.env.State.Role().String())
	return nil
}

// Serve starts accepting connections on the socket bound by Listen
func (s *Server) Serve() {
	s.wg.Add(1)
	go s.acceptConnections()
}

// Stop closes the listener and every connection, replica streams included
func (s *Server) Stop() error {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.clients.Range(func(key, value interface{}) bool {
		if client, ok := value.(*Client); ok {
			client.Close()
		}
		return true
	})

	s.wg.Wait()
	return nil
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stats returns server statistics
func (s *Server) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clientCount := 0
	s.clients.Range(func(key, value interface{}) bool {
		clientCount++
		return true
	})

	return map[string]interface{}{
		"connected_clients":  clientCount,
		"connected_replicas": s.env.State.ReplicaCount(),
		"total_commands":     s.commandCount,
		"total_errors":       s.errorCount,
		"total_connections":  s.connCount,
	}
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return // Server is shutting down
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.handleNewClient(conn)
	}
}

func (s *Server) handleNewClient(conn net.Conn) {
	s.mu.Lock()
	s.connCount++
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(s.ctx)
	client := &Client{
		conn:   protocol.NewConn(conn),
		server: s,
		ctx:    ctx,
		cancel: cancel,
	}

	s.clients.Store(conn, client)

	// A connection accepted while Stop runs still gets closed
	context.AfterFunc(ctx, client.Close)

	s.logger.Debug("client connected", "remote", client.conn.RemoteAddr())

	s.wg.Add(1)
	go client.handle()
}

// apply executes the commands whose reply depends only on the store and the
// replication state. It serves client connections and scripts alike, and
// returns nil when nothing should be written.
func (s *Server) apply(cmd command.Command) protocol.Frame {
	switch c := cmd.(type) {
	case command.Ping:
		return protocol.Status("PONG")
	case command.Echo:
		return protocol.BulkString(c.Message)
	case command.Get:
		value, exists := s.env.Store.Get(c.Key)
		if !exists {
			return protocol.NullBulk()
		}
		return protocol.BulkString(string(value))
	case command.Set:
		if err := s.env.Store.Set(c.Key, []byte(c.Value), c.ExpireAt); err != nil {
			s.logger.Error("store write failed", "key", c.Key, "error", err)
			s.recordError("store")
			return nil
		}
		s.propagate(c)
		return protocol.Status("OK")
	case command.Info:
		return protocol.BulkString(s.env.State.Info())
	case command.ReplConf:
		return protocol.Status("OK")
	case command.Hello:
		return s.hello()
	default:
		return nil
	}
}

// hello describes the server as a flat list of field/value pairs. The node
// speaks RESP2 only, whatever version the client asked for.
func (s *Server) hello() protocol.Array {
	role := "master"
	if s.env.State.Role() == replication.RoleReplica {
		role = "replica"
	}
	return protocol.Array{
		"server", "redis",
		"version", ServerVersion,
		"proto", "2",
		"mode", "standalone",
		"role", role,
	}
}

// propagate hands an applied write to the replica streams. On a master the
// replication offset advances by the encoded size of the command.
func (s *Server) propagate(cmd command.Command) {
	s.env.Feed.Publish(cmd)

	if s.env.State.Role() == replication.RoleMaster {
		size := len(protocol.Encode(protocol.Array(cmd.Args())))
		s.env.State.AddOffset(int64(size))
	}
}

func (s *Server) recordCommand(name string, duration time.Duration) {
	s.mu.Lock()
	s.commandCount++
	s.mu.Unlock()

	if s.env.Metrics != nil {
		s.env.Metrics.RecordCommandProcessed(name, duration)
	}
}

func (s *Server) recordError(errorType string) {
	s.mu.Lock()
	s.errorCount++
	s.mu.Unlock()

	if s.env.Metrics != nil {
		s.env.Metrics.RecordError(errorType)
	}
}

func (s *Server) recordReplicas(delta int64) {
	count := s.env.State.AddReplica(delta)
	if s.env.Metrics != nil {
		s.env.Metrics.RecordReplicaCount(count)
	}
}

// Client is one accepted connection
type Client struct {
	conn   *protocol.Conn
	server *Server

	// Control
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Close closes the client connection
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close()
		c.server.clients.Delete(c.conn.NetConn())
	})
}

// handle reads and executes requests until the connection fails or turns
// into a replica stream
func (c *Client) handle() {
	defer c.server.wg.Done()
	defer c.Close()

	for {
		frame, err := c.conn.ReadFrame()
		if err != nil {
			if c.ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.server.logger.Debug("connection read failed", "remote", c.conn.RemoteAddr(), "error", err)
				c.server.recordError("read")
			}
			return
		}

		cmd, err := command.Parse(frame)
		if err != nil {
			c.server.logger.Debug("command rejected", "remote", c.conn.RemoteAddr(), "error", err)
			c.server.recordError("command")
			continue
		}

		if !c.executeCommand(cmd) {
			return
		}
	}
}

// executeCommand runs one command and reports whether the request loop
// should go on
func (c *Client) executeCommand(cmd command.Command) bool {
	start := time.Now()
	defer func() {
		c.server.recordCommand(command.Label(cmd), time.Since(start))
	}()

	switch cmd := cmd.(type) {
	case command.Ping, command.Echo, command.Get, command.Set, command.Info, command.ReplConf, command.Hello:
		if reply := c.server.apply(cmd); reply != nil {
			return c.write(reply)
		}
		return true

	case command.Psync:
		if !cmd.FullResync() {
			c.server.logger.Debug("ignoring partial resync request", "replid", cmd.ReplID, "offset", cmd.Offset)
			return true
		}
		c.serveReplica()
		return false

	case command.Eval:
		if c.server.scripts == nil {
			return true
		}
		return c.writeScriptResult(c.server.scripts.Eval(cmd.Script, cmd.Keys, cmd.Argv))

	case command.EvalSHA:
		if c.server.scripts == nil {
			return true
		}
		return c.writeScriptResult(c.server.scripts.EvalSHA(cmd.SHA, cmd.Keys, cmd.Argv))

	case command.Script:
		if c.server.scripts == nil {
			return true
		}
		return c.handleScript(cmd)

	case command.Unrecognized:
		c.server.logger.Debug("unknown command", "remote", c.conn.RemoteAddr(), "name", cmd.Name())
		return true
	}

	return true
}

func (c *Client) handleScript(cmd command.Script) bool {
	engine := c.server.scripts

	switch cmd.Subcommand {
	case "load":
		if len(cmd.Argv) != 1 {
			return true
		}
		return c.write(protocol.BulkString(engine.LoadScript(cmd.Argv[0])))

	case "exists":
		results := engine.ScriptExists(cmd.Argv)
		reply := make(protocol.Array, len(results))
		for i, exists := range results {
			reply[i] = "0"
			if exists {
				reply[i] = "1"
			}
		}
		return c.write(reply)

	case "flush":
		engine.ScriptFlush()
		return c.write(protocol.Status("OK"))

	default:
		c.server.logger.Debug("unknown script subcommand", "subcommand", cmd.Subcommand)
		return true
	}
}

// writeScriptResult writes a script's reply. Failures are logged and
// answered with the null bulk.
func (c *Client) writeScriptResult(reply protocol.Frame, err error) bool {
	if err != nil {
		c.server.logger.Error("script failed", "remote", c.conn.RemoteAddr(), "error", err)
		c.server.recordError("script")
		return c.write(protocol.NullBulk())
	}
	return c.write(reply)
}

// write sends frames and reports whether the connection is still usable
func (c *Client) write(frames ...protocol.Frame) bool {
	if err := c.conn.WriteFrame(frames...); err != nil {
		if c.ctx.Err() == nil {
			c.server.logger.Debug("connection write failed", "remote", c.conn.RemoteAddr(), "error", err)
			c.server.recordError("write")
		}
		return false
	}
	return true
}

type nopLogger struct{}

func (nopLogger) Debug(msg string, fields ...interface{}) {}
func (nopLogger) Info(msg string, fields ...interface{})  {}
func (nopLogger) Error(msg string, fields ...interface{}) {}
