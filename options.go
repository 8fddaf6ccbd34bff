package redisnode

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/raniellyferreira/redis-inmemory-node/replication"
)

// DefaultPort is the port a node listens on when none is configured
const DefaultPort = 6379

// config holds the configuration for a Node
type config struct {
	// Listener
	addr string

	// Upstream master; empty means this node is a master
	replicaOf      string
	connectTimeout time.Duration
	syncTimeout    time.Duration

	// Replica streams served by this node
	replicaBacklog int

	// Storage
	storeShards int

	// Observability
	logger  Logger
	metrics MetricsCollector

	// Behavioral options
	scripting     bool
	scriptTimeout time.Duration
}

// defaultConfig returns a configuration with sensible defaults
func defaultConfig() *config {
	return &config{
		addr:           ":" + strconv.Itoa(DefaultPort),
		connectTimeout: 5 * time.Second,
		syncTimeout:    30 * time.Second,
		replicaBacklog: replication.DefaultBacklog,
		logger:         NewLogrusLogger(nil),
		scripting:      true,
	}
}

// Option represents a configuration option for a Node
type Option func(*config) error

// WithAddr sets the address the node listens on
//
// Example:
//
//	WithAddr("127.0.0.1:6380")
//	WithAddr(":0") // any free port
func WithAddr(addr string) Option {
	return func(c *config) error {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return &ConnectionError{Addr: addr, Err: ErrInvalidConfig}
		}
		c.addr = addr
		return nil
	}
}

// WithPort listens on every interface at port
//
// Example:
//
//	WithPort(6380)
func WithPort(port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return ErrInvalidConfig
		}
		c.addr = ":" + strconv.Itoa(port)
		return nil
	}
}

// WithReplicaOf makes the node a replica of the given master. Both
// "host:port" and the redis-server style "host port" are accepted.
//
// Example:
//
//	WithReplicaOf("localhost:6379")
//	WithReplicaOf("localhost 6379")
func WithReplicaOf(master string) Option {
	return func(c *config) error {
		addr, err := parseMasterAddr(master)
		if err != nil {
			return err
		}
		c.replicaOf = addr
		return nil
	}
}

// WithConnectTimeout sets the dial timeout for the master connection
//
// Example:
//
//	WithConnectTimeout(10 * time.Second)
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return ErrInvalidConfig
		}
		c.connectTimeout = timeout
		return nil
	}
}

// WithSyncTimeout bounds the initial synchronization with the master:
// handshake and snapshot transfer. Start does not serve clients until the
// synchronization ends or this timeout expires.
//
// Example:
//
//	WithSyncTimeout(time.Minute)
func WithSyncTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return ErrInvalidConfig
		}
		c.syncTimeout = timeout
		return nil
	}
}

// WithReplicaBacklog sets how many writes an attached replica may fall
// behind before it is disconnected
//
// Example:
//
//	WithReplicaBacklog(4096)
func WithReplicaBacklog(commands int) Option {
	return func(c *config) error {
		if commands <= 0 {
			return ErrInvalidConfig
		}
		c.replicaBacklog = commands
		return nil
	}
}

// WithStoreShards splits the key space over n independently locked shards.
// n is rounded up to a power of two. Without this option a single map
// behind one mutex is used.
//
// Example:
//
//	WithStoreShards(16)
func WithStoreShards(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return ErrInvalidConfig
		}
		c.storeShards = n
		return nil
	}
}

// WithLogger sets a custom logger
//
// Example:
//
//	WithLogger(redisnode.NewLogrusLogger(logrus.New()))
func WithLogger(logger Logger) Option {
	return func(c *config) error {
		if logger == nil {
			return ErrInvalidConfig
		}
		c.logger = logger
		return nil
	}
}

// WithMetrics sets a metrics collector
//
// Example:
//
//	collector, _ := metrics.NewCollector(prometheus.DefaultRegisterer)
//	WithMetrics(collector)
func WithMetrics(metrics MetricsCollector) Option {
	return func(c *config) error {
		c.metrics = metrics
		return nil
	}
}

// WithScripting enables or disables EVAL, EVALSHA and SCRIPT. Scripting is
// enabled by default.
func WithScripting(enabled bool) Option {
	return func(c *config) error {
		c.scripting = enabled
		return nil
	}
}

// WithScriptTimeout sets how long a single EVAL or EVALSHA may run before
// it is aborted
func WithScriptTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			return ErrInvalidConfig
		}
		c.scriptTimeout = timeout
		return nil
	}
}

// parseMasterAddr normalizes "host port" and "host:port" to host:port
func parseMasterAddr(master string) (string, error) {
	master = strings.TrimSpace(master)

	var host, port string
	if fields := strings.Fields(master); len(fields) == 2 {
		host, port = fields[0], fields[1]
	} else {
		var err error
		host, port, err = net.SplitHostPort(master)
		if err != nil {
			return "", &ConnectionError{Addr: master, Err: ErrInvalidConfig}
		}
	}

	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 || host == "" {
		return "", &ConnectionError{Addr: master, Err: ErrInvalidConfig}
	}
	return net.JoinHostPort(host, port), nil
}
