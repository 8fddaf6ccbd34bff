package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "redis_node"

// Collector records node metrics in Prometheus form. It satisfies the
// MetricsCollector interfaces of the node, server and replication packages.
type Collector struct {
	commands     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	errors       *prometheus.CounterVec
	networkBytes prometheus.Counter
	syncDuration prometheus.Histogram
	keys         prometheus.Gauge
	replicas     prometheus.Gauge
}

// NewCollector creates a collector and registers its metrics with reg
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands processed, by command name.",
		}, []string{"command"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time spent executing commands, by command name.",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		}, []string{"command"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors, by type.",
		}, []string{"type"}),
		networkBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replication_bytes_total",
			Help:      "Bytes received from the master.",
		}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of full synchronizations with the master.",
			Buckets:   prometheus.DefBuckets,
		}),
		keys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "keys",
			Help:      "Keys held after the last full synchronization.",
		}),
		replicas: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_replicas",
			Help:      "Replica streams currently attached.",
		}),
	}

	for _, m := range []prometheus.Collector{
		c.commands, c.duration, c.errors, c.networkBytes, c.syncDuration, c.keys, c.replicas,
	} {
		if err := reg.Register(m); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return c, nil
}

// RecordSyncDuration records the time taken by a full synchronization
func (c *Collector) RecordSyncDuration(duration time.Duration) {
	c.syncDuration.Observe(duration.Seconds())
}

// RecordCommandProcessed records a processed command with its duration
func (c *Collector) RecordCommandProcessed(cmd string, duration time.Duration) {
	c.commands.WithLabelValues(cmd).Inc()
	c.duration.WithLabelValues(cmd).Observe(duration.Seconds())
}

// RecordNetworkBytes records replication bytes received
func (c *Collector) RecordNetworkBytes(bytes int64) {
	if bytes > 0 {
		c.networkBytes.Add(float64(bytes))
	}
}

// RecordKeyCount records the current number of keys
func (c *Collector) RecordKeyCount(count int64) {
	c.keys.Set(float64(count))
}

// RecordReplicaCount records the number of attached replica streams
func (c *Collector) RecordReplicaCount(count int64) {
	c.replicas.Set(float64(count))
}

// RecordError records an error event
func (c *Collector) RecordError(errorType string) {
	c.errors.WithLabelValues(errorType).Inc()
}

// Handler serves the metrics gathered by g in the text exposition format
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
