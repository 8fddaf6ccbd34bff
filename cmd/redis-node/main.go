// Command redis-node runs a Redis-compatible in-memory node, either as a
// master or as a replica of another master.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	redisnode "github.com/raniellyferreira/redis-inmemory-node"
	"github.com/raniellyferreira/redis-inmemory-node/metrics"
)

func main() {
	var port = flag.Int("port", redisnode.DefaultPort, "Port to listen on")
	var replicaOf = flag.String("replicaof", "", `Master to replicate, as "host port" or host:port`)
	var metricsAddr = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g., :9121)")
	var shards = flag.Int("shards", 0, "Split the key space over this many locked shards (0 for a single map)")
	var syncTimeout = flag.Duration("sync-timeout", 30*time.Second, "Give up the initial sync with the master after this long")
	var noScripting = flag.Bool("no-scripting", false, "Disable EVAL, EVALSHA and SCRIPT")
	var debug = flag.Bool("debug", false, "Enable debug logging")
	var showVersion = flag.Bool("version", false, "Print version and exit")

	flag.Parse()

	if *showVersion {
		fmt.Printf("redis-node %s\n", redisnode.Version)
		os.Exit(0)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	opts := []redisnode.Option{
		redisnode.WithPort(*port),
		redisnode.WithLogger(redisnode.NewLogrusLogger(log)),
		redisnode.WithScripting(!*noScripting),
	}
	if *replicaOf != "" {
		opts = append(opts, redisnode.WithReplicaOf(*replicaOf), redisnode.WithSyncTimeout(*syncTimeout))
	}
	if *shards > 0 {
		opts = append(opts, redisnode.WithStoreShards(*shards))
	}

	var metricsServer *http.Server
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		collector, err := metrics.NewCollector(reg)
		if err != nil {
			log.WithError(err).Fatal("Failed to register metrics")
		}
		opts = append(opts, redisnode.WithMetrics(collector))

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		metricsServer = &http.Server{
			Addr:              *metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	node, err := redisnode.New(opts...)
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start node")
	}

	if metricsServer != nil {
		go func() {
			log.WithField("addr", *metricsAddr).Info("Serving metrics")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	log.WithFields(logrus.Fields{
		"addr":    node.Addr(),
		"role":    node.Role().String(),
		"replid":  node.ReplicationID(),
		"version": redisnode.Version,
	}).Info("Node ready")

	<-ctx.Done()
	log.Info("Shutting down")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		cancel()
	}

	if err := node.Close(); err != nil {
		log.WithError(err).Error("Error closing node")
	}
}
