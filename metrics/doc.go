// Package metrics exposes node metrics through Prometheus.
//
//	reg := prometheus.NewRegistry()
//	collector, err := metrics.NewCollector(reg)
//	node, err := redisnode.New(redisnode.WithMetrics(collector))
//	http.Handle("/metrics", metrics.Handler(reg))
package metrics
