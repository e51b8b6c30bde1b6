// Package metrics exposes MQTT client activity as Prometheus metrics.
//
// Collector implements mqtt.Observer and registers its collectors on a
// caller supplied registry. Server serves that registry on /metrics next to
// a /healthz probe backed by the client's HealthCheck.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	collector := metrics.NewCollector(reg)
//	client := mqtt.NewClient(mqtt.Options{Observer: collector, ...}, dispatcher)
//
//	srv := metrics.NewServer(cfg.Metrics, reg, client.HealthCheck, logger)
//	go srv.Run(ctx)
package metrics
