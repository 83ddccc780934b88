// Package httpserver provides a minimal REST surface over the broker:
// health, publish, queue stats and lifecycle, dead-letter inspection, the
// push-dispatcher delivery callback, and metrics in both JSON and
// Prometheus exposition form.
//
// Example:
//
//	b := broker.New(cfg, broker.Options{Metrics: reg})
//	s := httpserver.New(b, reg)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8265")
package httpserver
