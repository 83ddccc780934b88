// Package metrics exposes Herald's Prometheus collectors. Queue backends
// report through a per-queue handle; the storage observer feeds Pebble
// read/write/commit latencies into the same registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns all Herald collectors. One Registry per process.
type Registry struct {
	reg *prometheus.Registry

	published    *prometheus.CounterVec
	completed    *prometheus.CounterVec
	attempts     *prometheus.CounterVec
	deadLettered *prometheus.CounterVec
	replayed     *prometheus.CounterVec
	processing   *prometheus.HistogramVec

	storageOps *prometheus.HistogramVec
}

// New creates a Registry with Herald's collectors plus the standard Go
// runtime collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_messages_published_total",
			Help: "Messages accepted into a queue.",
		}, []string{"queue"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_messages_completed_total",
			Help: "Messages processed successfully.",
		}, []string{"queue"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_processing_attempts_total",
			Help: "Handler invocations, including failed attempts that retried.",
		}, []string{"queue"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_messages_dead_lettered_total",
			Help: "Messages parked after exhausting retries.",
		}, []string{"queue"}),
		replayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_dead_letters_replayed_total",
			Help: "Dead-letter entries replayed back into the pending pool.",
		}, []string{"queue"}),
		processing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "herald_processing_seconds",
			Help:    "Handler processing time per attempt.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"queue"}),
		storageOps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "herald_storage_op_seconds",
			Help:    "Embedded store operation latency.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"op"}),
	}
	reg.MustRegister(
		r.published, r.completed, r.attempts, r.deadLettered, r.replayed,
		r.processing, r.storageOps,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Queue returns a per-queue reporting handle. A nil Registry yields a nil
// handle, which is safe to call.
func (r *Registry) Queue(name string) *QueueMetrics {
	if r == nil {
		return nil
	}
	return &QueueMetrics{
		published:    r.published.WithLabelValues(name),
		completed:    r.completed.WithLabelValues(name),
		attempts:     r.attempts.WithLabelValues(name),
		deadLettered: r.deadLettered.WithLabelValues(name),
		replayed:     r.replayed.WithLabelValues(name),
		processing:   r.processing.WithLabelValues(name),
	}
}

// QueueMetrics reports one queue's events. All methods are nil-safe so
// backends can carry a nil handle when metrics are disabled.
type QueueMetrics struct {
	published    prometheus.Counter
	completed    prometheus.Counter
	attempts     prometheus.Counter
	deadLettered prometheus.Counter
	replayed     prometheus.Counter
	processing   prometheus.Observer
}

// Published records n accepted messages.
func (q *QueueMetrics) Published(n int) {
	if q == nil {
		return
	}
	q.published.Add(float64(n))
}

// Attempt records one handler invocation and its duration.
func (q *QueueMetrics) Attempt(d time.Duration) {
	if q == nil {
		return
	}
	q.attempts.Inc()
	q.processing.Observe(d.Seconds())
}

// Completed records a successful processing outcome.
func (q *QueueMetrics) Completed() {
	if q == nil {
		return
	}
	q.completed.Inc()
}

// DeadLettered records a terminal failure.
func (q *QueueMetrics) DeadLettered() {
	if q == nil {
		return
	}
	q.deadLettered.Inc()
}

// Replayed records a dead-letter replay.
func (q *QueueMetrics) Replayed() {
	if q == nil {
		return
	}
	q.replayed.Inc()
}

// StorageObserver adapts the registry to the embedded store's metrics hook.
type StorageObserver struct {
	write  prometheus.Observer
	read   prometheus.Observer
	commit prometheus.Observer
}

// Storage returns an observer implementing pebblestore.MetricsHook.
func (r *Registry) Storage() *StorageObserver {
	return &StorageObserver{
		write:  r.storageOps.WithLabelValues("write"),
		read:   r.storageOps.WithLabelValues("read"),
		commit: r.storageOps.WithLabelValues("commit"),
	}
}

func (o *StorageObserver) ObserveWrite(elapsed time.Duration, _ int) {
	o.write.Observe(elapsed.Seconds())
}

func (o *StorageObserver) ObserveRead(elapsed time.Duration, _ int) {
	o.read.Observe(elapsed.Seconds())
}

func (o *StorageObserver) ObserveBatchCommit(elapsed time.Duration, _ int, _ int) {
	o.commit.Observe(elapsed.Seconds())
}
