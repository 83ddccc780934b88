// Package broker holds the queue registry. A Broker creates and destroys
// named queues, lazily builds one shared backend connection per transport
// kind and reuses it across all queues of that kind, and aggregates health,
// metrics, and bulk operations across the registry.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/herald/internal/metrics"
	"github.com/rzbill/herald/internal/queue"
	"github.com/rzbill/herald/internal/queue/durable"
	"github.com/rzbill/herald/internal/queue/durable/redisclient"
	"github.com/rzbill/herald/internal/queue/durable/restclient"
	"github.com/rzbill/herald/internal/queue/embedded"
	"github.com/rzbill/herald/internal/queue/memory"
	"github.com/rzbill/herald/internal/queue/push"
	pebblestore "github.com/rzbill/herald/internal/storage/pebble"
	logpkg "github.com/rzbill/herald/pkg/log"
)

// Config carries the connection settings for every transport the broker may
// be asked to build, plus the default transport for GetOrCreateQueue.
type Config struct {
	// DefaultTransport is used when a caller asks for a queue without naming
	// a transport.
	DefaultTransport queue.Transport

	Redis  redisclient.Config
	KVRest restclient.Config
	Push   push.Config
	// DataDir backs the embedded transport.
	DataDir string
}

// Options carries cross-cutting dependencies.
type Options struct {
	Logger  logpkg.Logger
	Metrics *metrics.Registry
}

// Health is the broker's aggregate health report.
type Health struct {
	Status     string            `json:"status"` // healthy | degraded | unhealthy
	Queues     int               `json:"queues"`
	Transports map[string]string `json:"transports"`
}

// Metrics is the broker's aggregate metrics report.
type Metrics struct {
	Queues       int           `json:"queues"`
	Totals       queue.Stats   `json:"totals"`
	PerQueue     []queue.Stats `json:"perQueue"`
	BackendRTT   time.Duration `json:"backendRtt"`
	RTTTransport string        `json:"rttTransport,omitempty"`
}

// Broker is the queue registry.
type Broker struct {
	cfg    Config
	logger logpkg.Logger
	reg    *metrics.Registry

	mu     sync.Mutex
	queues map[string]queue.Queue

	// Shared connection handles, built lazily on first use and reused by
	// every queue of the same transport.
	redis  *redisclient.Client
	rest   *restclient.Client
	store  *pebblestore.Store
	closed bool
}

// New creates an empty broker. No connections are opened until a queue
// needs them.
func New(cfg Config, opts Options) *Broker {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	if cfg.DefaultTransport == "" {
		cfg.DefaultTransport = queue.TransportMemory
	}
	return &Broker{
		cfg:    cfg,
		logger: logger.With(logpkg.Component("broker")),
		reg:    opts.Metrics,
		queues: make(map[string]queue.Queue),
	}
}

// Connect eagerly establishes the shared connection for the default
// transport, so a misconfigured backend fails at startup rather than on
// first publish.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.cfg.DefaultTransport {
	case queue.TransportRedis:
		_, err := b.redisClientLocked(ctx)
		return err
	case queue.TransportKVRest:
		_, err := b.restClientLocked(ctx)
		return err
	case queue.TransportEmbedded:
		_, err := b.storeLocked()
		return err
	default:
		return nil
	}
}

// CreateQueue instantiates the backend named by cfg.Type, reusing the
// shared connection for that transport.
func (b *Broker) CreateQueue(ctx context.Context, cfg queue.Config) (queue.Queue, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, queue.NewOpError("create", cfg.Name, queue.ErrQueueClosed)
	}
	if existing, ok := b.queues[cfg.Name]; ok {
		if existing.Transport() != cfg.Type {
			return nil, queue.NewOpError("create", cfg.Name,
				fmt.Errorf("broker: queue exists with transport %s", existing.Transport()))
		}
		return existing, nil
	}

	q, err := b.buildLocked(ctx, cfg)
	if err != nil {
		return nil, err
	}
	b.queues[cfg.Name] = q
	b.logger.Info("queue created",
		logpkg.Str("queue", cfg.Name),
		logpkg.Str("transport", string(cfg.Type)))
	return q, nil
}

func (b *Broker) buildLocked(ctx context.Context, cfg queue.Config) (queue.Queue, error) {
	qm := b.reg.Queue(cfg.Name)
	switch cfg.Type {
	case queue.TransportMemory:
		return memory.New(cfg, memory.Options{Logger: b.logger, Metrics: qm})
	case queue.TransportRedis:
		client, err := b.redisClientLocked(ctx)
		if err != nil {
			return nil, err
		}
		return durable.New(cfg, durable.Options{Client: client, Logger: b.logger, Metrics: qm})
	case queue.TransportKVRest:
		client, err := b.restClientLocked(ctx)
		if err != nil {
			return nil, err
		}
		return durable.New(cfg, durable.Options{Client: client, Logger: b.logger, Metrics: qm})
	case queue.TransportPush:
		return push.New(ctx, cfg, push.Options{Dispatcher: b.cfg.Push, Logger: b.logger, Metrics: qm})
	case queue.TransportEmbedded:
		store, err := b.storeLocked()
		if err != nil {
			return nil, err
		}
		return embedded.New(cfg, embedded.Options{Store: store, Logger: b.logger, Metrics: qm})
	default:
		return nil, queue.NewOpError("create", cfg.Name,
			fmt.Errorf("broker: unknown transport %q", cfg.Type))
	}
}

func (b *Broker) redisClientLocked(ctx context.Context) (*redisclient.Client, error) {
	if b.redis != nil {
		return b.redis, nil
	}
	client, err := redisclient.New(ctx, b.cfg.Redis)
	if err != nil {
		return nil, err
	}
	b.redis = client
	return client, nil
}

func (b *Broker) restClientLocked(ctx context.Context) (*restclient.Client, error) {
	if b.rest != nil {
		return b.rest, nil
	}
	client, err := restclient.New(ctx, b.cfg.KVRest)
	if err != nil {
		return nil, err
	}
	b.rest = client
	return client, nil
}

func (b *Broker) storeLocked() (*pebblestore.Store, error) {
	if b.store != nil {
		return b.store, nil
	}
	var hook pebblestore.MetricsHook
	if b.reg != nil {
		hook = b.reg.Storage()
	}
	store, err := pebblestore.Open(pebblestore.Options{
		DataDir: b.cfg.DataDir,
		Fsync:   pebblestore.FsyncModeInterval,
		Metrics: hook,
	})
	if err != nil {
		return nil, &queue.ConnectionError{Transport: queue.TransportEmbedded, Addr: b.cfg.DataDir, Err: err}
	}
	b.store = store
	return store, nil
}

// GetOrCreateQueue is the standard producer entrypoint: it returns an
// existing queue or creates one with defaults on the given transport (the
// broker default when t is empty).
func (b *Broker) GetOrCreateQueue(ctx context.Context, name string, t queue.Transport) (queue.Queue, error) {
	if t == "" {
		t = b.cfg.DefaultTransport
	}
	b.mu.Lock()
	if q, ok := b.queues[name]; ok {
		b.mu.Unlock()
		return q, nil
	}
	b.mu.Unlock()
	return b.CreateQueue(ctx, queue.DefaultConfig(name, t))
}

// GetQueue returns a registered queue, or nil.
func (b *Broker) GetQueue(name string) queue.Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queues[name]
}

// RemoveQueue closes and deregisters one queue.
func (b *Broker) RemoveQueue(ctx context.Context, name string) error {
	b.mu.Lock()
	q, ok := b.queues[name]
	delete(b.queues, name)
	b.mu.Unlock()
	if !ok {
		return queue.NewOpError("remove", name, fmt.Errorf("broker: queue %q not registered", name))
	}
	return q.Close(ctx)
}

// Queues returns a snapshot of the registered queues.
func (b *Broker) Queues() []queue.Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]queue.Queue, 0, len(b.queues))
	for _, q := range b.queues {
		out = append(out, q)
	}
	return out
}

// AllQueueStats returns one stats entry per registered queue.
func (b *Broker) AllQueueStats(ctx context.Context) ([]queue.Stats, error) {
	var out []queue.Stats
	for _, q := range b.Queues() {
		s, err := q.Stats(ctx)
		if err != nil {
			b.logger.Warn("stats failed", logpkg.Str("queue", q.Name()), logpkg.Err(err))
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// GetHealth reports healthy when every shared backend answers and queues
// exist, degraded when a backend is down or the registry is empty, and
// unhealthy when every transport in use is unreachable.
func (b *Broker) GetHealth(ctx context.Context) Health {
	b.mu.Lock()
	redis := b.redis
	rest := b.rest
	store := b.store
	queues := len(b.queues)
	b.mu.Unlock()

	transports := map[string]string{}
	reachable, unreachable := 0, 0
	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			transports[name] = "unreachable"
			unreachable++
			return
		}
		transports[name] = "ok"
		reachable++
	}
	if redis != nil {
		check(string(queue.TransportRedis), func() error {
			_, err := redis.Do(ctx, "PING")
			return err
		})
	}
	if rest != nil {
		check(string(queue.TransportKVRest), func() error {
			_, err := rest.Do(ctx, "PING")
			return err
		})
	}
	if store != nil {
		transports[string(queue.TransportEmbedded)] = "ok"
		reachable++
	}

	h := Health{Queues: queues, Transports: transports}
	switch {
	case unreachable > 0 && reachable == 0:
		h.Status = "unhealthy"
	case unreachable > 0 || queues == 0:
		h.Status = "degraded"
	default:
		h.Status = "healthy"
	}
	return h
}

// GetMetrics aggregates queue counts, summed counters, and the backend
// round-trip latency of the shared connection.
func (b *Broker) GetMetrics(ctx context.Context) (Metrics, error) {
	per, err := b.AllQueueStats(ctx)
	if err != nil {
		return Metrics{}, err
	}
	m := Metrics{Queues: len(per), PerQueue: per}
	for _, s := range per {
		m.Totals.Total += s.Total
		m.Totals.Pending += s.Pending
		m.Totals.Processing += s.Processing
		m.Totals.Completed += s.Completed
		m.Totals.Failed += s.Failed
		m.Totals.DeadLetter += s.DeadLetter
	}

	b.mu.Lock()
	redis := b.redis
	rest := b.rest
	b.mu.Unlock()
	if redis != nil {
		start := time.Now()
		if _, err := redis.Do(ctx, "PING"); err == nil {
			m.BackendRTT = time.Since(start)
			m.RTTTransport = string(queue.TransportRedis)
		}
	} else if rest != nil {
		start := time.Now()
		if _, err := rest.Do(ctx, "PING"); err == nil {
			m.BackendRTT = time.Since(start)
			m.RTTTransport = string(queue.TransportKVRest)
		}
	}
	return m, nil
}

// PurgeAllQueues purges every queue. Best-effort: one failure is logged and
// does not abort the rest.
func (b *Broker) PurgeAllQueues(ctx context.Context) {
	for _, q := range b.Queues() {
		if err := q.Purge(ctx); err != nil {
			b.logger.Warn("purge failed", logpkg.Str("queue", q.Name()), logpkg.Err(err))
		}
	}
}

// PauseAllQueues pauses every queue's drain loop.
func (b *Broker) PauseAllQueues() {
	for _, q := range b.Queues() {
		q.Pause()
	}
}

// ResumeAllQueues resumes every queue's drain loop.
func (b *Broker) ResumeAllQueues() {
	for _, q := range b.Queues() {
		q.Resume()
	}
}

// Disconnect closes every queue, then releases the shared connections.
// Queues stop their drain loops before the connections go away, so a
// late-firing tick can never observe a closed client.
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	queues := b.queues
	b.queues = make(map[string]queue.Queue)
	redis := b.redis
	rest := b.rest
	store := b.store
	b.redis, b.rest, b.store = nil, nil, nil
	b.mu.Unlock()

	var firstErr error
	for name, q := range queues {
		if err := q.Close(ctx); err != nil {
			b.logger.Warn("queue close failed", logpkg.Str("queue", name), logpkg.Err(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if redis != nil {
		if err := redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rest != nil {
		if err := rest.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if store != nil {
		if err := store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Destroy tears the broker down: disconnect everything and refuse further
// queue creation.
func (b *Broker) Destroy(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.Disconnect(ctx)
}
