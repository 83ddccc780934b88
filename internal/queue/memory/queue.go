// Package memory implements the in-process reference queue backend. It
// keeps messages in maps guarded by one mutex and computes priority order at
// read time; there is no durability across restarts. It serves as the
// correctness reference and test double for the durable transports.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rzbill/herald/internal/message"
	"github.com/rzbill/herald/internal/metrics"
	"github.com/rzbill/herald/internal/queue"
	logpkg "github.com/rzbill/herald/pkg/log"
)

// Options carries the cross-cutting dependencies a queue needs.
type Options struct {
	Logger  logpkg.Logger
	Metrics *metrics.QueueMetrics
}

// Queue is the in-memory backend.
type Queue struct {
	cfg    queue.Config
	logger logpkg.Logger
	qm     *metrics.QueueMetrics

	mu      sync.Mutex
	msgs    map[string]*message.Message
	pending map[string]struct{}
	delayed map[string]time.Time // id -> ready time for retrying messages
	dead    map[string]queue.DeadLetterEntry
	deadSeq []string // insertion order; newest last
	seq     uint64
	closed  bool

	tracker    *queue.Tracker
	dispatcher *queue.Dispatcher
	drainer    *queue.Drainer
}

var _ queue.Queue = (*Queue)(nil)

// New creates and starts an in-memory queue.
func New(cfg queue.Config, opts Options) (*Queue, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	q := &Queue{
		cfg:        cfg,
		logger:     logger.With(logpkg.Component("queue.memory"), logpkg.Str("queue", cfg.Name)),
		msgs:       make(map[string]*message.Message),
		pending:    make(map[string]struct{}),
		delayed:    make(map[string]time.Time),
		dead:       make(map[string]queue.DeadLetterEntry),
		tracker:    queue.NewTracker(),
		dispatcher: queue.NewDispatcher(),
	}
	if cfg.EnableMetrics {
		q.qm = opts.Metrics
	}
	q.drainer = queue.NewDrainer(cfg.DrainInterval, q.drainTick)
	q.drainer.Start()
	return q, nil
}

func (q *Queue) Name() string               { return q.cfg.Name }
func (q *Queue) Transport() queue.Transport { return queue.TransportMemory }

// Publish persists the message and marks it pending.
func (q *Queue) Publish(ctx context.Context, msg *message.Message) error {
	return q.PublishBatch(ctx, []*message.Message{msg})
}

// PublishBatch accepts all messages under one lock acquisition.
func (q *Queue) PublishBatch(_ context.Context, msgs []*message.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.NewOpError("publish", q.cfg.Name, queue.ErrQueueClosed)
	}
	now := time.Now().UTC()
	for _, m := range msgs {
		if m.MaxRetries <= 0 {
			m.MaxRetries = q.cfg.MaxRetries
		}
		q.seq++
		m.Seq = q.seq
		m.Status = message.StatusPending
		m.Touch(now)
		q.msgs[m.ID] = m
		q.pending[m.ID] = struct{}{}
	}
	q.tracker.OnPublish(len(msgs))
	q.qm.Published(len(msgs))
	return nil
}

// Subscribe registers a handler.
func (q *Queue) Subscribe(h queue.Handler) error {
	return q.dispatcher.Add(h)
}

// Unsubscribe removes a handler by name.
func (q *Queue) Unsubscribe(name string) error {
	q.dispatcher.Remove(name)
	return nil
}

// Stats returns a snapshot of counters.
func (q *Queue) Stats(context.Context) (queue.Stats, error) {
	return q.tracker.Snapshot(q.cfg.Name, queue.TransportMemory), nil
}

// Purge drops all message and dead-letter state. Idempotent.
func (q *Queue) Purge(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = make(map[string]*message.Message)
	q.pending = make(map[string]struct{})
	q.delayed = make(map[string]time.Time)
	q.dead = make(map[string]queue.DeadLetterEntry)
	q.deadSeq = nil
	q.tracker.Reset()
	return nil
}

// Pause stops the drain loop; point operations stay available.
func (q *Queue) Pause() { q.drainer.Pause() }

// Resume restarts the drain loop.
func (q *Queue) Resume() { q.drainer.Resume() }

// GetMessage returns a copy of the stored message, or (nil, nil).
func (q *Queue) GetMessage(_ context.Context, id string) (*message.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.msgs[id]
	if !ok {
		return nil, nil
	}
	return m.Clone(), nil
}

// DeleteMessage removes a message and its index entries.
func (q *Queue) DeleteMessage(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.msgs[id]; !ok {
		return false, nil
	}
	delete(q.msgs, id)
	delete(q.pending, id)
	delete(q.delayed, id)
	q.tracker.OnMessageDelete()
	return true, nil
}

// RetryMessage forces a message back into the pending pool for another
// attempt. Fails once the retry budget is spent.
func (q *Queue) RetryMessage(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.msgs[id]
	if !ok {
		return queue.NewOpError("retry", q.cfg.Name, queue.ErrMessageNotFound)
	}
	if m.RetryCount >= m.MaxRetries {
		return queue.NewOpError("retry", q.cfg.Name, queue.ErrRetriesExhausted)
	}
	delete(q.delayed, id)
	queue.MarkRanked(m, time.Now().UTC())
	q.pending[id] = struct{}{}
	return nil
}

// PendingMessages returns up to limit pending messages, critical first,
// FIFO within a tier.
func (q *Queue) PendingMessages(_ context.Context, limit int) ([]*message.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLocked(limit), nil
}

func (q *Queue) pendingLocked(limit int) []*message.Message {
	out := make([]*message.Message, 0, len(q.pending))
	for id := range q.pending {
		if m, ok := q.msgs[id]; ok {
			out = append(out, m)
		}
	}
	queue.SortPending(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// DeadLetters lists entries newest first.
func (q *Queue) DeadLetters(_ context.Context, offset, limit int) ([]queue.DeadLetterEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	entries := make([]queue.DeadLetterEntry, 0, len(q.deadSeq))
	for i := len(q.deadSeq) - 1; i >= 0; i-- {
		if e, ok := q.dead[q.deadSeq[i]]; ok {
			entries = append(entries, e)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].FailedAt.After(entries[j].FailedAt) })
	if offset >= len(entries) {
		return nil, nil
	}
	entries = entries[offset:]
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// ReplayDeadLetter republishes a dead-lettered message with its retry count
// reset and removes the dead-letter entry.
func (q *Queue) ReplayDeadLetter(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.dead[id]
	if !ok {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "replay", Err: queue.ErrMessageNotFound}
	}
	m := e.Message.Clone()
	queue.MarkReplayed(m, time.Now().UTC())
	q.seq++
	m.Seq = q.seq
	q.msgs[m.ID] = m
	q.pending[m.ID] = struct{}{}
	delete(q.dead, id)
	q.tracker.OnReplay()
	q.qm.Replayed()
	return nil
}

// DeleteDeadLetter removes a dead-letter entry without replaying it.
func (q *Queue) DeleteDeadLetter(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.dead[id]; !ok {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "delete", Err: queue.ErrMessageNotFound}
	}
	delete(q.dead, id)
	q.tracker.OnDeadLetterDelete()
	return nil
}

// Close stops the drain loop. The memory backend holds no connections.
func (q *Queue) Close(context.Context) error {
	q.drainer.Stop()
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}

// drainTick promotes due retries, then fetches and processes one batch.
func (q *Queue) drainTick(ctx context.Context) {
	now := time.Now().UTC()

	q.mu.Lock()
	for id, ready := range q.delayed {
		if !ready.After(now) {
			delete(q.delayed, id)
			if m, ok := q.msgs[id]; ok {
				queue.MarkRanked(m, now)
				q.pending[id] = struct{}{}
			}
		}
	}
	batch := q.pendingLocked(q.cfg.BatchSize)
	claimed := batch[:0]
	for _, m := range batch {
		if m.Expired(now) {
			delete(q.pending, m.ID)
			delete(q.msgs, m.ID)
			q.tracker.OnMessageDelete()
			continue
		}
		delete(q.pending, m.ID)
		queue.MarkProcessing(m, now)
		claimed = append(claimed, m)
	}
	q.mu.Unlock()

	for _, m := range claimed {
		q.process(ctx, m)
	}
}

func (q *Queue) process(ctx context.Context, m *message.Message) {
	q.tracker.OnProcessingStart()
	defer q.tracker.OnProcessingEnd()

	res, h, matched := q.dispatcher.Dispatch(ctx, m, q.cfg.VisibilityTimeout)
	now := time.Now().UTC()

	q.mu.Lock()
	defer q.mu.Unlock()

	if !matched {
		// No subscriber claims it yet; back to pending for a later tick.
		queue.MarkRanked(m, now)
		q.pending[m.ID] = struct{}{}
		return
	}

	q.qm.Attempt(res.ProcessingTime)

	if res.Success {
		queue.MarkCompleted(m, now)
		delete(q.msgs, m.ID)
		q.tracker.OnCompleted(res.ProcessingTime, now)
		q.qm.Completed()
		return
	}

	perr := &queue.ProcessingError{Queue: q.cfg.Name, Handler: h.Name(), MsgID: m.ID, Err: res.Err}
	q.tracker.OnAttempt(res.ProcessingTime, now)

	switch queue.Fail(m, now) {
	case queue.DispositionRetry:
		q.delayed[m.ID] = now.Add(q.cfg.RetryDelay)
		q.logger.Warn("message failed, will retry",
			logpkg.Str("id", m.ID),
			logpkg.Int("retry_count", m.RetryCount),
			logpkg.Err(perr))
	case queue.DispositionDeadLetter:
		delete(q.msgs, m.ID)
		if q.cfg.EnableDeadLetter {
			q.dead[m.ID] = queue.DeadLetterEntry{
				Message:  m,
				Queue:    q.cfg.Name,
				Reason:   perr.Error(),
				FailedAt: now,
			}
			q.deadSeq = append(q.deadSeq, m.ID)
		}
		q.tracker.OnDeadLetter()
		q.qm.DeadLettered()
		q.logger.Error("message dead-lettered",
			logpkg.Str("id", m.ID),
			logpkg.Int("retry_count", m.RetryCount),
			logpkg.Err(perr))
	}
}
