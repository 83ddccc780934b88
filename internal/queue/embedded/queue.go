// Package embedded implements the single-node durable queue backend on a
// local Pebble store. It follows the same external state machine as the
// networked durable backend but keeps everything on disk in one process:
// message bodies as JSON records, pending order as a binary priority index,
// counters in a persisted stats record committed in the same batch as the
// state change they describe.
package embedded

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/herald/internal/message"
	"github.com/rzbill/herald/internal/metrics"
	"github.com/rzbill/herald/internal/queue"
	pebblestore "github.com/rzbill/herald/internal/storage/pebble"
	logpkg "github.com/rzbill/herald/pkg/log"
)

// Options carries the queue's dependencies. Store is required; when
// OwnsStore is set Close also closes the store.
type Options struct {
	Store     *pebblestore.Store
	OwnsStore bool
	Logger    logpkg.Logger
	Metrics   *metrics.QueueMetrics
}

// statsRecord is the persisted counter set. It is written in the same batch
// as every state transition, so counters and state cannot diverge.
type statsRecord struct {
	Total       int64 `json:"total"`
	Processing  int64 `json:"processing"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	DeadLetter  int64 `json:"deadLetter"`
	ProcMsTotal int64 `json:"procMsTotal"`
	ProcCount   int64 `json:"procCount"`
	LastProcMs  int64 `json:"lastProcMs"`
}

// Queue is the embedded Pebble backend.
type Queue struct {
	cfg    queue.Config
	ks     keyspace
	store  *pebblestore.Store
	owns   bool
	logger logpkg.Logger
	qm     *metrics.QueueMetrics

	mu    sync.Mutex
	seq   uint64
	stats statsRecord

	dispatcher *queue.Dispatcher
	drainer    *queue.Drainer
	startedAt  time.Time
}

var _ queue.Queue = (*Queue)(nil)

// New opens the queue's keyspace, recovers messages left in processing by a
// previous run, and starts the drain loop.
func New(cfg queue.Config, opts Options) (*Queue, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if opts.Store == nil {
		return nil, queue.NewOpError("open", cfg.Name, errors.New("embedded: nil store"))
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	q := &Queue{
		cfg:        cfg,
		ks:         newKeyspace(cfg.Name),
		store:      opts.Store,
		owns:       opts.OwnsStore,
		logger:     logger.With(logpkg.Component("queue.embedded"), logpkg.Str("queue", cfg.Name)),
		dispatcher: queue.NewDispatcher(),
		startedAt:  time.Now(),
	}
	if cfg.EnableMetrics {
		q.qm = opts.Metrics
	}
	if err := q.load(); err != nil {
		return nil, queue.NewOpError("open", cfg.Name, err)
	}
	if err := q.recoverInflight(); err != nil {
		return nil, queue.NewOpError("open", cfg.Name, err)
	}
	q.drainer = queue.NewDrainer(cfg.DrainInterval, q.drainTick)
	q.drainer.Start()
	return q, nil
}

func (q *Queue) load() error {
	if raw, err := q.store.Get(q.ks.seqKey()); err == nil && len(raw) == 8 {
		q.seq = binary.BigEndian.Uint64(raw)
	} else if err != nil && !errors.Is(err, pebblestore.ErrNotFound) {
		return err
	}
	raw, err := q.store.Get(q.ks.statsKey())
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, &q.stats)
}

// recoverInflight re-ranks messages a previous run left in processing. The
// processing counter resets with them.
func (q *Queue) recoverInflight() error {
	start, end := q.ks.msgPrefix()
	iter, err := q.store.NewIter(&pebble.IterOptions{LowerBound: start, UpperBound: end})
	if err != nil {
		return err
	}
	defer iter.Close()

	b := q.store.NewBatch()
	defer b.Close()
	recovered := 0
	now := time.Now().UTC()
	for iter.First(); iter.Valid(); iter.Next() {
		var m message.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return err
		}
		if m.Status != message.StatusProcessing {
			continue
		}
		queue.MarkRanked(&m, now)
		body, err := json.Marshal(&m)
		if err != nil {
			return err
		}
		if err := b.Set(q.ks.msg(m.ID), body, nil); err != nil {
			return err
		}
		if err := b.Set(q.ks.prio(m.Priority, m.Seq), []byte(m.ID), nil); err != nil {
			return err
		}
		recovered++
	}
	q.stats.Processing = 0
	if err := q.writeStats(b); err != nil {
		return err
	}
	if err := q.store.CommitBatch(context.Background(), b); err != nil {
		return err
	}
	if recovered > 0 {
		q.logger.Info("recovered in-flight messages", logpkg.Int("count", recovered))
	}
	return nil
}

func (q *Queue) writeStats(b *pebble.Batch) error {
	raw, err := json.Marshal(&q.stats)
	if err != nil {
		return err
	}
	return b.Set(q.ks.statsKey(), raw, nil)
}

func (q *Queue) writeSeq(b *pebble.Batch) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], q.seq)
	return b.Set(q.ks.seqKey(), buf[:], nil)
}

func (q *Queue) Name() string               { return q.cfg.Name }
func (q *Queue) Transport() queue.Transport { return queue.TransportEmbedded }

// Publish persists the message and its pending rank in one batch.
func (q *Queue) Publish(ctx context.Context, msg *message.Message) error {
	return q.PublishBatch(ctx, []*message.Message{msg})
}

// PublishBatch commits all bodies, ranks, the sequence counter, and the
// stats record atomically.
func (q *Queue) PublishBatch(ctx context.Context, msgs []*message.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	b := q.store.NewBatch()
	defer b.Close()
	now := time.Now().UTC()
	for _, m := range msgs {
		if m.MaxRetries <= 0 {
			m.MaxRetries = q.cfg.MaxRetries
		}
		q.seq++
		m.Seq = q.seq
		m.Status = message.StatusPending
		m.Touch(now)

		body, err := json.Marshal(m)
		if err != nil {
			return queue.NewOpError("publish", q.cfg.Name, err)
		}
		if err := b.Set(q.ks.msg(m.ID), body, nil); err != nil {
			return queue.NewOpError("publish", q.cfg.Name, err)
		}
		if err := b.Set(q.ks.prio(m.Priority, m.Seq), []byte(m.ID), nil); err != nil {
			return queue.NewOpError("publish", q.cfg.Name, err)
		}
	}
	q.stats.Total += int64(len(msgs))
	if err := q.writeSeq(b); err != nil {
		return queue.NewOpError("publish", q.cfg.Name, err)
	}
	if err := q.writeStats(b); err != nil {
		return queue.NewOpError("publish", q.cfg.Name, err)
	}
	if err := q.store.CommitBatch(ctx, b); err != nil {
		q.stats.Total -= int64(len(msgs))
		return queue.NewOpError("publish", q.cfg.Name, err)
	}
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

// Stats snapshots the persisted counters.
func (q *Queue) Stats(context.Context) (queue.Stats, error) {
	q.mu.Lock()
	st := q.stats
	q.mu.Unlock()

	s := queue.Stats{
		Queue:      q.cfg.Name,
		Transport:  queue.TransportEmbedded,
		Total:      st.Total,
		Processing: st.Processing,
		Completed:  st.Completed,
		Failed:     st.Failed,
		DeadLetter: st.DeadLetter,
	}
	s.Pending = queue.DerivePending(st.Total, st.Processing, st.Completed, st.Failed)
	if st.ProcCount > 0 {
		s.AverageProcessingTime = time.Duration(st.ProcMsTotal/st.ProcCount) * time.Millisecond
	}
	if st.LastProcMs > 0 {
		s.LastProcessedAt = time.UnixMilli(st.LastProcMs).UTC()
	}
	if elapsed := time.Since(q.startedAt).Seconds(); elapsed > 0 {
		s.Throughput = float64(st.Completed) / elapsed
	}
	return s, nil
}

// Purge drops the queue's whole keyspace. Idempotent.
func (q *Queue) Purge(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	start, end := q.ks.allPrefix()
	if err := q.store.DeleteRange(start, end); err != nil {
		return queue.NewOpError("purge", q.cfg.Name, err)
	}
	q.seq = 0
	q.stats = statsRecord{}
	q.startedAt = time.Now()
	return nil
}

// Pause suspends the drain loop; point operations stay available.
func (q *Queue) Pause() { q.drainer.Pause() }

// Resume re-enables the drain loop.
func (q *Queue) Resume() { q.drainer.Resume() }

// GetMessage fetches a message body, or (nil, nil) when absent.
func (q *Queue) GetMessage(_ context.Context, id string) (*message.Message, error) {
	raw, err := q.store.Get(q.ks.msg(id))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, queue.NewOpError("get", q.cfg.Name, err)
	}
	var m message.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, queue.NewOpError("get", q.cfg.Name, err)
	}
	return &m, nil
}

// DeleteMessage removes a message body and its index entries.
func (q *Queue) DeleteMessage(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, err := q.GetMessage(ctx, id)
	if err != nil {
		return false, err
	}
	if m == nil {
		return false, nil
	}

	b := q.store.NewBatch()
	defer b.Close()
	if err := b.Delete(q.ks.msg(id), nil); err != nil {
		return false, queue.NewOpError("delete", q.cfg.Name, err)
	}
	if err := b.Delete(q.ks.prio(m.Priority, m.Seq), nil); err != nil {
		return false, queue.NewOpError("delete", q.cfg.Name, err)
	}
	if key, err := q.findDelayKey(id); err != nil {
		return false, queue.NewOpError("delete", q.cfg.Name, err)
	} else if key != nil {
		if err := b.Delete(key, nil); err != nil {
			return false, queue.NewOpError("delete", q.cfg.Name, err)
		}
	}
	q.stats.Total--
	if err := q.writeStats(b); err != nil {
		return false, queue.NewOpError("delete", q.cfg.Name, err)
	}
	if err := q.store.CommitBatch(ctx, b); err != nil {
		q.stats.Total++
		return false, queue.NewOpError("delete", q.cfg.Name, err)
	}
	return true, nil
}

// findDelayKey scans the delay index for the entry holding id. The delayed
// population is bounded by the retry traffic, so a scan stays cheap.
func (q *Queue) findDelayKey(id string) ([]byte, error) {
	start, end := q.ks.delayPrefix()
	iter, err := q.store.NewIter(&pebble.IterOptions{LowerBound: start, UpperBound: end})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if bytes.Equal(iter.Value(), []byte(id)) {
			return append([]byte(nil), iter.Key()...), nil
		}
	}
	return nil, nil
}

// RetryMessage forces a stored message back into the pending index.
func (q *Queue) RetryMessage(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, err := q.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if m == nil {
		return queue.NewOpError("retry", q.cfg.Name, queue.ErrMessageNotFound)
	}
	if m.RetryCount >= m.MaxRetries {
		return queue.NewOpError("retry", q.cfg.Name, queue.ErrRetriesExhausted)
	}
	queue.MarkRanked(m, time.Now().UTC())

	b := q.store.NewBatch()
	defer b.Close()
	if key, err := q.findDelayKey(id); err != nil {
		return queue.NewOpError("retry", q.cfg.Name, err)
	} else if key != nil {
		if err := b.Delete(key, nil); err != nil {
			return queue.NewOpError("retry", q.cfg.Name, err)
		}
	}
	body, err := json.Marshal(m)
	if err != nil {
		return queue.NewOpError("retry", q.cfg.Name, err)
	}
	if err := b.Set(q.ks.msg(id), body, nil); err != nil {
		return queue.NewOpError("retry", q.cfg.Name, err)
	}
	if err := b.Set(q.ks.prio(m.Priority, m.Seq), []byte(id), nil); err != nil {
		return queue.NewOpError("retry", q.cfg.Name, err)
	}
	if err := q.store.CommitBatch(ctx, b); err != nil {
		return queue.NewOpError("retry", q.cfg.Name, err)
	}
	return nil
}

// PendingMessages returns up to limit pending messages in drain order.
func (q *Queue) PendingMessages(_ context.Context, limit int) ([]*message.Message, error) {
	if limit <= 0 {
		limit = q.cfg.BatchSize
	}
	ids, err := q.pendingIDs(limit)
	if err != nil {
		return nil, queue.NewOpError("pending", q.cfg.Name, err)
	}
	return q.fetchMessages(ids)
}

// pendingIDs walks the priority index in drain order.
func (q *Queue) pendingIDs(limit int) ([]string, error) {
	start, end := q.ks.prioPrefix()
	iter, err := q.store.NewIter(&pebble.IterOptions{LowerBound: start, UpperBound: end})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var ids []string
	for iter.First(); iter.Valid() && len(ids) < limit; iter.Next() {
		ids = append(ids, string(iter.Value()))
	}
	return ids, nil
}

func (q *Queue) fetchMessages(ids []string) ([]*message.Message, error) {
	out := make([]*message.Message, 0, len(ids))
	for _, id := range ids {
		raw, err := q.store.Get(q.ks.msg(id))
		if errors.Is(err, pebblestore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, queue.NewOpError("fetch", q.cfg.Name, err)
		}
		var m message.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, queue.NewOpError("fetch", q.cfg.Name, err)
		}
		out = append(out, &m)
	}
	return out, nil
}

// DeadLetters lists entries newest first by walking the failure-time index
// backwards.
func (q *Queue) DeadLetters(_ context.Context, offset, limit int) ([]queue.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	start, end := q.ks.dlqxPrefix()
	iter, err := q.store.NewIter(&pebble.IterOptions{LowerBound: start, UpperBound: end})
	if err != nil {
		return nil, queue.NewOpError("deadletters", q.cfg.Name, err)
	}
	defer iter.Close()

	var out []queue.DeadLetterEntry
	skipped := 0
	for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
		if skipped < offset {
			skipped++
			continue
		}
		raw, err := q.store.Get(q.ks.dlq(string(iter.Value())))
		if errors.Is(err, pebblestore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, queue.NewOpError("deadletters", q.cfg.Name, err)
		}
		var e queue.DeadLetterEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, queue.NewOpError("deadletters", q.cfg.Name, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// ReplayDeadLetter republishes a dead-lettered message with its retry count
// reset and removes the dead-letter entry, all in one batch.
func (q *Queue) ReplayDeadLetter(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	raw, err := q.store.Get(q.ks.dlq(id))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "replay", Err: queue.ErrMessageNotFound}
	}
	if err != nil {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "replay", Err: err}
	}
	var e queue.DeadLetterEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "replay", Err: err}
	}

	m := e.Message
	oldSeq := m.Seq
	queue.MarkReplayed(m, time.Now().UTC())
	q.seq++
	m.Seq = q.seq

	b := q.store.NewBatch()
	defer b.Close()
	body, err := json.Marshal(m)
	if err != nil {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "replay", Err: err}
	}
	if err := b.Set(q.ks.msg(m.ID), body, nil); err != nil {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "replay", Err: err}
	}
	if err := b.Set(q.ks.prio(m.Priority, m.Seq), []byte(m.ID), nil); err != nil {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "replay", Err: err}
	}
	if err := b.Delete(q.ks.dlq(id), nil); err != nil {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "replay", Err: err}
	}
	if err := b.Delete(q.ks.dlqIdx(e.FailedAt.UnixMilli(), oldSeq), nil); err != nil {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "replay", Err: err}
	}
	q.stats.Failed--
	q.stats.DeadLetter--
	if err := q.writeSeq(b); err != nil {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "replay", Err: err}
	}
	if err := q.writeStats(b); err != nil {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "replay", Err: err}
	}
	if err := q.store.CommitBatch(ctx, b); err != nil {
		q.stats.Failed++
		q.stats.DeadLetter++
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "replay", Err: err}
	}
	q.qm.Replayed()
	return nil
}

// DeleteDeadLetter removes a dead-letter entry without replaying it.
func (q *Queue) DeleteDeadLetter(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	raw, err := q.store.Get(q.ks.dlq(id))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "delete", Err: queue.ErrMessageNotFound}
	}
	if err != nil {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "delete", Err: err}
	}
	var e queue.DeadLetterEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "delete", Err: err}
	}

	b := q.store.NewBatch()
	defer b.Close()
	if err := b.Delete(q.ks.dlq(id), nil); err != nil {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "delete", Err: err}
	}
	if err := b.Delete(q.ks.dlqIdx(e.FailedAt.UnixMilli(), e.Message.Seq), nil); err != nil {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "delete", Err: err}
	}
	q.stats.DeadLetter--
	if err := q.writeStats(b); err != nil {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "delete", Err: err}
	}
	if err := q.store.CommitBatch(ctx, b); err != nil {
		q.stats.DeadLetter++
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "delete", Err: err}
	}
	return nil
}

// Close stops the drain loop, then closes the store when this queue owns
// it.
func (q *Queue) Close(context.Context) error {
	q.drainer.Stop()
	if q.owns {
		return q.store.Close()
	}
	return nil
}

// drainTick promotes due retries, sweeps expired dead letters, then claims
// and processes one batch.
func (q *Queue) drainTick(ctx context.Context) {
	now := time.Now().UTC()

	if err := q.promoteDelayed(ctx, now); err != nil {
		q.logger.Warn("promote delayed failed", logpkg.Err(err))
	}
	if err := q.sweepDeadLetters(ctx, now); err != nil {
		q.logger.Warn("dead letter sweep failed", logpkg.Err(err))
	}

	batch, err := q.claimBatch(ctx, now)
	if err != nil {
		q.logger.Warn("claim batch failed", logpkg.Err(err))
		return
	}
	for _, m := range batch {
		q.process(ctx, m)
	}
}

func (q *Queue) promoteDelayed(ctx context.Context, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	start, end := q.ks.delayPrefix()
	iter, err := q.store.NewIter(&pebble.IterOptions{LowerBound: start, UpperBound: end})
	if err != nil {
		return err
	}
	defer iter.Close()

	b := q.store.NewBatch()
	defer b.Close()
	promoted := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if q.ks.delayReadyAt(iter.Key()) > now.UnixMilli() {
			break
		}
		id := string(iter.Value())
		raw, err := q.store.Get(q.ks.msg(id))
		if errors.Is(err, pebblestore.ErrNotFound) {
			if derr := b.Delete(append([]byte(nil), iter.Key()...), nil); derr != nil {
				return derr
			}
			continue
		}
		if err != nil {
			return err
		}
		var m message.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		queue.MarkRanked(&m, now)
		body, err := json.Marshal(&m)
		if err != nil {
			return err
		}
		if err := b.Set(q.ks.msg(id), body, nil); err != nil {
			return err
		}
		if err := b.Set(q.ks.prio(m.Priority, m.Seq), []byte(id), nil); err != nil {
			return err
		}
		if err := b.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			return err
		}
		promoted++
	}
	if promoted == 0 && b.Empty() {
		return nil
	}
	return q.store.CommitBatch(ctx, b)
}

// sweepDeadLetters drops entries older than the retention window.
func (q *Queue) sweepDeadLetters(ctx context.Context, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := now.Add(-q.cfg.DeadLetterRetention).UnixMilli()
	start, end := q.ks.dlqxPrefix()
	iter, err := q.store.NewIter(&pebble.IterOptions{LowerBound: start, UpperBound: end})
	if err != nil {
		return err
	}
	defer iter.Close()

	b := q.store.NewBatch()
	defer b.Close()
	swept := int64(0)
	prefixLen := len(q.ks.base) + len("dlqx/")
	for iter.First(); iter.Valid(); iter.Next() {
		failedAt := int64(binary.BigEndian.Uint64(iter.Key()[prefixLen:]))
		if failedAt > cutoff {
			break
		}
		if err := b.Delete(q.ks.dlq(string(iter.Value())), nil); err != nil {
			return err
		}
		if err := b.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			return err
		}
		swept++
	}
	if swept == 0 {
		return nil
	}
	q.stats.DeadLetter -= swept
	if err := q.writeStats(b); err != nil {
		return err
	}
	if err := q.store.CommitBatch(ctx, b); err != nil {
		q.stats.DeadLetter += swept
		return err
	}
	return nil
}

func (q *Queue) claimBatch(ctx context.Context, now time.Time) ([]*message.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids, err := q.pendingIDs(q.cfg.BatchSize)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	msgs, err := q.fetchMessages(ids)
	if err != nil {
		return nil, err
	}

	b := q.store.NewBatch()
	defer b.Close()
	claimed := msgs[:0]
	droppedTotal := int64(len(ids) - len(msgs))
	for _, m := range msgs {
		if err := b.Delete(q.ks.prio(m.Priority, m.Seq), nil); err != nil {
			return nil, err
		}
		if m.Expired(now) {
			if err := b.Delete(q.ks.msg(m.ID), nil); err != nil {
				return nil, err
			}
			droppedTotal++
			continue
		}
		queue.MarkProcessing(m, now)
		body, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		if err := b.Set(q.ks.msg(m.ID), body, nil); err != nil {
			return nil, err
		}
		claimed = append(claimed, m)
	}
	q.stats.Total -= droppedTotal
	q.stats.Processing += int64(len(claimed))
	if err := q.writeStats(b); err != nil {
		return nil, err
	}
	if err := q.store.CommitBatch(ctx, b); err != nil {
		q.stats.Total += droppedTotal
		q.stats.Processing -= int64(len(claimed))
		return nil, err
	}
	return claimed, nil
}

func (q *Queue) process(ctx context.Context, m *message.Message) {
	res, h, matched := q.dispatcher.Dispatch(ctx, m, q.cfg.VisibilityTimeout)
	now := time.Now().UTC()

	q.mu.Lock()
	defer q.mu.Unlock()

	b := q.store.NewBatch()
	defer b.Close()

	if !matched {
		// No subscriber claims it yet; back to pending for a later tick.
		queue.MarkRanked(m, now)
		body, err := json.Marshal(m)
		if err != nil {
			q.logger.Error("marshal unclaimed message failed", logpkg.Str("id", m.ID), logpkg.Err(err))
			return
		}
		if err := b.Set(q.ks.msg(m.ID), body, nil); err == nil {
			_ = b.Set(q.ks.prio(m.Priority, m.Seq), []byte(m.ID), nil)
			q.stats.Processing--
			_ = q.writeStats(b)
			if err := q.store.CommitBatch(ctx, b); err != nil {
				q.stats.Processing++
				q.logger.Warn("requeue unclaimed message failed", logpkg.Str("id", m.ID), logpkg.Err(err))
			}
		}
		return
	}

	q.qm.Attempt(res.ProcessingTime)
	procMs := res.ProcessingTime.Milliseconds()

	if res.Success {
		if err := b.Delete(q.ks.msg(m.ID), nil); err != nil {
			q.logger.Warn("record completion failed", logpkg.Str("id", m.ID), logpkg.Err(err))
			return
		}
		q.stats.Processing--
		q.stats.Completed++
		q.stats.ProcMsTotal += procMs
		q.stats.ProcCount++
		q.stats.LastProcMs = now.UnixMilli()
		if err := q.writeStats(b); err == nil {
			if err := q.store.CommitBatch(ctx, b); err != nil {
				q.logger.Warn("record completion failed", logpkg.Str("id", m.ID), logpkg.Err(err))
			}
		}
		q.qm.Completed()
		return
	}

	perr := &queue.ProcessingError{Queue: q.cfg.Name, Handler: h.Name(), MsgID: m.ID, Err: res.Err}
	q.stats.Processing--
	q.stats.ProcMsTotal += procMs
	q.stats.ProcCount++
	q.stats.LastProcMs = now.UnixMilli()

	switch queue.Fail(m, now) {
	case queue.DispositionRetry:
		body, err := json.Marshal(m)
		if err != nil {
			q.logger.Error("marshal retrying message failed", logpkg.Str("id", m.ID), logpkg.Err(err))
			return
		}
		readyAt := now.Add(q.cfg.RetryDelay).UnixMilli()
		_ = b.Set(q.ks.msg(m.ID), body, nil)
		_ = b.Set(q.ks.delay(readyAt, m.Seq), []byte(m.ID), nil)
		_ = q.writeStats(b)
		if err := q.store.CommitBatch(ctx, b); err != nil {
			q.logger.Warn("record retry failed", logpkg.Str("id", m.ID), logpkg.Err(err))
		}
		q.logger.Warn("message failed, will retry",
			logpkg.Str("id", m.ID),
			logpkg.Int("retry_count", m.RetryCount),
			logpkg.Err(perr))

	case queue.DispositionDeadLetter:
		_ = b.Delete(q.ks.msg(m.ID), nil)
		q.stats.Failed++
		if q.cfg.EnableDeadLetter {
			entry := queue.DeadLetterEntry{
				Message:  m,
				Queue:    q.cfg.Name,
				Reason:   perr.Error(),
				FailedAt: now,
			}
			raw, err := json.Marshal(entry)
			if err != nil {
				q.logger.Error("marshal dead letter failed", logpkg.Str("id", m.ID), logpkg.Err(err))
				return
			}
			_ = b.Set(q.ks.dlq(m.ID), raw, nil)
			_ = b.Set(q.ks.dlqIdx(now.UnixMilli(), m.Seq), []byte(m.ID), nil)
			q.stats.DeadLetter++
		}
		_ = q.writeStats(b)
		if err := q.store.CommitBatch(ctx, b); err != nil {
			q.logger.Warn("record dead letter failed", logpkg.Str("id", m.ID), logpkg.Err(err))
		}
		q.qm.DeadLettered()
		q.logger.Error("message dead-lettered",
			logpkg.Str("id", m.ID),
			logpkg.Int("retry_count", m.RetryCount),
			logpkg.Err(perr))
	}
}
