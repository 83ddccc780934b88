package durable

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/rzbill/herald/internal/message"
	"github.com/rzbill/herald/internal/metrics"
	"github.com/rzbill/herald/internal/queue"
	logpkg "github.com/rzbill/herald/pkg/log"
)

// Options carries the queue's dependencies. Client is required; when
// OwnsClient is set Close also closes the client (broker-shared connections
// leave it unset).
type Options struct {
	Client     CommandClient
	OwnsClient bool
	Logger     logpkg.Logger
	Metrics    *metrics.QueueMetrics
}

// Queue is the key/value-store backend.
type Queue struct {
	cfg    queue.Config
	keys   keys
	client CommandClient
	owns   bool
	logger logpkg.Logger
	qm     *metrics.QueueMetrics

	dispatcher *queue.Dispatcher
	drainer    *queue.Drainer
	startedAt  time.Time
}

var _ queue.Queue = (*Queue)(nil)

// New creates and starts a durable queue over the given client.
func New(cfg queue.Config, opts Options) (*Queue, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if opts.Client == nil {
		return nil, queue.NewOpError("open", cfg.Name, errors.New("durable: nil client"))
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	q := &Queue{
		cfg:        cfg,
		keys:       newKeys(cfg.Name),
		client:     opts.Client,
		owns:       opts.OwnsClient,
		logger:     logger.With(logpkg.Component("queue.durable"), logpkg.Str("queue", cfg.Name)),
		dispatcher: queue.NewDispatcher(),
		startedAt:  time.Now(),
	}
	if cfg.EnableMetrics {
		q.qm = opts.Metrics
	}
	q.drainer = queue.NewDrainer(cfg.DrainInterval, q.drainTick)
	q.drainer.Start()
	return q, nil
}

func (q *Queue) Name() string               { return q.cfg.Name }
func (q *Queue) Transport() queue.Transport { return q.cfg.Type }

// Publish persists one message.
func (q *Queue) Publish(ctx context.Context, msg *message.Message) error {
	return q.PublishBatch(ctx, []*message.Message{msg})
}

// PublishBatch persists messages in two round trips: one to reserve
// sequence numbers, one pipelining body writes, pending ranks, and the
// counter bump.
func (q *Queue) PublishBatch(ctx context.Context, msgs []*message.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	incrs := make([][]interface{}, len(msgs))
	for i := range msgs {
		incrs[i] = []interface{}{"INCR", q.keys.seq()}
	}
	replies, err := q.client.Pipeline(ctx, incrs)
	if err != nil {
		return queue.NewOpError("publish", q.cfg.Name, err)
	}

	now := time.Now().UTC()
	cmds := make([][]interface{}, 0, 2*len(msgs)+1)
	for i, m := range msgs {
		seq, err := ReplyInt(replies[i])
		if err != nil {
			return queue.NewOpError("publish", q.cfg.Name, err)
		}
		if m.MaxRetries <= 0 {
			m.MaxRetries = q.cfg.MaxRetries
		}
		m.Seq = uint64(seq)
		m.Status = message.StatusPending
		m.Touch(now)

		body, err := json.Marshal(m)
		if err != nil {
			return queue.NewOpError("publish", q.cfg.Name, err)
		}
		set := []interface{}{"SET", q.keys.msg(m.ID), string(body)}
		if m.TTL > 0 {
			set = append(set, "PX", m.TTL.Milliseconds())
		}
		cmds = append(cmds, set)
		cmds = append(cmds, []interface{}{
			"ZADD", q.keys.pending(), formatScore(queue.Score(m.Priority, m.Seq)), m.ID,
		})
	}
	cmds = append(cmds, []interface{}{"HINCRBY", q.keys.stats(), queue.StatsFieldTotal, len(msgs)})

	if _, err := q.client.Pipeline(ctx, cmds); err != nil {
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

// Stats reads the counter hash and derives pending.
func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	reply, err := q.client.Do(ctx, "HGETALL", q.keys.stats())
	if err != nil {
		return queue.Stats{}, queue.NewOpError("stats", q.cfg.Name, err)
	}
	fields, err := ReplyMap(reply)
	if err != nil {
		return queue.Stats{}, queue.NewOpError("stats", q.cfg.Name, err)
	}

	get := func(name string) int64 {
		n, _ := strconv.ParseInt(fields[name], 10, 64)
		return n
	}
	s := queue.Stats{
		Queue:      q.cfg.Name,
		Transport:  q.cfg.Type,
		Total:      get(queue.StatsFieldTotal),
		Processing: get(queue.StatsFieldProcessing),
		Completed:  get(queue.StatsFieldCompleted),
		Failed:     get(queue.StatsFieldFailed),
		DeadLetter: get(queue.StatsFieldDeadLetter),
	}
	s.Pending = queue.DerivePending(s.Total, s.Processing, s.Completed, s.Failed)
	if count := get(queue.StatsFieldProcCount); count > 0 {
		s.AverageProcessingTime = time.Duration(get(queue.StatsFieldProcMsTotal)/count) * time.Millisecond
	}
	if ms := get(queue.StatsFieldLastProcMs); ms > 0 {
		s.LastProcessedAt = time.UnixMilli(ms).UTC()
	}
	if elapsed := time.Since(q.startedAt).Seconds(); elapsed > 0 {
		s.Throughput = float64(s.Completed) / elapsed
	}
	return s, nil
}

// Purge deletes every key the queue owns. Bodies are collected by key
// pattern rather than from the pool indexes, so messages claimed by an
// in-flight tick are swept too. Idempotent.
func (q *Queue) Purge(ctx context.Context) error {
	del := []interface{}{"DEL", q.keys.pending(), q.keys.delayed(), q.keys.seq(), q.keys.stats(), q.keys.dlqIdx()}
	for _, pattern := range []string{q.keys.msgPattern(), q.keys.dlqPattern()} {
		reply, err := q.client.Do(ctx, "KEYS", pattern)
		if err != nil {
			return queue.NewOpError("purge", q.cfg.Name, err)
		}
		ks, err := ReplyStrings(reply)
		if err != nil {
			return queue.NewOpError("purge", q.cfg.Name, err)
		}
		for _, key := range ks {
			del = append(del, key)
		}
	}
	if _, err := q.client.Do(ctx, del...); err != nil {
		return queue.NewOpError("purge", q.cfg.Name, err)
	}
	return nil
}

// Pause suspends the drain loop; point operations stay available.
func (q *Queue) Pause() { q.drainer.Pause() }

// Resume re-enables the drain loop.
func (q *Queue) Resume() { q.drainer.Resume() }

// GetMessage fetches a message body, or (nil, nil) when absent.
func (q *Queue) GetMessage(ctx context.Context, id string) (*message.Message, error) {
	reply, err := q.client.Do(ctx, "GET", q.keys.msg(id))
	if err != nil {
		return nil, queue.NewOpError("get", q.cfg.Name, err)
	}
	body, err := ReplyString(reply)
	if errors.Is(err, ErrNilReply) {
		return nil, nil
	}
	if err != nil {
		return nil, queue.NewOpError("get", q.cfg.Name, err)
	}
	var m message.Message
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return nil, queue.NewOpError("get", q.cfg.Name, err)
	}
	return &m, nil
}

// DeleteMessage removes a message body and its pool entries.
func (q *Queue) DeleteMessage(ctx context.Context, id string) (bool, error) {
	replies, err := q.client.Pipeline(ctx, [][]interface{}{
		{"DEL", q.keys.msg(id)},
		{"ZREM", q.keys.pending(), id},
		{"ZREM", q.keys.delayed(), id},
	})
	if err != nil {
		return false, queue.NewOpError("delete", q.cfg.Name, err)
	}
	n, err := ReplyInt(replies[0])
	if err != nil {
		return false, queue.NewOpError("delete", q.cfg.Name, err)
	}
	if n == 0 {
		return false, nil
	}
	if _, err := q.client.Do(ctx, "HINCRBY", q.keys.stats(), queue.StatsFieldTotal, -1); err != nil {
		return true, queue.NewOpError("delete", q.cfg.Name, err)
	}
	return true, nil
}

// RetryMessage forces a stored message back into the pending pool.
func (q *Queue) RetryMessage(ctx context.Context, id string) error {
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
	return q.rank(ctx, m, "retry")
}

// rank writes the message body and its pending-pool entry, clearing any
// delayed entry.
func (q *Queue) rank(ctx context.Context, m *message.Message, op string) error {
	body, err := json.Marshal(m)
	if err != nil {
		return queue.NewOpError(op, q.cfg.Name, err)
	}
	_, err = q.client.Pipeline(ctx, [][]interface{}{
		{"ZREM", q.keys.delayed(), m.ID},
		{"SET", q.keys.msg(m.ID), string(body)},
		{"ZADD", q.keys.pending(), formatScore(queue.Score(m.Priority, m.Seq)), m.ID},
	})
	if err != nil {
		return queue.NewOpError(op, q.cfg.Name, err)
	}
	return nil
}

// PendingMessages returns up to limit pending messages in drain order.
func (q *Queue) PendingMessages(ctx context.Context, limit int) ([]*message.Message, error) {
	if limit <= 0 {
		limit = q.cfg.BatchSize
	}
	reply, err := q.client.Do(ctx, "ZREVRANGE", q.keys.pending(), 0, limit-1)
	if err != nil {
		return nil, queue.NewOpError("pending", q.cfg.Name, err)
	}
	ids, err := ReplyStrings(reply)
	if err != nil {
		return nil, queue.NewOpError("pending", q.cfg.Name, err)
	}
	return q.fetchMessages(ctx, ids)
}

func (q *Queue) fetchMessages(ctx context.Context, ids []string) ([]*message.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	gets := make([][]interface{}, len(ids))
	for i, id := range ids {
		gets[i] = []interface{}{"GET", q.keys.msg(id)}
	}
	replies, err := q.client.Pipeline(ctx, gets)
	if err != nil {
		return nil, queue.NewOpError("fetch", q.cfg.Name, err)
	}
	out := make([]*message.Message, 0, len(ids))
	for _, r := range replies {
		body, err := ReplyString(r)
		if errors.Is(err, ErrNilReply) {
			continue // body expired out from under the index
		}
		if err != nil {
			return nil, queue.NewOpError("fetch", q.cfg.Name, err)
		}
		var m message.Message
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return nil, queue.NewOpError("fetch", q.cfg.Name, err)
		}
		out = append(out, &m)
	}
	return out, nil
}

// DeadLetters lists dead-letter entries, newest failures first.
func (q *Queue) DeadLetters(ctx context.Context, offset, limit int) ([]queue.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	reply, err := q.client.Do(ctx, "ZREVRANGE", q.keys.dlqIdx(), offset, offset+limit-1)
	if err != nil {
		return nil, queue.NewOpError("deadletters", q.cfg.Name, err)
	}
	ids, err := ReplyStrings(reply)
	if err != nil {
		return nil, queue.NewOpError("deadletters", q.cfg.Name, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	gets := make([][]interface{}, len(ids))
	for i, id := range ids {
		gets[i] = []interface{}{"GET", q.keys.dlq(id)}
	}
	replies, err := q.client.Pipeline(ctx, gets)
	if err != nil {
		return nil, queue.NewOpError("deadletters", q.cfg.Name, err)
	}
	out := make([]queue.DeadLetterEntry, 0, len(ids))
	for i, r := range replies {
		body, err := ReplyString(r)
		if errors.Is(err, ErrNilReply) {
			// Entry aged out past retention; drop the stale index member.
			_, _ = q.client.Do(ctx, "ZREM", q.keys.dlqIdx(), ids[i])
			continue
		}
		if err != nil {
			return nil, queue.NewOpError("deadletters", q.cfg.Name, err)
		}
		var e queue.DeadLetterEntry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, queue.NewOpError("deadletters", q.cfg.Name, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// ReplayDeadLetter republishes a dead-lettered message with its retry count
// reset and removes the dead-letter entry.
func (q *Queue) ReplayDeadLetter(ctx context.Context, id string) error {
	reply, err := q.client.Do(ctx, "GET", q.keys.dlq(id))
	if err != nil {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "replay", Err: err}
	}
	body, err := ReplyString(reply)
	if errors.Is(err, ErrNilReply) {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "replay", Err: queue.ErrMessageNotFound}
	}
	if err != nil {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "replay", Err: err}
	}
	var e queue.DeadLetterEntry
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "replay", Err: err}
	}

	seqReply, err := q.client.Do(ctx, "INCR", q.keys.seq())
	if err != nil {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "replay", Err: err}
	}
	seq, err := ReplyInt(seqReply)
	if err != nil {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "replay", Err: err}
	}

	m := e.Message
	queue.MarkReplayed(m, time.Now().UTC())
	m.Seq = uint64(seq)
	mbody, err := json.Marshal(m)
	if err != nil {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "replay", Err: err}
	}

	_, err = q.client.Pipeline(ctx, [][]interface{}{
		{"SET", q.keys.msg(m.ID), string(mbody)},
		{"ZADD", q.keys.pending(), formatScore(queue.Score(m.Priority, m.Seq)), m.ID},
		{"DEL", q.keys.dlq(id)},
		{"ZREM", q.keys.dlqIdx(), id},
		{"HINCRBY", q.keys.stats(), queue.StatsFieldFailed, -1},
		{"HINCRBY", q.keys.stats(), queue.StatsFieldDeadLetter, -1},
	})
	if err != nil {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "replay", Err: err}
	}
	q.qm.Replayed()
	return nil
}

// DeleteDeadLetter removes a dead-letter entry without replaying it.
func (q *Queue) DeleteDeadLetter(ctx context.Context, id string) error {
	replies, err := q.client.Pipeline(ctx, [][]interface{}{
		{"DEL", q.keys.dlq(id)},
		{"ZREM", q.keys.dlqIdx(), id},
	})
	if err != nil {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "delete", Err: err}
	}
	n, err := ReplyInt(replies[0])
	if err != nil {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "delete", Err: err}
	}
	if n == 0 {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "delete", Err: queue.ErrMessageNotFound}
	}
	_, err = q.client.Do(ctx, "HINCRBY", q.keys.stats(), queue.StatsFieldDeadLetter, -1)
	if err != nil {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "delete", Err: err}
	}
	return nil
}

// Close stops the drain loop, then closes the client when this queue owns
// it. Ordering matters: a tick can never observe a closed connection.
func (q *Queue) Close(context.Context) error {
	q.drainer.Stop()
	if q.owns {
		return q.client.Close()
	}
	return nil
}

// drainTick promotes due delayed messages, then claims and processes one
// batch from the pending pool.
func (q *Queue) drainTick(ctx context.Context) {
	now := time.Now().UTC()

	if err := q.promoteDelayed(ctx, now); err != nil {
		q.logger.Warn("promote delayed failed", logpkg.Err(err))
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

// promoteDelayed moves messages whose retry delay elapsed back into the
// pending pool.
func (q *Queue) promoteDelayed(ctx context.Context, now time.Time) error {
	reply, err := q.client.Do(ctx,
		"ZRANGEBYSCORE", q.keys.delayed(), "-inf", now.UnixMilli(),
		"LIMIT", 0, q.cfg.BatchSize)
	if err != nil {
		return err
	}
	ids, err := ReplyStrings(reply)
	if err != nil || len(ids) == 0 {
		return err
	}
	msgs, err := q.fetchMessages(ctx, ids)
	if err != nil {
		return err
	}
	found := make(map[string]bool, len(msgs))
	cmds := make([][]interface{}, 0, 2*len(ids))
	for _, m := range msgs {
		found[m.ID] = true
		queue.MarkRanked(m, now)
		body, err := json.Marshal(m)
		if err != nil {
			return err
		}
		cmds = append(cmds, []interface{}{"SET", q.keys.msg(m.ID), string(body)})
		cmds = append(cmds, []interface{}{
			"ZADD", q.keys.pending(), formatScore(queue.Score(m.Priority, m.Seq)), m.ID,
		})
	}
	zrem := []interface{}{"ZREM", q.keys.delayed()}
	for _, id := range ids {
		zrem = append(zrem, id)
	}
	cmds = append(cmds, zrem)
	for _, id := range ids {
		// Bodies that expired while delayed leave the total counter behind.
		if !found[id] {
			cmds = append(cmds, []interface{}{"HINCRBY", q.keys.stats(), queue.StatsFieldTotal, -1})
		}
	}
	_, err = q.client.Pipeline(ctx, cmds)
	return err
}

// claimBatch pops the highest-ranked pending messages and marks them
// processing.
func (q *Queue) claimBatch(ctx context.Context, now time.Time) ([]*message.Message, error) {
	reply, err := q.client.Do(ctx, "ZREVRANGE", q.keys.pending(), 0, q.cfg.BatchSize-1)
	if err != nil {
		return nil, err
	}
	ids, err := ReplyStrings(reply)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	msgs, err := q.fetchMessages(ctx, ids)
	if err != nil {
		return nil, err
	}

	zrem := []interface{}{"ZREM", q.keys.pending()}
	for _, id := range ids {
		zrem = append(zrem, id)
	}
	cmds := [][]interface{}{zrem}

	claimed := msgs[:0]
	for _, m := range msgs {
		if m.Expired(now) {
			cmds = append(cmds, []interface{}{"DEL", q.keys.msg(m.ID)})
			cmds = append(cmds, []interface{}{"HINCRBY", q.keys.stats(), queue.StatsFieldTotal, -1})
			continue
		}
		queue.MarkProcessing(m, now)
		body, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, []interface{}{"SET", q.keys.msg(m.ID), string(body)})
		claimed = append(claimed, m)
	}
	// Index entries whose bodies expired still occupy the total counter.
	for i := len(msgs); i < len(ids); i++ {
		cmds = append(cmds, []interface{}{"HINCRBY", q.keys.stats(), queue.StatsFieldTotal, -1})
	}
	if len(claimed) > 0 {
		cmds = append(cmds, []interface{}{"HINCRBY", q.keys.stats(), queue.StatsFieldProcessing, len(claimed)})
	}
	if _, err := q.client.Pipeline(ctx, cmds); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (q *Queue) process(ctx context.Context, m *message.Message) {
	res, h, matched := q.dispatcher.Dispatch(ctx, m, q.cfg.VisibilityTimeout)
	now := time.Now().UTC()

	if !matched {
		// No subscriber claims it yet; back to pending for a later tick.
		queue.MarkRanked(m, now)
		if err := q.rank(ctx, m, "requeue"); err != nil {
			q.logger.Warn("requeue unclaimed message failed", logpkg.Str("id", m.ID), logpkg.Err(err))
		}
		_, _ = q.client.Do(ctx, "HINCRBY", q.keys.stats(), queue.StatsFieldProcessing, -1)
		return
	}

	q.qm.Attempt(res.ProcessingTime)
	procMs := res.ProcessingTime.Milliseconds()

	if res.Success {
		_, err := q.client.Pipeline(ctx, [][]interface{}{
			{"DEL", q.keys.msg(m.ID)},
			{"HINCRBY", q.keys.stats(), queue.StatsFieldProcessing, -1},
			{"HINCRBY", q.keys.stats(), queue.StatsFieldCompleted, 1},
			{"HINCRBY", q.keys.stats(), queue.StatsFieldProcMsTotal, procMs},
			{"HINCRBY", q.keys.stats(), queue.StatsFieldProcCount, 1},
			{"HSET", q.keys.stats(), queue.StatsFieldLastProcMs, now.UnixMilli()},
		})
		if err != nil {
			q.logger.Warn("record completion failed", logpkg.Str("id", m.ID), logpkg.Err(err))
		}
		q.qm.Completed()
		return
	}

	perr := &queue.ProcessingError{Queue: q.cfg.Name, Handler: h.Name(), MsgID: m.ID, Err: res.Err}

	switch queue.Fail(m, now) {
	case queue.DispositionRetry:
		body, err := json.Marshal(m)
		if err != nil {
			q.logger.Error("marshal retrying message failed", logpkg.Str("id", m.ID), logpkg.Err(err))
			return
		}
		readyAt := now.Add(q.cfg.RetryDelay).UnixMilli()
		_, err = q.client.Pipeline(ctx, [][]interface{}{
			{"SET", q.keys.msg(m.ID), string(body)},
			{"ZADD", q.keys.delayed(), readyAt, m.ID},
			{"HINCRBY", q.keys.stats(), queue.StatsFieldProcessing, -1},
			{"HINCRBY", q.keys.stats(), queue.StatsFieldProcMsTotal, procMs},
			{"HINCRBY", q.keys.stats(), queue.StatsFieldProcCount, 1},
			{"HSET", q.keys.stats(), queue.StatsFieldLastProcMs, now.UnixMilli()},
		})
		if err != nil {
			q.logger.Warn("record retry failed", logpkg.Str("id", m.ID), logpkg.Err(err))
		}
		q.logger.Warn("message failed, will retry",
			logpkg.Str("id", m.ID),
			logpkg.Int("retry_count", m.RetryCount),
			logpkg.Err(perr))

	case queue.DispositionDeadLetter:
		entry := queue.DeadLetterEntry{
			Message:  m,
			Queue:    q.cfg.Name,
			Reason:   perr.Error(),
			FailedAt: now,
		}
		body, err := json.Marshal(entry)
		if err != nil {
			q.logger.Error("marshal dead letter failed", logpkg.Str("id", m.ID), logpkg.Err(err))
			return
		}
		cmds := [][]interface{}{
			{"DEL", q.keys.msg(m.ID)},
			{"HINCRBY", q.keys.stats(), queue.StatsFieldProcessing, -1},
			{"HINCRBY", q.keys.stats(), queue.StatsFieldFailed, 1},
			{"HINCRBY", q.keys.stats(), queue.StatsFieldProcMsTotal, procMs},
			{"HINCRBY", q.keys.stats(), queue.StatsFieldProcCount, 1},
			{"HSET", q.keys.stats(), queue.StatsFieldLastProcMs, now.UnixMilli()},
		}
		if q.cfg.EnableDeadLetter {
			cmds = append(cmds,
				[]interface{}{"SET", q.keys.dlq(m.ID), string(body), "PX", q.cfg.DeadLetterRetention.Milliseconds()},
				[]interface{}{"ZADD", q.keys.dlqIdx(), now.UnixMilli(), m.ID},
				[]interface{}{"HINCRBY", q.keys.stats(), queue.StatsFieldDeadLetter, 1},
			)
		}
		if _, err := q.client.Pipeline(ctx, cmds); err != nil {
			q.logger.Warn("record dead letter failed", logpkg.Str("id", m.ID), logpkg.Err(err))
		}
		q.qm.DeadLettered()
		q.logger.Error("message dead-lettered",
			logpkg.Str("id", m.ID),
			logpkg.Int("retry_count", m.RetryCount),
			logpkg.Err(perr))
	}
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}
