// Package push implements the queue backend that delegates delivery to an
// external dispatch service. Publish registers a remote callback with a
// priority-derived delay instead of running a local drain loop; the
// dispatcher later invokes ProcessDelivery with the message body and owns
// the redelivery schedule. Because no pending state lives in this process,
// GetMessage and DeleteMessage are best-effort: they answer from what is
// locally materialized (in-flight deliveries and dead letters) and report
// absent otherwise.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rzbill/herald/internal/message"
	"github.com/rzbill/herald/internal/metrics"
	"github.com/rzbill/herald/internal/queue"
	logpkg "github.com/rzbill/herald/pkg/log"
)

// Config describes the dispatch service endpoint.
type Config struct {
	// URL is the dispatcher base URL.
	URL string
	// Token is sent as a bearer token when set.
	Token string
	// Timeout bounds each HTTP request. Zero means 10s.
	Timeout time.Duration
}

// Options carries the queue's dependencies.
type Options struct {
	Dispatcher Config
	Logger     logpkg.Logger
	Metrics    *metrics.QueueMetrics
	// HTTPClient overrides the default client, for tests.
	HTTPClient *http.Client
}

// ScheduleRequest is the envelope posted to the dispatcher on publish.
type ScheduleRequest struct {
	Queue   string           `json:"queue"`
	DelayMs int64            `json:"delayMs"`
	Message *message.Message `json:"message"`
}

// DeliveryResult tells the dispatcher what to do after an attempt.
type DeliveryResult struct {
	// Completed means the message is done; no redelivery.
	Completed bool `json:"completed"`
	// Retry asks the dispatcher to redeliver after RetryAfterMs.
	Retry        bool  `json:"retry"`
	RetryAfterMs int64 `json:"retryAfterMs,omitempty"`
}

// Queue is the push-dispatcher backend.
type Queue struct {
	cfg    queue.Config
	disp   Config
	http   *http.Client
	logger logpkg.Logger
	qm     *metrics.QueueMetrics

	mu       sync.Mutex
	inflight map[string]*message.Message
	dead     map[string]queue.DeadLetterEntry
	paused   bool
	closed   bool

	tracker    *queue.Tracker
	dispatcher *queue.Dispatcher
}

var _ queue.Queue = (*Queue)(nil)

// New creates a push queue and verifies the dispatcher endpoint with a
// health probe, so a bad URL fails at construction rather than first
// publish.
func New(ctx context.Context, cfg queue.Config, opts Options) (*Queue, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if opts.Dispatcher.URL == "" {
		return nil, &queue.ConnectionError{Transport: queue.TransportPush, Addr: opts.Dispatcher.URL,
			Err: fmt.Errorf("push: empty dispatcher URL")}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Dispatcher.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	q := &Queue{
		cfg:        cfg,
		disp:       opts.Dispatcher,
		http:       hc,
		logger:     logger.With(logpkg.Component("queue.push"), logpkg.Str("queue", cfg.Name)),
		inflight:   make(map[string]*message.Message),
		dead:       make(map[string]queue.DeadLetterEntry),
		tracker:    queue.NewTracker(),
		dispatcher: queue.NewDispatcher(),
	}
	q.disp.URL = strings.TrimRight(q.disp.URL, "/")
	if cfg.EnableMetrics {
		q.qm = opts.Metrics
	}
	if err := q.probe(ctx); err != nil {
		return nil, &queue.ConnectionError{Transport: queue.TransportPush, Addr: opts.Dispatcher.URL, Err: err}
	}
	return q, nil
}

func (q *Queue) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.disp.URL+"/health", nil)
	if err != nil {
		return err
	}
	q.authorize(req)
	resp, err := q.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("push: dispatcher health %s", resp.Status)
	}
	return nil
}

func (q *Queue) authorize(req *http.Request) {
	if q.disp.Token != "" {
		req.Header.Set("Authorization", "Bearer "+q.disp.Token)
	}
}

func (q *Queue) Name() string               { return q.cfg.Name }
func (q *Queue) Transport() queue.Transport { return queue.TransportPush }

// Publish registers a delayed remote callback for the message. The delay is
// derived from priority: critical now, low in 30s.
func (q *Queue) Publish(ctx context.Context, msg *message.Message) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return queue.NewOpError("publish", q.cfg.Name, queue.ErrQueueClosed)
	}
	q.mu.Unlock()

	if msg.MaxRetries <= 0 {
		msg.MaxRetries = q.cfg.MaxRetries
	}
	msg.Status = message.StatusPending
	msg.Touch(time.Now().UTC())

	body, err := json.Marshal(ScheduleRequest{
		Queue:   q.cfg.Name,
		DelayMs: queue.PushDelay(msg.Priority).Milliseconds(),
		Message: msg,
	})
	if err != nil {
		return queue.NewOpError("publish", q.cfg.Name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.disp.URL+"/schedule", bytes.NewReader(body))
	if err != nil {
		return queue.NewOpError("publish", q.cfg.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	q.authorize(req)

	resp, err := q.http.Do(req)
	if err != nil {
		return queue.NewOpError("publish", q.cfg.Name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return queue.NewOpError("publish", q.cfg.Name,
			fmt.Errorf("push: dispatcher %s", resp.Status))
	}

	q.tracker.OnPublish(1)
	q.qm.Published(1)
	return nil
}

// PublishBatch registers callbacks sequentially; the dispatcher API is
// per-message.
func (q *Queue) PublishBatch(ctx context.Context, msgs []*message.Message) error {
	for _, m := range msgs {
		if err := q.Publish(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a handler invoked from ProcessDelivery.
func (q *Queue) Subscribe(h queue.Handler) error {
	return q.dispatcher.Add(h)
}

// Unsubscribe removes a handler by name.
func (q *Queue) Unsubscribe(name string) error {
	q.dispatcher.Remove(name)
	return nil
}

// ProcessDelivery is the dispatcher-invoked entrypoint. It runs the message
// through the first matching handler and reports the outcome back through
// the stats path. The dispatcher owns the redelivery schedule; the returned
// result only tells it whether and when to redeliver.
func (q *Queue) ProcessDelivery(ctx context.Context, m *message.Message) (DeliveryResult, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return DeliveryResult{}, queue.NewOpError("deliver", q.cfg.Name, queue.ErrQueueClosed)
	}
	if q.paused {
		q.mu.Unlock()
		return DeliveryResult{Retry: true, RetryAfterMs: q.cfg.RetryDelay.Milliseconds()}, nil
	}
	if m.MaxRetries <= 0 {
		m.MaxRetries = q.cfg.MaxRetries
	}
	now := time.Now().UTC()
	queue.MarkProcessing(m, now)
	q.inflight[m.ID] = m
	q.mu.Unlock()

	q.tracker.OnProcessingStart()
	defer q.tracker.OnProcessingEnd()
	defer func() {
		q.mu.Lock()
		delete(q.inflight, m.ID)
		q.mu.Unlock()
	}()

	res, h, matched := q.dispatcher.Dispatch(ctx, m, q.cfg.VisibilityTimeout)
	now = time.Now().UTC()

	if !matched {
		return DeliveryResult{Retry: true, RetryAfterMs: q.cfg.RetryDelay.Milliseconds()}, nil
	}

	q.qm.Attempt(res.ProcessingTime)

	if res.Success {
		queue.MarkCompleted(m, now)
		q.tracker.OnCompleted(res.ProcessingTime, now)
		q.qm.Completed()
		return DeliveryResult{Completed: true}, nil
	}

	perr := &queue.ProcessingError{Queue: q.cfg.Name, Handler: h.Name(), MsgID: m.ID, Err: res.Err}
	q.tracker.OnAttempt(res.ProcessingTime, now)

	switch queue.Fail(m, now) {
	case queue.DispositionRetry:
		q.logger.Warn("delivery failed, dispatcher will retry",
			logpkg.Str("id", m.ID),
			logpkg.Int("retry_count", m.RetryCount),
			logpkg.Err(perr))
		return DeliveryResult{Retry: true, RetryAfterMs: q.cfg.RetryDelay.Milliseconds()}, nil
	default:
		if q.cfg.EnableDeadLetter {
			q.mu.Lock()
			q.dead[m.ID] = queue.DeadLetterEntry{
				Message:  m,
				Queue:    q.cfg.Name,
				Reason:   perr.Error(),
				FailedAt: now,
			}
			q.mu.Unlock()
		}
		q.tracker.OnDeadLetter()
		q.qm.DeadLettered()
		q.logger.Error("message dead-lettered",
			logpkg.Str("id", m.ID),
			logpkg.Int("retry_count", m.RetryCount),
			logpkg.Err(perr))
		return DeliveryResult{Completed: true}, nil
	}
}

// Stats returns a snapshot of locally observed counters.
func (q *Queue) Stats(context.Context) (queue.Stats, error) {
	return q.tracker.Snapshot(q.cfg.Name, queue.TransportPush), nil
}

// Purge clears local state. Deliveries already scheduled with the external
// dispatcher cannot be recalled; they will arrive and find no handler state.
func (q *Queue) Purge(context.Context) error {
	q.mu.Lock()
	q.inflight = make(map[string]*message.Message)
	q.dead = make(map[string]queue.DeadLetterEntry)
	q.mu.Unlock()
	q.tracker.Reset()
	return nil
}

// Pause makes ProcessDelivery ask the dispatcher to redeliver later instead
// of invoking handlers.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume re-enables delivery processing.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
}

// GetMessage answers from locally materialized state only: an in-flight
// delivery or a dead letter. Pending messages live in the dispatcher and
// report (nil, nil) here.
func (q *Queue) GetMessage(_ context.Context, id string) (*message.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if m, ok := q.inflight[id]; ok {
		return m.Clone(), nil
	}
	if e, ok := q.dead[id]; ok {
		return e.Message.Clone(), nil
	}
	return nil, nil
}

// DeleteMessage is best-effort: it can only remove locally materialized
// state and reports false for messages held by the dispatcher.
func (q *Queue) DeleteMessage(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[id]; ok {
		delete(q.inflight, id)
		q.tracker.OnMessageDelete()
		return true, nil
	}
	return false, nil
}

// RetryMessage has no pending pool to rank into; the dispatcher owns
// scheduling.
func (q *Queue) RetryMessage(_ context.Context, id string) error {
	return queue.NewOpError("retry", q.cfg.Name,
		fmt.Errorf("push: retry scheduling is owned by the dispatcher"))
}

// PendingMessages reports the locally known in-flight set; the pending pool
// proper lives in the dispatcher.
func (q *Queue) PendingMessages(_ context.Context, limit int) ([]*message.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*message.Message, 0, len(q.inflight))
	for _, m := range q.inflight {
		out = append(out, m)
	}
	queue.SortPending(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeadLetters lists locally recorded dead letters, newest first.
func (q *Queue) DeadLetters(_ context.Context, offset, limit int) ([]queue.DeadLetterEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	entries := make([]queue.DeadLetterEntry, 0, len(q.dead))
	for _, e := range q.dead {
		entries = append(entries, e)
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

// ReplayDeadLetter re-registers the message with the dispatcher and removes
// the local dead-letter entry.
func (q *Queue) ReplayDeadLetter(ctx context.Context, id string) error {
	q.mu.Lock()
	e, ok := q.dead[id]
	if !ok {
		q.mu.Unlock()
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "replay", Err: queue.ErrMessageNotFound}
	}
	q.mu.Unlock()

	m := e.Message.Clone()
	queue.MarkReplayed(m, time.Now().UTC())
	if err := q.Publish(ctx, m); err != nil {
		return &queue.DeadLetterError{Queue: q.cfg.Name, MsgID: id, Op: "replay", Err: err}
	}

	q.mu.Lock()
	delete(q.dead, id)
	q.mu.Unlock()
	q.tracker.OnReplay()
	// Publish counted the replayed message into total already.
	q.qm.Replayed()
	return nil
}

// DeleteDeadLetter removes a local dead-letter entry.
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

// Close marks the queue closed. There is no drain loop or pooled
// connection to release.
func (q *Queue) Close(context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}
