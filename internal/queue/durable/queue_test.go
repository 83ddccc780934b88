package durable_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/rzbill/herald/internal/message"
	"github.com/rzbill/herald/internal/queue"
	"github.com/rzbill/herald/internal/queue/durable"
	"github.com/rzbill/herald/internal/queue/durable/redisclient"
)

func newTestQueue(t *testing.T, mutate func(*queue.Config)) (*durable.Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := redisclient.New(context.Background(), redisclient.Config{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	cfg := queue.DefaultConfig("orders", queue.TransportRedis)
	cfg.DrainInterval = 5 * time.Millisecond
	cfg.RetryDelay = 5 * time.Millisecond
	cfg.EnableMetrics = false
	if mutate != nil {
		mutate(&cfg)
	}

	q, err := durable.New(cfg, durable.Options{Client: client, OwnsClient: true})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close(context.Background()) })
	return q, mr
}

func mustMsg(t *testing.T, f *message.Factory, typ message.Type, opts ...message.Option) *message.Message {
	t.Helper()
	m, err := f.NewMessage(typ, map[string]interface{}{"n": 1}, opts...)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	return m
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectFailureIsImmediate(t *testing.T) {
	_, err := redisclient.New(context.Background(), redisclient.Config{Addr: "127.0.0.1:1"})
	var cerr *queue.ConnectionError
	if !errors.As(err, &cerr) {
		t.Fatalf("want ConnectionError, got %v", err)
	}
}

func TestPublishPersistsAndRanks(t *testing.T) {
	q, _ := newTestQueue(t, func(cfg *queue.Config) {
		cfg.DrainInterval = time.Minute // keep the drain loop out of the way
	})
	f := message.NewFactory()
	ctx := context.Background()

	low := mustMsg(t, f, message.TypeTask, message.WithPriority(message.PriorityLow))
	normalA := mustMsg(t, f, message.TypeTask)
	normalB := mustMsg(t, f, message.TypeTask)
	critical := mustMsg(t, f, message.TypeTask, message.WithPriority(message.PriorityCritical))

	if err := q.PublishBatch(ctx, []*message.Message{low, normalA, normalB, critical}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got, err := q.PendingMessages(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	want := []string{critical.ID, normalA.ID, normalB.ID, low.ID}
	if len(got) != len(want) {
		t.Fatalf("pending count = %d, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("pending[%d] = %s, want %s", i, got[i].ID, id)
		}
	}

	stored, err := q.GetMessage(ctx, normalA.ID)
	if err != nil || stored == nil {
		t.Fatalf("get = (%v, %v)", stored, err)
	}
	if stored.Status != message.StatusPending || stored.Seq == 0 {
		t.Fatalf("stored message: %+v", stored)
	}

	s, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if s.Total != 4 || s.Pending != 4 {
		t.Fatalf("stats after publish: %+v", s)
	}
}

func TestProcessSuccess(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	f := message.NewFactory()
	ctx := context.Background()

	var handled int64
	if err := q.Subscribe(queue.NewHandler("all", "", func(ctx context.Context, m *message.Message) (interface{}, error) {
		atomic.AddInt64(&handled, 1)
		return "ok", nil
	})); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	m := mustMsg(t, f, message.TypeTask)
	if err := q.Publish(ctx, m); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool {
		s, _ := q.Stats(ctx)
		return s.Completed == 1 && s.Processing == 0
	}, "completed stats")

	s, _ := q.Stats(ctx)
	if s.Total != 1 || s.Pending != 0 || s.Failed != 0 {
		t.Fatalf("stats after success: %+v", s)
	}
	if s.LastProcessedAt.IsZero() {
		t.Fatalf("lastProcessedAt should be set")
	}

	// The body is removed once processing completes.
	got, err := q.GetMessage(ctx, m.ID)
	if got != nil || err != nil {
		t.Fatalf("completed body = (%v, %v), want (nil, nil)", got, err)
	}
}

func TestRetriesExhaustedDeadLetters(t *testing.T) {
	q, mr := newTestQueue(t, nil)
	f := message.NewFactory()
	ctx := context.Background()

	var calls int64
	if err := q.Subscribe(queue.NewHandler("doomed", "", func(ctx context.Context, m *message.Message) (interface{}, error) {
		atomic.AddInt64(&calls, 1)
		return nil, errors.New("permanent")
	})); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	m := mustMsg(t, f, message.TypeJob, message.WithMaxRetries(2))
	if err := q.Publish(ctx, m); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool {
		s, _ := q.Stats(ctx)
		return s.DeadLetter == 1
	}, "dead letter")

	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Fatalf("handler calls = %d, want maxRetries = 2", got)
	}

	entries, err := q.DeadLetters(ctx, 0, 10)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(entries) != 1 || entries[0].Message.ID != m.ID {
		t.Fatalf("dead letter listing: %+v", entries)
	}
	if entries[0].Message.RetryCount != entries[0].Message.MaxRetries {
		t.Fatalf("dead letter retryCount = %d, want %d",
			entries[0].Message.RetryCount, entries[0].Message.MaxRetries)
	}

	// Dead-letter bodies carry the retention TTL.
	ttl := mr.TTL("herald:q:orders:dlq:" + m.ID)
	if ttl <= 0 {
		t.Fatalf("dead letter TTL = %v, want retention bound", ttl)
	}

	s, _ := q.Stats(ctx)
	if s.Failed != 1 || s.Pending != 0 {
		t.Fatalf("stats after exhaustion: %+v", s)
	}
}

func TestReplayDeadLetter(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	f := message.NewFactory()
	ctx := context.Background()

	var fail int32 = 1
	if err := q.Subscribe(queue.NewHandler("toggle", "", func(ctx context.Context, m *message.Message) (interface{}, error) {
		if atomic.LoadInt32(&fail) == 1 {
			return nil, errors.New("down")
		}
		return nil, nil
	})); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	m := mustMsg(t, f, message.TypeEvent, message.WithMaxRetries(1))
	if err := q.Publish(ctx, m); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool {
		s, _ := q.Stats(ctx)
		return s.DeadLetter == 1
	}, "dead letter before replay")

	atomic.StoreInt32(&fail, 0)
	if err := q.ReplayDeadLetter(ctx, m.ID); err != nil {
		t.Fatalf("replay: %v", err)
	}

	waitFor(t, func() bool {
		s, _ := q.Stats(ctx)
		return s.Completed == 1
	}, "completion after replay")

	s, _ := q.Stats(ctx)
	if s.Failed != 0 || s.DeadLetter != 0 {
		t.Fatalf("replay must clear failure counters: %+v", s)
	}

	if err := q.ReplayDeadLetter(ctx, m.ID); err == nil {
		t.Fatalf("second replay should report missing entry")
	}
}

func TestDeleteAndMissingLookups(t *testing.T) {
	q, _ := newTestQueue(t, func(cfg *queue.Config) {
		cfg.DrainInterval = time.Minute
	})
	f := message.NewFactory()
	ctx := context.Background()

	got, err := q.GetMessage(ctx, "absent")
	if got != nil || err != nil {
		t.Fatalf("missing get = (%v, %v), want (nil, nil)", got, err)
	}

	m := mustMsg(t, f, message.TypeTask)
	if err := q.Publish(ctx, m); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ok, err := q.DeleteMessage(ctx, m.ID)
	if !ok || err != nil {
		t.Fatalf("delete = (%v, %v)", ok, err)
	}
	ok, err = q.DeleteMessage(ctx, m.ID)
	if ok || err != nil {
		t.Fatalf("second delete = (%v, %v), want (false, nil)", ok, err)
	}

	s, _ := q.Stats(ctx)
	if s.Total != 0 || s.Pending != 0 {
		t.Fatalf("stats after delete: %+v", s)
	}

	if err := q.RetryMessage(ctx, "absent"); !errors.Is(err, queue.ErrMessageNotFound) {
		t.Fatalf("retry missing = %v", err)
	}
	if err := q.DeleteDeadLetter(ctx, "absent"); !errors.Is(err, queue.ErrMessageNotFound) {
		t.Fatalf("delete missing dead letter = %v", err)
	}
}

func TestPurgeDropsAllKeys(t *testing.T) {
	q, mr := newTestQueue(t, func(cfg *queue.Config) {
		cfg.DrainInterval = time.Minute
	})
	f := message.NewFactory()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Publish(ctx, mustMsg(t, f, message.TypeTask)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if err := q.Purge(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}

	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("keys after purge: %v", keys)
	}
	s, _ := q.Stats(ctx)
	if s.Total != 0 || s.Pending != 0 {
		t.Fatalf("stats after purge: %+v", s)
	}
	if err := q.Purge(ctx); err != nil {
		t.Fatalf("purge must be idempotent: %v", err)
	}
}

func TestPurgeRemovesInFlightBodies(t *testing.T) {
	q, mr := newTestQueue(t, nil)
	f := message.NewFactory()
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	if err := q.Subscribe(queue.NewHandler("slow", "", func(ctx context.Context, m *message.Message) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	})); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := q.Publish(ctx, mustMsg(t, f, message.TypeTask)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatalf("message never claimed")
	}

	// The claimed message is gone from the pending pool but its body is
	// still stored; purge must sweep it anyway.
	if err := q.Purge(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}
	for _, key := range mr.Keys() {
		if strings.Contains(key, ":msg:") {
			t.Fatalf("in-flight body survived purge: %s", key)
		}
	}
}

func TestPauseStopsDraining(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	f := message.NewFactory()
	ctx := context.Background()

	var handled int64
	if err := q.Subscribe(queue.NewHandler("all", "", func(ctx context.Context, m *message.Message) (interface{}, error) {
		atomic.AddInt64(&handled, 1)
		return nil, nil
	})); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	q.Pause()
	if err := q.Publish(ctx, mustMsg(t, f, message.TypeTask)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if atomic.LoadInt64(&handled) != 0 {
		t.Fatalf("paused queue must not process")
	}

	q.Resume()
	waitFor(t, func() bool { return atomic.LoadInt64(&handled) == 1 }, "processing after resume")
}
