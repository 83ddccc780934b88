package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rzbill/herald/internal/broker"
	"github.com/rzbill/herald/internal/message"
	"github.com/rzbill/herald/internal/queue"
	"github.com/rzbill/herald/internal/queue/push"
)

func newTestServer(t *testing.T) (*Server, *broker.Broker) {
	t.Helper()
	b := broker.New(broker.Config{DefaultTransport: queue.TransportMemory}, broker.Options{})
	t.Cleanup(func() { _ = b.Destroy(context.Background()) })
	return New(b, nil), b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestQueueCreateHandler(t *testing.T) {
	s, b := newTestServer(t)
	body := `{"queue":"orders","transport":"memory"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/queues/create", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("status: %d", w.Code)
	}
	if b.GetQueue("orders") == nil {
		t.Fatalf("queue not registered")
	}
}

func TestPublishAndStatsHandlers(t *testing.T) {
	s, b := newTestServer(t)
	body := `{"queue":"orders","payload":{"order":42},"priority":"high","metadata":{"source":"cms","tags":["urgent"]}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/queues/publish", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("publish status: %d, body %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp["id"] == "" {
		t.Fatalf("publish response: %s", w.Body.String())
	}

	stored, err := b.GetQueue("orders").GetMessage(context.Background(), resp["id"])
	if err != nil || stored == nil {
		t.Fatalf("stored message: %v", err)
	}
	if stored.Metadata.Source != "cms" || len(stored.Metadata.Tags) != 1 {
		t.Fatalf("metadata not applied: %+v", stored.Metadata)
	}
	if stored.Priority != message.PriorityHigh {
		t.Fatalf("priority = %s", stored.Priority)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/queues/stats?queue=orders", nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("stats status: %d", w.Code)
	}
	var st queue.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("stats decode: %v", err)
	}
	if st.Total != 1 {
		t.Fatalf("total = %d, want 1", st.Total)
	}
}

func TestStatsUnknownQueue(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/queues/stats?queue=nope", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestPurgeAndPauseHandlers(t *testing.T) {
	s, b := newTestServer(t)
	ctx := context.Background()
	q, err := b.GetOrCreateQueue(ctx, "orders", queue.TransportMemory)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m, _ := message.NewFactory().NewMessage(message.TypeTask, nil)
	if err := q.Publish(ctx, m); err != nil {
		t.Fatalf("publish: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/queues/pause", strings.NewReader(`{"queue":"orders"}`))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("pause status: %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/queues/purge", strings.NewReader(`{"queue":"orders"}`))
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("purge status: %d", w.Code)
	}
	st, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Total != 0 {
		t.Fatalf("queue not purged: %+v", st)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/queues/resume", strings.NewReader(`{"queue":"orders"}`))
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("resume status: %d", w.Code)
	}
}

func TestDeadLetterHandlers(t *testing.T) {
	s, b := newTestServer(t)
	ctx := context.Background()

	cfg := queue.DefaultConfig("orders", queue.TransportMemory)
	cfg.DrainInterval = 5 * time.Millisecond
	cfg.RetryDelay = 5 * time.Millisecond
	q, err := b.CreateQueue(ctx, cfg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := q.Subscribe(queue.NewHandler("fail", message.TypeTask, func(ctx context.Context, m *message.Message) (interface{}, error) {
		return nil, errors.New("boom")
	})); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	m, _ := message.NewFactory().NewMessage(message.TypeTask, nil, message.WithMaxRetries(1))
	if err := q.Publish(ctx, m); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool {
		entries, err := q.DeadLetters(ctx, 0, 10)
		return err == nil && len(entries) == 1
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/dlq/list?queue=orders", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("list status: %d", w.Code)
	}
	var entries []queue.DeadLetterEntry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil || len(entries) != 1 {
		t.Fatalf("list body: %s", w.Body.String())
	}
	if entries[0].Message.ID != m.ID || entries[0].Reason == "" {
		t.Fatalf("entry: %+v", entries[0])
	}

	body := `{"queue":"orders","id":"` + m.ID + `"}`
	req = httptest.NewRequest(http.MethodPost, "/v1/dlq/delete", strings.NewReader(body))
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status: %d, body %s", w.Code, w.Body.String())
	}
	entriesAfter, err := q.DeadLetters(ctx, 0, 10)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(entriesAfter) != 0 {
		t.Fatalf("entry not deleted: %+v", entriesAfter)
	}
}

func TestPushDeliverHandler(t *testing.T) {
	disp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/schedule":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer disp.Close()

	b := broker.New(broker.Config{
		DefaultTransport: queue.TransportMemory,
		Push:             push.Config{URL: disp.URL},
	}, broker.Options{})
	t.Cleanup(func() { _ = b.Destroy(context.Background()) })
	s := New(b, nil)

	ctx := context.Background()
	q, err := b.GetOrCreateQueue(ctx, "notify", queue.TransportPush)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var handled int32
	if err := q.Subscribe(queue.NewHandler("ok", message.TypeTask, func(ctx context.Context, m *message.Message) (interface{}, error) {
		atomic.AddInt32(&handled, 1)
		return nil, nil
	})); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	m, _ := message.NewFactory().NewMessage(message.TypeTask, map[string]interface{}{"n": 1})
	body, _ := json.Marshal(map[string]interface{}{"queue": "notify", "message": m})
	req := httptest.NewRequest(http.MethodPost, "/v1/push/deliver", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("deliver status: %d, body %s", w.Code, w.Body.String())
	}
	var res push.DeliveryResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Completed || res.Retry {
		t.Fatalf("result: %+v", res)
	}
	if atomic.LoadInt32(&handled) != 1 {
		t.Fatalf("handler runs = %d", handled)
	}

	// Delivery callbacks only make sense for push queues.
	if _, err := b.GetOrCreateQueue(ctx, "local", queue.TransportMemory); err != nil {
		t.Fatalf("create memory: %v", err)
	}
	body, _ = json.Marshal(map[string]interface{}{"queue": "local", "message": m})
	req = httptest.NewRequest(http.MethodPost, "/v1/push/deliver", bytes.NewReader(body))
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("non-push deliver status: %d", w.Code)
	}
}

func TestMetricszHandler(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/metricsz", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	var m broker.Metrics
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
}
