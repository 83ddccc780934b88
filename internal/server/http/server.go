package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rzbill/herald/internal/broker"
	"github.com/rzbill/herald/internal/message"
	"github.com/rzbill/herald/internal/metrics"
	"github.com/rzbill/herald/internal/queue"
	"github.com/rzbill/herald/internal/queue/push"
)

// Server exposes broker operations over HTTP for tooling and dashboards.
type Server struct {
	b       *broker.Broker
	factory *message.Factory
	srv     *http.Server
	lis     net.Listener
}

func New(b *broker.Broker, reg *metrics.Registry) *Server {
	mux := http.NewServeMux()
	s := &Server{b: b, factory: message.NewFactory(), srv: &http.Server{Handler: cors(mux)}}
	mux.HandleFunc("/v1/healthz", s.handleHealth)
	mux.HandleFunc("/v1/queues/create", s.handleQueueCreate)
	mux.HandleFunc("/v1/queues/publish", s.handlePublish)
	mux.HandleFunc("/v1/queues/stats", s.handleStats)
	mux.HandleFunc("/v1/queues/pending", s.handlePending)
	mux.HandleFunc("/v1/queues/purge", s.handlePurge)
	mux.HandleFunc("/v1/queues/pause", s.handlePause)
	mux.HandleFunc("/v1/queues/resume", s.handleResume)
	mux.HandleFunc("/v1/queues/remove", s.handleQueueRemove)
	mux.HandleFunc("/v1/push/deliver", s.handlePushDeliver)
	mux.HandleFunc("/v1/dlq/list", s.handleDeadLetters)
	mux.HandleFunc("/v1/dlq/replay", s.handleDLQReplay)
	mux.HandleFunc("/v1/dlq/delete", s.handleDLQDelete)
	mux.HandleFunc("/v1/metricsz", s.handleMetrics)
	if reg != nil {
		mux.Handle("/metrics", reg.Handler())
	}
	return s
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

// Handler returns the root handler, used by tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.b.GetHealth(r.Context())
	code := http.StatusOK
	if h.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

type queueCreateReq struct {
	Queue     string `json:"queue"`
	Transport string `json:"transport"`
}

func (s *Server) handleQueueCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req queueCreateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	q, err := s.b.GetOrCreateQueue(r.Context(), req.Queue, queue.Transport(req.Transport))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"queue":     q.Name(),
		"transport": string(q.Transport()),
	})
}

type publishReq struct {
	Queue      string           `json:"queue"`
	Transport  string           `json:"transport"`
	Type       string           `json:"type"`
	Payload    interface{}      `json:"payload"`
	Priority   string           `json:"priority"`
	MaxRetries int              `json:"maxRetries"`
	TTLMs      int64            `json:"ttlMs"`
	Metadata   message.Metadata `json:"metadata"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req publishReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	t := message.Type(req.Type)
	if req.Type == "" {
		t = message.TypeTask
	}
	var opts []message.Option
	if req.Priority != "" {
		opts = append(opts, message.WithPriority(message.Priority(req.Priority)))
	}
	if req.MaxRetries > 0 {
		opts = append(opts, message.WithMaxRetries(req.MaxRetries))
	}
	if req.TTLMs > 0 {
		opts = append(opts, message.WithTTL(time.Duration(req.TTLMs)*time.Millisecond))
	}
	opts = append(opts, message.WithMetadata(req.Metadata))
	m, err := s.factory.NewMessage(t, req.Payload, opts...)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	q, err := s.b.GetOrCreateQueue(r.Context(), req.Queue, queue.Transport(req.Transport))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := q.Publish(r.Context(), m); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": m.ID})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if name := r.URL.Query().Get("queue"); name != "" {
		q := s.b.GetQueue(name)
		if q == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		st, err := q.Stats(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
		return
	}
	all, err := s.b.AllQueueStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := s.b.GetQueue(r.URL.Query().Get("queue"))
	if q == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	limit := queryInt(r, "limit", 50)
	msgs, err := q.PendingMessages(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type queueReq struct {
	Queue string `json:"queue"`
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req queueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.Queue == "" {
		s.b.PurgeAllQueues(r.Context())
		w.WriteHeader(http.StatusNoContent)
		return
	}
	q := s.b.GetQueue(req.Queue)
	if q == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err := q.Purge(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.togglePause(w, r, true)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.togglePause(w, r, false)
}

func (s *Server) togglePause(w http.ResponseWriter, r *http.Request, pause bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req queueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.Queue == "" {
		if pause {
			s.b.PauseAllQueues()
		} else {
			s.b.ResumeAllQueues()
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	q := s.b.GetQueue(req.Queue)
	if q == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if pause {
		q.Pause()
	} else {
		q.Resume()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueueRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req queueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := s.b.RemoveQueue(r.Context(), req.Queue); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type pushDeliverReq struct {
	Queue   string           `json:"queue"`
	Message *message.Message `json:"message"`
}

// handlePushDeliver is the callback the external dispatcher invokes to hand a
// scheduled message back for processing. It only applies to push queues.
func (s *Server) handlePushDeliver(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req pushDeliverReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	q := s.b.GetQueue(req.Queue)
	if q == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	pq, ok := q.(*push.Queue)
	if !ok {
		writeError(w, http.StatusBadRequest,
			fmt.Errorf("queue %q is not a push queue", req.Queue))
		return
	}
	res, err := pq.ProcessDelivery(r.Context(), req.Message)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := s.b.GetQueue(r.URL.Query().Get("queue"))
	if q == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 50)
	entries, err := q.DeadLetters(r.Context(), offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type dlqReq struct {
	Queue string `json:"queue"`
	ID    string `json:"id"`
}

func (s *Server) handleDLQReplay(w http.ResponseWriter, r *http.Request) {
	s.dlqAction(w, r, func(ctx context.Context, q queue.Queue, id string) error {
		return q.ReplayDeadLetter(ctx, id)
	})
}

func (s *Server) handleDLQDelete(w http.ResponseWriter, r *http.Request) {
	s.dlqAction(w, r, func(ctx context.Context, q queue.Queue, id string) error {
		return q.DeleteDeadLetter(ctx, id)
	})
}

func (s *Server) dlqAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, queue.Queue, string) error) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req dlqReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	q := s.b.GetQueue(req.Queue)
	if q == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err := fn(r.Context(), q, req.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	m, err := s.b.GetMetrics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
