package queue

import (
	"context"
	"time"

	"github.com/rzbill/herald/internal/message"
)

// Result is what a handler reports for one processing attempt.
type Result struct {
	Success        bool          `json:"success"`
	Data           interface{}   `json:"data,omitempty"`
	Err            error         `json:"-"`
	ProcessingTime time.Duration `json:"processingTime"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Handler is a named predicate+processor pair claiming and executing
// messages.
type Handler interface {
	// Name identifies the handler within a queue for Unsubscribe.
	Name() string
	// CanHandle decides whether this handler claims the message.
	CanHandle(m *message.Message) bool
	// Handle processes a claimed message. The context carries the
	// queue-configured processing timeout.
	Handle(ctx context.Context, m *message.Message) Result
}

// HandlerFunc processes a message and returns (data, error).
type HandlerFunc func(ctx context.Context, m *message.Message) (interface{}, error)

type funcHandler struct {
	name    string
	matches func(*message.Message) bool
	fn      HandlerFunc
}

// NewHandler builds a handler claiming messages of the given type. An empty
// type claims every message.
func NewHandler(name string, msgType message.Type, fn HandlerFunc) Handler {
	return &funcHandler{
		name: name,
		matches: func(m *message.Message) bool {
			return msgType == "" || m.Type == msgType
		},
		fn: fn,
	}
}

// NewPredicateHandler builds a handler with an arbitrary claim predicate.
func NewPredicateHandler(name string, canHandle func(*message.Message) bool, fn HandlerFunc) Handler {
	return &funcHandler{name: name, matches: canHandle, fn: fn}
}

func (h *funcHandler) Name() string { return h.name }

func (h *funcHandler) CanHandle(m *message.Message) bool {
	if h.matches == nil {
		return true
	}
	return h.matches(m)
}

func (h *funcHandler) Handle(ctx context.Context, m *message.Message) Result {
	start := time.Now()
	data, err := h.fn(ctx, m)
	res := Result{
		Success:        err == nil,
		Data:           data,
		Err:            err,
		ProcessingTime: time.Since(start),
		Timestamp:      time.Now().UTC(),
	}
	return res
}
