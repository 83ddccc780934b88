package message

import (
	"time"
)

// Type classifies what a message asks the consumer to do.
type Type string

// Message types
const (
	TypeCommand      Type = "command"
	TypeQuery        Type = "query"
	TypeEvent        Type = "event"
	TypeNotification Type = "notification"
	TypeTask         Type = "task"
	TypeJob          Type = "job"
)

// Valid reports whether t is a known message type.
func (t Type) Valid() bool {
	switch t {
	case TypeCommand, TypeQuery, TypeEvent, TypeNotification, TypeTask, TypeJob:
		return true
	}
	return false
}

// Priority orders draining: critical first, low last.
type Priority string

// Priorities
const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Status is the lifecycle state of a message inside a queue.
type Status string

// Statuses
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
	StatusDeadLetter Status = "dead_letter"
)

// Terminal reports whether the status admits no further transitions other
// than explicit replay.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// Metadata carries producer-supplied context that travels with the message.
type Metadata struct {
	Source  string   `json:"source,omitempty"`
	Version string   `json:"version,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	TraceID string   `json:"traceId,omitempty"`
	SpanID  string   `json:"spanId,omitempty"`
}

// Message is the unit of work flowing through a queue.
//
// Seq is assigned by the queue at publish time; it is a per-queue
// monotonically increasing sequence used to break priority ties FIFO.
type Message struct {
	ID       string   `json:"id"`
	Type     Type     `json:"type"`
	Priority Priority `json:"priority"`
	Status   Status   `json:"status"`

	Payload  interface{} `json:"payload"`
	Metadata Metadata    `json:"metadata"`

	CorrelationID string        `json:"correlationId,omitempty"`
	ReplyTo       string        `json:"replyTo,omitempty"`
	TTL           time.Duration `json:"ttl,omitempty"`

	RetryCount int `json:"retryCount"`
	MaxRetries int `json:"maxRetries"`

	Seq uint64 `json:"seq,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CanRetry reports whether the message has retry attempts remaining.
func (m *Message) CanRetry() bool {
	return m.RetryCount < m.MaxRetries
}

// Expired reports whether the message's TTL has elapsed at now. Zero TTL
// never expires.
func (m *Message) Expired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return now.After(m.CreatedAt.Add(m.TTL))
}

// Touch updates UpdatedAt.
func (m *Message) Touch(now time.Time) {
	m.UpdatedAt = now
}

// Clone returns a shallow copy. Payload and metadata tags are shared; callers
// treat payloads as immutable once published.
func (m *Message) Clone() *Message {
	cp := *m
	return &cp
}
