package message

import (
	"fmt"
	"time"

	"github.com/rzbill/herald/pkg/id"
)

// DefaultMaxRetries applies when a producer does not override it.
const DefaultMaxRetries = 3

// Factory constructs well-formed messages with sane defaults.
type Factory struct {
	ids *id.Generator
	now func() time.Time
}

// NewFactory creates a Factory with its own ID generator.
func NewFactory() *Factory {
	return &Factory{ids: id.NewGenerator(), now: time.Now}
}

// Option customizes a message at construction time.
type Option func(*Message)

// WithPriority overrides the default priority.
func WithPriority(p Priority) Option {
	return func(m *Message) { m.Priority = p }
}

// WithMaxRetries overrides the default retry budget.
func WithMaxRetries(n int) Option {
	return func(m *Message) { m.MaxRetries = n }
}

// WithMetadata sets producer metadata.
func WithMetadata(md Metadata) Option {
	return func(m *Message) { m.Metadata = md }
}

// WithCorrelationID links the message to a request/reply exchange.
func WithCorrelationID(v string) Option {
	return func(m *Message) { m.CorrelationID = v }
}

// WithReplyTo names the queue a reply should be published to.
func WithReplyTo(queue string) Option {
	return func(m *Message) { m.ReplyTo = queue }
}

// WithTTL bounds how long the message stays deliverable.
func WithTTL(ttl time.Duration) Option {
	return func(m *Message) { m.TTL = ttl }
}

// NewMessage builds a pending message of the given type. Defaults: priority
// normal, maxRetries 3, retryCount 0, createdAt=updatedAt=now.
func (f *Factory) NewMessage(t Type, payload interface{}, opts ...Option) (*Message, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("message: invalid type %q", t)
	}
	if err := ValidatePayload(payload); err != nil {
		return nil, err
	}
	now := f.now().UTC()
	m := &Message{
		ID:         f.ids.Next().String(),
		Type:       t,
		Priority:   PriorityNormal,
		Status:     StatusPending,
		Payload:    payload,
		RetryCount: 0,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if !m.Priority.Valid() {
		return nil, fmt.Errorf("message: invalid priority %q", m.Priority)
	}
	if m.MaxRetries < 0 {
		return nil, fmt.Errorf("message: negative maxRetries %d", m.MaxRetries)
	}
	return m, nil
}

// NewCommand builds a command message. The payload is tagged with the command
// name; commands default to high priority.
func (f *Factory) NewCommand(command string, data interface{}, opts ...Option) (*Message, error) {
	payload := map[string]interface{}{
		"command": command,
		"data":    data,
	}
	opts = append([]Option{WithPriority(PriorityHigh)}, opts...)
	return f.NewMessage(TypeCommand, payload, opts...)
}

// NewEvent builds an event message tagged with the event name. Events default
// to normal priority.
func (f *Factory) NewEvent(event string, data interface{}, opts ...Option) (*Message, error) {
	payload := map[string]interface{}{
		"event": event,
		"data":  data,
	}
	return f.NewMessage(TypeEvent, payload, opts...)
}

// NewNotification builds a notification message tagged with the notification
// kind. Notifications default to normal priority.
func (f *Factory) NewNotification(kind string, data interface{}, opts ...Option) (*Message, error) {
	payload := map[string]interface{}{
		"notification": kind,
		"data":         data,
	}
	return f.NewMessage(TypeNotification, payload, opts...)
}
