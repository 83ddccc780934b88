package queue

import (
	"context"
	"time"

	"github.com/rzbill/herald/internal/message"
)

// Transport identifies a backend implementation.
type Transport string

// Transports
const (
	TransportMemory   Transport = "memory"
	TransportRedis    Transport = "redis"
	TransportKVRest   Transport = "kvrest"
	TransportPush     Transport = "push"
	TransportEmbedded Transport = "embedded"
)

// Valid reports whether t names a known transport.
func (t Transport) Valid() bool {
	switch t {
	case TransportMemory, TransportRedis, TransportKVRest, TransportPush, TransportEmbedded:
		return true
	}
	return false
}

// Queue is the common contract every backend implements.
//
// Publish is asynchronous acceptance: it returns once the message is
// persisted and ranked, not once it is processed. Callers observe eventual
// state via Stats, GetMessage, and the dead-letter listing.
type Queue interface {
	// Name returns the queue name.
	Name() string
	// Transport returns the backend transport kind.
	Transport() Transport

	// Publish persists the message body and inserts it into the
	// priority-ordered pending index. Safe under concurrent calls.
	// Re-publishing an id that already reached dead_letter is undefined
	// behavior; ids must be unique per publish.
	Publish(ctx context.Context, msg *message.Message) error
	// PublishBatch bulk-publishes. On durable backends this is one
	// pipelined operation, not N sequential calls.
	PublishBatch(ctx context.Context, msgs []*message.Message) error

	// Subscribe registers a named processor. Dispatch delivers each drained
	// message to the first registered handler whose CanHandle matches.
	Subscribe(h Handler) error
	// Unsubscribe removes a handler by name.
	Unsubscribe(name string) error

	// Stats returns a point-in-time snapshot of counters.
	Stats(ctx context.Context) (Stats, error)

	// Purge deletes all message and dead-letter state. Idempotent.
	Purge(ctx context.Context) error

	// Pause stops the background drain loop without discarding state.
	// Publish and point operations remain available while paused.
	Pause()
	// Resume restarts the drain loop.
	Resume()

	// GetMessage returns the stored message, or (nil, nil) when absent.
	GetMessage(ctx context.Context, id string) (*message.Message, error)
	// DeleteMessage removes a message and its index entries. Returns whether
	// anything was deleted.
	DeleteMessage(ctx context.Context, id string) (bool, error)
	// RetryMessage re-ranks a message for another attempt. Fails when
	// retryCount already reached maxRetries.
	RetryMessage(ctx context.Context, id string) error

	// PendingMessages returns up to limit pending messages ordered by
	// priority, critical first, FIFO within a tier.
	PendingMessages(ctx context.Context, limit int) ([]*message.Message, error)

	// DeadLetters lists dead-letter entries newest first.
	DeadLetters(ctx context.Context, offset, limit int) ([]DeadLetterEntry, error)
	// ReplayDeadLetter republishes a dead-lettered message with retryCount
	// reset to 0 and removes the dead-letter entry.
	ReplayDeadLetter(ctx context.Context, id string) error
	// DeleteDeadLetter removes a dead-letter entry without replaying it.
	DeleteDeadLetter(ctx context.Context, id string) error

	// Close stops the drain loop and releases per-queue resources. Shared
	// backend connections are owned by the broker, not the queue.
	Close(ctx context.Context) error
}

// DeadLetterEntry is a message parked after exhausting its retries, together
// with the failure context required for triage and replay.
type DeadLetterEntry struct {
	Message  *message.Message `json:"message"`
	Queue    string           `json:"queue"`
	Reason   string           `json:"reason"`
	FailedAt time.Time        `json:"failedAt"`
}
