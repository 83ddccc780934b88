package queue

import (
	"errors"
	"fmt"
)

// ErrRetriesExhausted is returned by RetryMessage when the retry budget is
// already spent.
var ErrRetriesExhausted = errors.New("queue: retries exhausted")

// ErrMessageNotFound is returned by point operations that require the
// message to exist.
var ErrMessageNotFound = errors.New("queue: message not found")

// ErrQueueClosed is returned when operating on a closed queue.
var ErrQueueClosed = errors.New("queue: closed")

// ConnectionError reports a backend unreachable at construction or connect
// time. It is raised eagerly so misconfiguration fails fast instead of at
// first use.
type ConnectionError struct {
	Transport Transport
	Addr      string
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("queue: %s backend unreachable at %s: %v", e.Transport, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// OpError wraps a failed queue operation with its operation and queue name.
type OpError struct {
	Op    string
	Queue string
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("queue %q: %s: %v", e.Queue, e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// NewOpError wraps err, passing nil through.
func NewOpError(op, queue string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Queue: queue, Err: err}
}

// ProcessingError reports a handler failure. It never propagates past the
// drain loop; the retry logic converts it into a state transition.
type ProcessingError struct {
	Queue   string
	Handler string
	MsgID   string
	Err     error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("queue %q: handler %q failed on message %s: %v", e.Queue, e.Handler, e.MsgID, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// DeadLetterError reports a failed dead-letter move, replay, or delete.
type DeadLetterError struct {
	Queue string
	MsgID string
	Op    string
	Err   error
}

func (e *DeadLetterError) Error() string {
	return fmt.Sprintf("queue %q: dead-letter %s for message %s: %v", e.Queue, e.Op, e.MsgID, e.Err)
}

func (e *DeadLetterError) Unwrap() error { return e.Err }
