package queue

import (
	"time"

	"github.com/rzbill/herald/internal/message"
)

// Disposition is the outcome decided for a failed processing attempt.
type Disposition int

const (
	// DispositionRetry re-ranks the message for another attempt.
	DispositionRetry Disposition = iota
	// DispositionDeadLetter parks the message in the dead-letter store.
	DispositionDeadLetter
)

// Decide picks the disposition for a message whose failed attempt has
// already been recorded (retryCount incremented). Retries remain while
// retryCount < maxRetries.
func Decide(m *message.Message) Disposition {
	if m.CanRetry() {
		return DispositionRetry
	}
	return DispositionDeadLetter
}

// Fail records a failed processing attempt and returns the resulting
// disposition. With maxRetries=N the handler runs exactly N times before the
// message dead-letters: attempts occur at retryCount 0..N-1, and the Nth
// failure exhausts the budget.
func Fail(m *message.Message, now time.Time) Disposition {
	m.RetryCount++
	if Decide(m) == DispositionDeadLetter {
		MarkDeadLetter(m, now)
		return DispositionDeadLetter
	}
	m.Status = message.StatusRetrying
	m.Touch(now)
	return DispositionRetry
}

// MarkProcessing transitions a drained message into processing.
func MarkProcessing(m *message.Message, now time.Time) {
	m.Status = message.StatusProcessing
	m.Touch(now)
}

// MarkCompleted finalizes a successfully processed message.
func MarkCompleted(m *message.Message, now time.Time) {
	m.Status = message.StatusCompleted
	m.Touch(now)
}

// MarkRanked flips a retrying message back to pending once it is visible in
// the pending index again.
func MarkRanked(m *message.Message, now time.Time) {
	m.Status = message.StatusPending
	m.Touch(now)
}

// MarkDeadLetter parks an exhausted message. Holds the invariant that a
// dead-lettered message carries retryCount == maxRetries.
func MarkDeadLetter(m *message.Message, now time.Time) {
	m.RetryCount = m.MaxRetries
	m.Status = message.StatusDeadLetter
	m.Touch(now)
}

// MarkReplayed resets a dead-lettered message for republication.
func MarkReplayed(m *message.Message, now time.Time) {
	m.RetryCount = 0
	m.Status = message.StatusPending
	m.Touch(now)
}
