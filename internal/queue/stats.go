package queue

import (
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of one queue's counters.
//
// Failed counts messages that terminally failed (exhausted retries); a
// failure that still has retry budget is not a failed message. DeadLetter is
// the current population of the dead-letter store, so a replay or delete
// decrements it. Pending always reconciles to
// Total - Processing - Completed - Failed.
type Stats struct {
	Queue     string    `json:"queue"`
	Transport Transport `json:"transport"`

	Total      int64 `json:"totalMessages"`
	Pending    int64 `json:"pendingMessages"`
	Processing int64 `json:"processingMessages"`
	Completed  int64 `json:"completedMessages"`
	Failed     int64 `json:"failedMessages"`
	DeadLetter int64 `json:"deadLetterMessages"`

	AverageProcessingTime time.Duration `json:"averageProcessingTime"`
	Throughput            float64       `json:"throughput"` // completed per second
	LastProcessedAt       time.Time     `json:"lastProcessedAt,omitempty"`
}

// Stats hash field names shared with the durable backend so in-process and
// KV-held counters cannot drift apart in meaning.
const (
	StatsFieldTotal       = "total"
	StatsFieldProcessing  = "processing"
	StatsFieldCompleted   = "completed"
	StatsFieldFailed      = "failed"
	StatsFieldDeadLetter  = "dead_letter"
	StatsFieldProcMsTotal = "proc_ms_total"
	StatsFieldProcCount   = "proc_count"
	StatsFieldLastProcMs  = "last_proc_ms"
)

// DerivePending computes the pending counter from the others.
func DerivePending(total, processing, completed, failed int64) int64 {
	p := total - processing - completed - failed
	if p < 0 {
		p = 0
	}
	return p
}

// Tracker is the in-process stats implementation shared by the memory,
// push, and embedded backends. All methods are safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	total       int64
	processing  int64
	completed   int64
	failed      int64
	deadLetter  int64
	procTotal   time.Duration
	procCount   int64
	lastProcAt  time.Time
	trackedFrom time.Time
}

// NewTracker creates a Tracker with throughput measured from now.
func NewTracker() *Tracker {
	return &Tracker{trackedFrom: time.Now()}
}

// OnPublish records n accepted messages.
func (t *Tracker) OnPublish(n int) {
	t.mu.Lock()
	t.total += int64(n)
	t.mu.Unlock()
}

// OnProcessingStart marks one message entering processing.
func (t *Tracker) OnProcessingStart() {
	t.mu.Lock()
	t.processing++
	t.mu.Unlock()
}

// OnProcessingEnd marks the processing slot released, whatever the outcome.
func (t *Tracker) OnProcessingEnd() {
	t.mu.Lock()
	if t.processing > 0 {
		t.processing--
	}
	t.mu.Unlock()
}

// OnCompleted records a successful processing attempt.
func (t *Tracker) OnCompleted(d time.Duration, at time.Time) {
	t.mu.Lock()
	t.completed++
	t.procTotal += d
	t.procCount++
	t.lastProcAt = at
	t.mu.Unlock()
}

// OnAttempt records a processing attempt duration without completing the
// message (failed attempt that will retry).
func (t *Tracker) OnAttempt(d time.Duration, at time.Time) {
	t.mu.Lock()
	t.procTotal += d
	t.procCount++
	t.lastProcAt = at
	t.mu.Unlock()
}

// OnDeadLetter records a terminal failure moved to the dead-letter store.
func (t *Tracker) OnDeadLetter() {
	t.mu.Lock()
	t.failed++
	t.deadLetter++
	t.mu.Unlock()
}

// OnReplay records a dead-letter entry returning to the pending pool.
func (t *Tracker) OnReplay() {
	t.mu.Lock()
	if t.failed > 0 {
		t.failed--
	}
	if t.deadLetter > 0 {
		t.deadLetter--
	}
	t.mu.Unlock()
}

// OnDeadLetterDelete records a dead-letter entry purged without replay.
func (t *Tracker) OnDeadLetterDelete() {
	t.mu.Lock()
	if t.deadLetter > 0 {
		t.deadLetter--
	}
	t.mu.Unlock()
}

// OnMessageDelete records a pending message removed via DeleteMessage.
func (t *Tracker) OnMessageDelete() {
	t.mu.Lock()
	if t.total > 0 {
		t.total--
	}
	t.mu.Unlock()
}

// Reset zeroes every counter. Used by Purge.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.total, t.processing, t.completed, t.failed, t.deadLetter = 0, 0, 0, 0, 0
	t.procTotal, t.procCount = 0, 0
	t.lastProcAt = time.Time{}
	t.trackedFrom = time.Now()
	t.mu.Unlock()
}

// Snapshot produces a Stats for the queue.
func (t *Tracker) Snapshot(queue string, transport Transport) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{
		Queue:      queue,
		Transport:  transport,
		Total:      t.total,
		Processing: t.processing,
		Completed:  t.completed,
		Failed:     t.failed,
		DeadLetter: t.deadLetter,
	}
	s.Pending = DerivePending(t.total, t.processing, t.completed, t.failed)
	if t.procCount > 0 {
		s.AverageProcessingTime = t.procTotal / time.Duration(t.procCount)
	}
	if elapsed := time.Since(t.trackedFrom).Seconds(); elapsed > 0 {
		s.Throughput = float64(t.completed) / elapsed
	}
	s.LastProcessedAt = t.lastProcAt
	return s
}
