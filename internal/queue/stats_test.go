package queue

import (
	"testing"
	"time"
)

func TestTrackerReconciles(t *testing.T) {
	tr := NewTracker()
	tr.OnPublish(5)

	s := tr.Snapshot("q", TransportMemory)
	if s.Total != 5 || s.Pending != 5 {
		t.Fatalf("after publish: %+v", s)
	}

	tr.OnProcessingStart()
	s = tr.Snapshot("q", TransportMemory)
	if s.Processing != 1 || s.Pending != 4 {
		t.Fatalf("during processing: %+v", s)
	}

	tr.OnCompleted(20*time.Millisecond, time.Now())
	tr.OnProcessingEnd()
	s = tr.Snapshot("q", TransportMemory)
	if s.Completed != 1 || s.Pending != 4 || s.Processing != 0 {
		t.Fatalf("after completion: %+v", s)
	}
	if s.AverageProcessingTime != 20*time.Millisecond {
		t.Fatalf("avg processing time: %v", s.AverageProcessingTime)
	}
	if s.LastProcessedAt.IsZero() {
		t.Fatalf("lastProcessedAt should be set")
	}

	tr.OnDeadLetter()
	s = tr.Snapshot("q", TransportMemory)
	if s.Failed != 1 || s.DeadLetter != 1 || s.Pending != 3 {
		t.Fatalf("after dead letter: %+v", s)
	}

	// Replay returns the message to the pending pool.
	tr.OnReplay()
	s = tr.Snapshot("q", TransportMemory)
	if s.Failed != 0 || s.DeadLetter != 0 || s.Pending != 4 {
		t.Fatalf("after replay: %+v", s)
	}

	tr.Reset()
	s = tr.Snapshot("q", TransportMemory)
	if s.Total != 0 || s.Pending != 0 || s.Completed != 0 || s.DeadLetter != 0 {
		t.Fatalf("after reset: %+v", s)
	}
}

func TestDerivePendingNeverNegative(t *testing.T) {
	if got := DerivePending(1, 1, 1, 1); got != 0 {
		t.Fatalf("pending clamped to zero, got %d", got)
	}
}
