package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestDrainerTicks(t *testing.T) {
	var ticks atomic.Int64
	d := NewDrainer(10*time.Millisecond, func(ctx context.Context) { ticks.Add(1) })
	d.Start()
	defer d.Stop()
	time.Sleep(120 * time.Millisecond)
	if ticks.Load() == 0 {
		t.Fatalf("expected ticks")
	}
}

func TestDrainerTicksNeverOverlap(t *testing.T) {
	var inTick atomic.Int64
	var overlapped atomic.Bool
	d := NewDrainer(5*time.Millisecond, func(ctx context.Context) {
		if inTick.Add(1) > 1 {
			overlapped.Store(true)
		}
		time.Sleep(20 * time.Millisecond) // longer than the interval
		inTick.Add(-1)
	})
	d.Start()
	time.Sleep(150 * time.Millisecond)
	d.Stop()
	if overlapped.Load() {
		t.Fatalf("ticks overlapped")
	}
}

func TestDrainerPauseResume(t *testing.T) {
	var ticks atomic.Int64
	d := NewDrainer(10*time.Millisecond, func(ctx context.Context) { ticks.Add(1) })
	d.Pause()
	d.Start()
	time.Sleep(80 * time.Millisecond)
	if n := ticks.Load(); n != 0 {
		t.Fatalf("paused drainer ticked %d times", n)
	}
	d.Resume()
	deadline := time.Now().Add(time.Second)
	for ticks.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("resume did not restart ticking")
		}
		time.Sleep(5 * time.Millisecond)
	}
	d.Stop()
}

func TestDrainerStopWaitsForInflightTick(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan struct{})
	d := NewDrainer(5*time.Millisecond, func(ctx context.Context) {
		close(started)
		time.Sleep(30 * time.Millisecond)
		close(finished)
	})
	d.Start()
	<-started
	d.Stop()
	select {
	case <-finished:
	default:
		t.Fatalf("Stop returned while a tick was in flight")
	}
	// Stop again must be safe.
	d.Stop()
}
