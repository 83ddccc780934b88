package queue

import (
	"context"
	"sync"
	"time"
)

// TickFunc performs one drain pass. It is never invoked re-entrantly: the
// next tick is armed only after the previous one returns.
type TickFunc func(ctx context.Context)

// Drainer runs a queue's timer-driven drain loop on a dedicated goroutine.
// Pause and Resume toggle ticking without discarding state; Stop cancels the
// loop and waits for an in-flight tick, so a late-firing tick can never use
// a connection the owner is about to close.
type Drainer struct {
	interval time.Duration
	tick     TickFunc

	mu      sync.Mutex
	paused  bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewDrainer creates a stopped Drainer; call Start to begin ticking.
func NewDrainer(interval time.Duration, tick TickFunc) *Drainer {
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	return &Drainer{interval: interval, tick: tick}
}

// Start launches the loop goroutine. Starting twice is a no-op.
func (d *Drainer) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return
	}
	d.stopped = false
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	stop := d.stop
	done := d.done
	go func() {
		defer close(done)
		for {
			// time.After rather than a shared Ticker: the next tick is armed
			// after the previous pass completes, so passes never overlap even
			// when a pass runs longer than the interval.
			select {
			case <-stop:
				return
			case <-time.After(d.interval):
				if d.isPaused() {
					continue
				}
				d.tick(ctx)
			}
		}
	}()
}

func (d *Drainer) isPaused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// Pause suspends ticking. Point operations on the queue stay available.
func (d *Drainer) Pause() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
}

// Resume re-enables ticking after Pause.
func (d *Drainer) Resume() {
	d.mu.Lock()
	d.paused = false
	d.mu.Unlock()
}

// Paused reports whether the loop is currently paused.
func (d *Drainer) Paused() bool { return d.isPaused() }

// Stop cancels the loop and blocks until the in-flight tick (if any)
// returns. Safe to call repeatedly.
func (d *Drainer) Stop() {
	d.mu.Lock()
	if d.stopped || d.stop == nil {
		d.stopped = true
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.stop)
	cancel := d.cancel
	done := d.done
	d.stop = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-done
}
