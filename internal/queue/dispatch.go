package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/herald/internal/message"
)

// Dispatcher keeps the ordered handler registry for one queue and routes
// each drained message to the first registered handler whose CanHandle
// matches. Registration order is load-bearing: later handlers never see a
// message an earlier handler claims.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher { return &Dispatcher{} }

// Add registers a handler. Names must be unique within the queue.
func (d *Dispatcher) Add(h Handler) error {
	if h == nil || h.Name() == "" {
		return fmt.Errorf("queue: handler must have a name")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.handlers {
		if existing.Name() == h.Name() {
			return fmt.Errorf("queue: handler %q already subscribed", h.Name())
		}
	}
	d.handlers = append(d.handlers, h)
	return nil
}

// Remove unregisters a handler by name. Removing an unknown name is a no-op.
func (d *Dispatcher) Remove(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, h := range d.handlers {
		if h.Name() == name {
			d.handlers = append(d.handlers[:i], d.handlers[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered handlers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// match returns the first registered handler claiming m.
func (d *Dispatcher) match(m *message.Message) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, h := range d.handlers {
		if h.CanHandle(m) {
			return h, true
		}
	}
	return nil, false
}

// Dispatch routes m to its first matching handler, bounding the invocation
// with timeout. Returns ok=false when no handler claims the message; such
// messages stay pending for a later tick.
func (d *Dispatcher) Dispatch(ctx context.Context, m *message.Message, timeout time.Duration) (Result, Handler, bool) {
	h, ok := d.match(m)
	if !ok {
		return Result{}, nil, false
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Result{Success: false, Err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		done <- h.Handle(hctx, m)
	}()

	select {
	case res := <-done:
		return res, h, true
	case <-hctx.Done():
		// A stuck handler must not stall the drain loop. The goroutine is
		// abandoned; its late result is dropped via the buffered channel.
		return Result{Success: false, Err: hctx.Err()}, h, true
	}
}
