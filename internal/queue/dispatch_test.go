package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rzbill/herald/internal/message"
)

func mkMsg(t message.Type, p message.Priority, seq uint64) *message.Message {
	now := time.Now().UTC()
	return &message.Message{
		ID:         "m-" + string(p) + "-" + time.Now().Format("150405.000000000"),
		Type:       t,
		Priority:   p,
		Status:     message.StatusPending,
		MaxRetries: 3,
		Seq:        seq,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestDispatchFirstMatchingHandlerWins(t *testing.T) {
	d := NewDispatcher()
	var first, second int
	if err := d.Add(NewHandler("first", message.TypeTask, func(ctx context.Context, m *message.Message) (interface{}, error) {
		first++
		return nil, nil
	})); err != nil {
		t.Fatalf("add first: %v", err)
	}
	// Registered second for the same type: must never be invoked.
	if err := d.Add(NewHandler("second", message.TypeTask, func(ctx context.Context, m *message.Message) (interface{}, error) {
		second++
		return nil, nil
	})); err != nil {
		t.Fatalf("add second: %v", err)
	}

	for i := 0; i < 5; i++ {
		res, h, ok := d.Dispatch(context.Background(), mkMsg(message.TypeTask, message.PriorityNormal, uint64(i)), time.Second)
		if !ok || !res.Success {
			t.Fatalf("dispatch %d failed: ok=%v res=%+v", i, ok, res)
		}
		if h.Name() != "first" {
			t.Fatalf("dispatched to %q, want first", h.Name())
		}
	}
	if first != 5 || second != 0 {
		t.Fatalf("no fan-out expected: first=%d second=%d", first, second)
	}
}

func TestDispatchNoMatch(t *testing.T) {
	d := NewDispatcher()
	_ = d.Add(NewHandler("events", message.TypeEvent, func(ctx context.Context, m *message.Message) (interface{}, error) {
		return nil, nil
	}))
	_, _, ok := d.Dispatch(context.Background(), mkMsg(message.TypeCommand, message.PriorityHigh, 1), time.Second)
	if ok {
		t.Fatalf("command should not be claimed by an event handler")
	}
}

func TestDispatchTimeout(t *testing.T) {
	d := NewDispatcher()
	_ = d.Add(NewHandler("stuck", message.TypeTask, func(ctx context.Context, m *message.Message) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	start := time.Now()
	res, _, ok := d.Dispatch(context.Background(), mkMsg(message.TypeTask, message.PriorityNormal, 1), 30*time.Millisecond)
	if !ok {
		t.Fatalf("expected a match")
	}
	if res.Success {
		t.Fatalf("stuck handler should fail")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout did not bound the invocation")
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	d := NewDispatcher()
	_ = d.Add(NewHandler("panics", message.TypeTask, func(ctx context.Context, m *message.Message) (interface{}, error) {
		panic("boom")
	}))
	res, _, ok := d.Dispatch(context.Background(), mkMsg(message.TypeTask, message.PriorityNormal, 1), time.Second)
	if !ok || res.Success || res.Err == nil {
		t.Fatalf("panic should surface as a failed result: ok=%v res=%+v", ok, res)
	}
}

func TestAddRejectsDuplicateNames(t *testing.T) {
	d := NewDispatcher()
	h := NewHandler("dup", message.TypeTask, func(ctx context.Context, m *message.Message) (interface{}, error) {
		return nil, nil
	})
	if err := d.Add(h); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := d.Add(h); err == nil {
		t.Fatalf("duplicate name should be rejected")
	}
}

func TestRemoveShiftsClaimOrder(t *testing.T) {
	d := NewDispatcher()
	var got []string
	mk := func(name string) Handler {
		return NewHandler(name, message.TypeTask, func(ctx context.Context, m *message.Message) (interface{}, error) {
			got = append(got, name)
			return nil, nil
		})
	}
	_ = d.Add(mk("a"))
	_ = d.Add(mk("b"))
	d.Remove("a")
	_, h, ok := d.Dispatch(context.Background(), mkMsg(message.TypeTask, message.PriorityLow, 1), time.Second)
	if !ok || h.Name() != "b" {
		t.Fatalf("after removing a, b should claim; got ok=%v", ok)
	}
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("unexpected invocations: %v", got)
	}
}

func TestHandlerResultCarriesError(t *testing.T) {
	boom := errors.New("boom")
	h := NewHandler("failing", "", func(ctx context.Context, m *message.Message) (interface{}, error) {
		return nil, boom
	})
	res := h.Handle(context.Background(), mkMsg(message.TypeJob, message.PriorityLow, 1))
	if res.Success || !errors.Is(res.Err, boom) {
		t.Fatalf("result should carry the handler error: %+v", res)
	}
	if res.Timestamp.IsZero() {
		t.Fatalf("result should be timestamped")
	}
}
