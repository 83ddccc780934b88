package embedded

import (
	"bytes"
	"testing"

	"github.com/rzbill/herald/internal/message"
)

func within(start, end, key []byte) bool {
	return bytes.Compare(key, start) >= 0 && bytes.Compare(key, end) < 0
}

func TestPrioKeysFallInsidePrefixRange(t *testing.T) {
	ks := newKeyspace("orders")
	start, end := ks.prioPrefix()

	// The inverted critical weight starts with 0xFF, the largest possible
	// payload byte; the range must still cover it.
	for _, p := range []message.Priority{
		message.PriorityCritical, message.PriorityHigh,
		message.PriorityNormal, message.PriorityLow,
	} {
		key := ks.prio(p, 1)
		if !within(start, end, key) {
			t.Fatalf("prio key for %s outside [start, end): %q", p, key)
		}
	}
}

func TestIndexRangesAreDisjoint(t *testing.T) {
	ks := newKeyspace("orders")

	delayKey := ks.delay(1<<62, 9)
	if s, e := ks.delayPrefix(); !within(s, e, delayKey) {
		t.Fatalf("delay key outside its range: %q", delayKey)
	}
	dlqxKey := ks.dlqIdx(1<<62, 9)
	if s, e := ks.dlqxPrefix(); !within(s, e, dlqxKey) {
		t.Fatalf("dlqx key outside its range: %q", dlqxKey)
	}

	// A prio key must not leak into the delay range and vice versa.
	if s, e := ks.delayPrefix(); within(s, e, ks.prio(message.PriorityCritical, 1)) {
		t.Fatalf("prio key inside delay range")
	}
	if s, e := ks.prioPrefix(); within(s, e, delayKey) {
		t.Fatalf("delay key inside prio range")
	}
}

func TestAllPrefixCoversEveryKeyspaceKey(t *testing.T) {
	ks := newKeyspace("orders")
	start, end := ks.allPrefix()
	keys := [][]byte{
		ks.msg("m1"),
		ks.dlq("m1"),
		ks.seqKey(),
		ks.statsKey(),
		ks.prio(message.PriorityCritical, 7),
		ks.delay(123, 7),
		ks.dlqIdx(123, 7),
	}
	for _, key := range keys {
		if !within(start, end, key) {
			t.Fatalf("key outside queue range: %q", key)
		}
	}

	other := newKeyspace("other")
	if within(start, end, other.msg("m1")) {
		t.Fatalf("foreign queue key inside range")
	}
}
