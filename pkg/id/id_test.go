package id

import (
	"testing"
)

func TestNextMonotonic(t *testing.T) {
	g := NewGenerator()
	prev := g.Next()
	for i := 0; i < 1000; i++ {
		cur := g.Next()
		if cur.Compare(prev) <= 0 {
			t.Fatalf("id %s not greater than previous %s", cur, prev)
		}
		prev = cur
	}
}

func TestClockBackwardsStillMonotonic(t *testing.T) {
	orig := NowMs
	defer func() { NowMs = orig }()

	now := int64(10_000)
	NowMs = func() int64 { return now }

	g := NewGenerator()
	a := g.Next()
	now = 9_000 // clock jumps backwards
	b := g.Next()
	if b.Compare(a) <= 0 {
		t.Fatalf("expected monotonic ids across clock regression: %s then %s", a, b)
	}
}

func TestParseRoundTrip(t *testing.T) {
	g := NewGenerator()
	want := g.Next()
	got, err := Parse(want.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: %s vs %s", got, want)
	}

	if _, err := Parse("zz"); err == nil {
		t.Fatalf("expected error for bad hex")
	}
	if _, err := Parse("abcd"); err == nil {
		t.Fatalf("expected error for short input")
	}
}
