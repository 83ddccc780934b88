package durable

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestReplyInt(t *testing.T) {
	cases := []struct {
		in   interface{}
		want int64
	}{
		{int64(7), 7},
		{float64(7), 7},
		{"7", 7},
		{json.Number("7"), 7},
	}
	for _, c := range cases {
		got, err := ReplyInt(c.in)
		if err != nil || got != c.want {
			t.Fatalf("ReplyInt(%v) = (%d, %v), want %d", c.in, got, err, c.want)
		}
	}
	if _, err := ReplyInt(nil); !errors.Is(err, ErrNilReply) {
		t.Fatalf("nil reply: %v", err)
	}
}

func TestReplyStringNil(t *testing.T) {
	if _, err := ReplyString(nil); !errors.Is(err, ErrNilReply) {
		t.Fatalf("nil reply: %v", err)
	}
	s, err := ReplyString([]byte("x"))
	if err != nil || s != "x" {
		t.Fatalf("bytes reply = (%q, %v)", s, err)
	}
}

func TestReplyMapShapes(t *testing.T) {
	want := map[string]string{"total": "3", "completed": "1"}

	flat := []interface{}{"total", "3", "completed", json.Number("1")}
	got, err := ReplyMap(flat)
	if err != nil {
		t.Fatalf("flat array: %v", err)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("flat array %s = %q, want %q", k, got[k], v)
		}
	}

	typed := map[interface{}]interface{}{"total": "3", "completed": int64(1)}
	got, err = ReplyMap(typed)
	if err != nil {
		t.Fatalf("typed map: %v", err)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("typed map %s = %q, want %q", k, got[k], v)
		}
	}

	if _, err := ReplyMap([]interface{}{"odd"}); err == nil {
		t.Fatalf("odd-length hash should error")
	}

	empty, err := ReplyMap(nil)
	if err != nil || len(empty) != 0 {
		t.Fatalf("nil hash = (%v, %v)", empty, err)
	}
}

func TestKeyScheme(t *testing.T) {
	k := newKeys("orders")
	cases := map[string]string{
		k.msg("m1"):  "herald:q:orders:msg:m1",
		k.pending():  "herald:q:orders:pending",
		k.delayed():  "herald:q:orders:delayed",
		k.seq():      "herald:q:orders:seq",
		k.stats():    "herald:q:orders:stats",
		k.dlq("m1"):  "herald:q:orders:dlq:m1",
		k.dlqIdx():   "herald:q:orders:dlqidx",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("key = %q, want %q", got, want)
		}
	}
}
