package restclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rzbill/herald/internal/queue"
	"github.com/rzbill/herald/internal/queue/durable"
)

// fakeProxy answers the command endpoints with canned replies and records
// what it was asked.
type fakeProxy struct {
	t        *testing.T
	replies  map[string]interface{} // first arg -> result
	commands [][]interface{}
	auth     string
}

func (p *fakeProxy) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		p.auth = r.Header.Get("Authorization")
		var cmd []interface{}
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			p.t.Errorf("decode command: %v", err)
		}
		p.commands = append(p.commands, cmd)
		writeJSON(w, map[string]interface{}{"result": p.reply(cmd)})
	})
	mux.HandleFunc("/pipeline", func(w http.ResponseWriter, r *http.Request) {
		p.auth = r.Header.Get("Authorization")
		var cmds [][]interface{}
		if err := json.NewDecoder(r.Body).Decode(&cmds); err != nil {
			p.t.Errorf("decode pipeline: %v", err)
		}
		out := make([]map[string]interface{}, len(cmds))
		for i, cmd := range cmds {
			p.commands = append(p.commands, cmd)
			out[i] = map[string]interface{}{"result": p.reply(cmd)}
		}
		writeJSON(w, out)
	})
	return mux
}

func (p *fakeProxy) reply(cmd []interface{}) interface{} {
	if len(cmd) == 0 {
		return nil
	}
	name, _ := cmd[0].(string)
	if name == "PING" {
		return "PONG"
	}
	return p.replies[name]
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, p *fakeProxy) *Client {
	t.Helper()
	srv := httptest.NewServer(p.handler())
	t.Cleanup(srv.Close)
	c, err := New(context.Background(), Config{URL: srv.URL, Token: "sekrit"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return c
}

func TestNewPingsAndAuthenticates(t *testing.T) {
	p := &fakeProxy{t: t}
	newTestClient(t, p)

	if len(p.commands) != 1 || p.commands[0][0] != "PING" {
		t.Fatalf("commands on connect: %v", p.commands)
	}
	if p.auth != "Bearer sekrit" {
		t.Fatalf("auth header = %q", p.auth)
	}
}

func TestNewFailsFastWhenUnreachable(t *testing.T) {
	_, err := New(context.Background(), Config{URL: "http://127.0.0.1:1"})
	var cerr *queue.ConnectionError
	if !errors.As(err, &cerr) {
		t.Fatalf("want ConnectionError, got %v", err)
	}
}

func TestDoDecodesNumbers(t *testing.T) {
	p := &fakeProxy{t: t, replies: map[string]interface{}{"INCR": 42}}
	c := newTestClient(t, p)

	reply, err := c.Do(context.Background(), "INCR", "herald:q:orders:seq")
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	n, err := durable.ReplyInt(reply)
	if err != nil || n != 42 {
		t.Fatalf("reply = (%d, %v), want 42", n, err)
	}
}

func TestPipelinePreservesOrder(t *testing.T) {
	p := &fakeProxy{t: t, replies: map[string]interface{}{
		"SET":  "OK",
		"ZADD": 1,
	}}
	c := newTestClient(t, p)

	replies, err := c.Pipeline(context.Background(), [][]interface{}{
		{"SET", "k", "v"},
		{"ZADD", "z", "1", "m"},
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if len(replies) != 2 {
		t.Fatalf("reply count = %d", len(replies))
	}
	if s, _ := durable.ReplyString(replies[0]); s != "OK" {
		t.Fatalf("first reply = %v", replies[0])
	}
	if n, _ := durable.ReplyInt(replies[1]); n != 1 {
		t.Fatalf("second reply = %v", replies[1])
	}

	// PING plus the two pipelined commands, in order.
	if len(p.commands) != 3 || p.commands[1][0] != "SET" || p.commands[2][0] != "ZADD" {
		t.Fatalf("recorded commands: %v", p.commands)
	}
}

func TestCommandErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"error": "WRONGTYPE"})
	}))
	t.Cleanup(srv.Close)

	c := &Client{baseURL: srv.URL, http: srv.Client()}
	if _, err := c.Do(context.Background(), "GET", "k"); err == nil {
		t.Fatalf("want command error")
	}
}

func TestHTTPErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	c := &Client{baseURL: srv.URL, http: srv.Client()}
	if _, err := c.Do(context.Background(), "PING"); err == nil {
		t.Fatalf("want HTTP status error")
	}
}
