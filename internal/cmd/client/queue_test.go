package client

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordedReq struct {
	path string
	body map[string]interface{}
}

// startAPIStub serves canned replies and records request bodies.
func startAPIStub(t *testing.T, reqs *[]recordedReq) (base string, stop func()) {
	t.Helper()
	mux := http.NewServeMux()
	record := func(r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		*reqs = append(*reqs, recordedReq{path: r.URL.Path, body: body})
	}
	mux.HandleFunc("/v1/queues/publish", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "msg-1"})
	})
	mux.HandleFunc("/v1/queues/create", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"queue": "orders", "transport": "memory"})
	})
	mux.HandleFunc("/v1/queues/stats", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"queue": "orders", "totalMessages": 2})
	})
	mux.HandleFunc("/v1/queues/purge", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/v1/dlq/list", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]interface{}{{"queue": "orders", "reason": "boom"}})
	})
	mux.HandleFunc("/v1/dlq/replay", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
	})
	srv := httptest.NewServer(mux)
	return srv.URL, srv.Close
}

func TestPublishPrintsID(t *testing.T) {
	var reqs []recordedReq
	base, stop := startAPIStub(t, &reqs)
	defer stop()

	cmd := newQueuePublishCommand(func() string { return base })
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--queue", "orders", "--data", `{"order":42}`, "--priority", "high"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(buf.String(), "msg-1") {
		t.Fatalf("expected id in output, got: %s", buf.String())
	}
	if len(reqs) != 1 {
		t.Fatalf("requests: %d", len(reqs))
	}
	if reqs[0].body["priority"] != "high" {
		t.Fatalf("priority not forwarded: %+v", reqs[0].body)
	}
	if payload, ok := reqs[0].body["payload"].(map[string]interface{}); !ok || payload["order"] != float64(42) {
		t.Fatalf("payload not forwarded as JSON: %+v", reqs[0].body)
	}
}

func TestPublishPlainTextPayload(t *testing.T) {
	var reqs []recordedReq
	base, stop := startAPIStub(t, &reqs)
	defer stop()

	cmd := newQueuePublishCommand(func() string { return base })
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--queue", "orders", "--data", "hello"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if reqs[0].body["payload"] != "hello" {
		t.Fatalf("plain payload mangled: %+v", reqs[0].body)
	}
}

func TestStatsPrintsJSON(t *testing.T) {
	var reqs []recordedReq
	base, stop := startAPIStub(t, &reqs)
	defer stop()

	cmd := newQueueStatsCommand(func() string { return base })
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--queue", "orders"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(buf.String(), "totalMessages") {
		t.Fatalf("expected stats in output, got: %s", buf.String())
	}
}

func TestDLQReplayForwardsID(t *testing.T) {
	var reqs []recordedReq
	base, stop := startAPIStub(t, &reqs)
	defer stop()

	cmd := newDLQReplayCommand(func() string { return base })
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--queue", "orders", "--id", "msg-9"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(reqs) != 1 || reqs[0].body["id"] != "msg-9" {
		t.Fatalf("replay request: %+v", reqs)
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	var reqs []recordedReq
	base, stop := startAPIStub(t, &reqs)
	defer stop()

	cmd := newQueueRemoveCommand(func() string { return base })
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--queue", "orders"})

	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected error from 404 reply")
	}
}
