package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rzbill/herald/internal/queue"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.HTTPAddr != ":8265" {
		t.Fatalf("default http addr = %q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Fatalf("default log settings = %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "herald.json")
	data := []byte(`{"httpAddr":":9000","redis":{"addr":"127.0.0.1:6379","db":2},"queueDefaults":{"maxRetries":5}}`)
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9000" {
		t.Fatalf("expected :9000")
	}
	if cfg.Redis.Addr != "127.0.0.1:6379" || cfg.Redis.DB != 2 {
		t.Fatalf("redis settings: %+v", cfg.Redis)
	}
	if cfg.QueueDefaults.MaxRetries != 5 {
		t.Fatalf("queue defaults: %+v", cfg.QueueDefaults)
	}
}

func TestFromEnv(t *testing.T) {
	cfg := Default()
	t.Setenv("HERALD_HTTP_ADDR", ":7100")
	t.Setenv("HERALD_REDIS_ADDR", "10.0.0.1:6379")
	t.Setenv("HERALD_REDIS_DB", "3")
	t.Setenv("HERALD_MAX_RETRIES", "7")
	FromEnv(&cfg)
	if cfg.HTTPAddr != ":7100" {
		t.Fatalf("env override addr")
	}
	if cfg.Redis.Addr != "10.0.0.1:6379" || cfg.Redis.DB != 3 {
		t.Fatalf("env override redis: %+v", cfg.Redis)
	}
	if cfg.QueueDefaults.MaxRetries != 7 {
		t.Fatalf("env override retries")
	}
}

func TestSelectTransportByPresence(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want queue.Transport
	}{
		{"fallback", Config{}, queue.TransportMemory},
		{"redis", Config{Redis: RedisConfig{Addr: "localhost:6379"}}, queue.TransportRedis},
		{"kvrest", Config{KVRest: KVRestConfig{URL: "https://kv.example.com"}}, queue.TransportKVRest},
		{"push", Config{Push: PushConfig{URL: "https://push.example.com"}}, queue.TransportPush},
		{"embedded", Config{DataDir: "/tmp/herald"}, queue.TransportEmbedded},
		{"redis wins over embedded", Config{Redis: RedisConfig{Addr: "localhost:6379"}, DataDir: "/tmp/herald"}, queue.TransportRedis},
	}
	for _, tc := range cases {
		got, err := tc.cfg.SelectTransport()
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: transport = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestSelectTransportExplicitOverride(t *testing.T) {
	cfg := Config{QueueType: "memory", Redis: RedisConfig{Addr: "localhost:6379"}}
	got, err := cfg.SelectTransport()
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != queue.TransportMemory {
		t.Fatalf("explicit queue type should win, got %s", got)
	}

	if _, err := (Config{QueueType: "carrier-pigeon"}).SelectTransport(); err == nil {
		t.Fatalf("unknown queue type should error")
	}
}

func TestValidateMissingCredentials(t *testing.T) {
	cfg := Config{QueueType: string(queue.TransportRedis)}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("forced redis without an address should fail")
	}
	var ce *queue.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("error type: %T", err)
	}
	if ce.Transport != queue.TransportRedis {
		t.Fatalf("transport = %s", ce.Transport)
	}

	if err := (Config{QueueType: string(queue.TransportPush)}).Validate(); err == nil {
		t.Fatalf("forced push without a URL should fail")
	}
}

func TestBrokerConfigMapping(t *testing.T) {
	cfg := Config{
		Redis:  RedisConfig{Addr: "localhost:6379", Password: "s3cret", DB: 1},
		KVRest: KVRestConfig{URL: "https://kv.example.com", Token: "tok"},
	}
	bc, err := cfg.BrokerConfig()
	if err != nil {
		t.Fatalf("broker config: %v", err)
	}
	if bc.DefaultTransport != queue.TransportRedis {
		t.Fatalf("default transport = %s", bc.DefaultTransport)
	}
	if bc.Redis.Addr != "localhost:6379" || bc.Redis.Password != "s3cret" || bc.Redis.DB != 1 {
		t.Fatalf("redis mapping: %+v", bc.Redis)
	}
	if bc.KVRest.URL != "https://kv.example.com" || bc.KVRest.Token != "tok" {
		t.Fatalf("kvrest mapping: %+v", bc.KVRest)
	}
}

func TestApplyQueueDefaults(t *testing.T) {
	cfg := Config{QueueDefaults: QueueDefaults{
		MaxRetries:        9,
		RetryDelayMs:      250,
		BatchSize:         50,
		DisableDeadLetter: true,
	}}
	qc := queue.DefaultConfig("orders", queue.TransportMemory)
	cfg.ApplyQueueDefaults(&qc)
	if qc.MaxRetries != 9 || qc.BatchSize != 50 {
		t.Fatalf("overrides not applied: %+v", qc)
	}
	if qc.RetryDelay.Milliseconds() != 250 {
		t.Fatalf("retry delay = %s", qc.RetryDelay)
	}
	if qc.EnableDeadLetter {
		t.Fatalf("dead letter should be disabled")
	}
	if qc.VisibilityTimeout != queue.DefaultVisibilityTimeout {
		t.Fatalf("untouched field changed: %s", qc.VisibilityTimeout)
	}
}
