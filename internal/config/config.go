package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rzbill/herald/internal/broker"
	"github.com/rzbill/herald/internal/queue"
	"github.com/rzbill/herald/internal/queue/durable/redisclient"
	"github.com/rzbill/herald/internal/queue/durable/restclient"
	"github.com/rzbill/herald/internal/queue/push"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	// QueueType forces a transport. Empty means pick by which connection
	// settings are present, see SelectTransport.
	QueueType string `json:"queueType"`

	HTTPAddr  string `json:"httpAddr"`
	LogLevel  string `json:"logLevel"`
	LogFormat string `json:"logFormat"`

	Redis  RedisConfig  `json:"redis"`
	KVRest KVRestConfig `json:"kvRest"`
	Push   PushConfig   `json:"push"`

	// DataDir backs the embedded transport when set.
	DataDir string `json:"dataDir"`

	QueueDefaults QueueDefaults `json:"queueDefaults"`
}

// RedisConfig holds direct key/value-store connection settings.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// KVRestConfig holds HTTP command-proxy settings.
type KVRestConfig struct {
	URL       string `json:"url"`
	Token     string `json:"token"`
	TimeoutMs int    `json:"timeoutMs"`
}

// PushConfig holds external push-dispatcher settings.
type PushConfig struct {
	URL       string `json:"url"`
	Token     string `json:"token"`
	TimeoutMs int    `json:"timeoutMs"`
}

// QueueDefaults overrides the baseline per-queue settings applied when a
// queue is created without explicit values.
type QueueDefaults struct {
	MaxRetries        int  `json:"maxRetries"`
	RetryDelayMs      int  `json:"retryDelayMs"`
	VisibilityMs      int  `json:"visibilityTimeoutMs"`
	DrainIntervalMs   int  `json:"drainIntervalMs"`
	BatchSize         int  `json:"batchSize"`
	Concurrency       int  `json:"concurrency"`
	DeadLetterDays    int  `json:"deadLetterRetentionDays"`
	DisableDeadLetter bool `json:"disableDeadLetter"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		HTTPAddr:  ":8265",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads configuration from a JSON file (by extension). If path is
// empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return Config{}, errors.New("yaml config not supported yet; use JSON for now")
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// SelectTransport picks the backend transport. An explicit QueueType wins;
// otherwise the first transport with connection settings present is chosen,
// with the in-memory backend as the final fallback.
func (c Config) SelectTransport() (queue.Transport, error) {
	if c.QueueType != "" {
		t := queue.Transport(c.QueueType)
		if !t.Valid() {
			return "", fmt.Errorf("config: unknown queue type %q", c.QueueType)
		}
		return t, nil
	}
	switch {
	case c.Redis.Addr != "":
		return queue.TransportRedis, nil
	case c.KVRest.URL != "":
		return queue.TransportKVRest, nil
	case c.Push.URL != "":
		return queue.TransportPush, nil
	case c.DataDir != "":
		return queue.TransportEmbedded, nil
	default:
		return queue.TransportMemory, nil
	}
}

// Validate checks that the selected transport carries the settings it needs,
// so a forced transport with missing credentials fails at startup rather
// than on first use.
func (c Config) Validate() error {
	t, err := c.SelectTransport()
	if err != nil {
		return err
	}
	switch t {
	case queue.TransportRedis:
		if c.Redis.Addr == "" {
			return &queue.ConnectionError{Transport: t, Err: errors.New("config: redis transport requires an address")}
		}
	case queue.TransportKVRest:
		if c.KVRest.URL == "" {
			return &queue.ConnectionError{Transport: t, Err: errors.New("config: kvrest transport requires a proxy URL")}
		}
	case queue.TransportPush:
		if c.Push.URL == "" {
			return &queue.ConnectionError{Transport: t, Err: errors.New("config: push transport requires a dispatcher URL")}
		}
	case queue.TransportEmbedded:
		if c.DataDir == "" {
			return &queue.ConnectionError{Transport: t, Err: errors.New("config: embedded transport requires a data directory")}
		}
	}
	return nil
}

// BrokerConfig maps the file/env configuration onto the broker's wiring.
func (c Config) BrokerConfig() (broker.Config, error) {
	t, err := c.SelectTransport()
	if err != nil {
		return broker.Config{}, err
	}
	if err := c.Validate(); err != nil {
		return broker.Config{}, err
	}
	return broker.Config{
		DefaultTransport: t,
		Redis: redisclient.Config{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		},
		KVRest: restclient.Config{
			URL:     c.KVRest.URL,
			Token:   c.KVRest.Token,
			Timeout: msDuration(c.KVRest.TimeoutMs),
		},
		Push: push.Config{
			URL:     c.Push.URL,
			Token:   c.Push.Token,
			Timeout: msDuration(c.Push.TimeoutMs),
		},
		DataDir: c.DataDir,
	}, nil
}

// ApplyQueueDefaults overlays the configured queue defaults onto a queue
// config. Zero-valued overrides leave the baseline untouched.
func (c Config) ApplyQueueDefaults(qc *queue.Config) {
	d := c.QueueDefaults
	if d.MaxRetries > 0 {
		qc.MaxRetries = d.MaxRetries
	}
	if d.RetryDelayMs > 0 {
		qc.RetryDelay = msDuration(d.RetryDelayMs)
	}
	if d.VisibilityMs > 0 {
		qc.VisibilityTimeout = msDuration(d.VisibilityMs)
	}
	if d.DrainIntervalMs > 0 {
		qc.DrainInterval = msDuration(d.DrainIntervalMs)
	}
	if d.BatchSize > 0 {
		qc.BatchSize = d.BatchSize
	}
	if d.Concurrency > 0 {
		qc.Concurrency = d.Concurrency
	}
	if d.DeadLetterDays > 0 {
		qc.DeadLetterRetention = time.Duration(d.DeadLetterDays) * 24 * time.Hour
	}
	if d.DisableDeadLetter {
		qc.EnableDeadLetter = false
	}
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
