package config

import (
	"os"
	"strconv"
)

// FromEnv overlays HERALD_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("HERALD_QUEUE_TYPE"); v != "" {
		cfg.QueueType = v
	}
	if v := os.Getenv("HERALD_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("HERALD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HERALD_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("HERALD_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("HERALD_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("HERALD_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("HERALD_KV_REST_URL"); v != "" {
		cfg.KVRest.URL = v
	}
	if v := os.Getenv("HERALD_KV_REST_TOKEN"); v != "" {
		cfg.KVRest.Token = v
	}
	if v := os.Getenv("HERALD_PUSH_URL"); v != "" {
		cfg.Push.URL = v
	}
	if v := os.Getenv("HERALD_PUSH_TOKEN"); v != "" {
		cfg.Push.Token = v
	}
	if v := os.Getenv("HERALD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("HERALD_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueDefaults.MaxRetries = n
		}
	}
	if v := os.Getenv("HERALD_RETRY_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueDefaults.RetryDelayMs = n
		}
	}
	if v := os.Getenv("HERALD_VISIBILITY_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueDefaults.VisibilityMs = n
		}
	}
	if v := os.Getenv("HERALD_DRAIN_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueDefaults.DrainIntervalMs = n
		}
	}
	if v := os.Getenv("HERALD_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueDefaults.BatchSize = n
		}
	}
	if v := os.Getenv("HERALD_DISABLE_DEAD_LETTER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.QueueDefaults.DisableDeadLetter = b
		}
	}
}
