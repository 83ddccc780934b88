package serverrun

import (
	"context"
	"os"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/herald/internal/config"
)

func TestGetenvDefault(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		def      string
		envValue string
		expected string
	}{
		{
			name:     "environment variable set",
			key:      "TEST_VAR",
			def:      "default",
			envValue: "env_value",
			expected: "env_value",
		},
		{
			name:     "environment variable not set",
			key:      "TEST_VAR_NOT_SET",
			def:      "default",
			envValue: "",
			expected: "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				_ = os.Setenv(tt.key, tt.envValue)
			} else {
				_ = os.Unsetenv(tt.key)
			}
			t.Cleanup(func() {
				_ = os.Unsetenv(tt.key)
			})

			result := getenvDefault(tt.key, tt.def)
			if result != tt.expected {
				t.Errorf("getenvDefault(%s, %s) = %s, expected %s", tt.key, tt.def, result, tt.expected)
			}
		})
	}
}

func TestOptionsOverrides(t *testing.T) {
	cfg := cfgpkg.Default()
	opts := Options{HTTPAddr: ":0", DataDir: "/tmp/herald-test", Config: cfg}

	// Mirror the override logic in Run.
	if opts.HTTPAddr != "" {
		cfg.HTTPAddr = opts.HTTPAddr
	}
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	if cfg.HTTPAddr != ":0" {
		t.Errorf("HTTPAddr override not applied: %s", cfg.HTTPAddr)
	}
	if cfg.DataDir != "/tmp/herald-test" {
		t.Errorf("DataDir override not applied: %s", cfg.DataDir)
	}
}

// TestRunIntegration is a basic integration test that verifies Run can be
// called without immediately failing. Minimal since Run starts a real server.
func TestRunIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := cfgpkg.Default()
	cfg.LogLevel = "error"
	opts := Options{
		HTTPAddr: ":0",
		Config:   cfg,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := Run(ctx, opts)
	if err != nil && err != context.DeadlineExceeded && err != context.Canceled {
		t.Errorf("Expected context cancellation error, got %v", err)
	}
}
