package mcpbridge_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	mcpbridge "github.com/jerthedev/go-mcp-bridge"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := mcpbridge.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Framing.Mode != mcpbridge.FramingLine {
		t.Errorf("default framing mode = %q", cfg.Framing.Mode)
	}
	if cfg.Resilience.MaxAttempts != 3 {
		t.Errorf("default maxAttempts = %d", cfg.Resilience.MaxAttempts)
	}
	if cfg.Stream.QueueSize != 64 {
		t.Errorf("default queueSize = %d", cfg.Stream.QueueSize)
	}
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
framing:
  mode: header
resilience:
  maxAttempts: 7
batch:
  enabled: true
  size: 25
`)

	cfg, err := mcpbridge.LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Framing.Mode != mcpbridge.FramingHeader {
		t.Errorf("framing mode = %q, want header", cfg.Framing.Mode)
	}
	if cfg.Resilience.MaxAttempts != 7 {
		t.Errorf("maxAttempts = %d, want 7", cfg.Resilience.MaxAttempts)
	}
	if !cfg.Batch.Enabled || cfg.Batch.Size != 25 {
		t.Errorf("batch settings not applied: %+v", cfg.Batch)
	}

	// Omitted values fall back to defaults.
	if cfg.Framing.MaxMessageSize != 1<<20 {
		t.Errorf("maxMessageSize = %d, want default", cfg.Framing.MaxMessageSize)
	}
	if cfg.Resilience.Cooldown != 30*time.Second {
		t.Errorf("cooldown = %s, want default", cfg.Resilience.Cooldown)
	}
	if cfg.Batch.Timeout != 100*time.Millisecond {
		t.Errorf("batch timeout = %s, want default", cfg.Batch.Timeout)
	}
}

func TestLoadConfigDurations(t *testing.T) {
	path := writeConfigFile(t, `
resilience:
  baseDelay: 250ms
  maxDelay: 10s
stream:
  heartbeatInterval: 1m
`)

	cfg, err := mcpbridge.LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Resilience.BaseDelay != 250*time.Millisecond {
		t.Errorf("baseDelay = %s", cfg.Resilience.BaseDelay)
	}
	if cfg.Resilience.MaxDelay != 10*time.Second {
		t.Errorf("maxDelay = %s", cfg.Resilience.MaxDelay)
	}
	if cfg.Stream.HeartbeatInterval != time.Minute {
		t.Errorf("heartbeatInterval = %s", cfg.Stream.HeartbeatInterval)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			"unknown framing mode",
			"framing:\n  mode: telepathy\n",
		},
		{
			"base delay above max delay",
			"resilience:\n  baseDelay: 10s\n  maxDelay: 1s\n",
		},
		{
			"negative message size",
			"framing:\n  maxMessageSize: -5\n",
		},
		{
			"malformed yaml",
			"framing: [\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfigFile(t, tt.content)
			if _, err := mcpbridge.LoadConfig(path); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := mcpbridge.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
