package config

import (
	"os"
	"testing"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  port: 9090\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want default", cfg.Server.Host)
	}
	if cfg.Server.MaxConcurrentRequests != 16 {
		t.Errorf("MaxConcurrentRequests = %d, want 16", cfg.Server.MaxConcurrentRequests)
	}
	if !cfg.Server.SecurityHeadersEnabled() {
		t.Error("security headers should default on")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Dir != "logs" {
		t.Errorf("logging defaults wrong: %+v", cfg.Logging)
	}
}

func TestParseEnvExpansion(t *testing.T) {
	os.Setenv("TEST_ADAPTER_HOST", "0.0.0.0")
	defer os.Unsetenv("TEST_ADAPTER_HOST")

	cfg, err := Parse([]byte("server:\n  host: ${TEST_ADAPTER_HOST}\n  port: ${TEST_ADAPTER_PORT:-8123}\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Host = %q, want expanded value", cfg.Server.Host)
	}
	if cfg.Server.Port != 8123 {
		t.Errorf("Port = %d, want default fallback 8123", cfg.Server.Port)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"auth without keys", "server:\n  auth:\n    enabled: true\n"},
		{"bad log level", "logging:\n  level: loud\n"},
		{"negative queue", "server:\n  max_queue_size: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
