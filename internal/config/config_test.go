package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"tradegate/internal/domain"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "tradegate.yaml", `
storage:
  data_dir: "/tmp/tradegate/data"
  sqlite_path: "/tmp/tradegate/tradegate.db"
server:
  host: "127.0.0.1"
  port: 8181
  grpc_port: 9191
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
logging:
  level: "debug"
  format: "text"
execution:
  poll_interval: 500ms
  max_poll_duration: 1m
routing:
  priority: ["binance", "alpaca"]
`)

	// Clear any environment overrides that might interfere.
	for _, k := range []string{"APCA_API_KEY_ID", "APCA_API_SECRET_KEY", "DATA_DIR", "SQLITE_PATH", "LOG_LEVEL", "LOG_FORMAT"} {
		t.Setenv(k, "")
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Storage.DataDir != "/tmp/tradegate/data" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Server.Port != 8181 || cfg.Server.GRPCPort != 9191 {
		t.Errorf("Server ports = %d/%d", cfg.Server.Port, cfg.Server.GRPCPort)
	}
	if cfg.Alpaca.APIKey != "test-key" {
		t.Errorf("Alpaca.APIKey = %q", cfg.Alpaca.APIKey)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q", cfg.Logging.Format)
	}
	if cfg.Execution.PollInterval != 500*time.Millisecond {
		t.Errorf("Execution.PollInterval = %v", cfg.Execution.PollInterval)
	}
	// Unset fields keep their defaults.
	if cfg.Execution.MaxAttempts != 3 {
		t.Errorf("Execution.MaxAttempts = %d, want default 3", cfg.Execution.MaxAttempts)
	}
	if cfg.Execution.RetryBaseDelay != 250*time.Millisecond {
		t.Errorf("Execution.RetryBaseDelay = %v", cfg.Execution.RetryBaseDelay)
	}
	if len(cfg.Routing.Priority) != 2 || cfg.Routing.Priority[0] != "binance" {
		t.Errorf("Routing.Priority = %v", cfg.Routing.Priority)
	}
	if cfg.Routing.Regions["US"] != "alpaca" {
		t.Errorf("Routing.Regions[US] = %q", cfg.Routing.Regions["US"])
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeFile(t, "tradegate.yaml", "logging:\n  level: info\n")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("APCA_API_KEY_ID", "env-key")
	t.Setenv("BINANCE_API_SECRET", "env-secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("Logging.Level = %q, want error", cfg.Logging.Level)
	}
	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q", cfg.Alpaca.APIKey)
	}
	if cfg.Binance.APISecret != "env-secret" {
		t.Errorf("Binance.APISecret = %q", cfg.Binance.APISecret)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeFile(t, "bad.yaml", "execution:\n  max_attempts: 0\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for max_attempts 0")
	}
}

func TestLoadPolicies(t *testing.T) {
	path := writeFile(t, "policies.yaml", `
policies:
  - id: exposure
    name: Exposure cap
    priority: 10
    enabled: true
    rules:
      - type: exposure_cap
        max_exposure: 0.2
        on_breach: resize
  - id: drawdown
    priority: 20
    enabled: true
    rules:
      - type: daily_loss
        max_daily_loss: 0.05
        cooldown: 24h
`)
	policies, err := LoadPolicies(path)
	if err != nil {
		t.Fatalf("LoadPolicies returned error: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("got %d policies, want 2", len(policies))
	}
	if r := policies[0].Rules[0]; r.Type != domain.RuleExposureCap || r.MaxExposure != 0.2 {
		t.Errorf("exposure rule = %+v", r)
	}
	if r := policies[1].Rules[0]; r.Cooldown != 24*time.Hour {
		t.Errorf("cooldown = %v, want 24h", r.Cooldown)
	}
}

func TestLoadPoliciesInvalidRule(t *testing.T) {
	path := writeFile(t, "policies.yaml", `
policies:
  - id: broken
    rules:
      - type: exposure_cap
        max_exposure: 3
`)
	if _, err := LoadPolicies(path); err == nil {
		t.Fatal("expected validation error")
	}
}
