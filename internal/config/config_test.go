package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	if cfg.AppName != "subgate" {
		t.Errorf("AppName = %q, want %q", cfg.AppName, "subgate")
	}
	if cfg.Retry.BaseDelay != time.Minute {
		t.Errorf("Retry.BaseDelay = %v, want 1m", cfg.Retry.BaseDelay)
	}
	if cfg.Retry.MaxAttempts != 8 {
		t.Errorf("Retry.MaxAttempts = %d, want 8", cfg.Retry.MaxAttempts)
	}
	if cfg.NSQ.TasksTopic != "esp_tasks" {
		t.Errorf("NSQ.TasksTopic = %q, want %q", cfg.NSQ.TasksTopic, "esp_tasks")
	}
	if !cfg.Auth.RequireSSL {
		t.Error("Auth.RequireSSL should default to true")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("RETRY_BASE_DELAY", "30s")
	t.Setenv("RETRY_MAX_ATTEMPTS", "3")
	t.Setenv("BLOCKED_EMAIL_DOMAINS", "spam.example, junk.example ,")
	t.Setenv("REQUIRE_SSL", "false")
	t.Setenv("ESP_MASTER_LIST", "Master_Test")

	cfg := FromEnv()

	if cfg.Retry.BaseDelay != 30*time.Second {
		t.Errorf("Retry.BaseDelay = %v, want 30s", cfg.Retry.BaseDelay)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
	want := []string{"spam.example", "junk.example"}
	if len(cfg.Gateway.BlockedDomains) != len(want) {
		t.Fatalf("BlockedDomains = %v, want %v", cfg.Gateway.BlockedDomains, want)
	}
	for i := range want {
		if cfg.Gateway.BlockedDomains[i] != want[i] {
			t.Errorf("BlockedDomains[%d] = %q, want %q", i, cfg.Gateway.BlockedDomains[i], want[i])
		}
	}
	if cfg.Auth.RequireSSL {
		t.Error("Auth.RequireSSL should be false")
	}
	if cfg.ESP.MasterList != "Master_Test" {
		t.Errorf("ESP.MasterList = %q, want %q", cfg.ESP.MasterList, "Master_Test")
	}
}

func TestFromEnvBadValuesFallBack(t *testing.T) {
	t.Setenv("RETRY_MAX_ATTEMPTS", "lots")
	t.Setenv("RETRY_BASE_DELAY", "soon")
	t.Setenv("REQUIRE_SSL", "maybe")

	cfg := FromEnv()

	if cfg.Retry.MaxAttempts != 8 {
		t.Errorf("Retry.MaxAttempts = %d, want default 8", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BaseDelay != time.Minute {
		t.Errorf("Retry.BaseDelay = %v, want default 1m", cfg.Retry.BaseDelay)
	}
	if !cfg.Auth.RequireSSL {
		t.Error("Auth.RequireSSL should fall back to true")
	}
}

func TestDSN(t *testing.T) {
	cfg := Config{DB: DB{User: "u", Pass: "p", Host: "h", Port: "5433", Name: "n"}}
	want := "postgres://u:p@h:5433/n?sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
