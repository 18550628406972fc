package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("telegram:\n  enabled: true\n  bot_token: ${AGENTGATE_TEST_TOKEN}\n"), 0600)
	os.Setenv("AGENTGATE_TEST_TOKEN", "secret123")
	defer os.Unsetenv("AGENTGATE_TEST_TOKEN")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Telegram.BotToken != "secret123" {
		t.Errorf("bot_token = %q, want %q", cfg.Telegram.BotToken, "secret123")
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("data_dir: /tmp/agentgate\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("listen.port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.Outbound.ThrottleMS != 400 {
		t.Errorf("outbound.throttle_ms = %d, want 400", cfg.Outbound.ThrottleMS)
	}
	if cfg.Outbound.IdempotencyRetention != 24*time.Hour {
		t.Errorf("outbound.idempotency_retention = %v, want 24h", cfg.Outbound.IdempotencyRetention)
	}
	if cfg.Routing.InboundDedupeTTL != 10*time.Minute {
		t.Errorf("routing.inbound_dedupe_ttl = %v, want 10m", cfg.Routing.InboundDedupeTTL)
	}
}

func TestValidate_TelegramEnabledMissingToken(t *testing.T) {
	cfg := Default()
	cfg.Telegram.Enabled = true

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for telegram enabled without bot_token")
	}
}

func TestValidate_SMSEnabledMissingWebhook(t *testing.T) {
	cfg := Default()
	cfg.SMS.Enabled = true

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for sms enabled without webhook_url")
	}
}

func TestContextWindowForEngine(t *testing.T) {
	cfg := Default()
	cfg.Engines.Registry = map[string]EngineEntry{
		"codex-like": {ContextWindow: 400000},
	}

	if got := cfg.ContextWindowForEngine("codex-like", 1000); got != 400000 {
		t.Errorf("ContextWindowForEngine(known) = %d, want 400000", got)
	}
	if got := cfg.ContextWindowForEngine("unknown", 1000); got != 1000 {
		t.Errorf("ContextWindowForEngine(unknown) = %d, want 1000 (fallback)", got)
	}
}

func TestParseLogLevel_Invalid(t *testing.T) {
	if _, err := ParseLogLevel("nonsense"); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}
