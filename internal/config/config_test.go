package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("WECHAT_TOKEN", "t0ken")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":3000" || cfg.WebhookPath != "/wc" {
		t.Fatalf("BindAddr/WebhookPath = %q %q, want :3000 /wc", cfg.BindAddr, cfg.WebhookPath)
	}
	if cfg.SessionMaxAge != 4*time.Hour {
		t.Fatalf("SessionMaxAge = %v, want 4h", cfg.SessionMaxAge)
	}
	if cfg.MinSendDelay != time.Second {
		t.Fatalf("MinSendDelay = %v, want 1s", cfg.MinSendDelay)
	}
	if cfg.DefaultDialogID != "/" || cfg.DefaultDialogArgs != nil {
		t.Fatalf("default dialog = %q %v, want / with no args", cfg.DefaultDialogID, cfg.DefaultDialogArgs)
	}
	if cfg.VoiceTranscriber != "none" {
		t.Fatalf("VoiceTranscriber = %q, want none", cfg.VoiceTranscriber)
	}
	if cfg.OutboundEnabled() {
		t.Fatalf("OutboundEnabled() = true without credentials")
	}
}

func TestLoadRequiresToken(t *testing.T) {
	setCoreEnvEmpty(t)
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "WECHAT_TOKEN") {
		t.Fatalf("Load() error = %v, want WECHAT_TOKEN required", err)
	}
}

func TestLoadSessionMaxAgeMillis(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("WECHAT_TOKEN", "t0ken")
	t.Setenv("SESSION_MAX_AGE", "1h")
	t.Setenv("SESSION_MAX_AGE_MS", "14400000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SessionMaxAge != 4*time.Hour {
		t.Fatalf("SessionMaxAge = %v, want 4h from milliseconds", cfg.SessionMaxAge)
	}
}

func TestLoadDefaultDialogArgs(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("WECHAT_TOKEN", "t0ken")
	t.Setenv("DEFAULT_DIALOG_ARGS", `{"greeting":"hey"}`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	args, ok := cfg.DefaultDialogArgs.(map[string]any)
	if !ok || args["greeting"] != "hey" {
		t.Fatalf("DefaultDialogArgs = %#v, want decoded object", cfg.DefaultDialogArgs)
	}

	t.Setenv("DEFAULT_DIALOG_ARGS", `{broken`)
	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error for invalid DEFAULT_DIALOG_ARGS")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "short aes key", key: "WECHAT_AES_KEY", val: "tooshort"},
		{name: "relative webhook path", key: "APP_WEBHOOK_PATH", val: "wc"},
		{name: "negative send delay", key: "MIN_SEND_DELAY", val: "-1s"},
		{name: "zero session age", key: "SESSION_MAX_AGE", val: "0s"},
		{name: "bad log format", key: "APP_LOG_FORMAT", val: "xml"},
		{name: "unknown transcriber", key: "VOICE_TRANSCRIBER", val: "whisper"},
		{name: "http transcriber without url", key: "VOICE_TRANSCRIBER", val: "http"},
		{name: "bad duration", key: "APP_SHUTDOWN_TIMEOUT", val: "soon"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv("WECHAT_TOKEN", "t0ken")
			t.Setenv(tc.key, tc.val)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() expected error for %s=%q", tc.key, tc.val)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_WEBHOOK_PATH",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"APP_ALLOW_ANY_ORIGIN",
		"WECHAT_APP_ID",
		"WECHAT_SECRET",
		"WECHAT_TOKEN",
		"WECHAT_AES_KEY",
		"WECHAT_API_BASE_URL",
		"SESSION_MAX_AGE",
		"SESSION_MAX_AGE_MS",
		"MIN_SEND_DELAY",
		"DEFAULT_DIALOG_ID",
		"DEFAULT_DIALOG_ARGS",
		"DATABASE_URL",
		"VOICE_TRANSCRIBER",
		"VOICE_TRANSCRIBER_URL",
		"VOICE_MOCK_TEXT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
