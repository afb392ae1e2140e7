package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the WeChat bot service. It is built
// once by Load and passed down by value.
type Config struct {
	BindAddr         string
	WebhookPath      string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	AllowAnyOrigin bool

	WeChatAppID      string
	WeChatSecret     string
	WeChatToken      string
	WeChatAESKey     string
	WeChatAPIBaseURL string

	SessionMaxAge     time.Duration
	MinSendDelay      time.Duration
	DefaultDialogID   string
	DefaultDialogArgs any

	DatabaseURL string

	VoiceTranscriber    string
	VoiceTranscriberURL string
	VoiceMockText       string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":3000"),
		WebhookPath:      envOrDefault("APP_WEBHOOK_PATH", "/wc"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "wechatbot"),
		LogLevel:         strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envOrDefault("APP_LOG_FORMAT", "text")),
		AllowAnyOrigin:   false,
		WeChatAppID:      stringsTrimSpace("WECHAT_APP_ID"),
		WeChatSecret:     stringsTrimSpace("WECHAT_SECRET"),
		WeChatToken:      stringsTrimSpace("WECHAT_TOKEN"),
		WeChatAESKey:     stringsTrimSpace("WECHAT_AES_KEY"),
		WeChatAPIBaseURL: envOrDefault("WECHAT_API_BASE_URL", "https://api.weixin.qq.com"),
		DefaultDialogID:  envOrDefault("DEFAULT_DIALOG_ID", "/"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		// none keeps voice messages dropped, which is a supported setup.
		VoiceTranscriber:    strings.ToLower(envOrDefault("VOICE_TRANSCRIBER", "none")),
		VoiceTranscriberURL: stringsTrimSpace("VOICE_TRANSCRIBER_URL"),
		VoiceMockText:       stringsTrimSpace("VOICE_MOCK_TEXT"),
		ShutdownTimeout:     15 * time.Second,
		SessionMaxAge:       4 * time.Hour,
		MinSendDelay:        time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionMaxAge, err = durationFromEnv("SESSION_MAX_AGE", cfg.SessionMaxAge)
	if err != nil {
		return Config{}, err
	}
	// The millisecond form wins so existing deployments keep their value.
	maxAgeMS, err := intFromEnv("SESSION_MAX_AGE_MS", 0)
	if err != nil {
		return Config{}, err
	}
	if maxAgeMS != 0 {
		cfg.SessionMaxAge = time.Duration(maxAgeMS) * time.Millisecond
	}
	cfg.MinSendDelay, err = durationFromEnv("MIN_SEND_DELAY", cfg.MinSendDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultDialogArgs, err = jsonFromEnv("DEFAULT_DIALOG_ARGS")
	if err != nil {
		return Config{}, err
	}

	if cfg.WeChatToken == "" {
		return Config{}, fmt.Errorf("WECHAT_TOKEN is required")
	}
	if cfg.WeChatAESKey != "" && len(cfg.WeChatAESKey) != 43 {
		return Config{}, fmt.Errorf("WECHAT_AES_KEY must be 43 characters")
	}
	if !strings.HasPrefix(cfg.WebhookPath, "/") {
		return Config{}, fmt.Errorf("APP_WEBHOOK_PATH must start with /")
	}
	if cfg.SessionMaxAge <= 0 {
		return Config{}, fmt.Errorf("SESSION_MAX_AGE must be positive")
	}
	if cfg.MinSendDelay < 0 {
		return Config{}, fmt.Errorf("MIN_SEND_DELAY must be >= 0")
	}
	if strings.TrimSpace(cfg.DefaultDialogID) == "" {
		return Config{}, fmt.Errorf("DEFAULT_DIALOG_ID must not be empty")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("APP_LOG_FORMAT must be text or json")
	}
	switch cfg.VoiceTranscriber {
	case "none", "mock":
	case "http":
		if cfg.VoiceTranscriberURL == "" {
			return Config{}, fmt.Errorf("VOICE_TRANSCRIBER_URL is required when VOICE_TRANSCRIBER=http")
		}
	default:
		return Config{}, fmt.Errorf("VOICE_TRANSCRIBER must be none, http or mock")
	}

	return cfg, nil
}

// OutboundEnabled reports whether API credentials are present for sending
// replies through the customer-service API.
func (c Config) OutboundEnabled() bool {
	return c.WeChatAppID != "" && c.WeChatSecret != ""
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

func jsonFromEnv(key string) (any, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil, fmt.Errorf("%s parse error: %w", key, err)
	}
	return out, nil
}
