// config.go

// Environment variable loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all env configuration vars for fitroom.
type Config struct {
	DatabaseURL string
	RedisURL    string
	Port        string
	LogLevel    slog.Level

	// Session TTLs. Defaults: 24h standard, 720h (30d) remember-me.
	SessionTTL        time.Duration
	SessionRememberMe time.Duration

	// Rate limit policy for login attempts per email.
	// Defaults: max=10, window=10m, lockout=15m.
	RateLoginEmailMax     int
	RateLoginEmailWindow  time.Duration
	RateLoginEmailLockout time.Duration

	// Rate limit policy for registrations per email.
	// Defaults: max=5, window=1h, lockout=1h.
	RateRegisterEmailMax     int
	RateRegisterEmailWindow  time.Duration
	RateRegisterEmailLockout time.Duration

	// Generation quotas. Free is per week, premium per month.
	QuotaFreeLimit    int
	QuotaPremiumLimit int

	// QuotaRetention is how long expired windows are kept before purge.
	QuotaRetention time.Duration
	// QuotaPurgeSchedule is a standard 5-field cron expression. Empty disables purging.
	QuotaPurgeSchedule string

	// FASHN generation API. Empty key disables try-on (503).
	FashnAPIKey  string
	FashnBaseURL string
	FashnTimeout time.Duration

	// UploadMaxBytes caps each uploaded image.
	UploadMaxBytes int64

	// Telegram feedback relay. Both required; either empty disables relay.
	TelegramBotToken string
	TelegramChatID   string
	// NotifyQueueCap bounds the Redis notification queue.
	NotifyQueueCap int

	// TurnstileSecret, when set, requires a captcha token on anonymous try-on.
	TurnstileSecret string

	// Google OAuth. Empty client id disables the provider.
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	MetricsEnabled bool
}

// LoadConfig reads environment variables and returns a validated Config.
// Returns an error if required variables (DATABASE_URL, REDIS_URL) are missing
// or an optional integration is half-configured.
func LoadConfig() (*Config, error) {
	// Create config obj
	cfg := &Config{}

	// Attempt to get db url, if missing, err
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	// Attempt to get redis url, if missing, err
	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	cfg.Port = envString("PORT", "7865")

	// Parse log level, default to info
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	cfg.SessionTTL = envDuration("SESSION_TTL", 24*time.Hour)
	cfg.SessionRememberMe = envDuration("SESSION_REMEMBER_ME_TTL", 720*time.Hour)

	// Rate limits. Any missing or invalid field falls back to its default so a
	// misconfigured env doesn't silently disable rate limiting.
	cfg.RateLoginEmailMax = envInt("RATE_LOGIN_EMAIL_MAX", 10)
	cfg.RateLoginEmailWindow = envDuration("RATE_LOGIN_EMAIL_WINDOW", 10*time.Minute)
	cfg.RateLoginEmailLockout = envDuration("RATE_LOGIN_EMAIL_LOCKOUT", 15*time.Minute)
	cfg.RateRegisterEmailMax = envInt("RATE_REGISTER_EMAIL_MAX", 5)
	cfg.RateRegisterEmailWindow = envDuration("RATE_REGISTER_EMAIL_WINDOW", time.Hour)
	cfg.RateRegisterEmailLockout = envDuration("RATE_REGISTER_EMAIL_LOCKOUT", time.Hour)

	cfg.QuotaFreeLimit = envInt("QUOTA_FREE_LIMIT", 3)
	cfg.QuotaPremiumLimit = envInt("QUOTA_PREMIUM_LIMIT", 50)
	cfg.QuotaRetention = envDuration("QUOTA_RETENTION", 720*time.Hour)

	// Unset -> nightly default; explicitly empty -> disabled.
	schedule, set := os.LookupEnv("QUOTA_PURGE_SCHEDULE")
	if !set {
		schedule = "0 4 * * *"
	}
	if schedule != "" {
		if _, err := cron.ParseStandard(schedule); err != nil {
			return nil, fmt.Errorf("QUOTA_PURGE_SCHEDULE: %w", err)
		}
	}
	cfg.QuotaPurgeSchedule = schedule

	cfg.FashnAPIKey = os.Getenv("FASHN_API_KEY")
	cfg.FashnBaseURL = strings.TrimRight(envString("FASHN_BASE_URL", "https://api.fashn.ai/v1"), "/")
	if u, err := url.Parse(cfg.FashnBaseURL); err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, fmt.Errorf("FASHN_BASE_URL must be an http(s) URL")
	}
	cfg.FashnTimeout = envDuration("FASHN_TIMEOUT", 90*time.Second)
	cfg.UploadMaxBytes = int64(envInt("UPLOAD_MAX_BYTES", 10<<20))

	cfg.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.TelegramChatID = os.Getenv("TELEGRAM_CHAT_ID")
	if (cfg.TelegramBotToken == "") != (cfg.TelegramChatID == "") {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}
	cfg.NotifyQueueCap = envInt("NOTIFY_QUEUE_CAP", 1000)

	cfg.TurnstileSecret = os.Getenv("TURNSTILE_SECRET")

	// Google OAuth -- redirect must be HTTPS; the authorization code travels on it.
	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")
	if cfg.GoogleClientID != "" {
		if cfg.GoogleClientSecret == "" {
			return nil, fmt.Errorf("GOOGLE_CLIENT_SECRET is required when GOOGLE_CLIENT_ID is set")
		}
		if !strings.HasPrefix(cfg.GoogleRedirectURL, "https://") {
			return nil, fmt.Errorf("GOOGLE_REDIRECT_URL must be set and start with https://")
		}
	}

	cfg.MetricsEnabled = envBool("METRICS_ENABLED", true)

	return cfg, nil
}

// GenerationEnabled reports whether a FASHN key is configured.
func (c *Config) GenerationEnabled() bool { return c.FashnAPIKey != "" }

// TelegramEnabled reports whether feedback should be relayed.
func (c *Config) TelegramEnabled() bool { return c.TelegramBotToken != "" }

// GoogleEnabled reports whether Google OAuth is configured.
func (c *Config) GoogleEnabled() bool { return c.GoogleClientID != "" }

// envString reads an env var, returning def if missing.
func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

// envBool reads an env var with strconv.ParseBool, returning def if missing or unparseable.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}
