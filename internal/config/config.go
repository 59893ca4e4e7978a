// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a .env file in the working directory. Environment variables take
// precedence over the .env file.
//
// The gateway needs a relational store (DATABASE_URL, defaults to a local
// sqlite file) and Redis (REDIS_URL) for the probe queue, semaphores and the
// progress bus. Everything else has working defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// DatabaseURL selects the relational store. "sqlite://<path>" (default
	// "sqlite://gateway.db") uses the embedded pure-Go driver.
	DatabaseURL string

	// RedisURL is the redis:// URL backing the job queue, semaphores, stop
	// flag and progress bus. Required.
	RedisURL string

	// ClickHouseURL enables the optional append-only probe-log mirror for
	// analytics. Empty disables it.
	ClickHouseURL string

	// AdminPassword authenticates dashboard logins. May be plaintext or a
	// bcrypt hash (detected by the "$2" prefix).
	AdminPassword string

	// JWTSecret signs admin session tokens (HS256). When empty a random
	// process-lifetime secret is generated, invalidating sessions on restart.
	JWTSecret string

	// ProxyAPIKey is the built-in gateway key. When empty a random
	// process-lifetime key is generated and logged once at startup.
	ProxyAPIKey string

	// GlobalProxy is the process-wide default outbound proxy URL
	// (http://, https:// or socks5://). Channels may override it.
	GlobalProxy string

	// WebDAV configures the optional remote mirror of the channel list.
	WebDAV WebDAVConfig

	// Detection holds probe-engine tuning.
	Detection DetectionConfig

	// Cron holds scheduler defaults, used to seed the SchedulerConfig row
	// when the store has none.
	Cron CronConfig

	// LogRetentionDays is how long probe logs are kept. Default: 7.
	LogRetentionDays int

	// CORSOrigins is the list of allowed CORS origins. Default: ["*"].
	CORSOrigins []string
}

// DetectionConfig holds concurrency and pacing limits for the probe engine.
type DetectionConfig struct {
	// ChannelConcurrency caps simultaneous probes per channel. Default: 5.
	ChannelConcurrency int

	// MaxGlobalConcurrency caps simultaneous probes across all channels.
	// Default: 30.
	MaxGlobalConcurrency int

	// MinDelayMs / MaxDelayMs bound the uniform anti-burst jitter slept
	// before each probe. Defaults: 3000 / 5000.
	MinDelayMs int
	MaxDelayMs int

	// Workers is the number of queue drain goroutines. Default: 10.
	Workers int

	// Prompt is the canonical probe prompt sent to every model.
	Prompt string
}

// CronConfig holds process-level scheduler defaults.
type CronConfig struct {
	// Enabled seeds SchedulerConfig.Enabled on first run.
	Enabled bool

	// Schedule is a 5-field cron expression. Default: "0 */6 * * *".
	Schedule string

	// Timezone is an IANA zone name for cron evaluation. Default: "UTC".
	Timezone string
}

// WebDAVConfig holds the optional remote channel-list mirror settings.
// All three fields must be set for the mirror to activate.
type WebDAVConfig struct {
	URL      string
	Username string
	Password string
}

// DefaultProbePrompt is used when DETECT_PROMPT is not set.
const DefaultProbePrompt = "1+1=2? yes or no"

// Load reads configuration from environment variables and (optionally) from a
// .env file in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_URL", "sqlite://gateway.db")
	v.SetDefault("REDIS_URL", "redis://localhost:6379")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("CHANNEL_CONCURRENCY", 5)
	v.SetDefault("MAX_GLOBAL_CONCURRENCY", 30)
	v.SetDefault("DETECTION_MIN_DELAY_MS", 3000)
	v.SetDefault("DETECTION_MAX_DELAY_MS", 5000)
	v.SetDefault("DETECTION_WORKERS", 10)
	v.SetDefault("DETECT_PROMPT", DefaultProbePrompt)

	v.SetDefault("AUTO_DETECT_ENABLED", false)
	v.SetDefault("CRON_SCHEDULE", "0 */6 * * *")
	v.SetDefault("CRON_TIMEZONE", "UTC")
	v.SetDefault("LOG_RETENTION_DAYS", 7)

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		DatabaseURL:   v.GetString("DATABASE_URL"),
		RedisURL:      v.GetString("REDIS_URL"),
		ClickHouseURL: v.GetString("CLICKHOUSE_URL"),

		AdminPassword: v.GetString("ADMIN_PASSWORD"),
		JWTSecret:     v.GetString("JWT_SECRET"),
		ProxyAPIKey:   v.GetString("PROXY_API_KEY"),
		GlobalProxy:   v.GetString("GLOBAL_PROXY"),

		WebDAV: WebDAVConfig{
			URL:      v.GetString("WEBDAV_URL"),
			Username: v.GetString("WEBDAV_USERNAME"),
			Password: v.GetString("WEBDAV_PASSWORD"),
		},

		Detection: DetectionConfig{
			ChannelConcurrency:   v.GetInt("CHANNEL_CONCURRENCY"),
			MaxGlobalConcurrency: v.GetInt("MAX_GLOBAL_CONCURRENCY"),
			MinDelayMs:           v.GetInt("DETECTION_MIN_DELAY_MS"),
			MaxDelayMs:           v.GetInt("DETECTION_MAX_DELAY_MS"),
			Workers:              v.GetInt("DETECTION_WORKERS"),
			Prompt:               v.GetString("DETECT_PROMPT"),
		},

		Cron: CronConfig{
			Enabled:  v.GetBool("AUTO_DETECT_ENABLED"),
			Schedule: v.GetString("CRON_SCHEDULE"),
			Timezone: v.GetString("CRON_TIMEZONE"),
		},

		LogRetentionDays: v.GetInt("LOG_RETENTION_DAYS"),
		CORSOrigins:      v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.RedisURL == "" {
		return fmt.Errorf("config: REDIS_URL is required (job queue, semaphores and progress bus live in Redis)")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}

	if c.Detection.ChannelConcurrency < 1 {
		return fmt.Errorf("config: CHANNEL_CONCURRENCY must be ≥ 1, got %d", c.Detection.ChannelConcurrency)
	}
	if c.Detection.MaxGlobalConcurrency < 1 {
		return fmt.Errorf("config: MAX_GLOBAL_CONCURRENCY must be ≥ 1, got %d", c.Detection.MaxGlobalConcurrency)
	}
	if c.Detection.MinDelayMs < 0 || c.Detection.MaxDelayMs < 0 {
		return fmt.Errorf("config: detection delays must be ≥ 0")
	}
	if c.Detection.MinDelayMs > c.Detection.MaxDelayMs {
		return fmt.Errorf("config: DETECTION_MIN_DELAY_MS (%d) must be ≤ DETECTION_MAX_DELAY_MS (%d)",
			c.Detection.MinDelayMs, c.Detection.MaxDelayMs)
	}
	if c.Detection.Workers < 1 {
		return fmt.Errorf("config: DETECTION_WORKERS must be ≥ 1, got %d", c.Detection.Workers)
	}

	if err := ValidateCronSpec(c.Cron.Schedule); err != nil {
		return fmt.Errorf("config: invalid CRON_SCHEDULE %q: %w", c.Cron.Schedule, err)
	}
	if _, err := time.LoadLocation(c.Cron.Timezone); err != nil {
		return fmt.Errorf("config: invalid CRON_TIMEZONE %q: %w", c.Cron.Timezone, err)
	}

	if c.LogRetentionDays < 1 {
		return fmt.Errorf("config: LOG_RETENTION_DAYS must be ≥ 1, got %d", c.LogRetentionDays)
	}

	return nil
}

// ValidateCronSpec checks that spec is a well-formed standard 5-field cron
// expression. Shared with the scheduler-config API so bad expressions are
// rejected before they reach the cron runner.
func ValidateCronSpec(spec string) error {
	if n := len(strings.Fields(spec)); n != 5 {
		return fmt.Errorf("expected 5 fields, got %d", n)
	}
	_, err := cron.ParseStandard(spec)
	return err
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
