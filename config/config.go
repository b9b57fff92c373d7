// Package config loads OutBox's configuration surface from environment
// variables, applies defaults, and validates the result. Unrecognized
// environment variables are ignored (forward compatibility).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// SMTPConfig describes how to reach the outbound mail server.
type SMTPConfig struct {
	Host              string
	Port              int
	Username          string
	Password          string
	From              string
	UseTLS            bool
	ConnectionTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
}

// LogConfig controls the structured logger (logger.New).
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// MetricsConfig controls the optional expvar metrics server.
type MetricsConfig struct {
	Port int
}

// AppConfig is the full, recognized configuration surface from spec.md §4.G
// and §6.
type AppConfig struct {
	DBPath string

	WorkerConcurrency         int
	MaxEmailsPerHourPerSender int
	GlobalMaxEmailsPerHour    int
	MinDelayBetweenEmails     time.Duration
	QueueRateLimitPerSecond   int
	TransportRetryAttempts    int
	TransportBackoffBase      time.Duration

	SMTP    SMTPConfig
	Log     LogConfig
	Metrics MetricsConfig
}

// Load reads recognized OUTBOX_* environment variables, applies defaults for
// anything unset, and validates the result. It never terminates the
// process; callers handle the returned error.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		DBPath:                    getEnv("OUTBOX_DB_PATH", ""),
		WorkerConcurrency:         getEnvInt("OUTBOX_WORKER_CONCURRENCY", 0),
		MaxEmailsPerHourPerSender: getEnvInt("OUTBOX_MAX_PER_HOUR_SENDER", 0),
		GlobalMaxEmailsPerHour:    getEnvInt("OUTBOX_MAX_PER_HOUR_GLOBAL", 0),
		MinDelayBetweenEmails:     getEnvDuration("OUTBOX_MIN_DELAY_MS", 0),
		QueueRateLimitPerSecond:   getEnvInt("OUTBOX_QUEUE_RATE_LIMIT", 0),
		TransportRetryAttempts:    getEnvInt("OUTBOX_TRANSPORT_RETRY_ATTEMPTS", -1),
		TransportBackoffBase:      getEnvDuration("OUTBOX_TRANSPORT_BACKOFF_BASE_MS", 0),

		SMTP: SMTPConfig{
			Host:     getEnv("OUTBOX_SMTP_HOST", ""),
			Port:     getEnvInt("OUTBOX_SMTP_PORT", 0),
			Username: getEnv("OUTBOX_SMTP_USERNAME", ""),
			Password: getEnv("OUTBOX_SMTP_PASSWORD", ""),
			From:     getEnv("OUTBOX_SMTP_FROM", ""),
			UseTLS:   getEnvBool("OUTBOX_SMTP_USE_TLS", false),
		},
		Log: LogConfig{
			Level:  getEnv("OUTBOX_LOG_LEVEL", ""),
			Format: getEnv("OUTBOX_LOG_FORMAT", ""),
		},
		Metrics: MetricsConfig{
			Port: getEnvInt("OUTBOX_METRICS_PORT", 0),
		},
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// setDefaults applies spec.md §4.G's defaults to anything left unset.
func (c *AppConfig) setDefaults() {
	if c.DBPath == "" {
		c.DBPath = "outbox.db"
	}
	if c.WorkerConcurrency == 0 {
		c.WorkerConcurrency = 5
	}
	if c.MaxEmailsPerHourPerSender == 0 {
		c.MaxEmailsPerHourPerSender = 50
	}
	if c.GlobalMaxEmailsPerHour == 0 {
		c.GlobalMaxEmailsPerHour = 200
	}
	if c.MinDelayBetweenEmails == 0 {
		c.MinDelayBetweenEmails = 2000 * time.Millisecond
	}
	if c.QueueRateLimitPerSecond == 0 {
		c.QueueRateLimitPerSecond = 100
	}
	if c.TransportRetryAttempts < 0 {
		c.TransportRetryAttempts = 3
	}
	if c.TransportBackoffBase == 0 {
		c.TransportBackoffBase = time.Second
	}

	if c.SMTP.ConnectionTimeout == 0 {
		c.SMTP.ConnectionTimeout = 10 * time.Second
	}
	if c.SMTP.ReadTimeout == 0 {
		c.SMTP.ReadTimeout = 30 * time.Second
	}
	if c.SMTP.WriteTimeout == 0 {
		c.SMTP.WriteTimeout = 30 * time.Second
	}
	if c.SMTP.Port == 0 {
		if c.SMTP.UseTLS {
			c.SMTP.Port = 587
		} else {
			c.SMTP.Port = 25
		}
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 8090
	}
}

// validate checks required fields and sane limits.
func (c *AppConfig) validate() error {
	if c.SMTP.Host == "" {
		return fmt.Errorf("OUTBOX_SMTP_HOST is required")
	}
	if c.SMTP.From == "" {
		return fmt.Errorf("OUTBOX_SMTP_FROM is required")
	}
	if c.WorkerConcurrency <= 0 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("worker concurrency must be between 1 and 100")
	}
	if c.MaxEmailsPerHourPerSender <= 0 {
		return fmt.Errorf("max emails per hour per sender must be positive")
	}
	if c.GlobalMaxEmailsPerHour <= 0 {
		return fmt.Errorf("global max emails per hour must be positive")
	}
	if c.QueueRateLimitPerSecond <= 0 {
		return fmt.Errorf("queue rate limit must be positive")
	}
	if c.TransportRetryAttempts < 0 || c.TransportRetryAttempts > 10 {
		return fmt.Errorf("transport retry attempts must be between 0 and 10")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvDuration(key string, fallbackMs int) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return time.Duration(fallbackMs) * time.Millisecond
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return time.Duration(fallbackMs) * time.Millisecond
	}
	return time.Duration(n) * time.Millisecond
}
