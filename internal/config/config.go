// Package config loads service configuration from an optional YAML file with
// environment variable overrides on top, so deployments can keep secrets in
// .env locally and in real env vars on the host.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the intake service.
type Config struct {
	Server       ServerConfig      `yaml:"server"`
	IMAP         IMAPConfig        `yaml:"imap"`
	Intake       IntakeConfig      `yaml:"intake"`
	Listener     ListenerConfig    `yaml:"listener"`
	Health       HealthConfig      `yaml:"health"`
	Storage      StorageConfig     `yaml:"storage"`
	Queue        QueueConfig       `yaml:"queue"`
	Alerts       AlertConfig       `yaml:"alerts"`
	BusinessDays BusinessDayConfig `yaml:"business_days"`
	LogLevel     string            `yaml:"log_level"`
}

// ServerConfig holds the dashboard HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// Addr returns the listen address for the dashboard server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IMAPConfig holds mail server connection settings shared by all listeners.
type IMAPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	TLS  *bool  `yaml:"tls"`
	User string `yaml:"user"`
	Pass string `yaml:"pass"`
}

// Addr returns the host:port dial address.
func (c IMAPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// UseTLS reports whether the connection should use implicit TLS. Defaults to
// true when unset.
func (c IMAPConfig) UseTLS() bool {
	if c.TLS == nil {
		return true
	}
	return *c.TLS
}

// IntakeConfig holds mailbox names and admission settings.
type IntakeConfig struct {
	Mailboxes     []string `yaml:"mailboxes"`
	AllowBackfill bool     `yaml:"allow_backfill"`
	DailyCapacity float64  `yaml:"daily_capacity"`
}

// ListenerConfig holds reconnect and fetch-retry tuning for mailbox listeners.
type ListenerConfig struct {
	InitialDelaySeconds   int `yaml:"initial_delay_seconds"`
	MaxDelaySeconds       int `yaml:"max_delay_seconds"`
	MaxRetries            int `yaml:"max_retries"`
	FailedCooldownSeconds int `yaml:"failed_cooldown_seconds"`
	FetchRetries          int `yaml:"fetch_retries"`
	FetchRetryBaseSeconds int `yaml:"fetch_retry_base_seconds"`
}

// InitialDelay returns the first reconnect delay as a duration.
func (c ListenerConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelaySeconds) * time.Second
}

// MaxDelay returns the reconnect delay cap as a duration.
func (c ListenerConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelaySeconds) * time.Second
}

// FailedCooldown returns the pause applied after reconnect retries are
// exhausted, before the cycle starts over.
func (c ListenerConfig) FailedCooldown() time.Duration {
	return time.Duration(c.FailedCooldownSeconds) * time.Second
}

// FetchRetryBase returns the base delay between fetch retry attempts.
func (c ListenerConfig) FetchRetryBase() time.Duration {
	return time.Duration(c.FetchRetryBaseSeconds) * time.Second
}

// HealthConfig holds health-monitor thresholds for the listener fleet.
type HealthConfig struct {
	ReconnectAlertThreshold     int `yaml:"reconnect_alert_threshold"`
	AlertWindowSeconds          int `yaml:"alert_window_seconds"`
	ConsecutiveFailureThreshold int `yaml:"consecutive_failure_threshold"`
	CheckIntervalSeconds        int `yaml:"check_interval_seconds"`
	CheckTimeoutSeconds         int `yaml:"check_timeout_seconds"`
}

// AlertWindow returns the reconnect-storm window as a duration.
func (c HealthConfig) AlertWindow() time.Duration {
	return time.Duration(c.AlertWindowSeconds) * time.Second
}

// CheckInterval returns the minimum spacing between no-op health checks.
func (c HealthConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// CheckTimeout returns the hard timeout for a single no-op health check.
func (c HealthConfig) CheckTimeout() time.Duration {
	return time.Duration(c.CheckTimeoutSeconds) * time.Second
}

// StorageConfig holds the data directory for persisted JSON state.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// QueueConfig holds dispatch queue settings. An empty RedisURL selects the
// in-memory queue.
type QueueConfig struct {
	RedisURL string `yaml:"redis_url"`
	Key      string `yaml:"key"`
}

// AlertConfig holds the chat-webhook notifier settings.
type AlertConfig struct {
	WebhookURL     string `yaml:"webhook_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the webhook post timeout as a duration.
func (c AlertConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BusinessDayConfig defines which dates can receive capacity allocations.
type BusinessDayConfig struct {
	Weekend  []string `yaml:"weekend"`
	Holidays []string `yaml:"holidays"`
}

// Predicate builds the business-day check from the configured weekend days
// and holiday dates. Unparseable holiday entries are ignored.
func (c BusinessDayConfig) Predicate() func(time.Time) bool {
	weekend := make(map[time.Weekday]bool)
	for _, name := range c.Weekend {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "sunday":
			weekend[time.Sunday] = true
		case "monday":
			weekend[time.Monday] = true
		case "tuesday":
			weekend[time.Tuesday] = true
		case "wednesday":
			weekend[time.Wednesday] = true
		case "thursday":
			weekend[time.Thursday] = true
		case "friday":
			weekend[time.Friday] = true
		case "saturday":
			weekend[time.Saturday] = true
		}
	}

	holidays := make(map[string]bool)
	for _, h := range c.Holidays {
		h = strings.TrimSpace(h)
		if _, err := time.Parse("2006-01-02", h); err == nil {
			holidays[h] = true
		}
	}

	return func(t time.Time) bool {
		if weekend[t.Weekday()] {
			return false
		}
		return !holidays[t.Format("2006-01-02")]
	}
}

// Load reads and parses the configuration file. A missing file yields the
// default configuration without error so the service can run from env alone.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if cfg.IMAP.Host == "" {
		cfg.IMAP.Host = "imap.gmail.com"
	}
	if cfg.IMAP.Port == 0 {
		cfg.IMAP.Port = 993
	}
	if cfg.Intake.DailyCapacity == 0 {
		cfg.Intake.DailyCapacity = 5000
	}
	if cfg.Listener.InitialDelaySeconds == 0 {
		cfg.Listener.InitialDelaySeconds = 3
	}
	if cfg.Listener.MaxDelaySeconds == 0 {
		cfg.Listener.MaxDelaySeconds = 300
	}
	if cfg.Listener.MaxRetries == 0 {
		cfg.Listener.MaxRetries = 5
	}
	if cfg.Listener.FailedCooldownSeconds == 0 {
		cfg.Listener.FailedCooldownSeconds = cfg.Listener.MaxDelaySeconds
	}
	if cfg.Listener.FetchRetries == 0 {
		cfg.Listener.FetchRetries = 3
	}
	if cfg.Listener.FetchRetryBaseSeconds == 0 {
		cfg.Listener.FetchRetryBaseSeconds = 1
	}
	if cfg.Health.ReconnectAlertThreshold == 0 {
		cfg.Health.ReconnectAlertThreshold = 10
	}
	if cfg.Health.AlertWindowSeconds == 0 {
		cfg.Health.AlertWindowSeconds = 300
	}
	if cfg.Health.ConsecutiveFailureThreshold == 0 {
		cfg.Health.ConsecutiveFailureThreshold = 3
	}
	if cfg.Health.CheckIntervalSeconds == 0 {
		cfg.Health.CheckIntervalSeconds = 180
	}
	if cfg.Health.CheckTimeoutSeconds == 0 {
		cfg.Health.CheckTimeoutSeconds = 15
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Queue.Key == "" {
		cfg.Queue.Key = "intake:acceptq"
	}
	if cfg.Alerts.TimeoutSeconds == 0 {
		cfg.Alerts.TimeoutSeconds = 10
	}
	if len(cfg.BusinessDays.Weekend) == 0 {
		cfg.BusinessDays.Weekend = []string{"Saturday", "Sunday"}
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("MAILBOXES"); v != "" {
		cfg.Intake.Mailboxes = splitMailboxes(v)
	} else if v := os.Getenv("MAILBOX"); v != "" {
		cfg.Intake.Mailboxes = []string{strings.TrimSpace(v)}
	}
	if v := os.Getenv("EMAIL_USER"); v != "" {
		cfg.IMAP.User = v
	}
	if v := os.Getenv("EMAIL_PASS"); v != "" {
		cfg.IMAP.Pass = v
	}
	if v := os.Getenv("ALLOW_BACKFILL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Intake.AllowBackfill = b
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("DAILY_CAPACITY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Intake.DailyCapacity = f
		}
	}
	if v := os.Getenv("IMAP_HOST"); v != "" {
		cfg.IMAP.Host = v
	}
	if v := os.Getenv("IMAP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.IMAP.Port = p
		}
	}
	if v := os.Getenv("IMAP_TLS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.IMAP.TLS = &b
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Queue.RedisURL = v
	} else if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Queue.RedisURL = v
	}
	if v := os.Getenv("ALERT_WEBHOOK_URL"); v != "" {
		cfg.Alerts.WebhookURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

func splitMailboxes(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
