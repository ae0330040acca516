package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// EnvTelegramToken overrides telegram.token when set. Keeps the secret out
// of the config file on deployments that prefer env injection.
const EnvTelegramToken = "KAKTUSBOT_TELEGRAM_TOKEN"

type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Watch       WatchConfig       `json:"watch"`
	Events      EventsConfig      `json:"events"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Reminders   RemindersConfig   `json:"reminders"`
	Storage     StorageConfig     `json:"storage"`
	Logging     LoggingConfig     `json:"logging"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// WatchConfig controls the page poll loop.
//
// All durations are Go duration strings (e.g. "30s", "5m").
type WatchConfig struct {
	URL            string `json:"url,omitempty"`
	Interval       string `json:"interval,omitempty"`        // default "300s"
	RequestTimeout string `json:"request_timeout,omitempty"` // default "30s"
	UserAgent      string `json:"user_agent,omitempty"`
}

type EventsConfig struct {
	// Timezone the page publishes event times in, IANA name.
	// Default "Europe/Prague".
	Timezone string `json:"timezone,omitempty"`
}

// DispatchConfig controls notification fan-out.
type DispatchConfig struct {
	Workers       int    `json:"workers,omitempty"`         // default 4
	RatePerSec    int    `json:"rate_per_sec,omitempty"`    // default 30
	RetryMax      int    `json:"retry_max,omitempty"`       // 0 means default 3, -1 disables retries
	RetryBase     string `json:"retry_base,omitempty"`      // default "500ms"
	RetryMaxDelay string `json:"retry_max_delay,omitempty"` // default "10s"
}

// RemindersConfig controls reminder scheduling and firing.
type RemindersConfig struct {
	MinLead       string `json:"min_lead,omitempty"`       // default "10s"
	MaxHorizon    string `json:"max_horizon,omitempty"`    // default "8760h"
	CheckInterval string `json:"check_interval,omitempty"` // default "5s"
	MissedGrace   string `json:"missed_grace,omitempty"`   // default "1h"
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // default "5s"
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// MaintenanceConfig controls the nightly housekeeping job.
type MaintenanceConfig struct {
	// Cron is a standard 5-field cron expression. Default "0 4 * * *".
	Cron string `json:"cron,omitempty"`
	// AuditRetention is how long audit rows are kept. Default "2160h" (90 days).
	AuditRetention string `json:"audit_retention,omitempty"`
}

// ApplyEnv overlays environment overrides on the parsed file.
func (c *Config) ApplyEnv() {
	if tok := strings.TrimSpace(os.Getenv(EnvTelegramToken)); tok != "" {
		c.Telegram.Token = tok
	}
}

// Validate rejects configs the app cannot start with. Durations and the
// timezone are checked here so a bad hot-reload is refused before commit.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required (or set %s)", EnvTelegramToken)
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if u := strings.TrimSpace(cfg.Watch.URL); u != "" {
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return fmt.Errorf("watch.url: not a valid http(s) URL: %q", u)
		}
	}
	if tz := strings.TrimSpace(cfg.Events.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("events.timezone: %w", err)
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"watch.interval", cfg.Watch.Interval},
		{"watch.request_timeout", cfg.Watch.RequestTimeout},
		{"dispatch.retry_base", cfg.Dispatch.RetryBase},
		{"dispatch.retry_max_delay", cfg.Dispatch.RetryMaxDelay},
		{"reminders.min_lead", cfg.Reminders.MinLead},
		{"reminders.max_horizon", cfg.Reminders.MaxHorizon},
		{"reminders.check_interval", cfg.Reminders.CheckInterval},
		{"reminders.missed_grace", cfg.Reminders.MissedGrace},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"maintenance.audit_retention", cfg.Maintenance.AuditRetention},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if cfg.Dispatch.Workers < 0 {
		return fmt.Errorf("dispatch.workers must be >= 0")
	}
	if cfg.Dispatch.RatePerSec < 0 {
		return fmt.Errorf("dispatch.rate_per_sec must be >= 0")
	}
	if cfg.Dispatch.RetryMax < -1 {
		return fmt.Errorf("dispatch.retry_max must be >= -1 (-1 disables retries)")
	}
	return nil
}
