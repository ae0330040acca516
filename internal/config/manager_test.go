package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `
telegram:
  token: "123:abc"
  poll_timeout: "10s"
watch:
  url: "https://www.mujkaktus.cz/chces-pridat"
  interval: "300s"
events:
  timezone: "Europe/Prague"
dispatch:
  workers: 4
  rate_per_sec: 30
reminders:
  min_lead: "10s"
  max_horizon: "8760h"
storage:
  path: "./bot.db"
logging:
  level: "INFO"
  console: true
  file:
    enabled: false
    path: ""
maintenance:
  cron: "0 4 * * *"
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", validYAML)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Watch.Interval != "300s" || cfg.Events.Timezone != "Europe/Prague" {
		t.Fatalf("unexpected sections: %+v", cfg)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json",
		`{"telegram":{"token":"123:abc"},"storage":{"path":"./bot.db"},"logging":{"level":"INFO","console":true,"file":{"enabled":false,"path":""}}}`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", validYAML+"\nnot_a_section:\n  x: 1\n")
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("unknown top-level key was accepted")
	}
}

func TestEnvTokenOverride(t *testing.T) {
	path := writeConfig(t, "config.yaml", validYAML)
	t.Setenv(EnvTelegramToken, "456:env")
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "456:env" {
		t.Fatalf("token = %q, want env override", cfg.Telegram.Token)
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{
			Telegram: TelegramConfig{Token: "123:abc"},
			Storage:  StorageConfig{Path: "./bot.db"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{name: "missing token", mutate: func(c *Config) { c.Telegram.Token = " " }, wantSub: "telegram.token"},
		{name: "missing storage path", mutate: func(c *Config) { c.Storage.Path = "" }, wantSub: "storage.path"},
		{name: "bad url", mutate: func(c *Config) { c.Watch.URL = "not a url" }, wantSub: "watch.url"},
		{name: "bad timezone", mutate: func(c *Config) { c.Events.Timezone = "Mars/Olympus" }, wantSub: "events.timezone"},
		{name: "bad duration", mutate: func(c *Config) { c.Watch.Interval = "five minutes" }, wantSub: "watch.interval"},
		{name: "negative duration", mutate: func(c *Config) { c.Reminders.MinLead = "-10s" }, wantSub: "reminders.min_lead"},
		{name: "negative workers", mutate: func(c *Config) { c.Dispatch.Workers = -1 }, wantSub: "dispatch.workers"},
		{name: "retry_max below sentinel", mutate: func(c *Config) { c.Dispatch.RetryMax = -2 }, wantSub: "dispatch.retry_max"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Fatalf("err = %v, want mention of %q", err, tt.wantSub)
			}
		})
	}
}

func TestValidateAcceptsRetryDisableSentinel(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Telegram: TelegramConfig{Token: "123:abc"},
		Storage:  StorageConfig{Path: "./bot.db"},
		Dispatch: DispatchConfig{RetryMax: -1},
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("retry_max -1 (retries disabled) rejected: %v", err)
	}
}

func TestSummarizeChangeNeverLeaksToken(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "old-secret"}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "new-secret"}}

	sections, attrs := SummarizeChange(oldCfg, newCfg)
	if len(sections) != 1 || sections[0] != "telegram" {
		t.Fatalf("sections = %v", sections)
	}
	// Fields are opaque closures; the guarantee we can test is that the token
	// strings never appear in the section list, and that a change is flagged.
	for _, s := range sections {
		if strings.Contains(s, "secret") {
			t.Fatalf("token leaked into summary: %v", sections)
		}
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs describing the change")
	}
}

func TestSummarizeChangeSections(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{}
	newCfg := &Config{
		Dispatch:  DispatchConfig{Workers: 8},
		Reminders: RemindersConfig{MinLead: "30s"},
		Logging:   LoggingConfig{Level: "DEBUG"},
	}
	sections, _ := SummarizeChange(oldCfg, newCfg)
	want := []string{"dispatch", "logging", "reminders"}
	if len(sections) != len(want) {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
	for i := range want {
		if sections[i] != want[i] {
			t.Fatalf("sections = %v, want %v", sections, want)
		}
	}
}
