package config

import (
	"sort"
	"strings"

	logx "kaktusbot/pkg/logx"
)

// SummarizeChange returns the list of changed sections plus structured attrs
// safe for logging. The Telegram token is never included; only whether it
// changed.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		trim(oldCfg.Telegram.PollTimeout) != trim(newCfg.Telegram.PollTimeout) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.String("telegram.poll_timeout", trim(newCfg.Telegram.PollTimeout)),
		)
	}

	if oldCfg.Watch != newCfg.Watch {
		changed = append(changed, "watch")
		attrs = append(attrs,
			logx.String("watch.url", trim(newCfg.Watch.URL)),
			logx.String("watch.interval", trim(newCfg.Watch.Interval)),
			logx.String("watch.request_timeout", trim(newCfg.Watch.RequestTimeout)),
		)
	}

	if oldCfg.Events != newCfg.Events {
		changed = append(changed, "events")
		attrs = append(attrs, logx.String("events.timezone", trim(newCfg.Events.Timezone)))
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.Int("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
			logx.Int("dispatch.retry_max", newCfg.Dispatch.RetryMax),
		)
	}

	if oldCfg.Reminders != newCfg.Reminders {
		changed = append(changed, "reminders")
		attrs = append(attrs,
			logx.String("reminders.min_lead", trim(newCfg.Reminders.MinLead)),
			logx.String("reminders.max_horizon", trim(newCfg.Reminders.MaxHorizon)),
			logx.String("reminders.check_interval", trim(newCfg.Reminders.CheckInterval)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", trim(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", trim(newCfg.Storage.BusyTimeout)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.cron", trim(newCfg.Maintenance.Cron)),
			logx.String("maintenance.audit_retention", trim(newCfg.Maintenance.AuditRetention)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func trim(s string) string { return strings.TrimSpace(s) }
