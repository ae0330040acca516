// Package app wires the bot together: config, logging, storage, the
// Telegram adapter, the page watcher, the dispatcher and the reminder
// scheduler, all under one supervisor.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"kaktusbot/internal/config"
	"kaktusbot/internal/dispatch"
	"kaktusbot/internal/reminder"
	"kaktusbot/internal/runtime/supervisor"
	"kaktusbot/internal/scrape"
	"kaktusbot/internal/storage"
	"kaktusbot/internal/transport/telegram"
	logx "kaktusbot/pkg/logx"
)

// StopReason tags shutdown log lines with what triggered the stop.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store   *storage.Store
	adapter *telegram.Adapter
	disp    *dispatch.Dispatcher
	watcher *scrape.Watcher
	sched   *reminder.Scheduler
	cron    *cron.Cron
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return config.Validate(c)
	})

	return &App{cfgPath: cfgPath, cfgm: cfgm, log: log, logs: logSvc}, nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)
	runCtx := a.sup.Context()

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	store, err := storage.Open(runCtx, storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, store, a.log.With(logx.String("comp", "telegram")))
	if err != nil {
		return fmt.Errorf("telegram adapter: %w", err)
	}
	a.adapter = adapter

	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return err
	}
	a.disp = dispatch.New(dispCfg, adapter, store, store, a.log.With(logx.String("comp", "dispatch")))

	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Events.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("events.timezone: %w", err)
		}
	} else if l, err := time.LoadLocation("Europe/Prague"); err == nil {
		loc = l
	}

	reqTimeout, err := config.ParseDurationOrDefault("watch.request_timeout", cfg.Watch.RequestTimeout, 30*time.Second)
	if err != nil {
		return err
	}
	interval, err := config.ParseDurationOrDefault("watch.interval", cfg.Watch.Interval, 300*time.Second)
	if err != nil {
		return err
	}
	client := scrape.NewClient(scrape.ClientConfig{
		URL:            cfg.Watch.URL,
		RequestTimeout: reqTimeout,
		UserAgent:      cfg.Watch.UserAgent,
	}, a.log.With(logx.String("comp", "scrape")))
	a.watcher = scrape.NewWatcher(scrape.WatcherConfig{Interval: interval},
		client, store, a.disp, loc, a.log.With(logx.String("comp", "watcher")))

	checkInterval, err := config.ParseDurationOrDefault("reminders.check_interval", cfg.Reminders.CheckInterval, 5*time.Second)
	if err != nil {
		return err
	}
	missedGrace, err := config.ParseDurationOrDefault("reminders.missed_grace", cfg.Reminders.MissedGrace, time.Hour)
	if err != nil {
		return err
	}
	a.sched = reminder.NewScheduler(reminder.Config{
		CheckInterval: checkInterval,
		MissedGrace:   missedGrace,
	}, store, a.disp, a.log.With(logx.String("comp", "reminder")))

	if err := a.adapter.Start(runCtx); err != nil {
		return err
	}

	a.sup.Go("watcher.run", func(c context.Context) error {
		return a.watcher.Run(c)
	})
	a.sup.Go("reminder.run", func(c context.Context) error {
		return a.sched.Run(c)
	})

	a.startMaintenance(cfg)
	a.startConfigReload()

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// startMaintenance schedules the nightly housekeeping job: prune old audit
// rows, checkpoint the WAL and log a stats snapshot.
func (a *App) startMaintenance(cfg *config.Config) {
	spec := strings.TrimSpace(cfg.Maintenance.Cron)
	if spec == "" {
		spec = "0 4 * * *"
	}
	retention, err := config.ParseDurationOrDefault("maintenance.audit_retention", cfg.Maintenance.AuditRetention, 90*24*time.Hour)
	if err != nil {
		retention = 90 * 24 * time.Hour
	}

	log := a.log.With(logx.String("comp", "maintenance"))
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(a.sup.Context(), time.Minute)
		defer cancel()

		pruned, err := a.store.PruneAudit(ctx, time.Now().Add(-retention))
		if err != nil {
			log.Warn("audit prune failed", logx.Err(err))
		}
		if err := a.store.Checkpoint(ctx); err != nil {
			log.Warn("wal checkpoint failed", logx.Err(err))
		}
		counts, err := a.store.Counts(ctx)
		if err != nil {
			log.Warn("stats snapshot failed", logx.Err(err))
			return
		}
		log.Info("maintenance done",
			logx.Int64("audit_pruned", pruned),
			logx.Int64("announcements", counts.Announcements),
			logx.Int64("active_subscribers", counts.ActiveSubscribers),
			logx.Int64("pending_reminders", counts.PendingReminders))
	}); err != nil {
		log.Warn("invalid maintenance cron; job disabled", logx.String("spec", spec), logx.Err(err))
		return
	}
	c.Start()
	a.cron = c
}

// startConfigReload applies hot-reloadable settings when the config file
// changes. Logging and dispatch apply live; telegram, watch, events and
// storage changes need a restart and are only logged.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the latest config matters.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, no effective changes")
					continue
				}

				for _, s := range sections {
					switch s {
					case "telegram", "watch", "events", "storage", "maintenance":
						a.log.Warn("config section needs restart to take effect", logx.String("section", s))
					}
				}

				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})

				if dispCfg, err := mapDispatchConfig(newCfg); err != nil {
					a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
				} else {
					a.disp.Apply(dispCfg)
				}

				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so the watcher and scheduler loops unwind.
	a.sup.Cancel()

	// step bounds each shutdown phase so one stuck component can't stall the
	// whole stop. fn must honor its context and return promptly.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("maintenance", time.Second, func(context.Context) error {
		if a.cron != nil {
			<-a.cron.Stop().Done()
		}
		return nil
	})
	step("adapter", 3*time.Second, func(c context.Context) error {
		if a.adapter != nil {
			return a.adapter.Stop(c)
		}
		return nil
	})
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	retryBase, err := config.ParseDurationOrDefault("dispatch.retry_base", cfg.Dispatch.RetryBase, 500*time.Millisecond)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("dispatch.retry_max_delay", cfg.Dispatch.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	minLead, err := config.ParseDurationOrDefault("reminders.min_lead", cfg.Reminders.MinLead, 10*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	maxHorizon, err := config.ParseDurationOrDefault("reminders.max_horizon", cfg.Reminders.MaxHorizon, 365*24*time.Hour)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Workers:       cfg.Dispatch.Workers,
		RatePerSec:    cfg.Dispatch.RatePerSec,
		RetryMax:      cfg.Dispatch.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
		MinLead:       minLead,
		MaxHorizon:    maxHorizon,
	}, nil
}
