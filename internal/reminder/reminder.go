// Package reminder drives the timed second notification. It polls the
// reminders table and hands due rows to the dispatcher.
//
// Delivery is at-least-once: a reminder is marked delivered only after the
// send attempt, so a crash in between redelivers on restart rather than
// silently dropping.
package reminder

import (
	"context"
	"time"

	"kaktusbot/internal/storage"
	logx "kaktusbot/pkg/logx"
)

// Store is the reminder and announcement state the scheduler consumes.
type Store interface {
	DueReminders(ctx context.Context, now time.Time) ([]storage.Reminder, error)
	MarkReminderDelivered(ctx context.Context, fingerprint string) error
	MarkRemindersSent(ctx context.Context, fingerprint string) error
	Announcement(ctx context.Context, fingerprint string) (storage.Announcement, error)
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Dispatcher fans the reminder text out to subscribers.
type Dispatcher interface {
	SendReminder(ctx context.Context, a storage.Announcement)
}

type Config struct {
	CheckInterval time.Duration // poll cadence, default 5s
	MissedGrace   time.Duration // how stale a due reminder may be and still fire, default 1h
}

// Scheduler fires reminders when their time arrives.
type Scheduler struct {
	cfg   Config
	store Store
	disp  Dispatcher
	log   logx.Logger
}

func NewScheduler(cfg Config, store Store, disp Dispatcher, log logx.Logger) *Scheduler {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.MissedGrace <= 0 {
		cfg.MissedGrace = time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{cfg: cfg, store: store, disp: disp, log: log}
}

// Run polls until ctx is cancelled. Store errors are logged and retried on
// the next tick; they never stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("reminder scheduler started", logx.Duration("check_interval", s.cfg.CheckInterval))

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := s.Tick(ctx, time.Now()); err != nil && ctx.Err() == nil {
			s.log.Warn("reminder tick failed", logx.Err(err))
		}
	}
}

// Tick processes every reminder due at now. Reminders that sat undelivered
// past the grace window (long downtime) are retired without sending; firing
// an event reminder hours late would only confuse.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	due, err := s.store.DueReminders(ctx, now)
	if err != nil {
		return err
	}

	for _, r := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if now.Sub(r.FireAt) > s.cfg.MissedGrace {
			s.retireMissed(ctx, r, now)
			continue
		}
		s.fire(ctx, r)
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context, r storage.Reminder) {
	a, err := s.store.Announcement(ctx, r.Fingerprint)
	if err != nil {
		s.log.Error("loading announcement for reminder failed",
			logx.String("fingerprint", r.Fingerprint), logx.Err(err))
		return
	}

	s.log.Info("firing reminder", logx.String("fingerprint", r.Fingerprint), logx.Time("fire_at", r.FireAt))
	s.disp.SendReminder(ctx, a)

	if err := s.store.MarkReminderDelivered(ctx, r.Fingerprint); err != nil {
		s.log.Error("marking reminder delivered failed",
			logx.String("fingerprint", r.Fingerprint), logx.Err(err))
		return
	}
	if err := s.store.MarkRemindersSent(ctx, r.Fingerprint); err != nil {
		s.log.Error("marking announcement reminded failed",
			logx.String("fingerprint", r.Fingerprint), logx.Err(err))
	}
	_ = s.store.AppendAudit(ctx, storage.AuditEntry{
		Action: "reminder_fired", Fingerprint: r.Fingerprint,
	})
}

func (s *Scheduler) retireMissed(ctx context.Context, r storage.Reminder, now time.Time) {
	s.log.Warn("reminder missed, retiring without send",
		logx.String("fingerprint", r.Fingerprint),
		logx.Time("fire_at", r.FireAt),
		logx.Duration("late_by", now.Sub(r.FireAt)))
	if err := s.store.MarkReminderDelivered(ctx, r.Fingerprint); err != nil {
		s.log.Error("retiring missed reminder failed",
			logx.String("fingerprint", r.Fingerprint), logx.Err(err))
		return
	}
	_ = s.store.AppendAudit(ctx, storage.AuditEntry{
		Action: "reminder_missed", Fingerprint: r.Fingerprint,
	})
}
