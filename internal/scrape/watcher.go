package scrape

import (
	"context"
	"errors"
	"time"

	"kaktusbot/internal/eventtime"
	"kaktusbot/internal/post"
	"kaktusbot/internal/storage"
	logx "kaktusbot/pkg/logx"
)

// Fetcher downloads the raw page. Implemented by Client; a fake in tests.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// Store is the announcement persistence the watcher needs.
type Store interface {
	AnnouncementExists(ctx context.Context, fingerprint string) (bool, error)
	InsertAnnouncement(ctx context.Context, a storage.Announcement) error
}

// Dispatcher receives a novel announcement for delivery.
type Dispatcher interface {
	SendImmediate(ctx context.Context, a storage.Announcement)
	ScheduleReminder(ctx context.Context, a storage.Announcement) error
}

type WatcherConfig struct {
	Interval   time.Duration // poll interval, default 300s
	MaxBackoff time.Duration // cap for the failure backoff, default 4x interval
}

// Watcher runs the poll loop: fetch, extract, dedup, persist, dispatch.
// One cycle is in flight at a time; a tick never overlaps a running cycle.
type Watcher struct {
	cfg   WatcherConfig
	fetch Fetcher
	store Store
	disp  Dispatcher
	loc   *time.Location
	log   logx.Logger

	// consecutive failed cycles; drives backoff of the next tick only.
	failures int
}

func NewWatcher(cfg WatcherConfig, fetch Fetcher, store Store, disp Dispatcher, loc *time.Location, log logx.Logger) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 300 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 4 * cfg.Interval
	}
	if loc == nil {
		loc = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{cfg: cfg, fetch: fetch, store: store, disp: disp, loc: loc, log: log}
}

// Run polls until ctx is cancelled. A failed cycle never stops the loop;
// it only delays the next tick.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Info("page watch started", logx.Duration("interval", w.cfg.Interval))

	// First check right away, then on the timer.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if err := w.CheckOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.failures++
			w.log.Warn("check cycle failed", logx.Err(err), logx.Int("consecutive", w.failures))
		} else {
			w.failures = 0
		}

		timer.Reset(w.nextDelay())
	}
}

// nextDelay is the regular interval, stretched exponentially while cycles
// keep failing and reset as soon as one succeeds.
func (w *Watcher) nextDelay() time.Duration {
	d := w.cfg.Interval
	for i := 0; i < w.failures; i++ {
		d *= 2
		if d >= w.cfg.MaxBackoff {
			return w.cfg.MaxBackoff
		}
	}
	return d
}

// CheckOnce runs a single poll cycle. A duplicate announcement is a normal,
// silent outcome; only fetch/extract/persistence problems are errors.
func (w *Watcher) CheckOnce(ctx context.Context) error {
	raw, err := w.fetch.Fetch(ctx)
	if err != nil {
		return err
	}

	p, err := ExtractAnnouncement(raw)
	if err != nil {
		return err
	}

	fp := p.Fingerprint()
	seen, err := w.store.AnnouncementExists(ctx, fp)
	if err != nil {
		return err
	}
	if seen {
		w.log.Debug("announcement already processed", logx.String("fingerprint", fp))
		return nil
	}

	if at, err := eventtime.Parse(p.Title+" "+p.Body, w.loc); err == nil {
		p.EventAt = at
	} else {
		w.log.Info("announcement has no parseable event time", logx.String("title", p.Title))
	}

	a := storage.Announcement{
		Fingerprint: fp,
		Title:       post.Normalize(p.Title),
		Body:        post.Normalize(p.Body),
		EventAt:     p.EventAt,
		FirstSeenAt: time.Now(),
	}

	if err := w.store.InsertAnnouncement(ctx, a); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Another cycle won the insert race; it owns delivery.
			w.log.Debug("announcement inserted concurrently", logx.String("fingerprint", fp))
			return nil
		}
		return err
	}

	w.log.Info("new announcement detected", logx.String("title", a.Title), logx.Time("event_at", a.EventAt))

	// Dispatch in the same cycle. If we crash between insert and dispatch the
	// announcement stays recorded as seen and is not redelivered on restart.
	w.disp.SendImmediate(ctx, a)
	if err := w.disp.ScheduleReminder(ctx, a); err != nil {
		w.log.Warn("reminder scheduling failed", logx.String("fingerprint", fp), logx.Err(err))
	}
	return nil
}
