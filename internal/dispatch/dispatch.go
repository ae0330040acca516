// Package dispatch fans notifications out to subscribers and decides which
// reminders get scheduled.
//
// One token bucket is shared by immediate and reminder sends, so reminders
// can never push the bot past the aggregate delivery rate.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"kaktusbot/internal/storage"
	"kaktusbot/internal/transport"
	logx "kaktusbot/pkg/logx"
)

type Config struct {
	Workers       int           // fan-out concurrency, default 4
	RatePerSec    int           // aggregate sends per second, default 30
	RetryMax      int           // transient retries per recipient; 0 means default 3, -1 disables retries
	RetryBase     time.Duration // default 500ms
	RetryMaxDelay time.Duration // default 10s

	MinLead    time.Duration // reminder must be at least this far out, default 10s
	MaxHorizon time.Duration // and at most this far out, default 365 days
}

// Registry is the subscriber state the dispatcher reads and, on permanent
// failures, mutates.
type Registry interface {
	ActiveSubscribers(ctx context.Context) ([]storage.Subscriber, error)
	Deactivate(ctx context.Context, id int64) error
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// ReminderStore registers deferred deliveries.
type ReminderStore interface {
	AddReminder(ctx context.Context, fingerprint string, fireAt time.Time) error
}

type Dispatcher struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	sender transport.Sender
	reg    Registry
	rem    ReminderStore
	log    logx.Logger
}

func New(cfg Config, sender transport.Sender, reg Registry, rem ReminderStore, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{sender: sender, reg: reg, rem: rem, log: log}
	d.applyLocked(cfg)
	return d
}

// Apply swaps delivery settings at runtime (config hot reload).
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 30
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 3
	} else if cfg.RetryMax < 0 {
		// -1 (or any negative) means a single attempt, no retries.
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.MinLead <= 0 {
		cfg.MinLead = 10 * time.Second
	}
	if cfg.MaxHorizon <= 0 {
		cfg.MaxHorizon = 365 * 24 * time.Hour
	}
	d.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (d *Dispatcher) snapshot() (Config, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.limiter
}

// SendImmediate delivers the full announcement text to every active
// subscriber. Failures are per-recipient and never abort the fan-out.
func (d *Dispatcher) SendImmediate(ctx context.Context, a storage.Announcement) {
	text := fmt.Sprintf("🌵 Nová Kaktus akce!\n\n%s\n\n%s", a.Title, a.Body)
	sent, total := d.fanOut(ctx, text)
	d.log.Info("immediate notification sent",
		logx.String("fingerprint", a.Fingerprint), logx.Int("sent", sent), logx.Int("subscribers", total))
}

// SendReminder delivers the brief event-start reminder. Same fan-out, same
// rate budget and failure policy as SendImmediate.
func (d *Dispatcher) SendReminder(ctx context.Context, a storage.Announcement) {
	text := fmt.Sprintf("⏰ Připomínka: Kaktus akce začíná nyní!\n\n%s", a.Title)
	sent, total := d.fanOut(ctx, text)
	d.log.Info("reminder sent",
		logx.String("fingerprint", a.Fingerprint), logx.Int("sent", sent), logx.Int("subscribers", total))
}

// ScheduleReminder registers a deferred delivery at the event start, if the
// start is known and within the allowed window. Out-of-window events are
// announced immediately only; that is a logged decision, not an error.
func (d *Dispatcher) ScheduleReminder(ctx context.Context, a storage.Announcement) error {
	cfg, _ := d.snapshot()

	if !a.HasEventAt() {
		d.log.Info("no event time, immediate-only", logx.String("fingerprint", a.Fingerprint))
		return nil
	}
	lead := time.Until(a.EventAt)
	if lead < cfg.MinLead || lead > cfg.MaxHorizon {
		d.log.Info("event time outside reminder window, immediate-only",
			logx.String("fingerprint", a.Fingerprint),
			logx.Time("event_at", a.EventAt),
			logx.Duration("lead", lead))
		return nil
	}

	if err := d.rem.AddReminder(ctx, a.Fingerprint, a.EventAt); err != nil {
		return fmt.Errorf("add reminder: %w", err)
	}
	d.log.Info("reminder scheduled", logx.String("fingerprint", a.Fingerprint), logx.Time("fire_at", a.EventAt))
	return nil
}

// fanOut sends text to every active subscriber using a bounded worker pool.
func (d *Dispatcher) fanOut(ctx context.Context, text string) (sent, total int) {
	cfg, _ := d.snapshot()

	subs, err := d.reg.ActiveSubscribers(ctx)
	if err != nil {
		d.log.Error("listing subscribers failed", logx.Err(err))
		return 0, 0
	}
	if len(subs) == 0 {
		d.log.Debug("no active subscribers")
		return 0, 0
	}

	workers := cfg.Workers
	if workers > len(subs) {
		workers = len(subs)
	}

	queue := make(chan storage.Subscriber)
	var (
		wg   sync.WaitGroup
		okMu sync.Mutex
		ok   int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sub := range queue {
				if err := d.sendOne(ctx, sub, text); err != nil {
					continue
				}
				okMu.Lock()
				ok++
				okMu.Unlock()
			}
		}()
	}

	for _, sub := range subs {
		select {
		case <-ctx.Done():
			close(queue)
			wg.Wait()
			return ok, len(subs)
		case queue <- sub:
		}
	}
	close(queue)
	wg.Wait()
	return ok, len(subs)
}

// sendOne delivers to a single recipient with retry/backoff. A permanent
// failure deactivates the subscriber and is not retried; transient failures
// are retried up to the budget and then dropped for this recipient only.
func (d *Dispatcher) sendOne(ctx context.Context, sub storage.Subscriber, text string) error {
	cfg, limiter := d.snapshot()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Every attempt consumes a token from the shared budget.
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := d.sender.SendText(callCtx, sub.ID, text)
		cancel()
		if err == nil {
			return nil
		}

		if errors.Is(err, transport.ErrUnreachable) {
			d.deactivateUnreachable(ctx, sub, err)
			return err
		}
		lastErr = err
		if attempt >= maxAttempts {
			break
		}

		delay := retryDelay(cfg, attempt)
		var tooMany *transport.TooManyRequestsError
		if errors.As(err, &tooMany) && tooMany.RetryAfter > delay {
			delay = tooMany.RetryAfter
		}
		d.log.Debug("send failed, will retry",
			logx.Int64("chat_id", sub.ID), logx.Int("attempt", attempt), logx.Err(err), logx.Duration("delay", delay))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	d.log.Warn("send dropped after retries", logx.Int64("chat_id", sub.ID), logx.Err(lastErr))
	return lastErr
}

func (d *Dispatcher) deactivateUnreachable(ctx context.Context, sub storage.Subscriber, cause error) {
	d.log.Warn("subscriber unreachable, deactivating", logx.Int64("chat_id", sub.ID), logx.Err(cause))
	if err := d.reg.Deactivate(ctx, sub.ID); err != nil {
		d.log.Error("deactivation failed", logx.Int64("chat_id", sub.ID), logx.Err(err))
		return
	}
	_ = d.reg.AppendAudit(ctx, storage.AuditEntry{
		SubscriberID: sub.ID, Action: "deactivate", Detail: cause.Error(),
	})
}

// retryDelay grows exponentially from RetryBase up to RetryMaxDelay with
// 0.7..1.3 jitter. attempt starts at 1; the delay is for the NEXT attempt.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}
