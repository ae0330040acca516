package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"kaktusbot/internal/storage"
	"kaktusbot/internal/transport"
	logx "kaktusbot/pkg/logx"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     map[int64][]string
	fails    map[int64]error // returned until cleared
	flaky    map[int64]int   // fail this many times, then succeed
	attempts map[int64]int
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		sent:     map[int64][]string{},
		fails:    map[int64]error{},
		flaky:    map[int64]int{},
		attempts: map[int64]int{},
	}
}

func (f *fakeSender) SendText(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[chatID]++
	if err, ok := f.fails[chatID]; ok {
		return err
	}
	if n := f.flaky[chatID]; n > 0 {
		f.flaky[chatID] = n - 1
		return errors.New("transient network error")
	}
	f.sent[chatID] = append(f.sent[chatID], text)
	return nil
}

func (f *fakeSender) got(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[chatID]...)
}

func (f *fakeSender) tries(chatID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[chatID]
}

type fakeRegistry struct {
	mu          sync.Mutex
	subs        []storage.Subscriber
	deactivated []int64
	audit       []storage.AuditEntry
	reminders   map[string]time.Time
}

func newFakeRegistry(ids ...int64) *fakeRegistry {
	r := &fakeRegistry{reminders: map[string]time.Time{}}
	for _, id := range ids {
		r.subs = append(r.subs, storage.Subscriber{ID: id, Active: true})
	}
	return r
}

func (r *fakeRegistry) ActiveSubscribers(context.Context) ([]storage.Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]storage.Subscriber(nil), r.subs...), nil
}

func (r *fakeRegistry) Deactivate(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deactivated = append(r.deactivated, id)
	return nil
}

func (r *fakeRegistry) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit = append(r.audit, e)
	return nil
}

func (r *fakeRegistry) AddReminder(_ context.Context, fp string, fireAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reminders[fp] = fireAt
	return nil
}

func fastConfig() Config {
	return Config{
		Workers:       2,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
	}
}

func TestSendImmediateFansOutToAll(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	reg := newFakeRegistry(1, 2, 3)
	d := New(fastConfig(), sender, reg, reg, logx.Nop())

	d.SendImmediate(context.Background(), storage.Announcement{
		Fingerprint: "fp", Title: "Dobíječka 9.9.2025 15:00 - 18:00", Body: "Bonus kredit",
	})

	for _, id := range []int64{1, 2, 3} {
		msgs := sender.got(id)
		if len(msgs) != 1 {
			t.Fatalf("chat %d got %d messages, want 1", id, len(msgs))
		}
		if msgs[0] != "🌵 Nová Kaktus akce!\n\nDobíječka 9.9.2025 15:00 - 18:00\n\nBonus kredit" {
			t.Fatalf("unexpected message text: %q", msgs[0])
		}
	}
}

func TestPermanentFailureDeactivatesOnlyThatRecipient(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	reg := newFakeRegistry(1, 2, 3)
	sender.fails[2] = transport.ErrUnreachable
	d := New(fastConfig(), sender, reg, reg, logx.Nop())

	d.SendImmediate(context.Background(), storage.Announcement{Fingerprint: "fp", Title: "t", Body: "b"})

	if len(sender.got(1)) != 1 || len(sender.got(3)) != 1 {
		t.Fatal("healthy recipients did not receive the message")
	}
	if len(sender.got(2)) != 0 {
		t.Fatal("unreachable recipient unexpectedly received the message")
	}
	if len(reg.deactivated) != 1 || reg.deactivated[0] != 2 {
		t.Fatalf("deactivated = %v, want [2]", reg.deactivated)
	}
	if len(reg.audit) != 1 || reg.audit[0].Action != "deactivate" || reg.audit[0].SubscriberID != 2 {
		t.Fatalf("audit = %+v, want one deactivate entry for 2", reg.audit)
	}
}

func TestTransientFailureRetriesAndSucceeds(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	reg := newFakeRegistry(7)
	sender.flaky[7] = 2 // two failures, then success; budget is 1+2 attempts
	d := New(fastConfig(), sender, reg, reg, logx.Nop())

	d.SendImmediate(context.Background(), storage.Announcement{Fingerprint: "fp", Title: "t", Body: "b"})

	if len(sender.got(7)) != 1 {
		t.Fatal("message not delivered after transient failures")
	}
	if len(reg.deactivated) != 0 {
		t.Fatalf("transient failure must not deactivate: %v", reg.deactivated)
	}
}

func TestTransientFailureExhaustsBudgetWithoutDeactivation(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	reg := newFakeRegistry(7)
	sender.flaky[7] = 10 // more failures than the 3-attempt budget
	d := New(fastConfig(), sender, reg, reg, logx.Nop())

	d.SendImmediate(context.Background(), storage.Announcement{Fingerprint: "fp", Title: "t", Body: "b"})

	if len(sender.got(7)) != 0 {
		t.Fatal("message delivered despite persistent failure")
	}
	if len(reg.deactivated) != 0 {
		t.Fatalf("exhausted retries must not deactivate: %v", reg.deactivated)
	}
}

func TestRetryMaxDisabledMakesSingleAttempt(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	reg := newFakeRegistry(7)
	sender.flaky[7] = 1 // one failure; a retry would deliver
	cfg := fastConfig()
	cfg.RetryMax = -1
	d := New(cfg, sender, reg, reg, logx.Nop())

	d.SendImmediate(context.Background(), storage.Announcement{Fingerprint: "fp", Title: "t", Body: "b"})

	if n := sender.tries(7); n != 1 {
		t.Fatalf("made %d attempts, want exactly 1 with retries disabled", n)
	}
	if len(sender.got(7)) != 0 {
		t.Fatal("message delivered despite retries being disabled")
	}
}

func TestRetryMaxZeroMeansDefault(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	reg := newFakeRegistry(7)
	sender.flaky[7] = 3 // needs the full default budget of 1+3 attempts
	cfg := fastConfig()
	cfg.RetryMax = 0
	d := New(cfg, sender, reg, reg, logx.Nop())

	d.SendImmediate(context.Background(), storage.Announcement{Fingerprint: "fp", Title: "t", Body: "b"})

	if len(sender.got(7)) != 1 {
		t.Fatal("message not delivered within the default retry budget")
	}
	if n := sender.tries(7); n != 4 {
		t.Fatalf("made %d attempts, want 4 (default budget)", n)
	}
}

func TestRateLimitedSendHonorsRetryAfter(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	reg := newFakeRegistry(7)
	sender.fails[7] = &transport.TooManyRequestsError{RetryAfter: 20 * time.Millisecond}
	d := New(fastConfig(), sender, reg, reg, logx.Nop())

	start := time.Now()
	go func() {
		// Unblock after the first backoff so the send eventually succeeds.
		time.Sleep(10 * time.Millisecond)
		sender.mu.Lock()
		delete(sender.fails, 7)
		sender.mu.Unlock()
	}()
	d.SendImmediate(context.Background(), storage.Announcement{Fingerprint: "fp", Title: "t", Body: "b"})

	if len(sender.got(7)) != 1 {
		t.Fatal("message not delivered after rate limit cleared")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("retry did not honor RetryAfter: finished after %v", elapsed)
	}
}

func TestScheduleReminderWindow(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.MinLead = 10 * time.Second
	cfg.MaxHorizon = 365 * 24 * time.Hour

	tests := []struct {
		name    string
		eventAt time.Time
		want    bool
	}{
		{name: "no event time", eventAt: time.Time{}, want: false},
		{name: "too soon", eventAt: time.Now().Add(5 * time.Second), want: false},
		{name: "in the past", eventAt: time.Now().Add(-time.Hour), want: false},
		{name: "too far", eventAt: time.Now().Add(400 * 24 * time.Hour), want: false},
		{name: "within window", eventAt: time.Now().Add(time.Hour), want: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			reg := newFakeRegistry()
			d := New(cfg, newFakeSender(), reg, reg, logx.Nop())
			err := d.ScheduleReminder(context.Background(), storage.Announcement{
				Fingerprint: "fp", EventAt: tt.eventAt,
			})
			if err != nil {
				t.Fatalf("ScheduleReminder: %v", err)
			}
			_, scheduled := reg.reminders["fp"]
			if scheduled != tt.want {
				t.Fatalf("scheduled = %v, want %v", scheduled, tt.want)
			}
		})
	}
}

func TestReminderMessageText(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	reg := newFakeRegistry(1)
	d := New(fastConfig(), sender, reg, reg, logx.Nop())

	d.SendReminder(context.Background(), storage.Announcement{
		Fingerprint: "fp", Title: "Dobíječka 9.9.2025 15:00 - 18:00", Body: "ignored in reminders",
	})

	msgs := sender.got(1)
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	want := "⏰ Připomínka: Kaktus akce začíná nyní!\n\nDobíječka 9.9.2025 15:00 - 18:00"
	if msgs[0] != want {
		t.Fatalf("reminder text = %q, want %q", msgs[0], want)
	}
}
