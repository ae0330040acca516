// Package storage is the persistence layer: announcements seen so far,
// subscriber state, pending reminders and the audit trail.
//
// The sqlite database is the single source of truth. Dedup and reminder
// state must survive restarts, so nothing here is cached in memory only.
package storage

import (
	"errors"
	"time"
)

var (
	// ErrConflict is returned by InsertAnnouncement when the fingerprint is
	// already present. Callers racing on the same announcement treat this as
	// "already handled by another cycle", not as a failure.
	ErrConflict = errors.New("storage: fingerprint already present")

	ErrNotFound = errors.New("storage: not found")
)

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Announcement is one promo post we have already seen. Immutable after
// insert except for RemindersSent.
type Announcement struct {
	Fingerprint   string
	Title         string
	Body          string
	EventAt       time.Time // zero when no event time was parsed
	FirstSeenAt   time.Time
	RemindersSent bool
}

// HasEventAt reports whether an event start time is known.
func (a Announcement) HasEventAt() bool { return !a.EventAt.IsZero() }

// Subscriber is one Telegram chat receiving notifications. Subscribers are
// deactivated, never deleted; SubscribedAt keeps its original value across
// re-subscribes.
type Subscriber struct {
	ID           int64
	DisplayName  string
	Active       bool
	SubscribedAt time.Time
}

// Reminder is a deferred delivery for an announcement's event start.
// Delivered rows are retained for audit and idempotence.
type Reminder struct {
	Fingerprint string
	FireAt      time.Time
	Delivered   bool
	CreatedAt   time.Time
}

// AuditEntry records a state change worth keeping: subscribe, unsubscribe,
// deactivation on permanent send failure, reminder fired/missed.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At           time.Time
	SubscriberID int64
	Action       string
	Fingerprint  string
	Detail       string
}

// Counts is a stats snapshot for the maintenance log line.
type Counts struct {
	Announcements     int64
	ActiveSubscribers int64
	PendingReminders  int64
}
