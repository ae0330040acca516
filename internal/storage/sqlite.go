package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	_ "modernc.org/sqlite"

	logx "kaktusbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the sqlite-backed persistence layer. Safe for concurrent use;
// the connection pool is capped at one writer, which is what sqlite wants.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (or creates) the database and runs migrations. Connectivity is
// retried for a short while so the process survives a slow disk mount at
// boot; after the retry budget is exhausted the error is fatal to the caller.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	err = retry.Do(
		func() error { return db.PingContext(ctx) },
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("database not reachable yet", logx.Any("attempt", n+1), logx.Err(err))
		}),
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}

	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	_, _ = db.ExecContext(ctx, "PRAGMA foreign_keys = ON")

	s := &Store{db: db, log: log}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Announcements ----

func (s *Store) AnnouncementExists(ctx context.Context, fingerprint string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM announcements WHERE fingerprint = ?`, fingerprint).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InsertAnnouncement stores a newly seen announcement. Returns ErrConflict
// when the fingerprint is already present; the UNIQUE constraint, not
// application logic, is what enforces this, so overlapping poll cycles can't
// both win.
func (s *Store) InsertAnnouncement(ctx context.Context, a Announcement) error {
	if a.FirstSeenAt.IsZero() {
		a.FirstSeenAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO announcements(fingerprint, title, body, event_at, first_seen_at, reminders_sent)
		 VALUES(?,?,?,?,?,0)
		 ON CONFLICT(fingerprint) DO NOTHING`,
		a.Fingerprint, a.Title, a.Body, nullMilli(a.EventAt), a.FirstSeenAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *Store) Announcement(ctx context.Context, fingerprint string) (Announcement, error) {
	var (
		a       Announcement
		eventAt sql.NullInt64
		seenAt  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, title, body, event_at, first_seen_at, reminders_sent
		 FROM announcements WHERE fingerprint = ?`, fingerprint,
	).Scan(&a.Fingerprint, &a.Title, &a.Body, &eventAt, &seenAt, &a.RemindersSent)
	if errors.Is(err, sql.ErrNoRows) {
		return Announcement{}, ErrNotFound
	}
	if err != nil {
		return Announcement{}, err
	}
	if eventAt.Valid {
		a.EventAt = time.UnixMilli(eventAt.Int64)
	}
	a.FirstSeenAt = time.UnixMilli(seenAt)
	return a, nil
}

func (s *Store) MarkRemindersSent(ctx context.Context, fingerprint string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE announcements SET reminders_sent = 1 WHERE fingerprint = ?`, fingerprint)
	return err
}

// ---- Subscribers ----

// Subscribe inserts or reactivates a subscriber. Idempotent; the original
// subscribed_at is preserved on re-subscribe. Returns true when the
// subscriber was newly added or reactivated (false: was already active).
func (s *Store) Subscribe(ctx context.Context, id int64, displayName string) (bool, error) {
	var wasActive sql.NullBool
	err := s.db.QueryRowContext(ctx,
		`SELECT active FROM subscribers WHERE id = ?`, id).Scan(&wasActive)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subscribers(id, display_name, active, subscribed_at)
		 VALUES(?,?,1,?)
		 ON CONFLICT(id) DO UPDATE SET active = 1, display_name = excluded.display_name`,
		id, displayName, time.Now().UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	return !(wasActive.Valid && wasActive.Bool), nil
}

// Deactivate sets active=false. Idempotent; an unknown id is a no-op. Used
// for both user unsubscribe and dispatcher deactivation on permanent send
// failure — the two differ only in the audit entry the caller writes.
func (s *Store) Deactivate(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET active = 0 WHERE id = ?`, id)
	return err
}

// ActiveSubscribers returns a snapshot of currently active subscribers.
// Callers must tolerate a subscriber going inactive between snapshot and use.
func (s *Store) ActiveSubscribers(ctx context.Context) ([]Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, display_name, subscribed_at FROM subscribers WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscriber
	for rows.Next() {
		var (
			sub  Subscriber
			name sql.NullString
			at   int64
		)
		if err := rows.Scan(&sub.ID, &name, &at); err != nil {
			return nil, err
		}
		sub.DisplayName = name.String
		sub.Active = true
		sub.SubscribedAt = time.UnixMilli(at)
		out = append(out, sub)
	}
	return out, rows.Err()
}

// ---- Reminders ----

func (s *Store) AddReminder(ctx context.Context, fingerprint string, fireAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(fingerprint, fire_at, delivered, created_at)
		 VALUES(?,?,0,?)
		 ON CONFLICT(fingerprint) DO NOTHING`,
		fingerprint, fireAt.UnixMilli(), time.Now().UnixMilli(),
	)
	return err
}

// DueReminders returns non-delivered reminders with fire_at <= now,
// oldest first. On startup this naturally includes reminders that came due
// while the process was down.
func (s *Store) DueReminders(ctx context.Context, now time.Time) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint, fire_at, created_at FROM reminders
		 WHERE delivered = 0 AND fire_at <= ? ORDER BY fire_at`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		var (
			r       Reminder
			fire    int64
			created int64
		)
		if err := rows.Scan(&r.Fingerprint, &fire, &created); err != nil {
			return nil, err
		}
		r.FireAt = time.UnixMilli(fire)
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) PendingReminderCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reminders WHERE delivered = 0`).Scan(&n)
	return n, err
}

func (s *Store) MarkReminderDelivered(ctx context.Context, fingerprint string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET delivered = 1 WHERE fingerprint = ?`, fingerprint)
	return err
}

// ---- Audit / maintenance ----

func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, subscriber_id, action, fingerprint, detail) VALUES(?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.SubscriberID, e.Action, nullStr(e.Fingerprint), nullStr(e.Detail),
	)
	return err
}

func (s *Store) PruneAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit WHERE at < ?`, olderThan.Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM announcements`).Scan(&c.Announcements); err != nil {
		return c, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscribers WHERE active = 1`).Scan(&c.ActiveSubscribers); err != nil {
		return c, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reminders WHERE delivered = 0`).Scan(&c.PendingReminders); err != nil {
		return c, err
	}
	return c, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullMilli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
