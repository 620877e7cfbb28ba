package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateReminder inserts a new reminder.
func (s *Store) CreateReminder(ctx context.Context, r Reminder) (*Reminder, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate reminder id: %w", err)
	}
	r.ID = id.String()
	r.CreatedAt = s.now()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reminders (id, family_id, creator_id, recipient_id, text, kind, fire_at_utc, recurrence, next_fire_at_utc, sent_at, last_fired_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.FamilyID, r.CreatorID, r.RecipientID, r.Text, string(r.Kind),
		r.FireAtUTC, r.Recurrence, r.NextFireAtUTC, r.SentAt, r.LastFiredAt, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert reminder: %w", err)
	}
	return &r, nil
}

const reminderColumns = `id, family_id, creator_id, recipient_id, text, kind, fire_at_utc, recurrence, next_fire_at_utc, sent_at, last_fired_at, created_at`

func scanReminder(row interface{ Scan(...any) error }) (*Reminder, error) {
	var r Reminder
	var kind string
	if err := row.Scan(&r.ID, &r.FamilyID, &r.CreatorID, &r.RecipientID, &r.Text, &kind,
		&r.FireAtUTC, &r.Recurrence, &r.NextFireAtUTC, &r.SentAt, &r.LastFiredAt, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Kind = ReminderKind(kind)
	return &r, nil
}

// DueReminders returns reminders due as of now: one_off reminders with
// sent_at IS NULL and fire_at_utc <= now, or recurring reminders with
// next_fire_at_utc <= now.
func (s *Store) DueReminders(ctx context.Context, now time.Time) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reminderColumns+` FROM reminders
		 WHERE (kind = 'one_off' AND sent_at IS NULL AND fire_at_utc <= ?)
		    OR (kind = 'recurring' AND next_fire_at_utc <= ?)
		 ORDER BY created_at ASC`, now, now)
	if err != nil {
		return nil, fmt.Errorf("query due reminders: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ClaimOneOffReminder atomically transitions sent_at from NULL to now.
// A rowcount of 1 means this caller owns the firing; 0 means another
// worker already claimed it (or it was never due). This is the atomic
// gate required by the concurrency model: sent_at is never reset once
// set, and a one_off reminder fires at most once.
func (s *Store) ClaimOneOffReminder(ctx context.Context, reminderID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET sent_at = ? WHERE id = ? AND kind = 'one_off' AND sent_at IS NULL`,
		now, reminderID)
	if err != nil {
		return false, fmt.Errorf("claim one-off reminder: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// AdvanceRecurringReminder atomically moves a recurring reminder's
// next_fire_at_utc forward, guarded on the previous value so two
// concurrent sweeps cannot both advance (and thus both fire) the same
// tick.
func (s *Store) AdvanceRecurringReminder(ctx context.Context, reminderID string, previousNextFire, newNextFire, firedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET next_fire_at_utc = ?, last_fired_at = ?
		 WHERE id = ? AND kind = 'recurring' AND next_fire_at_utc = ?`,
		newNextFire, firedAt, reminderID, previousNextFire)
	if err != nil {
		return false, fmt.Errorf("advance recurring reminder: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// GetReminder fetches a reminder by id.
func (s *Store) GetReminder(ctx context.Context, id string) (*Reminder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan reminder: %w", err)
	}
	return r, nil
}

// DeleteReminder removes a reminder. Either the creator or the
// recipient may delete; callers enforce that check before calling this.
func (s *Store) DeleteReminder(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ScheduleEventFired reports whether a named schedule_state event has
// already fired for the given period key (per-user; a date, or a date
// plus time slot for events that fire more than once a day), so a
// missed tick does not double-fire daily/periodic nudges.
func (s *Store) ScheduleEventFired(ctx context.Context, userID, familyID, event, today string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT last_fired_date FROM schedule_state WHERE user_id = ? AND family_id = ? AND event = ?`,
		userID, familyID, event)
	var lastFired string
	err := row.Scan(&lastFired)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("scan schedule state: %w", err)
	}
	return lastFired == today, nil
}

// MarkScheduleEventFired records that event fired for a user in the
// given period key.
func (s *Store) MarkScheduleEventFired(ctx context.Context, userID, familyID, event, today string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_state (user_id, family_id, event, last_fired_date) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, family_id, event) DO UPDATE SET last_fired_date = excluded.last_fired_date`,
		userID, familyID, event, today)
	if err != nil {
		return fmt.Errorf("mark schedule state: %w", err)
	}
	return nil
}
