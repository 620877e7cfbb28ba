package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// InsertRateLimitEvent appends one "not allowed" decision to the
// rate-limit log. Only the decision that FIRST transitions a family
// into cooldown is logged here; subsequent attempts within the same
// cooldown bump an attempts counter in the limiter's key-value store (see
// internal/ratelimit).
func (s *Store) InsertRateLimitEvent(ctx context.Context, e RateLimitEvent) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate rate limit event id: %w", err)
	}
	e.ID = id.String()
	e.CreatedAt = s.now()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rate_limit_log (id, family_id, user_id, message_count, window_start, window_end, cooldown_until, cooldown_level, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.FamilyID, nullable(e.UserID), e.MessageCount, e.WindowStart, e.WindowEnd, e.CooldownUntil, e.CooldownLevel, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert rate limit event: %w", err)
	}
	return nil
}

// RateLimitEventsForFamily returns a family's rate-limit log, newest
// first — used by tests asserting "exactly one entry per cooldown
// entry."
func (s *Store) RateLimitEventsForFamily(ctx context.Context, familyID string, limit int) ([]RateLimitEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, family_id, user_id, message_count, window_start, window_end, cooldown_until, cooldown_level, created_at
		 FROM rate_limit_log WHERE family_id = ? ORDER BY created_at DESC LIMIT ?`, familyID, limit)
	if err != nil {
		return nil, fmt.Errorf("query rate limit log: %w", err)
	}
	defer rows.Close()

	var out []RateLimitEvent
	for rows.Next() {
		var e RateLimitEvent
		var userID sql.NullString
		if err := rows.Scan(&e.ID, &e.FamilyID, &userID, &e.MessageCount, &e.WindowStart, &e.WindowEnd,
			&e.CooldownUntil, &e.CooldownLevel, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rate limit event: %w", err)
		}
		e.UserID = userID.String
		out = append(out, e)
	}
	return out, rows.Err()
}
