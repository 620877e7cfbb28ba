package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// InsertModerationFlag records a red-flag or post-output moderation
// event. moderation_flags rows are write-mostly: the hot path never
// reads them back (see DESIGN.md's resolution of the open question).
func (s *Store) InsertModerationFlag(ctx context.Context, m ModerationFlag) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate moderation flag id: %w", err)
	}
	m.ID = id.String()
	m.CreatedAt = s.now()

	flagsJSON, err := json.Marshal(m.Flags)
	if err != nil {
		return fmt.Errorf("marshal flags: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO moderation_flags (id, user_id, family_id, message, original_response, replacement_response, flags, severity, action, reviewed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.FamilyID, m.Message, nullable(m.OriginalResponse), nullable(m.ReplacementResponse),
		string(flagsJSON), m.Severity, string(m.Action), boolToInt(m.Reviewed), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert moderation flag: %w", err)
	}
	return nil
}

// ModerationFlagsForReview returns unreviewed flags, newest first. Not
// called from the pipeline hot path — provided for an operator review
// tool (out of scope per spec.md §1, but the data must be queryable).
func (s *Store) ModerationFlagsForReview(ctx context.Context, limit int) ([]ModerationFlag, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, family_id, message, original_response, replacement_response, flags, severity, action, reviewed, created_at
		 FROM moderation_flags WHERE reviewed = 0 ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query moderation flags: %w", err)
	}
	defer rows.Close()

	var out []ModerationFlag
	for rows.Next() {
		var m ModerationFlag
		var original, replacement sql.NullString
		var flagsJSON, action string
		var reviewed int
		if err := rows.Scan(&m.ID, &m.UserID, &m.FamilyID, &m.Message, &original, &replacement,
			&flagsJSON, &m.Severity, &action, &reviewed, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan moderation flag: %w", err)
		}
		m.OriginalResponse = original.String
		m.ReplacementResponse = replacement.String
		m.Action = ModerationAction(action)
		m.Reviewed = reviewed != 0
		_ = json.Unmarshal([]byte(flagsJSON), &m.Flags)
		out = append(out, m)
	}
	return out, rows.Err()
}
