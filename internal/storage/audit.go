package storage

import (
	"context"
	"fmt"
)

// InsertLLMAudit records one LLM call. Every call that reaches the
// gateway is logged before its result is used by the caller; there is
// exactly one row per (request_id, step).
func (s *Store) InsertLLMAudit(ctx context.Context, e LLMAuditEntry) error {
	e.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO llm_log (request_id, user_id, family_id, owner, step, request_doc, response_text, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, nullable(e.UserID), nullable(e.FamilyID), e.Owner, e.Step, e.RequestDoc, e.ResponseText, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert llm audit: %w", err)
	}
	return nil
}

// LLMAuditForRequest returns every step logged for a request id, used
// by tests asserting "exactly one llm_log row per step."
func (s *Store) LLMAuditForRequest(ctx context.Context, requestID string) ([]LLMAuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, user_id, family_id, owner, step, request_doc, response_text, created_at
		 FROM llm_log WHERE request_id = ? ORDER BY created_at ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("query llm audit: %w", err)
	}
	defer rows.Close()

	var out []LLMAuditEntry
	for rows.Next() {
		var e LLMAuditEntry
		var userID, familyID *string
		if err := rows.Scan(&e.RequestID, &userID, &familyID, &e.Owner, &e.Step, &e.RequestDoc, &e.ResponseText, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan llm audit: %w", err)
		}
		if userID != nil {
			e.UserID = *userID
		}
		if familyID != nil {
			e.FamilyID = *familyID
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
