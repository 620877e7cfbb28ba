package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// UpsertFact inserts or replaces a fact, keyed by (user, family, key,
// scope). Upserting the same fact twice yields the same visible state
// (idempotent on value/tags).
func (s *Store) UpsertFact(ctx context.Context, f Fact) (*Fact, error) {
	tagsJSON, err := json.Marshal(f.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	now := s.now()

	var existingID string
	row := s.db.QueryRowContext(ctx,
		`SELECT id FROM facts WHERE user_id = ? AND family_id = ? AND key = ? AND scope = ? AND deleted_at IS NULL`,
		f.UserID, f.FamilyID, f.Key, string(f.Scope))
	err = row.Scan(&existingID)

	switch {
	case err == nil:
		f.ID = existingID
		f.UpdatedAt = now
		_, err = s.db.ExecContext(ctx,
			`UPDATE facts SET value = ?, tags = ?, source = ?, updated_at = ? WHERE id = ?`,
			f.Value, string(tagsJSON), f.Source, f.UpdatedAt, f.ID)
		if err != nil {
			return nil, fmt.Errorf("update fact: %w", err)
		}
	case err == sql.ErrNoRows:
		id, genErr := uuid.NewV7()
		if genErr != nil {
			return nil, fmt.Errorf("generate fact id: %w", genErr)
		}
		f.ID = id.String()
		f.CreatedAt, f.UpdatedAt = now, now
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO facts (id, user_id, family_id, key, value, scope, tags, source, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.UserID, f.FamilyID, f.Key, f.Value, string(f.Scope), string(tagsJSON), f.Source, f.CreatedAt, f.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert fact: %w", err)
		}
	default:
		return nil, fmt.Errorf("lookup existing fact: %w", err)
	}
	return &f, nil
}

// DeleteFact soft-deletes a fact by its natural key.
func (s *Store) DeleteFact(ctx context.Context, userID, familyID, key string, scope FactScope) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE facts SET deleted_at = ? WHERE user_id = ? AND family_id = ? AND key = ? AND scope = ? AND deleted_at IS NULL`,
		s.now(), userID, familyID, key, string(scope))
	if err != nil {
		return fmt.Errorf("delete fact: %w", err)
	}
	return nil
}

func scanFact(row interface{ Scan(...any) error }) (*Fact, error) {
	var f Fact
	var tagsJSON, scope string
	err := row.Scan(&f.ID, &f.UserID, &f.FamilyID, &f.Key, &f.Value, &scope, &tagsJSON, &f.Source, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.Scope = FactScope(scope)
	if tagsJSON != "" {
		_ = json.Unmarshal([]byte(tagsJSON), &f.Tags)
	}
	return &f, nil
}

const factColumns = `id, user_id, family_id, key, value, scope, tags, source, created_at, updated_at`

// AllFacts returns every non-deleted fact visible to a user: their own
// user-scoped facts plus every global-scoped fact in the family.
func (s *Store) AllFacts(ctx context.Context, userID, familyID string) ([]Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+factColumns+` FROM facts
		 WHERE family_id = ? AND deleted_at IS NULL AND (scope = 'global' OR user_id = ?)
		 ORDER BY updated_at DESC`, familyID, userID)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// GetFact fetches a single fact by its natural key, or ErrNotFound.
func (s *Store) GetFact(ctx context.Context, userID, familyID, key string, scope FactScope) (*Fact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+factColumns+` FROM facts WHERE user_id = ? AND family_id = ? AND key = ? AND scope = ? AND deleted_at IS NULL`,
		userID, familyID, key, string(scope))
	f, err := scanFact(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan fact: %w", err)
	}
	return f, nil
}

// FactScoreBoostKeys receive a fixed scoring boost in relevance ranking.
var FactScoreBoostKeys = map[string]bool{
	"name": true, "email": true, "location": true, "city": true,
	"state": true, "zip": true, "home_zip": true, "timezone": true,
}

// ReservedFactKeys MUST NOT be persisted as facts — they are derived or
// structural, not user-stated attributes.
var ReservedFactKeys = map[string]bool{
	"primary_user_id":        true,
	"personality_instruction": true,
	"family_id":              true,
	"user_id":                true,
}
