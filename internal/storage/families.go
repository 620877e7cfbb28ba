package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// CreateFamily inserts a new family and returns its generated id.
func (s *Store) CreateFamily(ctx context.Context, displayName string) (*Family, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate family id: %w", err)
	}
	now := s.now()
	f := &Family{ID: id.String(), DisplayName: displayName, CreatedAt: now, UpdatedAt: now}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO families (id, display_name, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		f.ID, f.DisplayName, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert family: %w", err)
	}
	return f, nil
}

// GetFamily fetches a family by id.
func (s *Store) GetFamily(ctx context.Context, id string) (*Family, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, created_at, updated_at FROM families WHERE id = ?`, id)
	var f Family
	if err := row.Scan(&f.ID, &f.DisplayName, &f.CreatedAt, &f.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan family: %w", err)
	}
	return &f, nil
}

// AddMembership adds or updates a user's role within a family.
func (s *Store) AddMembership(ctx context.Context, m Membership) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memberships (user_id, family_id, role, joined_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, family_id) DO UPDATE SET role = excluded.role`,
		m.UserID, m.FamilyID, string(m.Role), m.JoinedAt)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

// RemoveMembership removes a user from a family. It fails the family's
// last owner invariant: every family must retain at least one owner.
func (s *Store) RemoveMembership(ctx context.Context, userID, familyID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var role string
		row := tx.QueryRowContext(ctx,
			`SELECT role FROM memberships WHERE user_id = ? AND family_id = ?`, userID, familyID)
		if err := row.Scan(&role); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("scan membership role: %w", err)
		}

		if Role(role) == RoleOwner {
			var ownerCount int
			row := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM memberships WHERE family_id = ? AND role = ?`, familyID, string(RoleOwner))
			if err := row.Scan(&ownerCount); err != nil {
				return fmt.Errorf("count owners: %w", err)
			}
			if ownerCount <= 1 {
				return fmt.Errorf("cannot remove the last owner of family %s", familyID)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM memberships WHERE user_id = ? AND family_id = ?`, userID, familyID); err != nil {
			return fmt.Errorf("delete membership: %w", err)
		}
		return nil
	})
}

// OwnerCount returns the number of owner-role memberships for a family.
// Used by tests asserting the "at least one owner" invariant.
func (s *Store) OwnerCount(ctx context.Context, familyID string) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memberships WHERE family_id = ? AND role = ?`, familyID, string(RoleOwner))
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count owners: %w", err)
	}
	return n, nil
}

// MembershipsForUser returns every family a user belongs to, ordered by
// join time (lowest id proxy: joined_at then family_id) — used by the
// Tenant Resolver's "first membership" fallback.
func (s *Store) MembershipsForUser(ctx context.Context, userID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, family_id, role, joined_at FROM memberships WHERE user_id = ? ORDER BY joined_at ASC, family_id ASC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("query memberships: %w", err)
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		var m Membership
		var role string
		if err := rows.Scan(&m.UserID, &m.FamilyID, &role, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		m.Role = Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

// GroupChatFamily returns the family_id a known group chat belongs to.
func (s *Store) GroupChatFamily(ctx context.Context, chatID string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT family_id FROM group_chats WHERE chat_id = ?`, chatID)
	var familyID string
	if err := row.Scan(&familyID); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("scan group chat: %w", err)
	}
	return familyID, nil
}

// UpsertGroupChat registers or updates a group chat's routing target.
func (s *Store) UpsertGroupChat(ctx context.Context, g GroupChat) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_chats (chat_id, name, type, family_id) VALUES (?, ?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET name = excluded.name, type = excluded.type, family_id = excluded.family_id`,
		g.ChatID, g.Name, g.Type, g.FamilyID)
	if err != nil {
		return fmt.Errorf("upsert group chat: %w", err)
	}
	return nil
}
