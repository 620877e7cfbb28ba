package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateUser inserts a new user.
func (s *Store) CreateUser(ctx context.Context, u User) (*User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate user id: %w", err)
	}
	now := s.now()
	u.ID = id.String()
	u.CreatedAt, u.UpdatedAt = now, now
	if u.Timezone == "" {
		u.Timezone = "America/New_York"
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, display_name, first_name, canonical_phone, telegram_id, timezone, is_admin, is_agent_trigger, last_active_family_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.DisplayName, u.FirstName, nullable(u.CanonicalPhone), nullable(u.TelegramID), u.Timezone,
		boolToInt(u.IsAdmin), boolToInt(u.IsAgentTrigger), nullable(u.LastActiveFamilyID), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return &u, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var phone, telegramID, lastFamily sql.NullString
	var isAdmin, isTrigger int
	err := row.Scan(&u.ID, &u.DisplayName, &u.FirstName, &phone, &telegramID, &u.Timezone,
		&isAdmin, &isTrigger, &lastFamily, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.CanonicalPhone = phone.String
	u.TelegramID = telegramID.String
	u.LastActiveFamilyID = lastFamily.String
	u.IsAdmin = isAdmin != 0
	u.IsAgentTrigger = isTrigger != 0
	return &u, nil
}

const userColumns = `id, display_name, first_name, canonical_phone, telegram_id, timezone, is_admin, is_agent_trigger, last_active_family_id, created_at, updated_at`

// GetUserByID fetches a user by id.
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

// GetUserByPhone fetches a user by canonical 10-digit phone.
func (s *Store) GetUserByPhone(ctx context.Context, phone string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE canonical_phone = ?`, phone)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

// GetUserByTelegramID fetches a user by Telegram numeric id.
func (s *Store) GetUserByTelegramID(ctx context.Context, telegramID string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_id = ?`, telegramID)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

// SetLastActiveFamily updates the user's DM-disambiguation pointer.
func (s *Store) SetLastActiveFamily(ctx context.Context, userID, familyID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_active_family_id = ?, updated_at = ? WHERE id = ?`,
		familyID, s.now(), userID)
	if err != nil {
		return fmt.Errorf("update last active family: %w", err)
	}
	return nil
}

// AllUsers returns every user, ordered by id, for population sweeps
// (the scheduler's daily/periodic events, which apply to every user
// rather than one family at a time).
func (s *Store) AllUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query all users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// UsersInFamily returns every user with a membership in familyID, used
// by the Contacts/Directory component to build its name/number maps.
func (s *Store) UsersInFamily(ctx context.Context, familyID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users u
		 JOIN memberships m ON m.user_id = u.id
		 WHERE m.family_id = ?
		 ORDER BY u.display_name ASC`, familyID)
	if err != nil {
		return nil, fmt.Errorf("query users in family: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}
