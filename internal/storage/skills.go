package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// UpsertSkill registers or updates a skill catalog entry.
func (s *Store) UpsertSkill(ctx context.Context, sk Skill) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO skills (id, name, description, entrypoint, input_schema) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, description = excluded.description,
		   entrypoint = excluded.entrypoint, input_schema = excluded.input_schema`,
		sk.ID, sk.Name, sk.Description, sk.Entrypoint, sk.InputSchema)
	if err != nil {
		return fmt.Errorf("upsert skill: %w", err)
	}
	return nil
}

// AllSkills returns the full skill catalog.
func (s *Store) AllSkills(ctx context.Context) ([]Skill, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, entrypoint, input_schema FROM skills ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query skills: %w", err)
	}
	defer rows.Close()

	var out []Skill
	for rows.Next() {
		var sk Skill
		if err := rows.Scan(&sk.ID, &sk.Name, &sk.Description, &sk.Entrypoint, &sk.InputSchema); err != nil {
			return nil, fmt.Errorf("scan skill: %w", err)
		}
		out = append(out, sk)
	}
	return out, rows.Err()
}

// SkillACL returns the allow-list configuration for a family: a
// "default" list plus a byNumber map of principal -> allow-list.
type SkillACL struct {
	Default  []string
	ByNumber map[string][]string
}

// ACLForFamily loads the family's ACL configuration. Rows with principal
// "default" populate Default; all others populate ByNumber.
func (s *Store) ACLForFamily(ctx context.Context, familyID string) (SkillACL, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT principal, allow_list FROM skill_acl WHERE family_id = ?`, familyID)
	if err != nil {
		return SkillACL{}, fmt.Errorf("query skill acl: %w", err)
	}
	defer rows.Close()

	acl := SkillACL{ByNumber: map[string][]string{}}
	for rows.Next() {
		var principal, raw string
		if err := rows.Scan(&principal, &raw); err != nil {
			return SkillACL{}, fmt.Errorf("scan skill acl: %w", err)
		}
		var list []string
		_ = json.Unmarshal([]byte(raw), &list)
		if principal == "default" {
			acl.Default = list
		} else {
			acl.ByNumber[principal] = list
		}
	}
	return acl, rows.Err()
}

// SetACL sets the allow-list for a principal ("default" or an owner
// token) within a family.
func (s *Store) SetACL(ctx context.Context, familyID, principal string, allowList []string) error {
	raw, err := json.Marshal(allowList)
	if err != nil {
		return fmt.Errorf("marshal allow list: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO skill_acl (family_id, principal, allow_list) VALUES (?, ?, ?)
		 ON CONFLICT(family_id, principal) DO UPDATE SET allow_list = excluded.allow_list`,
		familyID, principal, string(raw))
	if err != nil {
		return fmt.Errorf("upsert skill acl: %w", err)
	}
	return nil
}
