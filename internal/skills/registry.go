// Package skills implements the Skill Registry/ACL and the subprocess
// Skill Executor.
package skills

import (
	"context"
	"fmt"

	"github.com/boassistant/bo/internal/storage"
)

// SyntheticSkills are always effectively available even if absent
// from the registry — the pipeline handles them inline rather than
// invoking the executor.
var SyntheticSkills = map[string]bool{
	"create_a_response": true,
	"friend_mode":        true,
	"send_to_contact":    true,
}

// Store is the subset of the persistence layer the registry depends on.
type Store interface {
	AllSkills(ctx context.Context) ([]storage.Skill, error)
	ACLForFamily(ctx context.Context, familyID string) (storage.SkillACL, error)
}

// Registry loads the skill catalog and ACL from the persistence layer
// on every request — it holds no cached state, per the "loaded at each
// request" requirement.
type Registry struct {
	store Store
}

// New constructs a Registry.
func New(store Store) *Registry {
	return &Registry{store: store}
}

// Catalog returns every registered skill.
func (r *Registry) Catalog(ctx context.Context) ([]storage.Skill, error) {
	skills, err := r.store.AllSkills(ctx)
	if err != nil {
		return nil, fmt.Errorf("load skill catalog: %w", err)
	}
	return skills, nil
}

// EffectiveAllowList returns the allow-list that applies to principal
// within familyID: byNumber[principal] if present, else default. A nil
// (not just empty) return means "no restriction — all skills allowed";
// the caller should treat a present-but-empty list as empty too, since
// both shapes signify "no restriction" per the spec.
func (r *Registry) EffectiveAllowList(ctx context.Context, familyID, principal string) ([]string, error) {
	acl, err := r.store.ACLForFamily(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("load acl: %w", err)
	}
	if list, ok := acl.ByNumber[principal]; ok {
		return list, nil
	}
	return acl.Default, nil
}

// IsAllowed reports whether principal may invoke skillID within
// familyID. An empty effective allow-list (default and byNumber both
// empty) allows everything. Synthetic skills are always allowed —
// they bypass ACL entirely since they are not registry entries.
func (r *Registry) IsAllowed(ctx context.Context, familyID, principal, skillID string) (bool, error) {
	if SyntheticSkills[skillID] {
		return true, nil
	}
	allowList, err := r.EffectiveAllowList(ctx, familyID, principal)
	if err != nil {
		return false, err
	}
	if len(allowList) == 0 {
		return true, nil
	}
	for _, id := range allowList {
		if id == skillID {
			return true, nil
		}
	}
	return false, nil
}

// FilterCatalog returns the subset of the catalog visible to principal
// under their effective ACL, for inclusion in the skill-selection
// prompt. A skill id referenced by an allow-list but absent from the
// registry is silently ignored, since filtering starts from the
// catalog rather than the allow-list.
func (r *Registry) FilterCatalog(ctx context.Context, familyID, principal string) ([]storage.Skill, error) {
	catalog, err := r.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	allowList, err := r.EffectiveAllowList(ctx, familyID, principal)
	if err != nil {
		return nil, err
	}
	if len(allowList) == 0 {
		return catalog, nil
	}
	allowed := make(map[string]bool, len(allowList))
	for _, id := range allowList {
		allowed[id] = true
	}
	out := make([]storage.Skill, 0, len(catalog))
	for _, sk := range catalog {
		if allowed[sk.ID] {
			out = append(out, sk)
		}
	}
	return out, nil
}

// Get returns a single skill by id, or storage.ErrNotFound.
func (r *Registry) Get(ctx context.Context, skillID string) (*storage.Skill, error) {
	catalog, err := r.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	for _, sk := range catalog {
		if sk.ID == skillID {
			return &sk, nil
		}
	}
	return nil, storage.ErrNotFound
}
