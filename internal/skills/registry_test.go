package skills

import (
	"context"
	"testing"

	"github.com/boassistant/bo/internal/storage"
)

type fakeStore struct {
	skills []storage.Skill
	acls   map[string]storage.SkillACL
}

func (f *fakeStore) AllSkills(ctx context.Context) ([]storage.Skill, error) {
	return f.skills, nil
}

func (f *fakeStore) ACLForFamily(ctx context.Context, familyID string) (storage.SkillACL, error) {
	return f.acls[familyID], nil
}

func TestEffectiveAllowList_PrincipalOverridesDefault(t *testing.T) {
	store := &fakeStore{acls: map[string]storage.SkillACL{
		"fam": {Default: []string{"weather", "todo"}, ByNumber: map[string][]string{"555": {"weather"}}},
	}}
	r := New(store)

	list, err := r.EffectiveAllowList(context.Background(), "fam", "555")
	if err != nil {
		t.Fatalf("effective allow list: %v", err)
	}
	if len(list) != 1 || list[0] != "weather" {
		t.Fatalf("expected byNumber override, got %v", list)
	}
}

func TestIsAllowed_EmptyListsAllowAll(t *testing.T) {
	store := &fakeStore{acls: map[string]storage.SkillACL{"fam": {}}}
	r := New(store)
	ok, err := r.IsAllowed(context.Background(), "fam", "555", "anything")
	if err != nil {
		t.Fatalf("is allowed: %v", err)
	}
	if !ok {
		t.Fatal("empty default and byNumber should allow all skills")
	}
}

func TestIsAllowed_SyntheticSkillsAlwaysAllowed(t *testing.T) {
	store := &fakeStore{acls: map[string]storage.SkillACL{
		"fam": {Default: []string{"weather"}},
	}}
	r := New(store)
	ok, err := r.IsAllowed(context.Background(), "fam", "555", "friend_mode")
	if err != nil {
		t.Fatalf("is allowed: %v", err)
	}
	if !ok {
		t.Fatal("synthetic skills must bypass acl")
	}
}

func TestFilterCatalog_SilentlyIgnoresUnknownAllowListEntry(t *testing.T) {
	store := &fakeStore{
		skills: []storage.Skill{{ID: "weather"}},
		acls:   map[string]storage.SkillACL{"fam": {Default: []string{"weather", "ghost_skill"}}},
	}
	r := New(store)
	catalog, err := r.FilterCatalog(context.Background(), "fam", "555")
	if err != nil {
		t.Fatalf("filter catalog: %v", err)
	}
	if len(catalog) != 1 || catalog[0].ID != "weather" {
		t.Fatalf("expected only weather, got %+v", catalog)
	}
}
