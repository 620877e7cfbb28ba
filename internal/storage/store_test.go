package storage

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewWithDB(db, slog.Default())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func mustFamily(t *testing.T, s *Store) *Family {
	t.Helper()
	f, err := s.CreateFamily(context.Background(), "Test Family")
	if err != nil {
		t.Fatalf("create family: %v", err)
	}
	return f
}

func mustUser(t *testing.T, s *Store, name string) *User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), User{DisplayName: name, FirstName: name})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func TestFamily_OwnerInvariant(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	f := mustFamily(t, s)
	u := mustUser(t, s, "Jon")

	if err := s.AddMembership(ctx, Membership{UserID: u.ID, FamilyID: f.ID, Role: RoleOwner, JoinedAt: time.Now()}); err != nil {
		t.Fatalf("add membership: %v", err)
	}

	if err := s.RemoveMembership(ctx, u.ID, f.ID); err == nil {
		t.Fatal("removing the last owner should fail")
	}

	n, err := s.OwnerCount(ctx, f.ID)
	if err != nil {
		t.Fatalf("owner count: %v", err)
	}
	if n != 1 {
		t.Fatalf("owner count = %d, want 1", n)
	}
}

func TestConversation_CapEnforced(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	f := mustFamily(t, s)
	u := mustUser(t, s, "Jon")

	for i := 0; i < 15; i++ {
		if err := s.AppendConversationPair(ctx, u.ID, f.ID, "hi", "hello", 20); err != nil {
			t.Fatalf("append pair %d: %v", i, err)
		}
	}

	count, err := s.ConversationCount(ctx, u.ID, f.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count > 20 {
		t.Fatalf("conversation count = %d, exceeds cap of 20", count)
	}
	if count != 20 {
		t.Fatalf("conversation count = %d, want 20 (15 pairs = 30 trimmed to cap)", count)
	}

	msgs, err := s.ConversationMessages(ctx, u.ID, f.ID, 20)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Seq <= msgs[i-1].Seq {
			t.Fatalf("messages not monotonically ordered oldest-first: %d then %d", msgs[i-1].Seq, msgs[i].Seq)
		}
	}
}

func TestFact_UpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	f := mustFamily(t, s)
	u := mustUser(t, s, "Jon")

	fact := Fact{UserID: u.ID, FamilyID: f.ID, Key: "favorite_color", Value: "blue", Scope: ScopeUser}
	first, err := s.UpsertFact(ctx, fact)
	if err != nil {
		t.Fatalf("upsert 1: %v", err)
	}
	second, err := s.UpsertFact(ctx, fact)
	if err != nil {
		t.Fatalf("upsert 2: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("upserting the same fact twice created a new row: %s != %s", first.ID, second.ID)
	}

	facts, err := s.AllFacts(ctx, u.ID, f.ID)
	if err != nil {
		t.Fatalf("all facts: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("expected exactly one fact after double upsert, got %d", len(facts))
	}
}

func TestReminder_AtomicClaimFiresOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	f := mustFamily(t, s)
	u := mustUser(t, s, "Jon")

	fireAt := time.Now().Add(-time.Minute)
	r, err := s.CreateReminder(ctx, Reminder{
		FamilyID: f.ID, CreatorID: u.ID, RecipientID: u.ID,
		Text: "take out the trash", Kind: ReminderOneOff, FireAtUTC: &fireAt,
	})
	if err != nil {
		t.Fatalf("create reminder: %v", err)
	}

	now := time.Now()
	firstClaim, err := s.ClaimOneOffReminder(ctx, r.ID, now)
	if err != nil {
		t.Fatalf("claim 1: %v", err)
	}
	if !firstClaim {
		t.Fatal("first claim should succeed")
	}

	secondClaim, err := s.ClaimOneOffReminder(ctx, r.ID, now)
	if err != nil {
		t.Fatalf("claim 2: %v", err)
	}
	if secondClaim {
		t.Fatal("second claim should fail — a one_off reminder fires at most once")
	}
}

func TestPersonality_AppendDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	f := mustFamily(t, s)
	u := mustUser(t, s, "Jon")

	if err := s.AppendPersonality(ctx, u.ID, f.ID, "talk more concisely"); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := s.AppendPersonality(ctx, u.ID, f.ID, "talk more concisely"); err != nil {
		t.Fatalf("append 2: %v", err)
	}

	instructions, err := s.Personality(ctx, u.ID, f.ID)
	if err != nil {
		t.Fatalf("personality: %v", err)
	}
	if len(instructions) != 1 {
		t.Fatalf("expected 1 instruction after duplicate append, got %d: %v", len(instructions), instructions)
	}
}

func TestFact_ReservedKeyRejectedByCaller(t *testing.T) {
	if !ReservedFactKeys["primary_user_id"] {
		t.Fatal("primary_user_id must be a reserved key")
	}
}
