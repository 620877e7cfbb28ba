package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/boassistant/bo/internal/storage"
)

type fakeStore struct {
	events []storage.RateLimitEvent
}

func (f *fakeStore) InsertRateLimitEvent(ctx context.Context, e storage.RateLimitEvent) error {
	f.events = append(f.events, e)
	return nil
}

func TestCheck_AllowsWithinLimit(t *testing.T) {
	l := New(NewMemoryStore(), &fakeStore{})
	now := time.Now()

	for i := 0; i < 60; i++ {
		d, err := l.Check(context.Background(), "fam1", "user1", 1, now)
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("message %d should be allowed within limit", i)
		}
	}
}

func TestCheck_ExceedingLimitEntersCooldownAndLogsOnce(t *testing.T) {
	store := &fakeStore{}
	l := New(NewMemoryStore(), store)
	now := time.Now()

	var last, firstDenied Decision
	denied := false
	for i := 0; i < 65; i++ {
		d, err := l.Check(context.Background(), "fam1", "user1", 1, now)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		last = d
		if !d.Allowed && !denied {
			firstDenied, denied = d, true
		}
	}

	if last.Allowed {
		t.Fatal("expected cooldown after exceeding the per-member limit")
	}
	if last.Reason != ReasonInCooldown {
		t.Fatalf("expected in_cooldown reason, got %q", last.Reason)
	}
	if len(store.events) != 1 {
		t.Fatalf("expected exactly one logged event for the first cooldown transition, got %d", len(store.events))
	}
	if !firstDenied.EmitCooldownText {
		t.Fatal("first cooldown entry should emit the cooldown message")
	}
}

func TestCheck_SubsequentAttemptsInCooldownDoNotReLog(t *testing.T) {
	store := &fakeStore{}
	l := New(NewMemoryStore(), store)
	now := time.Now()

	for i := 0; i < 61; i++ {
		if _, err := l.Check(context.Background(), "fam1", "user1", 1, now); err != nil {
			t.Fatalf("check: %v", err)
		}
	}
	if len(store.events) != 1 {
		t.Fatalf("expected one event after entering cooldown, got %d", len(store.events))
	}

	d, err := l.Check(context.Background(), "fam1", "user1", 1, now.Add(time.Second))
	if err != nil {
		t.Fatalf("check during cooldown: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected still in cooldown")
	}
	if d.EmitCooldownText {
		t.Fatal("second attempt within the same cooldown should not re-emit the cooldown message")
	}
	if len(store.events) != 1 {
		t.Fatalf("cooldown attempts must not add new log rows, got %d events", len(store.events))
	}
}

func TestCheck_EscalatesLevelOnRepeatedViolation(t *testing.T) {
	kv := NewMemoryStore()
	store := &fakeStore{}
	l := New(kv, store)
	now := time.Now()

	for i := 0; i < 61; i++ {
		if _, err := l.Check(context.Background(), "fam1", "user1", 1, now); err != nil {
			t.Fatalf("check: %v", err)
		}
	}

	until, level, ok, err := kv.Cooldown(context.Background(), "fam1")
	if err != nil || !ok {
		t.Fatalf("expected cooldown set, ok=%v err=%v", ok, err)
	}
	if level != 0 {
		t.Fatalf("expected level 0 on first violation, got %d", level)
	}

	d, err := l.Check(context.Background(), "fam1", "user1", 1, until.Add(Window))
	if err != nil {
		t.Fatalf("check after cooldown expiry: %v", err)
	}
	if !d.Allowed {
		t.Fatal("expected allowed once cooldown window has passed")
	}

	for i := 0; i < 61; i++ {
		if _, err := l.Check(context.Background(), "fam1", "user1", 1, until.Add(Window)); err != nil {
			t.Fatalf("check: %v", err)
		}
	}
	_, level2, ok, err := kv.Cooldown(context.Background(), "fam1")
	if err != nil || !ok {
		t.Fatalf("expected second cooldown set, ok=%v err=%v", ok, err)
	}
	if level2 != 1 {
		t.Fatalf("expected escalation to level 1, got %d", level2)
	}
}

func TestCheck_LimitScalesWithMemberCount(t *testing.T) {
	l := New(NewMemoryStore(), &fakeStore{})
	now := time.Now()

	for i := 0; i < 180; i++ {
		d, err := l.Check(context.Background(), "fam-big", "user1", 3, now)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("message %d should be allowed under a 3-member family limit of 180", i)
		}
	}
}
