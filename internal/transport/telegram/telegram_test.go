package telegram

import (
	"log/slog"
	"testing"
	"time"
)

func TestCommandName(t *testing.T) {
	cases := map[string]string{
		"/start":        "start",
		"/myid":         "myid",
		"/id@BoBot":     "id",
		"/id some args": "id",
		"hello there":   "",
		"":              "",
	}
	for in, want := range cases {
		if got := commandName(in); got != want {
			t.Errorf("commandName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTooManyUnknownHits(t *testing.T) {
	a := &Adapter{
		logger:      slog.Default(),
		unknownHits: map[string][]time.Time{},
	}
	for i := 0; i < UnknownSenderPerMinute; i++ {
		if a.tooManyUnknownHits("123") {
			t.Fatalf("hit %d should be allowed", i)
		}
	}
	if !a.tooManyUnknownHits("123") {
		t.Error("hit beyond the per-minute allowance should be rejected")
	}
}

func TestTooManyUnknownHits_OldHitsExpire(t *testing.T) {
	a := &Adapter{
		logger: slog.Default(),
		unknownHits: map[string][]time.Time{
			"123": {time.Now().Add(-2 * time.Minute)},
		},
	}
	// The lone existing hit is outside the window and should be
	// trimmed, leaving room for a fresh burst.
	for i := 0; i < UnknownSenderPerMinute; i++ {
		if a.tooManyUnknownHits("123") {
			t.Fatalf("hit %d should be allowed after old hits expire", i)
		}
	}
}

func TestWaitForSpacing_NoDelayOnFirstSend(t *testing.T) {
	a := &Adapter{
		logger:      slog.Default(),
		lastReplyAt: map[string]time.Time{},
	}
	start := time.Now()
	a.waitForSpacing("chat1")
	if time.Since(start) > 100*time.Millisecond {
		t.Error("first send should not be delayed")
	}
}
