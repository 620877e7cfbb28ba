package moderation

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/boassistant/bo/internal/storage"
)

type fakeStore struct {
	flags []storage.ModerationFlag
}

func (f *fakeStore) InsertModerationFlag(ctx context.Context, m storage.ModerationFlag) error {
	f.flags = append(f.flags, m)
	return nil
}

type fakeNotifier struct {
	notified bool
	text     string
}

func (f *fakeNotifier) NotifyAdmin(ctx context.Context, text string) error {
	f.notified = true
	f.text = text
	return nil
}

type fakeClassifier struct {
	flagged bool
	err     error
}

func (f fakeClassifier) Classify(ctx context.Context, text string) (bool, error) {
	return f.flagged, f.err
}

func TestClassify_Tiers(t *testing.T) {
	if Classify("I want to kill myself") != SeverityCritical {
		t.Error("expected critical")
	}
	if Classify("I've been cutting myself") != SeverityHigh {
		t.Error("expected high")
	}
	if Classify("someone brought a gun to school") != SeverityMedium {
		t.Error("expected medium")
	}
	if Classify("what's the weather tomorrow") != SeverityLow {
		t.Error("expected low")
	}
}

func TestCheckInput_CriticalHaltsAndNotifiesAdmin(t *testing.T) {
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	g := New(store, notifier, nil, slog.Default())

	result, err := g.CheckInput(context.Background(), "u1", "f1", "I want to end my life")
	if err != nil {
		t.Fatalf("check input: %v", err)
	}
	if result.ShouldContinue {
		t.Fatal("critical severity must halt the pipeline")
	}
	if !strings.Contains(result.CrisisReply, "988") {
		t.Fatal("crisis reply must include the 988 hotline")
	}
	if !notifier.notified {
		t.Fatal("admin must be notified on critical severity")
	}
	if len(store.flags) != 1 {
		t.Fatalf("expected one moderation flag persisted, got %d", len(store.flags))
	}
}

func TestCheckInput_HighContinuesAndLogs(t *testing.T) {
	store := &fakeStore{}
	g := New(store, &fakeNotifier{}, nil, slog.Default())

	result, err := g.CheckInput(context.Background(), "u1", "f1", "I've been hurting myself lately")
	if err != nil {
		t.Fatalf("check input: %v", err)
	}
	if !result.ShouldContinue {
		t.Fatal("high severity must not halt the pipeline")
	}
	if len(store.flags) != 1 {
		t.Fatalf("expected one flag logged for high severity, got %d", len(store.flags))
	}
}

func TestCheckInput_LowDoesNotLog(t *testing.T) {
	store := &fakeStore{}
	g := New(store, &fakeNotifier{}, nil, slog.Default())

	result, err := g.CheckInput(context.Background(), "u1", "f1", "what's for dinner")
	if err != nil {
		t.Fatalf("check input: %v", err)
	}
	if !result.ShouldContinue || len(store.flags) != 0 {
		t.Fatalf("low severity should not log: flags=%d", len(store.flags))
	}
}

func TestCheckOutput_FlaggedReplacesResponse(t *testing.T) {
	store := &fakeStore{}
	g := New(store, nil, fakeClassifier{flagged: true}, slog.Default())

	result, err := g.CheckOutput(context.Background(), "u1", "f1", "msg", "original reply", 0)
	if err != nil {
		t.Fatalf("check output: %v", err)
	}
	if !result.Replaced || result.Response == "original reply" {
		t.Fatalf("expected replacement, got %+v", result)
	}
	if len(store.flags) != 1 || store.flags[0].Action != storage.ActionReplaced {
		t.Fatalf("expected one replaced-action flag, got %+v", store.flags)
	}
}

func TestCheckOutput_ClassifierFailureFailsOpen(t *testing.T) {
	store := &fakeStore{}
	g := New(store, nil, fakeClassifier{err: context.DeadlineExceeded}, slog.Default())

	result, err := g.CheckOutput(context.Background(), "u1", "f1", "msg", "original reply", 0)
	if err != nil {
		t.Fatalf("check output: %v", err)
	}
	if result.Replaced || result.Response != "original reply" {
		t.Fatalf("expected fail-open to preserve original response, got %+v", result)
	}
}

func TestCheckOutput_NoClassifierPassesThrough(t *testing.T) {
	g := New(&fakeStore{}, nil, nil, slog.Default())
	result, err := g.CheckOutput(context.Background(), "u1", "f1", "msg", "original reply", 0)
	if err != nil {
		t.Fatalf("check output: %v", err)
	}
	if result.Response != "original reply" {
		t.Fatalf("expected pass-through, got %+v", result)
	}
}
