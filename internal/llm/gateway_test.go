package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/boassistant/bo/internal/storage"
)

type fakeAudit struct {
	entries []storage.LLMAuditEntry
}

func (f *fakeAudit) InsertLLMAudit(ctx context.Context, e storage.LLMAuditEntry) error {
	f.entries = append(f.entries, e)
	return nil
}

func writeMockFile(t *testing.T, entries []mockEntry) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "mock-*.json")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer f.Close()
	b, err := json.Marshal(entries)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := f.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}
	return f.Name()
}

func TestGateway_MockMode_NoNetworkCall(t *testing.T) {
	path := writeMockFile(t, []mockEntry{{Step: "fact_finding", Response: "[]"}})
	audit := &fakeAudit{}
	g := New(nil, Models{Simple: "s", Standard: "m", Complex: "c"}, audit, slog.Default(), "")
	if err := g.LoadMock(path); err != nil {
		t.Fatalf("load mock: %v", err)
	}

	text, err := g.Complete(context.Background(), Call{Step: "fact_finding", Owner: "owner1"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != "[]" {
		t.Fatalf("text = %q, want %q", text, "[]")
	}
	if len(audit.entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(audit.entries))
	}
}

func TestGateway_MockMode_MissingStepUsesDefault(t *testing.T) {
	path := writeMockFile(t, []mockEntry{{Step: "fact_finding", Response: "[]"}})
	g := New(nil, Models{}, &fakeAudit{}, slog.Default(), "")
	if err := g.LoadMock(path); err != nil {
		t.Fatalf("load mock: %v", err)
	}

	text, err := g.Complete(context.Background(), Call{Step: "unknown_step"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text == "" {
		t.Fatal("expected a default mock response for an unlisted step")
	}
}

func TestGateway_MockMode_StringifiesNonStringPayloads(t *testing.T) {
	path := writeMockFile(t, []mockEntry{{Step: "what_to_do", Response: map[string]any{"skill": "weather"}}})
	g := New(nil, Models{}, &fakeAudit{}, slog.Default(), "")
	if err := g.LoadMock(path); err != nil {
		t.Fatalf("load mock: %v", err)
	}

	text, err := g.Complete(context.Background(), Call{Step: "what_to_do"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		t.Fatalf("expected stringified JSON payload, got %q: %v", text, err)
	}
	if parsed["skill"] != "weather" {
		t.Fatalf("parsed = %+v", parsed)
	}
}

func TestTaskForStep_Tiers(t *testing.T) {
	cases := map[string]Task{
		"fact_finding":    TaskSimple,
		"what_to_do":      TaskStandard,
		"friend_mode":     TaskComplex,
		"never_heard_of":  TaskStandard,
	}
	for step, want := range cases {
		if got := taskForStep(step); got != want {
			t.Errorf("taskForStep(%q) = %v, want %v", step, got, want)
		}
	}
}

func TestModels_SelectModel(t *testing.T) {
	m := Models{Simple: "simple-model", Standard: "standard-model", Complex: "complex-model"}
	if m.selectModel(TaskSimple) != "simple-model" {
		t.Error("simple tier mismatch")
	}
	if m.selectModel(TaskComplex) != "complex-model" {
		t.Error("complex tier mismatch")
	}
	if m.selectModel(TaskStandard) != "standard-model" {
		t.Error("standard tier mismatch")
	}
}

func TestGateway_AuditFailureDoesNotPropagate(t *testing.T) {
	path := writeMockFile(t, []mockEntry{{Step: "summary", Response: "ok"}})
	g := New(nil, Models{}, failingAudit{}, slog.Default(), "")
	if err := g.LoadMock(path); err != nil {
		t.Fatalf("load mock: %v", err)
	}
	if _, err := g.Complete(context.Background(), Call{Step: "summary"}); err != nil {
		t.Fatalf("complete should not fail when audit persistence fails: %v", err)
	}
}

type failingAudit struct{}

func (failingAudit) InsertLLMAudit(ctx context.Context, e storage.LLMAuditEntry) error {
	return os.ErrClosed
}
