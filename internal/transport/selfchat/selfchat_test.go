package selfchat

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/boassistant/bo/internal/pipeline"
	"github.com/boassistant/bo/internal/storage"
)

type fakeWatcher struct {
	mu     sync.Mutex
	events []*Event
	i      int
}

func (f *fakeWatcher) Poll(ctx context.Context, timeout time.Duration) (*Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.i >= len(f.events) {
		return nil, nil
	}
	ev := f.events[f.i]
	f.i++
	return ev, nil
}

type fakeLookup struct {
	users map[string]storage.User
}

func (f *fakeLookup) GetUserByPhone(ctx context.Context, phone string) (*storage.User, error) {
	u, ok := f.users[phone]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &u, nil
}

type fakeRouter struct {
	calls []pipeline.Input
	reply string
}

func (f *fakeRouter) Run(ctx context.Context, in pipeline.Input) (pipeline.Output, error) {
	f.calls = append(f.calls, in)
	return pipeline.Output{Reply: f.reply}, nil
}

type fakeSender struct {
	delivered []pipeline.Output
}

func (f *fakeSender) Deliver(ctx context.Context, user *storage.User, out pipeline.Output) error {
	f.delivered = append(f.delivered, out)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandle_StripsTriggerPrefixAndRoutes(t *testing.T) {
	lookup := &fakeLookup{users: map[string]storage.User{"5551234567": {ID: "u1", CanonicalPhone: "5551234567"}}}
	router := &fakeRouter{reply: "hi"}
	sender := &fakeSender{}
	a := New(&fakeWatcher{}, lookup, router, sender, testLogger())

	a.handle(context.Background(), &Event{GUID: "g1", Sender: "5551234567", Text: "Bo what's the weather", InSelfChat: true})

	if len(router.calls) != 1 {
		t.Fatalf("expected 1 route, got %d", len(router.calls))
	}
	if router.calls[0].UserMessage != "what's the weather" {
		t.Errorf("expected stripped prefix, got %q", router.calls[0].UserMessage)
	}
	if len(sender.delivered) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(sender.delivered))
	}
}

func TestHandle_IgnoresMessageWithoutTriggerPrefix(t *testing.T) {
	lookup := &fakeLookup{users: map[string]storage.User{"5551234567": {ID: "u1"}}}
	router := &fakeRouter{}
	a := New(&fakeWatcher{}, lookup, router, &fakeSender{}, testLogger())

	a.handle(context.Background(), &Event{GUID: "g1", Sender: "5551234567", Text: "what's the weather", InSelfChat: true})

	if len(router.calls) != 0 {
		t.Errorf("expected no route without trigger prefix, got %d", len(router.calls))
	}
}

func TestHandle_IgnoresFromSelfAndReactions(t *testing.T) {
	router := &fakeRouter{}
	a := New(&fakeWatcher{}, &fakeLookup{}, router, &fakeSender{}, testLogger())

	a.handle(context.Background(), &Event{GUID: "g1", Sender: "5551234567", Text: "Bo hi", IsFromSelf: true})
	a.handle(context.Background(), &Event{GUID: "g2", Sender: "5551234567", Text: "Bo hi", IsReaction: true})

	if len(router.calls) != 0 {
		t.Errorf("expected no routes, got %d", len(router.calls))
	}
}

func TestHandle_OutsideSelfChatRequiresAgentTrigger(t *testing.T) {
	lookup := &fakeLookup{users: map[string]storage.User{
		"5551111111": {ID: "u1", CanonicalPhone: "5551111111", IsAgentTrigger: false},
		"5552222222": {ID: "u2", CanonicalPhone: "5552222222", IsAgentTrigger: true},
	}}
	router := &fakeRouter{reply: "ok"}
	a := New(&fakeWatcher{}, lookup, router, &fakeSender{}, testLogger())

	a.handle(context.Background(), &Event{GUID: "g1", Sender: "5551111111", Text: "Bo hi", InSelfChat: false})
	if len(router.calls) != 0 {
		t.Errorf("expected non-trigger sender outside self-chat to be dropped, got %d routes", len(router.calls))
	}

	a.handle(context.Background(), &Event{GUID: "g2", Sender: "5552222222", Text: "Bo hello", InSelfChat: false})
	if len(router.calls) != 1 {
		t.Errorf("expected agent-trigger sender to route even outside self-chat, got %d routes", len(router.calls))
	}
}

func TestHandle_DeduplicatesByGUIDAndSenderText(t *testing.T) {
	lookup := &fakeLookup{users: map[string]storage.User{"5551234567": {ID: "u1", CanonicalPhone: "5551234567"}}}
	router := &fakeRouter{reply: "ok"}
	a := New(&fakeWatcher{}, lookup, router, &fakeSender{}, testLogger())

	ev := &Event{GUID: "g1", Sender: "5551234567", Text: "Bo hello", InSelfChat: true}
	a.handle(context.Background(), ev)
	a.handle(context.Background(), ev) // same guid again
	if len(router.calls) != 1 {
		t.Errorf("expected guid dedup to prevent reprocessing, got %d routes", len(router.calls))
	}

	dup := &Event{GUID: "g2", Sender: "5551234567", Text: "Bo hello", InSelfChat: true}
	a.handle(context.Background(), dup) // same (sender, stripped text), different guid
	if len(router.calls) != 1 {
		t.Errorf("expected sender+text dedup to prevent reprocessing, got %d routes", len(router.calls))
	}
}

func TestHandle_UnknownSenderIsDropped(t *testing.T) {
	router := &fakeRouter{}
	a := New(&fakeWatcher{}, &fakeLookup{users: map[string]storage.User{}}, router, &fakeSender{}, testLogger())

	a.handle(context.Background(), &Event{GUID: "g1", Sender: "5559999999", Text: "Bo hi", InSelfChat: true})

	if len(router.calls) != 0 {
		t.Errorf("expected unknown sender to be dropped, got %d routes", len(router.calls))
	}
}

func TestRing_EvictsOldestBeyondCapacity(t *testing.T) {
	r := newRing(2)
	if r.seen("a") {
		t.Fatal("a should be new")
	}
	if r.seen("b") {
		t.Fatal("b should be new")
	}
	r.seen("c") // capacity 2: evicts "a", ring now holds b, c
	if r.has("a") {
		t.Error("expected a to be evicted")
	}
	if !r.has("b") || !r.has("c") {
		t.Error("expected b and c to still be present")
	}
}
