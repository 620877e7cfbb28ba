package pipeline

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/boassistant/bo/internal/contacts"
	"github.com/boassistant/bo/internal/llm"
	"github.com/boassistant/bo/internal/moderation"
	"github.com/boassistant/bo/internal/ratelimit"
	"github.com/boassistant/bo/internal/skills"
	"github.com/boassistant/bo/internal/storage"
	"github.com/boassistant/bo/internal/tenancy"
)

type fakeTenancy struct {
	user   *storage.User
	tenant tenancy.Tenant
}

func (f *fakeTenancy) ResolveUser(ctx context.Context, ownerToken string, isTelegram bool, telegramID string) (*storage.User, error) {
	return f.user, nil
}
func (f *fakeTenancy) Resolve(ctx context.Context, transportChatID string, user *storage.User) (tenancy.Tenant, error) {
	return f.tenant, nil
}
func (f *fakeTenancy) RecordSuccess(ctx context.Context, t tenancy.Tenant) error { return nil }

type fakeLimiter struct {
	decision ratelimit.Decision
}

func (f *fakeLimiter) Check(ctx context.Context, familyID, userID string, memberCount int, now time.Time) (ratelimit.Decision, error) {
	return f.decision, nil
}

type fakeModeration struct {
	inputResult  moderation.InputResult
	outputResult moderation.OutputResult
}

func (f *fakeModeration) CheckInput(ctx context.Context, userID, familyID, message string) (moderation.InputResult, error) {
	if f.inputResult.Severity == "" {
		return moderation.InputResult{ShouldContinue: true}, nil
	}
	return f.inputResult, nil
}
func (f *fakeModeration) CheckOutput(ctx context.Context, userID, familyID, message, response string, excuseIndex int) (moderation.OutputResult, error) {
	if f.outputResult.Response == "" {
		return moderation.OutputResult{Response: response}, nil
	}
	return f.outputResult, nil
}

type fakeMemory struct {
	facts        []storage.Fact
	personality  string
	summary      string
	upsertCalls  []storage.Fact
	appendCalled bool
}

func (f *fakeMemory) RelevantFacts(ctx context.Context, userID, familyID, message string, n int) ([]storage.Fact, error) {
	return f.facts, nil
}
func (f *fakeMemory) UpsertFact(ctx context.Context, fact storage.Fact) (*storage.Fact, error) {
	f.upsertCalls = append(f.upsertCalls, fact)
	return &fact, nil
}
func (f *fakeMemory) AppendTurn(ctx context.Context, userID, familyID, userText, assistantText string, maxMessages int) error {
	f.appendCalled = true
	return nil
}
func (f *fakeMemory) RecentMessages(ctx context.Context, userID, familyID string, n int) ([]storage.ConversationMessage, error) {
	return nil, nil
}
func (f *fakeMemory) SummaryText(ctx context.Context, userID, familyID string) (string, error) {
	return f.summary, nil
}
func (f *fakeMemory) ReplaceSummary(ctx context.Context, userID, familyID string, sentences []string) error {
	return nil
}
func (f *fakeMemory) PersonalityText(ctx context.Context, userID, familyID string) (string, error) {
	return f.personality, nil
}
func (f *fakeMemory) AppendPersonality(ctx context.Context, userID, familyID, raw string) error {
	return nil
}

type fakeDirectory struct {
	entries []contacts.Entry
}

func (f *fakeDirectory) List(ctx context.Context, familyID string) ([]contacts.Entry, error) {
	return f.entries, nil
}
func (f *fakeDirectory) Names(ctx context.Context, familyID string) ([]string, error) {
	var names []string
	for _, e := range f.entries {
		names = append(names, e.DisplayName)
	}
	return names, nil
}
func (f *fakeDirectory) ResolveContactToNumber(ctx context.Context, familyID, name string) (contacts.Entry, error) {
	for _, e := range f.entries {
		if e.DisplayName == name || e.FirstName == name {
			return e, nil
		}
	}
	return contacts.Entry{}, contacts.ErrUnknownContact
}
func (f *fakeDirectory) NumberToName(ctx context.Context, familyID, number string) (string, error) {
	return "", contacts.ErrUnknownContact
}

type fakeRegistry struct {
	catalog []storage.Skill
	allowed bool
}

func (f *fakeRegistry) FilterCatalog(ctx context.Context, familyID, principal string) ([]storage.Skill, error) {
	return f.catalog, nil
}
func (f *fakeRegistry) IsAllowed(ctx context.Context, familyID, principal, skillID string) (bool, error) {
	return f.allowed, nil
}
func (f *fakeRegistry) Get(ctx context.Context, skillID string) (*storage.Skill, error) {
	for _, sk := range f.catalog {
		if sk.ID == skillID {
			return &sk, nil
		}
	}
	return nil, storage.ErrNotFound
}

type fakeExecutor struct {
	output skills.Output
	err    error
}

func (f *fakeExecutor) Invoke(ctx context.Context, entrypoint string, requestDoc map[string]any, requestID, requestFrom string) (skills.Output, error) {
	return f.output, f.err
}

type fakeLLM struct {
	responses map[string]string
}

func (f *fakeLLM) Complete(ctx context.Context, call llm.Call) (string, error) {
	return f.responses[call.Step], nil
}

func newTestPipeline(t *testing.T, llmResp map[string]string, registry *fakeRegistry, executor *fakeExecutor, dir *fakeDirectory) (*Pipeline, *fakeMemory) {
	mem := &fakeMemory{}
	p := New(
		&fakeTenancy{user: &storage.User{ID: "u1"}, tenant: tenancy.Tenant{FamilyID: "f1", UserID: "u1"}},
		&fakeLimiter{decision: ratelimit.Decision{Allowed: true}},
		&fakeModeration{},
		mem,
		dir,
		registry,
		executor,
		&fakeLLM{responses: llmResp},
		slog.Default(),
		20,
	)
	return p, mem
}

func TestRun_CreateAResponse_HappyPath(t *testing.T) {
	p, mem := newTestPipeline(t, map[string]string{
		"fact_finding":    `[]`,
		"what_to_do":      `{"skill":"create_a_response"}`,
		"create_response": "Hey there!",
		"summary":         `["chatted briefly"]`,
	}, &fakeRegistry{}, &fakeExecutor{}, &fakeDirectory{})

	out, err := p.Run(context.Background(), Input{RequestID: "r1", OwnerToken: "u1", UserMessage: "hi"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Reply != "Hey there!" {
		t.Fatalf("expected plain reply, got %+v", out)
	}
	if !mem.appendCalled {
		t.Fatal("expected conversation turn to be appended")
	}
}

func TestRun_FactExtraction_SkipsReservedKeyAndStoresPersonality(t *testing.T) {
	p, mem := newTestPipeline(t, map[string]string{
		"fact_finding":    `[{"key":"family_id","value":"x"},{"key":"favorite_color","value":"blue"}]`,
		"what_to_do":      `{"skill":"create_a_response"}`,
		"create_response": "noted",
		"summary":         `[]`,
	}, &fakeRegistry{}, &fakeExecutor{}, &fakeDirectory{})

	_, err := p.Run(context.Background(), Input{RequestID: "r1", OwnerToken: "u1", UserMessage: "my favorite color is blue"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(mem.upsertCalls) != 1 || mem.upsertCalls[0].Key != "favorite_color" {
		t.Fatalf("expected only the non-reserved fact to be stored, got %+v", mem.upsertCalls)
	}
}

func TestRun_ReminderTriggered_OverridesTodoToCreateResponse(t *testing.T) {
	registry := &fakeRegistry{catalog: []storage.Skill{{ID: "todo", Entrypoint: "/bin/todo"}}}
	p, _ := newTestPipeline(t, map[string]string{
		"fact_finding":    `[]`,
		"what_to_do":      `{"skill":"todo","text":"buy milk"}`,
		"create_response": "Got it, noted the reminder.",
		"summary":         `[]`,
	}, registry, &fakeExecutor{}, &fakeDirectory{})

	out, err := p.Run(context.Background(), Input{RequestID: "r1", OwnerToken: "u1", UserMessage: "[scheduled: reminder] take out the trash"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Reply != "Got it, noted the reminder." {
		t.Fatalf("expected the todo skill to be overridden to create_a_response, got %+v", out)
	}
}

func TestRun_SkillNotAllowed_RepliesVerbatim(t *testing.T) {
	registry := &fakeRegistry{catalog: []storage.Skill{{ID: "google"}}, allowed: false}
	p, _ := newTestPipeline(t, map[string]string{
		"fact_finding": `[]`,
		"what_to_do":   `{"skill":"google","query":"golang"}`,
	}, registry, &fakeExecutor{}, &fakeDirectory{})

	out, err := p.Run(context.Background(), Input{RequestID: "r1", OwnerToken: "u1", UserMessage: "google golang"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Reply != "I don't have that capability for this chat—sorry!" {
		t.Fatalf("expected verbatim denial message, got %q", out.Reply)
	}
}

func TestRun_SendToContact_UnknownContactTerminatesWithError(t *testing.T) {
	p, _ := newTestPipeline(t, map[string]string{
		"fact_finding": `[]`,
		"what_to_do":   `{"skill":"send_to_contact","to":"Nobody","from":"u1","ai_prompt":"tell them hi"}`,
	}, &fakeRegistry{}, &fakeExecutor{}, &fakeDirectory{})

	out, err := p.Run(context.Background(), Input{RequestID: "r1", OwnerToken: "u1", UserMessage: "tell Nobody hi"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Reply != "I don't know who Nobody is." {
		t.Fatalf("expected unknown contact message, got %q", out.Reply)
	}
}

func TestRun_SendToContact_ResolvedContactEmitsDispatch(t *testing.T) {
	dir := &fakeDirectory{entries: []contacts.Entry{{DisplayName: "Cara Hogue", FirstName: "Cara", Number: "+15551234567"}}}
	p, _ := newTestPipeline(t, map[string]string{
		"fact_finding":              `[]`,
		"what_to_do":                `{"skill":"send_to_contact","to":"Cara Hogue","from":"u1","ai_prompt":"running late"}`,
		"send_to_contact_recipient": "Hey, running a bit late!",
		"send_to_contact_sender":    "Sent your message to Cara.",
	}, &fakeRegistry{}, &fakeExecutor{}, dir)

	out, err := p.Run(context.Background(), Input{RequestID: "r1", OwnerToken: "u1", UserMessage: "tell Cara I'm running late"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Dispatch == nil || out.Dispatch.SendTo != "+15551234567" {
		t.Fatalf("expected dispatch envelope to Cara's number, got %+v", out)
	}
	if out.Dispatch.SendBody != "Hey, running a bit late!" {
		t.Fatalf("unexpected dispatch body: %+v", out.Dispatch)
	}
}

func TestRun_SendWeatherShortcut_BypassesLLM(t *testing.T) {
	dir := &fakeDirectory{entries: []contacts.Entry{{DisplayName: "Mom", FirstName: "Mom", Number: "+15550001111"}}}
	registry := &fakeRegistry{catalog: []storage.Skill{{ID: "weather", Entrypoint: "/bin/weather"}}}
	executor := &fakeExecutor{output: skills.Output{Response: "72F and sunny"}}
	p, _ := newTestPipeline(t, map[string]string{}, registry, executor, dir)

	out, err := p.Run(context.Background(), Input{RequestID: "r1", OwnerToken: "u1", UserMessage: "send Mom the weather"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Dispatch == nil || out.Dispatch.SendTo != "+15550001111" {
		t.Fatalf("expected weather dispatch envelope, got %+v", out)
	}
	if out.Dispatch.ReplyToSender != "Okay, sent the weather to Mom." {
		t.Fatalf("unexpected ack text: %q", out.Dispatch.ReplyToSender)
	}
}

func TestRun_CriticalModerationHaltsBeforeLLM(t *testing.T) {
	mem := &fakeMemory{}
	p := New(
		&fakeTenancy{user: &storage.User{ID: "u1"}, tenant: tenancy.Tenant{FamilyID: "f1", UserID: "u1"}},
		&fakeLimiter{decision: ratelimit.Decision{Allowed: true}},
		&fakeModeration{inputResult: moderation.InputResult{Severity: moderation.SeverityCritical, ShouldContinue: false, CrisisReply: "call 988"}},
		mem,
		&fakeDirectory{},
		&fakeRegistry{},
		&fakeExecutor{},
		&fakeLLM{responses: map[string]string{}},
		slog.Default(),
		20,
	)

	out, err := p.Run(context.Background(), Input{RequestID: "r1", OwnerToken: "u1", UserMessage: "i want to end it"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Reply != "call 988" {
		t.Fatalf("expected crisis reply, got %q", out.Reply)
	}
	if mem.appendCalled {
		t.Fatal("critical severity must terminate before conversation is persisted")
	}
}

func TestRun_RateLimitCooldownBlocksReply(t *testing.T) {
	p := New(
		&fakeTenancy{user: &storage.User{ID: "u1"}, tenant: tenancy.Tenant{FamilyID: "f1", UserID: "u1"}},
		&fakeLimiter{decision: ratelimit.Decision{Allowed: false, Reason: ratelimit.ReasonInCooldown}},
		&fakeModeration{},
		&fakeMemory{},
		&fakeDirectory{},
		&fakeRegistry{},
		&fakeExecutor{},
		&fakeLLM{responses: map[string]string{}},
		slog.Default(),
		20,
	)

	out, err := p.Run(context.Background(), Input{RequestID: "r1", OwnerToken: "u1", UserMessage: "hi"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Reply != "" || out.Dispatch != nil {
		t.Fatalf("expected no reply while in cooldown and not the first notice, got %+v", out)
	}
}

func TestTruncateReply(t *testing.T) {
	exact := make([]byte, maxReplyChars)
	for i := range exact {
		exact[i] = 'a'
	}
	if got := truncateReply(string(exact)); got != string(exact) {
		t.Fatal("exactly 2000 chars must be unmodified")
	}

	over := make([]byte, maxReplyChars+1)
	for i := range over {
		over[i] = 'a'
	}
	got := truncateReply(string(over))
	if len(got) != maxReplyChars || got[len(got)-3:] != "..." {
		t.Fatalf("expected truncation to 2000 chars ending in ..., got len=%d", len(got))
	}
}

func TestSanitizeSelfTrigger(t *testing.T) {
	if got := sanitizeSelfTrigger("Bo is here"); got != "→ Bo is here" {
		t.Fatalf("expected self-trigger prefix, got %q", got)
	}
	if got := sanitizeSelfTrigger("Hello there"); got != "Hello there" {
		t.Fatalf("expected no change, got %q", got)
	}
}
