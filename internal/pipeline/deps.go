package pipeline

import (
	"context"
	"time"

	"github.com/boassistant/bo/internal/contacts"
	"github.com/boassistant/bo/internal/llm"
	"github.com/boassistant/bo/internal/moderation"
	"github.com/boassistant/bo/internal/ratelimit"
	"github.com/boassistant/bo/internal/skills"
	"github.com/boassistant/bo/internal/storage"
	"github.com/boassistant/bo/internal/tenancy"
)

// Tenancy resolves owner tokens to (family, user) pairs.
type Tenancy interface {
	ResolveUser(ctx context.Context, ownerToken string, isTelegram bool, telegramID string) (*storage.User, error)
	Resolve(ctx context.Context, transportChatID string, user *storage.User) (tenancy.Tenant, error)
	RecordSuccess(ctx context.Context, t tenancy.Tenant) error
}

// RateLimiter enforces the per-family rolling window.
type RateLimiter interface {
	Check(ctx context.Context, familyID, userID string, memberCount int, now time.Time) (ratelimit.Decision, error)
}

// Moderation runs both moderation gates.
type Moderation interface {
	CheckInput(ctx context.Context, userID, familyID, message string) (moderation.InputResult, error)
	CheckOutput(ctx context.Context, userID, familyID, message, response string, excuseIndex int) (moderation.OutputResult, error)
}

// Memory is the Memory Store's read/append surface.
type Memory interface {
	RelevantFacts(ctx context.Context, userID, familyID, message string, n int) ([]storage.Fact, error)
	UpsertFact(ctx context.Context, f storage.Fact) (*storage.Fact, error)
	AppendTurn(ctx context.Context, userID, familyID, userText, assistantText string, maxMessages int) error
	RecentMessages(ctx context.Context, userID, familyID string, n int) ([]storage.ConversationMessage, error)
	SummaryText(ctx context.Context, userID, familyID string) (string, error)
	ReplaceSummary(ctx context.Context, userID, familyID string, sentences []string) error
	PersonalityText(ctx context.Context, userID, familyID string) (string, error)
	AppendPersonality(ctx context.Context, userID, familyID, raw string) error
}

// Directory is the Contacts/Directory component.
type Directory interface {
	List(ctx context.Context, familyID string) ([]contacts.Entry, error)
	Names(ctx context.Context, familyID string) ([]string, error)
	ResolveContactToNumber(ctx context.Context, familyID, name string) (contacts.Entry, error)
	NumberToName(ctx context.Context, familyID, number string) (string, error)
}

// SkillRegistry is the Skill Registry/ACL surface the pipeline needs.
type SkillRegistry interface {
	FilterCatalog(ctx context.Context, familyID, principal string) ([]storage.Skill, error)
	IsAllowed(ctx context.Context, familyID, principal, skillID string) (bool, error)
	Get(ctx context.Context, skillID string) (*storage.Skill, error)
}

// SkillExecutor invokes a catalog skill's entrypoint.
type SkillExecutor interface {
	Invoke(ctx context.Context, entrypoint string, requestDoc map[string]any, requestID, requestFrom string) (skills.Output, error)
}

// LLM is the Gateway's calling surface.
type LLM interface {
	Complete(ctx context.Context, call llm.Call) (string, error)
}
