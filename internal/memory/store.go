// Package memory is a pure orchestrator over the persistence layer,
// implementing the Memory Store's read/append contracts for facts,
// conversation history, running summary, and personality instructions.
// It holds no state of its own beyond bounded per-request caches.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/boassistant/bo/internal/storage"
)

// MaxSummaryChars bounds the running summary (spec: capped at 2000
// chars on write).
const MaxSummaryChars = 2000

// DefaultFactResults is the default cap on fact-relevance results.
const DefaultFactResults = 12

// Store is the Memory Store. It is safe for concurrent use; all state
// lives in the underlying persistence layer.
type Store struct {
	db     *storage.Store
	logger *slog.Logger
}

// New constructs a Store over a persistence layer.
func New(db *storage.Store, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger.With("component", "memory")}
}

// RelevantFacts scores every fact visible to (user, family) against the
// message text by simple token overlap across key/value/tags, applies a
// fixed boost to certain keys, breaks ties by recency, and returns the
// top n (default DefaultFactResults).
func (s *Store) RelevantFacts(ctx context.Context, userID, familyID, message string, n int) ([]storage.Fact, error) {
	if n <= 0 {
		n = DefaultFactResults
	}
	facts, err := s.db.AllFacts(ctx, userID, familyID)
	if err != nil {
		return nil, fmt.Errorf("load facts: %w", err)
	}

	tokens := tokenize(message)
	type scored struct {
		fact  storage.Fact
		score int
	}
	ranked := make([]scored, 0, len(facts))
	for _, f := range facts {
		sc := overlapScore(tokens, f)
		if storage.FactScoreBoostKeys[f.Key] {
			sc += 5
		}
		ranked = append(ranked, scored{fact: f, score: sc})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].fact.UpdatedAt.After(ranked[j].fact.UpdatedAt)
	})

	if len(ranked) > n {
		ranked = ranked[:n]
	}
	out := make([]storage.Fact, len(ranked))
	for i, r := range ranked {
		out[i] = r.fact
	}
	return out, nil
}

// AllFacts returns every fact visible to (user, family) with no
// relevance filtering — the "what do you know about me" variant.
func (s *Store) AllFacts(ctx context.Context, userID, familyID string) ([]storage.Fact, error) {
	facts, err := s.db.AllFacts(ctx, userID, familyID)
	if err != nil {
		return nil, fmt.Errorf("load facts: %w", err)
	}
	return facts, nil
}

// UpsertFact stores or updates a fact. Reserved keys are rejected by
// the caller (the pipeline's fact-extraction stage) before this is
// reached; this method additionally refuses them as a defense in depth.
func (s *Store) UpsertFact(ctx context.Context, f storage.Fact) (*storage.Fact, error) {
	if storage.ReservedFactKeys[f.Key] {
		return nil, fmt.Errorf("key %q is reserved and cannot be stored as a fact", f.Key)
	}
	return s.db.UpsertFact(ctx, f)
}

// DeleteFact removes a fact by its natural key.
func (s *Store) DeleteFact(ctx context.Context, userID, familyID, key string, scope storage.FactScope) error {
	return s.db.DeleteFact(ctx, userID, familyID, key, scope)
}

// AppendTurn transactionally appends a (user, assistant) message pair
// and enforces the conversation cap, per the persistence layer's
// multi-write transaction requirement.
func (s *Store) AppendTurn(ctx context.Context, userID, familyID, userText, assistantText string, maxMessages int) error {
	return s.db.AppendConversationPair(ctx, userID, familyID, userText, assistantText, maxMessages)
}

// RecentMessages returns the most recent n conversation messages,
// oldest-first, suitable for direct prompt inclusion.
func (s *Store) RecentMessages(ctx context.Context, userID, familyID string, n int) ([]storage.ConversationMessage, error) {
	return s.db.ConversationMessages(ctx, userID, familyID, n)
}

// SummaryText returns the running summary concatenated for prompt
// inclusion.
func (s *Store) SummaryText(ctx context.Context, userID, familyID string) (string, error) {
	sentences, err := s.db.Summary(ctx, userID, familyID)
	if err != nil {
		return "", fmt.Errorf("load summary: %w", err)
	}
	return strings.Join(sentences, " "), nil
}

// ReplaceSummary overwrites the running summary, capped at
// MaxSummaryChars. Failures here are treated as best-effort by the
// caller (the pipeline's stage 5) and never block a reply.
func (s *Store) ReplaceSummary(ctx context.Context, userID, familyID string, sentences []string) error {
	return s.db.ReplaceSummary(ctx, userID, familyID, sentences, MaxSummaryChars)
}

// PersonalityText returns the de-duplicated instruction list
// concatenated for prompt inclusion.
func (s *Store) PersonalityText(ctx context.Context, userID, familyID string) (string, error) {
	instructions, err := s.db.Personality(ctx, userID, familyID)
	if err != nil {
		return "", fmt.Errorf("load personality: %w", err)
	}
	return strings.Join(instructions, ". "), nil
}

// AppendPersonality splits raw input on ". " and appends each resulting
// instruction, de-duplicated and capped.
func (s *Store) AppendPersonality(ctx context.Context, userID, familyID, raw string) error {
	return s.db.AppendPersonality(ctx, userID, familyID, raw)
}

func tokenize(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if w != "" {
			out[w] = true
		}
	}
	return out
}

func overlapScore(tokens map[string]bool, f storage.Fact) int {
	score := 0
	for _, w := range strings.Fields(strings.ToLower(f.Key)) {
		if tokens[w] {
			score++
		}
	}
	for _, w := range strings.Fields(strings.ToLower(f.Value)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if tokens[w] {
			score++
		}
	}
	for _, tag := range f.Tags {
		if tokens[strings.ToLower(tag)] {
			score++
		}
	}
	return score
}
