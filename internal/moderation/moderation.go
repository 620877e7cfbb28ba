// Package moderation implements the two moderation gates: pre-input
// red-flag detection and a post-output PG filter.
package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/boassistant/bo/internal/prompts"
	"github.com/boassistant/bo/internal/storage"
)

// Severity classifies a pre-input red-flag match.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// criticalKeywords trigger an immediate crisis short-circuit.
var criticalKeywords = []string{
	"kill myself", "want to die", "end my life", "suicide", "suicidal",
	"better off dead", "no reason to live",
}

// highKeywords are logged but do not halt the pipeline.
var highKeywords = []string{
	"hurt myself", "hurting myself", "self harm", "self-harm", "cutting myself",
	"hurt someone", "going to hurt",
}

// mediumKeywords cover generic violence/safety language.
var mediumKeywords = []string{"gun", "weapon", "violence", "attack"}

// Classify returns the severity of the first matching keyword class
// found in message, preferring the most severe match.
func Classify(message string) Severity {
	lower := strings.ToLower(message)
	for _, kw := range criticalKeywords {
		if strings.Contains(lower, kw) {
			return SeverityCritical
		}
	}
	for _, kw := range highKeywords {
		if strings.Contains(lower, kw) {
			return SeverityHigh
		}
	}
	for _, kw := range mediumKeywords {
		if strings.Contains(lower, kw) {
			return SeverityMedium
		}
	}
	return SeverityLow
}

// Store is the subset of the persistence layer moderation depends on.
type Store interface {
	InsertModerationFlag(ctx context.Context, m storage.ModerationFlag) error
}

// AdminNotifier delivers the "system admin MUST be notified" side
// effect of a critical flag. Transport-specific; wired by the
// composition root.
type AdminNotifier interface {
	NotifyAdmin(ctx context.Context, text string) error
}

// Classifier is the post-output PG filter's moderation backend.
type Classifier interface {
	// Classify reports whether text should be flagged as off-topic/unsafe.
	Classify(ctx context.Context, text string) (flagged bool, err error)
}

// Gate implements both moderation gates.
type Gate struct {
	store      Store
	notifier   AdminNotifier
	classifier Classifier
	logger     *slog.Logger
}

// New constructs a Gate.
func New(store Store, notifier AdminNotifier, classifier Classifier, logger *slog.Logger) *Gate {
	return &Gate{store: store, notifier: notifier, classifier: classifier, logger: logger.With("component", "moderation")}
}

// InputResult is the outcome of CheckInput.
type InputResult struct {
	Severity      Severity
	ShouldContinue bool
	CrisisReply   string // set only when Severity == critical
}

// CheckInput runs the pre-input red-flag gate. On critical, the
// pipeline must stop: the crisis reply is returned and the admin is
// notified. On high or medium, the event is logged and processing
// continues. When no keyword matches, processing continues and no flag
// is recorded.
func (g *Gate) CheckInput(ctx context.Context, userID, familyID, message string) (InputResult, error) {
	sev := Classify(message)

	if sev == SeverityLow {
		return InputResult{Severity: sev, ShouldContinue: true}, nil
	}

	action := storage.ActionFlagged
	if sev == SeverityCritical {
		action = storage.ActionBlocked
	}
	if err := g.store.InsertModerationFlag(ctx, storage.ModerationFlag{
		UserID:   userID,
		FamilyID: familyID,
		Message:  message,
		Flags:    []string{string(sev)},
		Severity: string(sev),
		Action:   action,
	}); err != nil {
		g.logger.Warn("failed to persist moderation flag", "error", err)
	}

	if sev != SeverityCritical {
		return InputResult{Severity: sev, ShouldContinue: true}, nil
	}

	if g.notifier != nil {
		if err := g.notifier.NotifyAdmin(ctx, fmt.Sprintf("critical red-flag from user %s: %q", userID, message)); err != nil {
			g.logger.Error("failed to notify admin of critical flag", "error", err)
		}
	}

	return InputResult{Severity: sev, ShouldContinue: false, CrisisReply: prompts.CrisisHotlines}, nil
}

// OutputResult is the outcome of CheckOutput.
type OutputResult struct {
	Response string
	Replaced bool
}

// CheckOutput runs the post-output PG filter. On classifier failure,
// the system fails open — the original response is returned unflagged,
// by explicit design choice.
func (g *Gate) CheckOutput(ctx context.Context, userID, familyID, message, response string, excuseIndex int) (OutputResult, error) {
	if g.classifier == nil {
		return OutputResult{Response: response}, nil
	}

	flagged, err := g.classifier.Classify(ctx, response)
	if err != nil {
		g.logger.Warn("moderation classifier failed, failing open", "error", err)
		return OutputResult{Response: response}, nil
	}
	if !flagged {
		return OutputResult{Response: response}, nil
	}

	replacement := prompts.OffTopicExcuses[excuseIndex%len(prompts.OffTopicExcuses)]
	if err := g.store.InsertModerationFlag(ctx, storage.ModerationFlag{
		UserID:              userID,
		FamilyID:            familyID,
		Message:             message,
		OriginalResponse:    response,
		ReplacementResponse: replacement,
		Flags:               []string{"post_output"},
		Severity:            "flagged",
		Action:              storage.ActionReplaced,
	}); err != nil {
		g.logger.Warn("failed to persist post-output moderation flag", "error", err)
	}

	return OutputResult{Response: replacement, Replaced: true}, nil
}
