package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/boassistant/bo/internal/prompts"
	"github.com/boassistant/bo/internal/storage"
	"github.com/boassistant/bo/internal/tenancy"
)

const reminderPrefix = "[scheduled: reminder] "

const (
	skillCreateResponse = "create_a_response"
	skillFriendMode     = "friend_mode"
	skillSendToContact  = "send_to_contact"
	skillTodo           = "todo"
	skillReminder       = "reminder"
)

var suppressedOnReminder = map[string]bool{
	skillTodo:       true,
	skillFriendMode: true,
	skillReminder:   true,
}

const maxReplyChars = 2000

// DefaultRecentFacts bounds the facts surfaced to response composition.
const DefaultRecentFacts = 12

// Pipeline is the router: the central state machine described by the
// component design. It holds no request state of its own.
type Pipeline struct {
	tenancy       Tenancy
	limiter       RateLimiter
	moderation    Moderation
	memory        Memory
	directory     Directory
	registry      SkillRegistry
	executor      SkillExecutor
	llm           LLM
	logger        *slog.Logger
	conversationN int // BO_CONVERSATION_MESSAGES
}

// New constructs a Pipeline.
func New(tenancy Tenancy, limiter RateLimiter, mod Moderation, mem Memory, dir Directory, reg SkillRegistry, exec SkillExecutor, gw LLM, logger *slog.Logger, conversationN int) *Pipeline {
	if conversationN <= 0 {
		conversationN = 20
	}
	return &Pipeline{
		tenancy: tenancy, limiter: limiter, moderation: mod, memory: mem,
		directory: dir, registry: reg, executor: exec, llm: gw,
		logger: logger.With("component", "pipeline"), conversationN: conversationN,
	}
}

// Run executes one message to completion. All stage failures fall back
// to a random excuse and the pipeline terminates successfully for the
// user — per contract, Run itself returns an error only for conditions
// that leave no sensible reply to send (tenancy cannot be resolved, or
// the family's member list cannot be loaded).
func (p *Pipeline) Run(ctx context.Context, in Input) (Output, error) {
	logger := p.logger.With("request_id", in.RequestID)

	user, err := p.tenancy.ResolveUser(ctx, in.OwnerToken, in.IsTelegram, in.TelegramID)
	if err != nil {
		return Output{}, fmt.Errorf("resolve user: %w", err)
	}
	tenant, err := p.tenancy.Resolve(ctx, in.TransportChatID, user)
	if err != nil {
		return Output{}, fmt.Errorf("resolve tenancy: %w", err)
	}

	members, err := p.directory.List(ctx, tenant.FamilyID)
	if err != nil {
		return Output{}, fmt.Errorf("list family members: %w", err)
	}
	decision, err := p.limiter.Check(ctx, tenant.FamilyID, tenant.UserID, len(members), time.Now())
	if err != nil {
		logger.Warn("rate limit check failed, allowing by default", "error", err)
	} else if !decision.Allowed {
		if decision.EmitCooldownText {
			return Output{Reply: "Let's take a breather — I'll be ready again shortly."}, nil
		}
		return Output{Reply: ""}, nil
	}

	modIn, err := p.moderation.CheckInput(ctx, tenant.UserID, tenant.FamilyID, in.UserMessage)
	if err != nil {
		logger.Warn("input moderation check failed, continuing", "error", err)
	} else if !modIn.ShouldContinue {
		return Output{Reply: modIn.CrisisReply}, nil
	}

	message := in.UserMessage
	reminderTriggered := false
	if strings.HasPrefix(message, reminderPrefix) {
		reminderTriggered = true
		message = strings.TrimPrefix(message, reminderPrefix)
	}

	if name, when, ok := matchSendWeather(message); ok {
		if out, handled := p.tryWeatherShortcut(ctx, in.RequestID, tenant.FamilyID, tenant.UserID, name, when); handled {
			p.finishTenancy(ctx, tenant)
			return out, nil
		}
	}

	reply, dispatch := p.runStages(ctx, logger, in.RequestID, tenant.FamilyID, tenant.UserID, message, reminderTriggered)

	p.finishTenancy(ctx, tenant)

	if dispatch != nil {
		return Output{Dispatch: dispatch}, nil
	}
	return Output{Reply: reply}, nil
}

func (p *Pipeline) finishTenancy(ctx context.Context, tenant tenancy.Tenant) {
	if err := p.tenancy.RecordSuccess(ctx, tenant); err != nil {
		p.logger.Warn("record last active family failed", "error", err)
	}
}

// excuse returns a random entry from the fixed polite-fallback catalog.
func excuse() string {
	return prompts.Excuses[rand.Intn(len(prompts.Excuses))]
}

// runStages executes stages 1-5 plus post-composition side effects and
// returns either a plain reply or a dispatch envelope (never both).
func (p *Pipeline) runStages(ctx context.Context, logger *slog.Logger, requestID, familyID, userID, message string, reminderTriggered bool) (string, *DispatchEnvelope) {
	p.runFactExtraction(ctx, logger, requestID, familyID, userID, message)

	selection, ok := p.runSkillSelection(ctx, logger, requestID, familyID, userID, message, reminderTriggered)
	if !ok {
		return excuse(), nil
	}

	skillResult, extraContext, dispatch, terminate := p.runSkillExecution(ctx, logger, requestID, familyID, userID, selection)
	if terminate != "" {
		return terminate, nil
	}
	if dispatch != nil {
		return "", dispatch
	}

	reply := p.composeResponse(ctx, logger, requestID, familyID, userID, message, skillResult, extraContext)

	reply = truncateReply(reply)
	reply = sanitizeSelfTrigger(reply)

	if err := p.memory.AppendTurn(ctx, userID, familyID, message, reply, p.conversationN*10); err != nil {
		logger.Warn("append conversation turn failed", "error", err)
	}

	if modOut, err := p.moderation.CheckOutput(ctx, userID, familyID, message, reply, rand.Intn(len(prompts.OffTopicExcuses))); err != nil {
		logger.Warn("output moderation check failed, using original reply", "error", err)
	} else {
		reply = modOut.Response
	}

	p.updateSummary(ctx, logger, requestID, familyID, userID)

	return reply, nil
}

func truncateReply(reply string) string {
	if len(reply) <= maxReplyChars {
		return reply
	}
	return reply[:maxReplyChars-3] + "..."
}

func sanitizeSelfTrigger(reply string) string {
	if len(reply) >= 2 && strings.EqualFold(reply[:2], "bo") {
		return "→ " + reply
	}
	return reply
}

func (p *Pipeline) runFactExtraction(ctx context.Context, logger *slog.Logger, requestID, familyID, userID, message string) {
	raw, err := p.llm.Complete(ctx, newCall(requestID, familyID, userID, "fact_finding", prompts.FactFindingSystemPrompt, message))
	if err != nil {
		logger.Warn("fact extraction call failed, skipping (best-effort)", "error", err)
		return
	}
	entries, err := parseFactFindingResponse(raw)
	if err != nil {
		logger.Warn("fact extraction response unparsable, skipping (best-effort)", "error", err)
		return
	}
	for _, e := range entries {
		if e.Key == "" {
			continue
		}
		if e.Key == "personality_instruction" {
			if err := p.memory.AppendPersonality(ctx, userID, familyID, e.Value); err != nil {
				logger.Warn("append personality failed", "error", err)
			}
			continue
		}
		if storage.ReservedFactKeys[e.Key] {
			continue
		}
		scope := storage.ScopeUser
		if e.Scope == string(storage.ScopeGlobal) {
			scope = storage.ScopeGlobal
		}
		_, err := p.memory.UpsertFact(ctx, storage.Fact{
			UserID: userID, FamilyID: familyID, Key: e.Key, Value: e.Value, Scope: scope, Tags: e.Tags, Source: "fact_finding",
		})
		if err != nil {
			logger.Warn("upsert fact failed", "key", e.Key, "error", err)
		}
	}
}

type skillSelection struct {
	skill                  string
	params                 map[string]any
	personalityInstruction string
}

func (p *Pipeline) runSkillSelection(ctx context.Context, logger *slog.Logger, requestID, familyID, userID, message string, reminderTriggered bool) (skillSelection, bool) {
	catalog, err := p.registry.FilterCatalog(ctx, familyID, userID)
	if err != nil {
		logger.Warn("load skill catalog failed", "error", err)
		return skillSelection{}, false
	}
	if reminderTriggered {
		filtered := catalog[:0]
		for _, sk := range catalog {
			if sk.ID != skillTodo {
				filtered = append(filtered, sk)
			}
		}
		catalog = filtered
	}

	names, err := p.directory.Names(ctx, familyID)
	if err != nil {
		logger.Warn("load contact names failed", "error", err)
	}

	userText := buildWhatToDoUserText(message, catalog, names)
	raw, err := p.llm.Complete(ctx, newCall(requestID, familyID, userID, "what_to_do", prompts.WhatToDoSystemPrompt, userText))
	if err != nil {
		logger.Warn("skill selection call failed", "error", err)
		return skillSelection{}, false
	}
	parsed, err := parseWhatToDoResponse(raw)
	if err != nil {
		logger.Warn("skill selection response unparsable", "error", err)
		return skillSelection{}, false
	}

	skill := parsed.Skill
	if reminderTriggered && suppressedOnReminder[skill] {
		skill = skillCreateResponse
	}

	if parsed.PersonalityInstruction != "" {
		if err := p.memory.AppendPersonality(ctx, userID, familyID, parsed.PersonalityInstruction); err != nil {
			logger.Warn("append personality failed", "error", err)
		}
	}

	return skillSelection{skill: skill, params: parsed.Params, personalityInstruction: parsed.PersonalityInstruction}, true
}

func buildWhatToDoUserText(message string, catalog []storage.Skill, contactNames []string) string {
	doc := map[string]any{
		"message":       message,
		"catalog":       catalog,
		"contact_names": contactNames,
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return message
	}
	return string(b)
}

// runSkillExecution runs Stage 3. It returns exactly one of: a
// non-nil dispatch envelope, a non-empty terminate string (the final
// reply, bypassing composition), or a skillResult/extraContext pair to
// feed into Stage 4 composition.
func (p *Pipeline) runSkillExecution(ctx context.Context, logger *slog.Logger, requestID, familyID, userID string, sel skillSelection) (skillResult string, extraContext string, dispatch *DispatchEnvelope, terminate string) {
	switch sel.skill {
	case skillCreateResponse:
		return "", "", nil, ""

	case skillFriendMode:
		person := paramString(sel.params, "person")
		if person == "" {
			return "", prompts.FriendModeGeneric, nil, ""
		}
		return "", prompts.FriendModePerPerson(person), nil, ""

	case skillSendToContact:
		return p.runSendToContact(ctx, logger, requestID, familyID, userID, sel.params)

	default:
		allowed, err := p.registry.IsAllowed(ctx, familyID, userID, sel.skill)
		if err != nil {
			logger.Warn("acl check failed", "skill", sel.skill, "error", err)
			return "", "", nil, excuse()
		}
		if !allowed {
			return "", "", nil, "I don't have that capability for this chat—sorry!"
		}
		def, err := p.registry.Get(ctx, sel.skill)
		if err != nil {
			logger.Warn("skill lookup failed", "skill", sel.skill, "error", err)
			return "", "", nil, excuse()
		}
		out, err := p.executor.Invoke(ctx, def.Entrypoint, sel.params, requestID, userID)
		if err != nil {
			logger.Warn("skill invocation failed", "skill", sel.skill, "error", err)
			return "", "", nil, excuse()
		}
		hints, _ := json.Marshal(out.Hints)
		return out.Response + " " + string(hints), "", nil, ""
	}
}

func (p *Pipeline) runSendToContact(ctx context.Context, logger *slog.Logger, requestID, familyID, userID string, params map[string]any) (string, string, *DispatchEnvelope, string) {
	from := paramString(params, "from")
	to := paramString(params, "to")
	aiPrompt := paramString(params, "ai_prompt")
	if from == "" {
		from = userID
	}

	entry, err := p.directory.ResolveContactToNumber(ctx, familyID, to)
	if err != nil {
		return "", "", nil, fmt.Sprintf("I don't know who %s is.", to)
	}
	if entry.Number == "" && entry.TelegramID == "" {
		return "", "", nil, fmt.Sprintf("I have %s in contacts but no valid phone number.", to)
	}

	recipientMsg, err := p.llm.Complete(ctx, newCall(requestID, familyID, userID, "send_to_contact_recipient", prompts.SendToContactRecipientSystemPrompt, aiPrompt))
	if err != nil {
		logger.Warn("send_to_contact recipient composition failed", "error", err)
		return "", "", nil, excuse()
	}
	senderAck, err := p.llm.Complete(ctx, newCall(requestID, familyID, userID, "send_to_contact_sender", prompts.SendToContactSenderSystemPrompt, aiPrompt))
	if err != nil {
		senderAck = "Sent!"
	}

	env := &DispatchEnvelope{
		SendTo:           entry.Number,
		SendToTelegramID: entry.TelegramID,
		SendBody:         recipientMsg,
		ReplyToSender:    senderAck,
	}
	return "", "", env, ""
}

func (p *Pipeline) composeResponse(ctx context.Context, logger *slog.Logger, requestID, familyID, userID, message, skillResult, extraContext string) string {
	facts, err := p.memory.RelevantFacts(ctx, userID, familyID, message, DefaultRecentFacts)
	if err != nil {
		logger.Warn("load relevant facts failed", "error", err)
	}
	recent, err := p.memory.RecentMessages(ctx, userID, familyID, p.conversationN)
	if err != nil {
		logger.Warn("load recent messages failed", "error", err)
	}
	personality, err := p.memory.PersonalityText(ctx, userID, familyID)
	if err != nil {
		logger.Warn("load personality failed", "error", err)
	}
	summary, err := p.memory.SummaryText(ctx, userID, familyID)
	if err != nil {
		logger.Warn("load summary failed", "error", err)
	}

	doc := map[string]any{
		"message":       message,
		"skill_output":  skillResult,
		"extra_context": extraContext,
		"facts":         facts,
		"recent":        recent,
	}
	b, err := json.Marshal(doc)
	userText := message
	if err == nil {
		userText = string(b)
	}

	reply, err := p.llm.Complete(ctx, newCall(requestID, familyID, userID, "create_response", prompts.ComposeResponseSystemPrompt(personality, summary), userText))
	if err != nil {
		logger.Warn("response composition failed", "error", err)
		return excuse()
	}
	return reply
}

func (p *Pipeline) updateSummary(ctx context.Context, logger *slog.Logger, requestID, familyID, userID string) {
	summary, err := p.memory.SummaryText(ctx, userID, familyID)
	if err != nil {
		return
	}
	recent, err := p.memory.RecentMessages(ctx, userID, familyID, p.conversationN)
	if err != nil {
		return
	}
	doc, _ := json.Marshal(map[string]any{"summary": summary, "recent": recent})
	raw, err := p.llm.Complete(ctx, newCall(requestID, familyID, userID, "summary", prompts.SummarySystemPrompt, string(doc)))
	if err != nil {
		logger.Debug("summary update failed (best-effort)", "error", err)
		return
	}
	sentences, err := parseSummaryResponse(raw)
	if err != nil {
		logger.Debug("summary response unparsable (best-effort)", "error", err)
		return
	}
	if err := p.memory.ReplaceSummary(ctx, userID, familyID, sentences); err != nil {
		logger.Debug("summary replace failed (best-effort)", "error", err)
	}
}

func (p *Pipeline) tryWeatherShortcut(ctx context.Context, requestID, familyID, userID, name, when string) (Output, bool) {
	entry, err := p.directory.ResolveContactToNumber(ctx, familyID, name)
	if err != nil {
		return Output{}, false
	}
	def, err := p.registry.Get(ctx, "weather")
	if err != nil {
		return Output{}, false
	}
	out, err := p.executor.Invoke(ctx, def.Entrypoint, map[string]any{"when": when}, requestID, userID)
	if err != nil {
		return Output{}, false
	}
	env := &DispatchEnvelope{
		SendTo:           entry.Number,
		SendToTelegramID: entry.TelegramID,
		SendBody:         out.Response,
		ReplyToSender:    fmt.Sprintf("Okay, sent the weather to %s.", entry.FirstName),
	}
	return Output{Dispatch: env}, true
}
