// Package ratelimit implements the per-family rolling-window rate
// limiter and its escalating cooldown table, backed by a fast
// key-value store (Redis, keyed per spec as
// "ratelimit:family:<id>:{messages|cooldown|level|attempts}").
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/boassistant/bo/internal/storage"
)

// Window is the rolling window the message count is evaluated over.
const Window = 15 * time.Minute

// PerMemberLimit is the per-member message allowance within Window.
const PerMemberLimit = 60

// cooldownLevels is the fixed escalation table. A family's cooldown
// level indexes into this table (capped at the last entry).
var cooldownLevels = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	240 * time.Second,
	600 * time.Second,
	1800 * time.Second,
	3600 * time.Second,
}

// LevelDecayWindow is the TTL RedisStore sets on a family's cooldown
// level key. When it lapses the level is gone and the next violation
// starts again at level 0; the level is not stepped down by one.
const LevelDecayWindow = 24 * time.Hour

// KV is the key-value store interface the limiter depends on. A Redis
// implementation is provided in redis_store.go; an in-memory
// implementation in memory_store.go backs tests and any deployment
// without Redis configured.
type KV interface {
	// AddAndCount records a hit at now for familyID's rolling window and
	// returns the count of hits still within Window after trimming.
	AddAndCount(ctx context.Context, familyID string, now time.Time) (int, error)
	// Cooldown returns the family's current cooldown state. ok is false
	// if no cooldown is set.
	Cooldown(ctx context.Context, familyID string) (until time.Time, level int, ok bool, err error)
	// SetCooldown persists a cooldown until/level, with an expiry of
	// LevelDecayWindow on the level key so it auto-decays.
	SetCooldown(ctx context.Context, familyID string, until time.Time, level int) error
	// IncrAttempts bumps the in-cooldown attempt counter and returns the
	// new value, used to decide whether to emit the "still in cooldown"
	// personality message (once per cooldown entry).
	IncrAttempts(ctx context.Context, familyID string) (int, error)
	// ResetAttempts clears the attempt counter, called when a new
	// cooldown entry begins.
	ResetAttempts(ctx context.Context, familyID string) error
}

// Store is the subset of the persistence layer the limiter logs to.
type Store interface {
	InsertRateLimitEvent(ctx context.Context, e storage.RateLimitEvent) error
}

// Reason enumerates why a message was disallowed.
type Reason string

const ReasonInCooldown Reason = "in_cooldown"

// Decision is the result of a Check call.
type Decision struct {
	Allowed          bool
	Reason           Reason
	CooldownUntil    time.Time
	Level            int
	EmitCooldownText bool // true only on the attempt that entered or first hit cooldown
}

// Limiter enforces the per-family rolling window and cooldown escalation.
type Limiter struct {
	kv    KV
	store Store
}

// New constructs a Limiter.
func New(kv KV, store Store) *Limiter {
	return &Limiter{kv: kv, store: store}
}

// Check must run before any LLM call is billed. memberCount sizes the
// limit as memberCount*PerMemberLimit per Window.
func (l *Limiter) Check(ctx context.Context, familyID, userID string, memberCount int, now time.Time) (Decision, error) {
	if until, level, ok, err := l.kv.Cooldown(ctx, familyID); err != nil {
		return Decision{}, fmt.Errorf("read cooldown: %w", err)
	} else if ok && now.Before(until) {
		attempts, err := l.kv.IncrAttempts(ctx, familyID)
		if err != nil {
			return Decision{}, fmt.Errorf("incr attempts: %w", err)
		}
		return Decision{Allowed: false, Reason: ReasonInCooldown, CooldownUntil: until, Level: level, EmitCooldownText: attempts == 1}, nil
	}

	count, err := l.kv.AddAndCount(ctx, familyID, now)
	if err != nil {
		return Decision{}, fmt.Errorf("add and count: %w", err)
	}

	limit := memberCount * PerMemberLimit
	if limit <= 0 {
		limit = PerMemberLimit
	}
	if count <= limit {
		return Decision{Allowed: true}, nil
	}

	_, prevLevel, hadCooldown, err := l.kv.Cooldown(ctx, familyID)
	if err != nil {
		return Decision{}, fmt.Errorf("read cooldown for escalation: %w", err)
	}
	level := 0
	if hadCooldown {
		level = prevLevel + 1
	}
	if level >= len(cooldownLevels) {
		level = len(cooldownLevels) - 1
	}
	until := now.Add(cooldownLevels[level])

	if err := l.kv.SetCooldown(ctx, familyID, until, level); err != nil {
		return Decision{}, fmt.Errorf("set cooldown: %w", err)
	}
	if err := l.kv.ResetAttempts(ctx, familyID); err != nil {
		return Decision{}, fmt.Errorf("reset attempts: %w", err)
	}
	attempts, err := l.kv.IncrAttempts(ctx, familyID)
	if err != nil {
		return Decision{}, fmt.Errorf("incr attempts: %w", err)
	}

	if l.store != nil {
		if err := l.store.InsertRateLimitEvent(ctx, storage.RateLimitEvent{
			FamilyID:      familyID,
			UserID:        userID,
			MessageCount:  count,
			WindowStart:   now.Add(-Window),
			WindowEnd:     now,
			CooldownUntil: &until,
			CooldownLevel: level,
		}); err != nil {
			return Decision{}, fmt.Errorf("log rate limit event: %w", err)
		}
	}

	return Decision{Allowed: false, Reason: ReasonInCooldown, CooldownUntil: until, Level: level, EmitCooldownText: attempts == 1}, nil
}

// InCooldown reports whether familyID is currently in cooldown, without
// recording an attempt or touching any counters. Used by callers (the
// scheduler) that must suppress output during cooldown but must not
// perturb the cooldown/attempts state themselves.
func (l *Limiter) InCooldown(ctx context.Context, familyID string, now time.Time) (bool, error) {
	until, _, ok, err := l.kv.Cooldown(ctx, familyID)
	if err != nil {
		return false, fmt.Errorf("read cooldown: %w", err)
	}
	return ok && now.Before(until), nil
}
