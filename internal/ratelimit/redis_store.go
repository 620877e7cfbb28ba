package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements KV against Redis, using a sorted set per family
// for the rolling window and plain keys for cooldown state, per the
// "ratelimit:family:<id>:{messages|cooldown|level|attempts}" scheme.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing Redis client. The caller owns the
// client's lifecycle (Ping/Close).
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func messagesKey(familyID string) string { return fmt.Sprintf("ratelimit:family:%s:messages", familyID) }
func cooldownKey(familyID string) string { return fmt.Sprintf("ratelimit:family:%s:cooldown", familyID) }
func levelKey(familyID string) string    { return fmt.Sprintf("ratelimit:family:%s:level", familyID) }
func attemptsKey(familyID string) string { return fmt.Sprintf("ratelimit:family:%s:attempts", familyID) }

func (r *RedisStore) AddAndCount(ctx context.Context, familyID string, now time.Time) (int, error) {
	key := messagesKey(familyID)
	member := strconv.FormatInt(now.UnixNano(), 10)

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.Add(-Window).UnixNano(), 10))
	count := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis pipeline: %w", err)
	}
	return int(count.Val()), nil
}

func (r *RedisStore) Cooldown(ctx context.Context, familyID string) (time.Time, int, bool, error) {
	untilStr, err := r.client.Get(ctx, cooldownKey(familyID)).Result()
	if err == redis.Nil {
		return time.Time{}, 0, false, nil
	}
	if err != nil {
		return time.Time{}, 0, false, fmt.Errorf("get cooldown: %w", err)
	}
	untilNanos, err := strconv.ParseInt(untilStr, 10, 64)
	if err != nil {
		return time.Time{}, 0, false, fmt.Errorf("parse cooldown until: %w", err)
	}

	level := 0
	levelStr, err := r.client.Get(ctx, levelKey(familyID)).Result()
	if err != nil && err != redis.Nil {
		return time.Time{}, 0, false, fmt.Errorf("get cooldown level: %w", err)
	}
	if err == nil {
		level, err = strconv.Atoi(levelStr)
		if err != nil {
			return time.Time{}, 0, false, fmt.Errorf("parse cooldown level: %w", err)
		}
	}

	return time.Unix(0, untilNanos), level, true, nil
}

func (r *RedisStore) SetCooldown(ctx context.Context, familyID string, until time.Time, level int) error {
	pipe := r.client.TxPipeline()
	ttl := time.Until(until)
	if ttl < time.Second {
		ttl = time.Second
	}
	pipe.Set(ctx, cooldownKey(familyID), strconv.FormatInt(until.UnixNano(), 10), ttl)
	pipe.Set(ctx, levelKey(familyID), strconv.Itoa(level), LevelDecayWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

func (r *RedisStore) IncrAttempts(ctx context.Context, familyID string) (int, error) {
	key := attemptsKey(familyID)
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, LevelDecayWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis pipeline: %w", err)
	}
	return int(incr.Val()), nil
}

func (r *RedisStore) ResetAttempts(ctx context.Context, familyID string) error {
	if err := r.client.Del(ctx, attemptsKey(familyID)).Err(); err != nil {
		return fmt.Errorf("del attempts: %w", err)
	}
	return nil
}
