// Package ratelimit throttles realtime actions with a fixed Redis window
// (INCR on first hit, EXPIRE to bound the window).
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Rule defines a rate limiting policy.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

// ChatMessageRule is the default message rule, keyed under the channel base.
func ChatMessageRule(base string) Rule {
	return Rule{Key: base + ":rl:chat:msg:", Limit: 20, Window: 10 * time.Second}
}

// ChatRoomRule is the default room creation rule, keyed under the channel base.
func ChatRoomRule(base string) Rule {
	return Rule{Key: base + ":rl:chat:room:", Limit: 5, Window: time.Minute}
}

// Limiter performs rate limiting checks against Redis. A nil *Limiter allows everything.
type Limiter struct {
	client redis.UniversalClient
	logger zerolog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client. It returns nil when client is nil.
func NewLimiter(client redis.UniversalClient, logger zerolog.Logger) *Limiter {
	if client == nil {
		return nil
	}
	return &Limiter{
		client: client,
		logger: logger.With().Str("component", "rate_limiter").Logger(),
	}
}

// Allow increments the identifier's counter and reports whether it is within
// the rule. Redis errors fail open and are returned alongside true.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	if l == nil || rule.Limit <= 0 {
		return true, nil
	}
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("rate limit increment failed; allowing")
		return true, fmt.Errorf("rate limit incr: %w", err)
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.Warn().Err(err).Str("key", key).Msg("rate limit expire failed; allowing")
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, fmt.Errorf("rate limit expire: %w", err)
		}
	}

	return int(count) <= rule.Limit, nil
}
