// Package ratelimit throttles client actions. Limits shared across server
// instances use Redis INCR + EXPIRE fixed windows; per-connection limits use an
// in-process token bucket.
package ratelimit

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:msg:", "rl:join:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleMessage allows 5 messages per 10 seconds per user in a room.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 5, Window: 10 * time.Second}

	// RuleJoin allows 10 joins per minute per client IP.
	RuleJoin = Rule{Key: "rl:join:", Limit: 10, Window: 1 * time.Minute}

	// RuleConnect allows 20 WebSocket connections per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 20, Window: 1 * time.Minute}
)

// Limiter performs rate limiting checks against Redis. A Limiter with a nil
// client allows everything, for single-instance deployments without Redis.
type Limiter struct {
	client redis.UniversalClient
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client redis.UniversalClient) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	if l == nil || l.client == nil {
		return true, nil
	}
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	// The first increment opens the window.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window for the given rule. Returns the full limit if the key does not
// exist yet. On Redis errors it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	if l == nil || l.client == nil {
		return rule.Limit, nil
	}
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// RetryAfter returns the whole seconds until the identifier's window resets,
// at least 1. It falls back to the rule's window when the TTL is unknown.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) int {
	fallback := int(rule.Window / time.Second)
	if l == nil || l.client == nil {
		return fallback
	}

	ttl, err := l.client.TTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl <= 0 {
		return fallback
	}
	secs := int((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Local is an in-process token bucket for one connection. It guards frames
// that are too frequent to round-trip to Redis, such as typing previews.
type Local struct {
	limiter *rate.Limiter
}

// DefaultTypingRate and DefaultTypingBurst bound typing frames per connection.
const (
	DefaultTypingRate  = 10 // per second
	DefaultTypingBurst = 20
)

// NewLocal creates a token bucket refilling perSecond tokens per second up to
// burst.
func NewLocal(perSecond float64, burst int) *Local {
	return &Local{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow reports whether one more event may happen now.
func (l *Local) Allow() bool {
	return l.limiter.Allow()
}

// Delay returns how long until Allow would next succeed, without consuming a
// token. ok is false when the bucket is empty and never refills.
func (l *Local) Delay() (d time.Duration, ok bool) {
	tokens := l.limiter.Tokens()
	if tokens >= 1 {
		return 0, true
	}
	limit := float64(l.limiter.Limit())
	if limit <= 0 {
		return 0, false
	}
	return time.Duration((1 - tokens) / limit * float64(time.Second)), true
}
