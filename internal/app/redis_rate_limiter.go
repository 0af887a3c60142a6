package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	RateLimitScopeReward   = "reward"
	RateLimitScopeTransfer = "transfer"

	defaultRateLimitWindow = time.Minute
	defaultRateLimitPrefix = "silk:rate_limit"
)

// RateLimitPolicy maps a ledger scope to the number of operations one account
// may perform per window. Scopes that are missing or set to zero are unlimited.
type RateLimitPolicy map[string]int

// Limit returns the allowance for scope, or zero when the scope is unlimited.
func (p RateLimitPolicy) Limit(scope string) int {
	limit := p[scope]
	if limit < 0 {
		return 0
	}
	return limit
}

// RateDecision is the limiter's verdict on a single ledger operation.
type RateDecision struct {
	Scope      string
	Allowed    bool
	Used       int
	Limit      int
	RetryAfter time.Duration
}

// Err returns nil for an allowed operation and a *RateLimitError otherwise.
func (d RateDecision) Err() error {
	if d.Allowed {
		return nil
	}
	seconds := int((d.RetryAfter + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return &RateLimitError{Scope: d.Scope, RetryAfterSeconds: seconds}
}

// RedisRateLimiter counts ledger operations per account in fixed windows.
// Each window has its own key, so counters never need to be reset.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	policy RateLimitPolicy
	window time.Duration
	now    func() time.Time
}

// NewRedisRateLimiter builds a limiter enforcing policy over one-minute windows.
func NewRedisRateLimiter(client redis.UniversalClient, prefix string, policy RateLimitPolicy) *RedisRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultRateLimitPrefix
	}
	return &RedisRateLimiter{
		client: client,
		prefix: prefix,
		policy: policy,
		window: defaultRateLimitWindow,
		now:    time.Now,
	}
}

// Allow records one operation in scope for subject and reports whether it fits
// the allowance. Unlimited scopes are allowed without touching Redis.
func (r *RedisRateLimiter) Allow(ctx context.Context, scope, subject string) (RateDecision, error) {
	decision := RateDecision{Scope: scope, Allowed: true}
	if r == nil || r.client == nil {
		return decision, nil
	}
	decision.Limit = r.policy.Limit(scope)
	subject = strings.ToLower(strings.TrimSpace(subject))
	if decision.Limit == 0 || subject == "" {
		return decision, nil
	}

	key, windowEnd := r.windowKey(scope, subject)

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireAt(ctx, key, windowEnd.Add(r.window))
		return nil
	})
	if err != nil {
		return decision, fmt.Errorf("rate limit %s: %w", scope, err)
	}

	decision.Used = int(incr.Val())
	decision.Allowed = decision.Used <= decision.Limit
	if !decision.Allowed {
		decision.RetryAfter = windowEnd.Sub(r.now())
	}
	return decision, nil
}

// windowKey returns the counter key for the current window and the instant the
// window closes.
func (r *RedisRateLimiter) windowKey(scope, subject string) (string, time.Time) {
	start := r.now().UTC().Truncate(r.window)
	return fmt.Sprintf("%s:%s:%s:%d", r.prefix, scope, subject, start.Unix()), start.Add(r.window)
}
