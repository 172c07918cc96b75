// Package ratelimit enforces per-key request limits with a sliding window
// kept in Redis, so every michi replica shares the same counters.
//
// The limiter fails open: when Redis is unreachable the request is allowed
// and the failure is logged. Losing rate limiting is preferable to losing
// worker reports.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces rate limit keys.
const keyPrefix = "michi:ratelimit:"

// Rule is one rate limit: at most Limit requests per Window for each key.
// Prefix separates the counters of different rules.
type Rule struct {
	Prefix string
	Limit  int
	Window time.Duration
}

// Result is the outcome of one Allow call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// FormatHeaders renders the result as X-RateLimit-* response headers.
func (r Result) FormatHeaders() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetAt.Unix(), 10),
	}
}

// Limiter is a Redis sliding-window limiter. A Limiter over a nil client
// allows everything.
type Limiter struct {
	rdb    redis.Cmdable
	logger *slog.Logger
}

// New creates a limiter. rdb may be nil to disable limiting.
func New(rdb redis.Cmdable, logger *slog.Logger) *Limiter {
	return &Limiter{rdb: rdb, logger: logger}
}

// Allow records one request for key under rule and reports whether it fits
// in the window. Denied requests count against the window too, so a client
// that keeps hammering stays limited.
func (l *Limiter) Allow(ctx context.Context, rule Rule, key string) Result {
	now := time.Now()
	res := Result{Allowed: true, Limit: rule.Limit, Remaining: rule.Limit, ResetAt: now.Add(rule.Window)}
	if l.rdb == nil || isNil(l.rdb) {
		return res
	}

	k := keyPrefix + rule.Prefix + ":" + key
	member := fmt.Sprintf("%d-%s", now.UnixMicro(), uuid.NewString()[:8])

	var card *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(now.Add(-rule.Window).UnixMicro(), 10))
		pipe.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixMicro()), Member: member})
		card = pipe.ZCard(ctx, k)
		pipe.PExpire(ctx, k, rule.Window)
		return nil
	})
	if err != nil {
		l.logger.Warn("ratelimit: redis unavailable, allowing request", "rule", rule.Prefix, "error", err)
		return res
	}

	count := int(card.Val())
	res.Allowed = count <= rule.Limit
	res.Remaining = max(rule.Limit-count, 0)
	return res
}

// isNil catches a typed nil *redis.Client passed as redis.Cmdable.
func isNil(rdb redis.Cmdable) bool {
	c, ok := rdb.(*redis.Client)
	return ok && c == nil
}
