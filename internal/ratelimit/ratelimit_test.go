package ratelimit_test

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/michi/internal/ratelimit"
	"github.com/ashita-ai/michi/internal/testutil"
)

var testRedis *redis.Client

func TestMain(m *testing.M) {
	ctx := context.Background()
	tc := testutil.MustStartRedis()

	var err error
	testRedis, err = tc.NewRedisClient(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to redis: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	_ = testRedis.Close()
	tc.Terminate()
	os.Exit(code)
}

// newTestLimiter creates a limiter over the shared test client.
func newTestLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return ratelimit.New(testRedis, logger)
}

func TestLimiterAllow(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t)

	// Use unique prefix per test to avoid interference.
	rule := ratelimit.Rule{
		Prefix: fmt.Sprintf("test-%d", time.Now().UnixNano()),
		Limit:  5,
		Window: 1 * time.Minute,
	}

	// First 5 requests should be allowed.
	for i := 0; i < 5; i++ {
		result := limiter.Allow(ctx, rule, "agent-1")
		assert.True(t, result.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 5, result.Limit)
		assert.Equal(t, 5-i-1, result.Remaining, "remaining after request %d", i+1)
	}

	// 6th request should be denied.
	result := limiter.Allow(ctx, rule, "agent-1")
	assert.False(t, result.Allowed, "6th request should be denied")
	assert.Equal(t, 0, result.Remaining)
	assert.True(t, result.ResetAt.After(time.Now()), "ResetAt should be in the future")
}

func TestLimiterMultipleKeys(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t)

	rule := ratelimit.Rule{
		Prefix: fmt.Sprintf("test-multi-%d", time.Now().UnixNano()),
		Limit:  3,
		Window: 1 * time.Minute,
	}

	// Each key has its own limit.
	for i := 0; i < 3; i++ {
		r1 := limiter.Allow(ctx, rule, "agent-A")
		r2 := limiter.Allow(ctx, rule, "agent-B")
		assert.True(t, r1.Allowed, "agent-A request %d", i+1)
		assert.True(t, r2.Allowed, "agent-B request %d", i+1)
	}

	// Both now at limit.
	rA := limiter.Allow(ctx, rule, "agent-A")
	rB := limiter.Allow(ctx, rule, "agent-B")
	assert.False(t, rA.Allowed)
	assert.False(t, rB.Allowed)
}

func TestLimiterSlidingWindow(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t)

	// Use a short window so we can test expiration.
	rule := ratelimit.Rule{
		Prefix: fmt.Sprintf("test-window-%d", time.Now().UnixNano()),
		Limit:  2,
		Window: 500 * time.Millisecond,
	}

	// Use up the limit.
	r1 := limiter.Allow(ctx, rule, "agent-X")
	r2 := limiter.Allow(ctx, rule, "agent-X")
	r3 := limiter.Allow(ctx, rule, "agent-X")
	assert.True(t, r1.Allowed)
	assert.True(t, r2.Allowed)
	assert.False(t, r3.Allowed)

	// Wait for window to pass.
	time.Sleep(600 * time.Millisecond)

	// Should be allowed again.
	r4 := limiter.Allow(ctx, rule, "agent-X")
	assert.True(t, r4.Allowed, "request after window should be allowed")
}

func TestLimiterNoopMode(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// Noop mode: nil client allows all requests.
	limiter := ratelimit.New(nil, logger)

	rule := ratelimit.Rule{
		Prefix: "test-noop",
		Limit:  1,
		Window: 1 * time.Minute,
	}

	// All requests allowed in noop mode.
	for i := 0; i < 100; i++ {
		result := limiter.Allow(ctx, rule, "agent")
		require.True(t, result.Allowed)
		assert.Equal(t, 1, result.Remaining)
	}
}

func TestResultFormatHeaders(t *testing.T) {
	resetAt := time.Date(2026, 2, 5, 12, 0, 0, 0, time.UTC)
	result := ratelimit.Result{
		Allowed:   true,
		Limit:     100,
		Remaining: 42,
		ResetAt:   resetAt,
	}

	headers := result.FormatHeaders()
	assert.Equal(t, "100", headers["X-RateLimit-Limit"])
	assert.Equal(t, "42", headers["X-RateLimit-Remaining"])
	assert.Equal(t, fmt.Sprintf("%d", resetAt.Unix()), headers["X-RateLimit-Reset"])
}

func TestLimiterDifferentPrefixes(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t)

	base := time.Now().UnixNano()

	authRule := ratelimit.Rule{
		Prefix: fmt.Sprintf("auth-%d", base),
		Limit:  5,
		Window: 1 * time.Minute,
	}

	queryRule := ratelimit.Rule{
		Prefix: fmt.Sprintf("query-%d", base),
		Limit:  100,
		Window: 1 * time.Minute,
	}

	// Exhaust auth limit.
	for i := 0; i < 5; i++ {
		limiter.Allow(ctx, authRule, "agent")
	}
	authResult := limiter.Allow(ctx, authRule, "agent")
	assert.False(t, authResult.Allowed, "auth limit exceeded")

	// Query limit still available.
	queryResult := limiter.Allow(ctx, queryRule, "agent")
	assert.True(t, queryResult.Allowed, "query should be allowed")
	assert.Equal(t, 99, queryResult.Remaining)
}

func TestLimiterConcurrent(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t)

	rule := ratelimit.Rule{
		Prefix: fmt.Sprintf("test-concurrent-%d", time.Now().UnixNano()),
		Limit:  100,
		Window: 1 * time.Minute,
	}

	// Fire 200 concurrent requests with limit of 100.
	results := make(chan ratelimit.Result, 200)
	for i := 0; i < 200; i++ {
		go func() {
			results <- limiter.Allow(ctx, rule, "agent")
		}()
	}

	allowed := 0
	denied := 0
	for i := 0; i < 200; i++ {
		r := <-results
		if r.Allowed {
			allowed++
		} else {
			denied++
		}
	}

	assert.Equal(t, 100, allowed, "exactly the limit is allowed")
	assert.Equal(t, 100, denied)
	assert.Equal(t, 200, allowed+denied, "all requests should be processed")
}

func TestLimiterFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	limiter := ratelimit.New(rdb, slog.New(slog.DiscardHandler))
	rule := ratelimit.Rule{Prefix: "down", Limit: 1, Window: time.Minute}

	require.True(t, limiter.Allow(context.Background(), rule, "w").Allowed)
	require.False(t, limiter.Allow(context.Background(), rule, "w").Allowed)

	mr.Close()
	assert.True(t, limiter.Allow(context.Background(), rule, "w").Allowed, "redis outage must not block traffic")
}

func TestMiddleware(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	limiter := ratelimit.New(rdb, slog.New(slog.DiscardHandler))
	rule := ratelimit.Rule{Prefix: "events", Limit: 2, Window: time.Minute}

	h := ratelimit.MiddlewareWithRequestID(limiter, rule, ratelimit.HeaderKeyFunc("X-Worker-ID"),
		func(*http.Request) string { return "req-1" },
	)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(worker string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/events", nil)
		if worker != "" {
			req.Header.Set("X-Worker-ID", worker)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send("w1").Code)
	rec := send("w1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = send("w1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
	assert.Contains(t, rec.Body.String(), "req-1")
	assert.Contains(t, rec.Body.String(), `"window_seconds":60`)

	assert.Equal(t, http.StatusOK, send("w2").Code, "workers have separate budgets")
	assert.Equal(t, http.StatusOK, send("").Code, "no header falls back to the client address")
}

func TestMiddlewareNilLimiter(t *testing.T) {
	h := ratelimit.Middleware(nil, ratelimit.Rule{Limit: 1, Window: time.Minute}, ratelimit.IPKeyFunc)(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}
