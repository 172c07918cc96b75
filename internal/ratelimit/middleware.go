package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/telemetry"
)

// KeyFunc extracts the rate limit key from a request. An empty key skips
// limiting for that request.
type KeyFunc func(r *http.Request) string

// RequestIDFunc extracts the request ID so rejections carry it in the error
// envelope. It keeps this package independent of the server package.
type RequestIDFunc func(r *http.Request) string

var rejected, _ = telemetry.Meter("michi/ratelimit").Int64Counter("michi.ratelimit.rejected",
	metric.WithDescription("Requests rejected by the rate limiter"))

// Middleware returns HTTP middleware that enforces rule per key.
// A nil limiter lets every request through.
func Middleware(limiter *Limiter, rule Rule, keyFunc KeyFunc) func(http.Handler) http.Handler {
	return MiddlewareWithRequestID(limiter, rule, keyFunc, nil)
}

// MiddlewareWithRequestID is Middleware with the request ID included in
// 429 responses.
func MiddlewareWithRequestID(limiter *Limiter, rule Rule, keyFunc KeyFunc, reqIDFunc RequestIDFunc) func(http.Handler) http.Handler {
	ruleAttr := metric.WithAttributes(attribute.String("rule", rule.Prefix))

	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result := limiter.Allow(r.Context(), rule, key)
			for k, v := range result.FormatHeaders() {
				w.Header().Set(k, v)
			}
			if result.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			if rejected != nil {
				rejected.Add(r.Context(), 1, ruleAttr)
			}
			retryAfter := max(int(time.Until(result.ResetAt).Seconds()), 1)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

			var requestID string
			if reqIDFunc != nil {
				requestID = reqIDFunc(r)
			}
			writeRateLimitError(w, rule, requestID)
		})
	}
}

func writeRateLimitError(w http.ResponseWriter, rule Rule, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: fmt.Sprintf("more than %d %s requests in %s", rule.Limit, rule.Prefix, rule.Window),
			Details: map[string]any{"limit": rule.Limit, "window_seconds": int(rule.Window.Seconds())},
		},
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// IPKeyFunc keys requests by RemoteAddr without the port. X-Forwarded-For
// is ignored because any client can set it; deploy behind a proxy that
// rewrites RemoteAddr instead.
func IPKeyFunc(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

// HeaderKeyFunc keys requests by the value of header, falling back to the
// client IP when the header is absent. Workers identify themselves with
// X-Worker-ID so replicas behind one NAT do not share a budget.
func HeaderKeyFunc(header string) KeyFunc {
	return func(r *http.Request) string {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return "h:" + v
		}
		return "ip:" + IPKeyFunc(r)
	}
}
