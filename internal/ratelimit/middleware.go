package ratelimit

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/af-corp/switchboard/internal/auth"
	"github.com/af-corp/switchboard/internal/httputil"
	"github.com/af-corp/switchboard/internal/telemetry"
)

const (
	headerRateLimitRequests          = "X-RateLimit-Limit-Requests"
	headerRateLimitRemainingRequests = "X-RateLimit-Remaining-Requests"
	headerRetryAfter                 = "Retry-After"
)

// RetryAfterSeconds rounds a delay up to whole seconds, never below one.
func RetryAfterSeconds(d Decision) int {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// KeyMiddleware returns chi middleware that enforces the per-key RPM limit
// carried by the caller's policy. Keys without a limit pass through.
func KeyMiddleware(limiter Limiter, metrics *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := w.Header().Get("X-Request-ID")

			policy, ok := auth.PolicyFromContext(r.Context())
			if !ok || policy.RPMLimit == nil || *policy.RPMLimit <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			rpm := *policy.RPMLimit
			result, err := limiter.Admit(r.Context(), KeyBucket(policy.KeyID), int64(rpm), Window)
			if err != nil {
				slog.Warn("rate limiter unavailable, admitting request", "request_id", reqID, "error", err)
			}

			w.Header().Set(headerRateLimitRequests, strconv.Itoa(rpm))
			if result.Remaining >= 0 {
				w.Header().Set(headerRateLimitRemainingRequests, strconv.FormatInt(result.Remaining, 10))
			}

			if !result.Allowed {
				slog.Warn("rate limit exceeded",
					"request_id", reqID,
					"key_id", policy.KeyID,
					"dimension", "key_rpm",
					"limit", rpm,
				)
				if metrics != nil {
					metrics.RecordRateLimitHit("key_rpm", "")
				}
				secs := RetryAfterSeconds(result)
				w.Header().Set(headerRetryAfter, strconv.Itoa(secs))
				httputil.WriteRateLimitError(w, reqID,
					fmt.Sprintf("Rate limit exceeded: %d requests per minute for this key. Retry after %d seconds", rpm, secs))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
