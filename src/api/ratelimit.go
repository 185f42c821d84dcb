package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"apitracker/src/platform/apperr"
	"apitracker/src/services/ratelimit"
)

type rateLimiter interface {
	Check(ctx context.Context, callerID string, ceiling int) (ratelimit.Decision, error)
}

// rateLimit enforces the per-caller ceiling after authentication. A limiter
// failure admits the request: availability wins over strict enforcement. A
// legitimate denial is final.
func rateLimit(limiter rateLimiter, window time.Duration, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := principalFrom(r.Context())
			if !ok {
				writeError(w, logger, apperr.New(apperr.KindInternal, "rate limit middleware ran before authentication"))
				return
			}

			decision, err := limiter.Check(r.Context(), principal.CallerID, principal.RateLimit)
			if err != nil {
				logger.Error().Err(err).Str("caller_id", principal.CallerID).
					Msg("rate limit check failed, admitting request")
				next.ServeHTTP(w, r)
				return
			}

			setRateLimitHeaders(w, decision, window)

			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter(time.Now())))
				writeError(w, logger, apperr.New(apperr.KindRateLimited, "rate limit exceeded"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, decision ratelimit.Decision, window time.Duration) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	w.Header().Set("X-RateLimit-Reset", decision.ResetAt.UTC().Format(time.RFC3339))
	w.Header().Set("X-RateLimit-Window", fmt.Sprintf("%ds", int(window.Seconds())))
}
