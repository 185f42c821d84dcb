// Package ratelimit enforces per-caller sliding-window ceilings. The shared
// decision runs as one atomic Lua script in the KV store; when the store is
// unreachable the check falls through to the in-process limiter, which trades
// cross-replica accuracy for availability.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"apitracker/src/clients/redis"
	"apitracker/src/platform/metrics"
)

const (
	defaultWindow  = time.Hour
	defaultCeiling = 1_000

	// Bucket keys outlive the window by a grace period so a bucket that is
	// still being trimmed never vanishes mid-decision.
	bucketGrace = 60 * time.Second

	bucketKeyPrefix = "rate_limit:"
)

// slidingWindowScript trims expired entries, counts the survivors and either
// denies with the time the oldest entry ages out, or admits and records the
// request. Trim, count and add happen in one evaluation so concurrent checks
// can never interleave past the ceiling.
var slidingWindowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local ceiling = tonumber(ARGV[3])
local member = ARGV[4]
local grace = tonumber(ARGV[5])

-- exclusive bound: an entry exactly one window old still counts
redis.call('ZREMRANGEBYSCORE', key, 0, '(' .. (now - window))

local current = redis.call('ZCARD', key)
if current >= ceiling then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local reset = now + window
	if oldest[2] then
		reset = tonumber(oldest[2]) + window
	end
	return {0, current, reset}
end

redis.call('ZADD', key, now, member)
redis.call('EXPIRE', key, math.ceil(window / 1000) + grace)
return {1, current + 1, now + window}
`)

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Current   int
	ResetAt   time.Time
	// Local reports that the decision came from the in-process fallback
	// rather than the shared store.
	Local bool
}

// RetryAfter is the whole-second wait a denied caller should observe.
func (d Decision) RetryAfter(now time.Time) int {
	if d.Allowed {
		return 0
	}
	seconds := int(d.ResetAt.Sub(now).Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

type kvEvaluator interface {
	EvalAtomic(ctx context.Context, script *goredis.Script, keys []string, args ...any) (any, error)
}

type Limiter struct {
	kv       kvEvaluator
	fallback *localLimiter
	logger   zerolog.Logger

	window  time.Duration
	ceiling int
}

type Options struct {
	KV             *redis.Client
	Window         time.Duration
	DefaultCeiling int
	Logger         zerolog.Logger
}

func NewLimiter(options Options) *Limiter {
	if options.Window <= 0 {
		options.Window = defaultWindow
	}
	if options.DefaultCeiling <= 0 {
		options.DefaultCeiling = defaultCeiling
	}

	return &Limiter{
		kv:       options.KV,
		fallback: newLocalLimiter(options.Window, options.Logger),
		logger:   options.Logger,
		window:   options.Window,
		ceiling:  options.DefaultCeiling,
	}
}

// Start schedules the fallback limiter's periodic sweep.
func (l *Limiter) Start(ctx context.Context) error {
	return l.fallback.Start(ctx)
}

func (l *Limiter) Stop(ctx context.Context) {
	l.fallback.Stop(ctx)
}

// Check runs the sliding-window decision for the caller. A non-positive
// ceiling selects the configured default. The error return is reserved for
// programming mistakes; a KV outage is absorbed by the fallback path.
func (l *Limiter) Check(ctx context.Context, callerID string, ceiling int) (Decision, error) {
	if ceiling <= 0 {
		ceiling = l.ceiling
	}

	now := time.Now()
	nowMs := now.UnixMilli()
	windowMs := l.window.Milliseconds()
	// The random suffix keeps members unique within one millisecond so
	// concurrent adds never overwrite each other.
	member := fmt.Sprintf("%d-%d", nowMs, rand.Int63())

	raw, err := l.kv.EvalAtomic(ctx, slidingWindowScript,
		[]string{bucketKeyPrefix + callerID},
		nowMs, windowMs, ceiling, member, int64(bucketGrace.Seconds()),
	)
	if err != nil {
		l.logger.Warn().Err(err).Str("caller_id", callerID).
			Msg("shared rate limit check failed, using in-process fallback")
		decision := l.fallback.Check(callerID, ceiling, now)
		metrics.RateLimitDecisions.WithLabelValues(outcomeLabel(decision.Allowed), "local").Inc()
		return decision, nil
	}

	decision, err := parseScriptReply(raw, ceiling)
	if err != nil {
		return Decision{}, err
	}

	metrics.RateLimitDecisions.WithLabelValues(outcomeLabel(decision.Allowed), "shared").Inc()
	return decision, nil
}

func parseScriptReply(raw any, ceiling int) (Decision, error) {
	reply, ok := raw.([]any)
	if !ok || len(reply) != 3 {
		return Decision{}, fmt.Errorf("unexpected rate limit script reply: %v", raw)
	}

	allowed, okA := reply[0].(int64)
	current, okC := reply[1].(int64)
	reset, okR := reply[2].(int64)
	if !okA || !okC || !okR {
		return Decision{}, fmt.Errorf("unexpected rate limit script reply types: %v", raw)
	}

	remaining := ceiling - int(current)
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   allowed == 1,
		Limit:     ceiling,
		Remaining: remaining,
		Current:   int(current),
		ResetAt:   time.UnixMilli(reset),
	}, nil
}

func outcomeLabel(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}
