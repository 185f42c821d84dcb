// Package retry wraps fallible storage operations with exponential backoff.
// Only errors classified as transient are retried; everything else propagates
// to the caller immediately.
package retry

import (
	"context"
	"errors"
	"strings"
	"time"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
	"github.com/rs/zerolog"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 200 * time.Millisecond
	DefaultMaxDelay  = 5 * time.Second
)

// transientPatterns are matched case-insensitively as substrings against the
// error text. The list mirrors the failure modes of the KV store and the
// database under load or partial outage.
var transientPatterns = []string{
	"connection refused",
	"timeout",
	"no such host",
	"host unreachable",
	"host is unreachable",
	"connection lost",
	"connection reset",
	"deadlock",
	"lock timeout",
	"too many connections",
	"query failed",
}

var transientMatcher = ahocorasick.NewTrieBuilder().
	AddStrings(transientPatterns).
	Build()

// IsTransient reports whether the error is worth retrying. A deadline expiry
// on the operation context counts as transient so the harness gets a chance
// to re-run with a fresh attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return transientMatcher.MatchFirstString(strings.ToLower(err.Error())) != nil
}

type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Logger    zerolog.Logger
}

func DefaultPolicy(logger zerolog.Logger) Policy {
	return Policy{
		Attempts:  DefaultAttempts,
		BaseDelay: DefaultBaseDelay,
		MaxDelay:  DefaultMaxDelay,
		Logger:    logger,
	}
}

// Backoff returns the delay before the given 1-based attempt:
// min(base * 2^(n-1), max).
func (p Policy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay << uint(attempt-1)
	if delay > p.MaxDelay || delay <= 0 {
		return p.MaxDelay
	}
	return delay
}

// Do runs action up to p.Attempts times. Non-transient errors and context
// cancellation abort the loop; after the final attempt the last error is
// returned unwrapped.
func Do[T any](ctx context.Context, p Policy, name string, action func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := action()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsTransient(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		delay := p.Backoff(attempt)
		p.Logger.Warn().
			Err(err).
			Str("operation", name).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("transient failure, will retry")

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}

	return zero, lastErr
}

// DoVoid is Do for actions without a result.
func DoVoid(ctx context.Context, p Policy, name string, action func() error) error {
	_, err := Do(ctx, p, name, func() (struct{}, error) {
		return struct{}{}, action()
	})
	return err
}
