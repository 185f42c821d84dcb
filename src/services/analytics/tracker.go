package analytics

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"apitracker/src/clients/redis"
)

const (
	hitCounterPrefix   = "cache:hits:"
	missCounterSuffix  = ":miss"
	thresholdKeyPrefix = "cache:threshold:"

	// Counters self-reset: the rate is always computed over a recent window.
	counterTTL = 5 * time.Minute

	defaultPrewarmThreshold = 100
	lowHitRate              = 0.5
)

type trackerKV interface {
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// Tracker counts cache hits and misses per fingerprint in the KV store. It is
// pure telemetry: every operation is best-effort and swallows failures.
type Tracker struct {
	kv      trackerKV
	enabled bool
	logger  zerolog.Logger
}

type TrackerOptions struct {
	KV      *redis.Client
	Enabled bool
	Logger  zerolog.Logger
}

func NewTracker(options TrackerOptions) *Tracker {
	return &Tracker{
		kv:      options.KV,
		enabled: options.Enabled,
		logger:  options.Logger,
	}
}

func (t *Tracker) Hit(ctx context.Context, fingerprint string) {
	t.bump(ctx, hitCounterPrefix+fingerprint)
}

func (t *Tracker) Miss(ctx context.Context, fingerprint string) {
	t.bump(ctx, hitCounterPrefix+fingerprint+missCounterSuffix)
}

func (t *Tracker) bump(ctx context.Context, key string) {
	if !t.enabled {
		return
	}

	value, err := t.kv.IncrBy(ctx, key, 1)
	if err != nil {
		t.logger.Debug().Err(err).Msgf("failed to bump counter '%s'", key)
		return
	}

	// First increment created the key; start its expiry window.
	if value == 1 {
		if err := t.kv.Expire(ctx, key, counterTTL); err != nil {
			t.logger.Debug().Err(err).Msgf("failed to set expiry on counter '%s'", key)
		}
	}
}

type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

func (t *Tracker) Stats(ctx context.Context, fingerprint string) (Stats, error) {
	hits, err := t.counter(ctx, hitCounterPrefix+fingerprint)
	if err != nil {
		return Stats{}, err
	}
	misses, err := t.counter(ctx, hitCounterPrefix+fingerprint+missCounterSuffix)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats, nil
}

func (t *Tracker) counter(ctx context.Context, key string) (int64, error) {
	raw, found, err := t.kv.Get(ctx, key)
	if err != nil || !found {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

// NeedsPrewarming reports whether the fingerprint sees enough traffic with a
// poor enough hit rate that a proactive refresh would pay off. The traffic
// threshold defaults to 100 accesses per counter window, overridable per key
// via `cache:threshold:<fp>`.
func (t *Tracker) NeedsPrewarming(ctx context.Context, fingerprint string) (bool, error) {
	stats, err := t.Stats(ctx, fingerprint)
	if err != nil {
		return false, err
	}

	threshold := int64(defaultPrewarmThreshold)
	if raw, found, err := t.kv.Get(ctx, thresholdKeyPrefix+fingerprint); err == nil && found {
		if override, err := strconv.ParseInt(raw, 10, 64); err == nil && override > 0 {
			threshold = override
		}
	}

	return stats.HitRate < lowHitRate && stats.Hits+stats.Misses > threshold, nil
}

// HotKeys scans the counter namespace and returns the unique fingerprints
// that currently pass NeedsPrewarming.
func (t *Tracker) HotKeys(ctx context.Context) ([]string, error) {
	keys, err := t.kv.Keys(ctx, hitCounterPrefix+"*")
	if err != nil {
		return nil, err
	}

	fingerprints := lo.Uniq(lo.Map(keys, func(key string, _ int) string {
		fingerprint := strings.TrimPrefix(key, hitCounterPrefix)
		return strings.TrimSuffix(fingerprint, missCounterSuffix)
	}))

	var hot []string
	for _, fingerprint := range fingerprints {
		needed, err := t.NeedsPrewarming(ctx, fingerprint)
		if err != nil {
			t.logger.Debug().Err(err).Msgf("skipping hot-key probe for '%s'", fingerprint)
			continue
		}
		if needed {
			hot = append(hot, fingerprint)
		}
	}
	return hot, nil
}
