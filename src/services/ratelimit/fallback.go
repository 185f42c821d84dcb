package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

const fallbackSweepInterval = 5 * time.Minute

// localLimiter mirrors the shared sliding-window semantics in process memory.
// It is a degraded mode: the state is not shared across replicas, so under a
// replica split the fleet over-admits by at most the replica count.
type localLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*localBucket

	window    time.Duration
	scheduler gocron.Scheduler
	logger    zerolog.Logger
}

type localBucket struct {
	mu         sync.Mutex
	timestamps []int64
}

func newLocalLimiter(window time.Duration, logger zerolog.Logger) *localLimiter {
	return &localLimiter{
		buckets: make(map[string]*localBucket),
		window:  window,
		logger:  logger,
	}
}

func (l *localLimiter) Start(_ context.Context) error {
	if l.scheduler != nil {
		return fmt.Errorf("fallback limiter already started")
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create fallback limiter scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(fallbackSweepInterval),
		gocron.NewTask(l.sweep),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule fallback limiter sweep: %w", err)
	}

	l.scheduler = scheduler
	scheduler.Start()
	return nil
}

func (l *localLimiter) Stop(_ context.Context) {
	if l.scheduler == nil {
		return
	}
	if err := l.scheduler.Shutdown(); err != nil {
		l.logger.Error().Err(err).Msg("failed to shutdown fallback limiter scheduler")
	}
	l.scheduler = nil
}

func (l *localLimiter) Check(callerID string, ceiling int, now time.Time) Decision {
	bucket := l.bucket(callerID)

	nowMs := now.UnixMilli()
	windowMs := l.window.Milliseconds()
	cutoff := nowMs - windowMs

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	// Timestamps are append-ordered; survivors are a suffix. An entry exactly
	// one window old still counts, only strictly older ones age out.
	idx := 0
	for idx < len(bucket.timestamps) && bucket.timestamps[idx] < cutoff {
		idx++
	}
	if idx > 0 {
		bucket.timestamps = append([]int64(nil), bucket.timestamps[idx:]...)
	}

	current := len(bucket.timestamps)
	if current >= ceiling {
		reset := nowMs + windowMs
		if current > 0 {
			reset = bucket.timestamps[0] + windowMs
		}
		return Decision{
			Allowed:   false,
			Limit:     ceiling,
			Remaining: 0,
			Current:   current,
			ResetAt:   time.UnixMilli(reset),
			Local:     true,
		}
	}

	bucket.timestamps = append(bucket.timestamps, nowMs)
	return Decision{
		Allowed:   true,
		Limit:     ceiling,
		Remaining: ceiling - current - 1,
		Current:   current + 1,
		ResetAt:   time.UnixMilli(nowMs + windowMs),
		Local:     true,
	}
}

func (l *localLimiter) bucket(callerID string) *localBucket {
	l.mu.RLock()
	bucket, found := l.buckets[callerID]
	l.mu.RUnlock()
	if found {
		return bucket
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if bucket, found = l.buckets[callerID]; found {
		return bucket
	}
	bucket = &localBucket{}
	l.buckets[callerID] = bucket
	return bucket
}

// sweep drops buckets whose every timestamp aged out of the window.
func (l *localLimiter) sweep() {
	cutoff := time.Now().UnixMilli() - l.window.Milliseconds()

	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for callerID, bucket := range l.buckets {
		bucket.mu.Lock()
		empty := len(bucket.timestamps) == 0 ||
			bucket.timestamps[len(bucket.timestamps)-1] < cutoff
		bucket.mu.Unlock()
		if empty {
			delete(l.buckets, callerID)
			evicted++
		}
	}

	if evicted > 0 {
		l.logger.Debug().Msgf("fallback limiter sweep evicted %d idle buckets", evicted)
	}
}
