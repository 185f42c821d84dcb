package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"apitracker/src/clients/redis"
	"apitracker/src/platform/metrics"
	"apitracker/src/storage/activitylog"
	"apitracker/src/util/concurrency"
)

const (
	defaultDailyTTL = time.Hour
	defaultTopTTL   = time.Hour
)

type cacheKV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

type usageStore interface {
	DailyUsage(ctx context.Context, callerID string, days int) ([]activitylog.DailyUsageRow, error)
	TopCallers(ctx context.Context, limit, hours int) ([]activitylog.TopCallerRow, error)
}

type callerDirectory interface {
	ListActiveIDs(ctx context.Context) ([]string, error)
}

// Service answers usage queries through a read-through cache: the fingerprint
// is looked up in the KV store first, and only a miss reaches the durable log
// store. Cache fills are best-effort.
type Service struct {
	kv      cacheKV
	store   usageStore
	callers callerDirectory
	tracker *Tracker
	logger  zerolog.Logger

	version  string
	dailyTTL time.Duration
	topTTL   time.Duration
}

type ServiceOptions struct {
	KV       *redis.Client
	Store    usageStore
	Callers  callerDirectory
	Tracker  *Tracker
	Version  string
	DailyTTL time.Duration
	TopTTL   time.Duration
	Logger   zerolog.Logger
}

func NewService(options ServiceOptions) *Service {
	if options.DailyTTL <= 0 {
		options.DailyTTL = defaultDailyTTL
	}
	if options.TopTTL <= 0 {
		options.TopTTL = defaultTopTTL
	}
	if options.Version == "" {
		options.Version = "v1"
	}

	return &Service{
		kv:       options.KV,
		store:    options.Store,
		callers:  options.Callers,
		tracker:  options.Tracker,
		logger:   options.Logger,
		version:  options.Version,
		dailyTTL: options.DailyTTL,
		topTTL:   options.TopTTL,
	}
}

// Daily returns per-caller per-day aggregates over the last `days` days,
// sorted by date descending then count descending.
func (s *Service) Daily(ctx context.Context, days int) ([]activitylog.DailyUsageRow, error) {
	fingerprint := DailyFingerprint(days)

	var cached []activitylog.DailyUsageRow
	if s.readCache(ctx, fingerprint, &cached) {
		return cached, nil
	}

	rows, err := s.queryDaily(ctx, days)
	if err != nil {
		return nil, err
	}

	if len(rows) > 0 {
		s.writeCache(ctx, fingerprint, rows, s.dailyTTL)
	}
	return rows, nil
}

// Top returns the global top-callers aggregate over the last `hours` hours.
func (s *Service) Top(ctx context.Context, hours, limit int) ([]activitylog.TopCallerRow, error) {
	fingerprint := TopFingerprint(hours, limit)

	var cached []activitylog.TopCallerRow
	if s.readCache(ctx, fingerprint, &cached) {
		return cached, nil
	}

	rows, err := s.store.TopCallers(ctx, limit, hours)
	if err != nil {
		return nil, err
	}

	if len(rows) > 0 {
		s.writeCache(ctx, fingerprint, rows, s.topTTL)
	}
	return rows, nil
}

// PrewarmDaily refreshes the daily aggregate cache entry unconditionally,
// bypassing the cache read.
func (s *Service) PrewarmDaily(ctx context.Context, days int) error {
	rows, err := s.queryDaily(ctx, days)
	if err != nil {
		return err
	}
	return s.fillCache(ctx, DailyFingerprint(days), rows, s.dailyTTL)
}

func (s *Service) PrewarmTop(ctx context.Context, hours, limit int) error {
	rows, err := s.store.TopCallers(ctx, limit, hours)
	if err != nil {
		return err
	}
	return s.fillCache(ctx, TopFingerprint(hours, limit), rows, s.topTTL)
}

// queryDaily fans out one aggregation per active caller, concatenates the
// per-caller rows without cross-caller summation and sorts the combined set.
func (s *Service) queryDaily(ctx context.Context, days int) ([]activitylog.DailyUsageRow, error) {
	callerIDs, err := s.callers.ListActiveIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active callers: %w", err)
	}

	tasks := make([]concurrency.Task[[]activitylog.DailyUsageRow], len(callerIDs))
	for i, callerID := range callerIDs {
		tasks[i] = func() ([]activitylog.DailyUsageRow, error) {
			return s.store.DailyUsage(ctx, callerID, days)
		}
	}

	var rows []activitylog.DailyUsageRow
	for i, settled := range concurrency.AllSettled(ctx, tasks) {
		if settled.Err != nil {
			return nil, fmt.Errorf("daily usage for caller '%s' failed: %w", callerIDs[i], settled.Err)
		}
		rows = append(rows, settled.Result...)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].Date.Equal(rows[j].Date) {
			return rows[i].Date.After(rows[j].Date)
		}
		return rows[i].Count > rows[j].Count
	})
	return rows, nil
}

// readCache reports whether the fingerprint resolved to a non-empty cached
// payload, recording hit/miss telemetry either way. KV errors count as a
// miss.
func (s *Service) readCache(ctx context.Context, fingerprint string, out any) bool {
	payload, found, err := s.kv.Get(ctx, s.cacheKey(fingerprint))
	if err == nil && found && payload != "" {
		if err := json.Unmarshal([]byte(payload), out); err == nil {
			s.tracker.Hit(ctx, fingerprint)
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return true
		}
		s.logger.Warn().Msgf("discarding undecodable cache entry for '%s'", fingerprint)
	}
	if err != nil {
		s.logger.Warn().Err(err).Msgf("cache read for '%s' failed", fingerprint)
	}

	s.tracker.Miss(ctx, fingerprint)
	metrics.CacheLookups.WithLabelValues("miss").Inc()
	return false
}

// writeCache is the best-effort fill on the request path; failures are logged
// and swallowed so the response still returns.
func (s *Service) writeCache(ctx context.Context, fingerprint string, rows any, ttl time.Duration) {
	if err := s.fillCache(ctx, fingerprint, rows, ttl); err != nil {
		s.logger.Warn().Err(err).Msgf("cache write for '%s' failed", fingerprint)
	}
}

func (s *Service) fillCache(ctx context.Context, fingerprint string, rows any, ttl time.Duration) error {
	payload, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry for '%s': %w", fingerprint, err)
	}
	return s.kv.Set(ctx, s.cacheKey(fingerprint), string(payload), ttl)
}

// cacheKey prefixes the fingerprint with the configured cache version;
// bumping the version abandons every old entry without touching the store.
func (s *Service) cacheKey(fingerprint string) string {
	return fmt.Sprintf("cache:%s:%s", s.version, fingerprint)
}
