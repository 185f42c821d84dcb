// Package prewarm refreshes analytics cache entries ahead of demand: a fixed
// set of popular aggregations at startup and, on a schedule, whatever the hit
// tracker flags as hot.
package prewarm

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"apitracker/src/platform/metrics"
	"apitracker/src/services/analytics"
)

const cycleInterval = 10 * time.Minute

// staticSet is the aggregations worth keeping warm regardless of telemetry.
var staticSet = []analytics.Query{
	{Kind: analytics.QueryDaily, Days: 7},
	{Kind: analytics.QueryDaily, Days: 30},
	{Kind: analytics.QueryTop, Hours: 24, Limit: 3},
	{Kind: analytics.QueryTop, Hours: 24, Limit: 10},
	{Kind: analytics.QueryTop, Hours: 168, Limit: 10},
}

type warmer interface {
	PrewarmDaily(ctx context.Context, days int) error
	PrewarmTop(ctx context.Context, hours, limit int) error
}

type hotKeySource interface {
	HotKeys(ctx context.Context) ([]string, error)
}

type Prewarmer struct {
	analytics warmer
	tracker   hotKeySource
	logger    zerolog.Logger

	onStartup bool
	onCron    bool

	running   atomic.Bool
	scheduler gocron.Scheduler
}

type Options struct {
	Analytics *analytics.Service
	Tracker   *analytics.Tracker
	OnStartup bool
	OnCron    bool
	Logger    zerolog.Logger
}

func NewPrewarmer(options Options) *Prewarmer {
	return &Prewarmer{
		analytics: options.Analytics,
		tracker:   options.Tracker,
		logger:    options.Logger,
		onStartup: options.OnStartup,
		onCron:    options.OnCron,
	}
}

// Start runs the startup warm-up and schedules the periodic cycle, each only
// if enabled. Warm-up failures are logged, never fatal.
func (p *Prewarmer) Start(ctx context.Context) error {
	if p.onStartup {
		p.warmStaticSet(ctx)
	}

	if !p.onCron {
		return nil
	}
	if p.scheduler != nil {
		return fmt.Errorf("pre-warmer already started")
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create pre-warmer scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(cycleInterval),
		gocron.NewTask(p.cycle),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule pre-warm cycle: %w", err)
	}

	p.scheduler = scheduler
	scheduler.Start()
	return nil
}

func (p *Prewarmer) Stop(_ context.Context) {
	if p.scheduler == nil {
		return
	}
	if err := p.scheduler.Shutdown(); err != nil {
		p.logger.Error().Err(err).Msg("failed to shutdown pre-warmer scheduler")
	}
	p.scheduler = nil
}

// cycle refreshes the hot fingerprints reported by the tracker, then the
// static set. Overlapping cycles are dropped.
func (p *Prewarmer) cycle() {
	if !p.running.CompareAndSwap(false, true) {
		p.logger.Warn().Msg("previous pre-warm cycle still running, skipping")
		return
	}
	defer p.running.Store(false)

	ctx := context.Background()
	metrics.PrewarmCycles.Inc()

	hot, err := p.tracker.HotKeys(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("hot-key scan failed")
	}
	for _, fingerprint := range hot {
		query, ok := analytics.ParseFingerprint(fingerprint)
		if !ok {
			p.logger.Debug().Msgf("skipping unparseable hot key '%s'", fingerprint)
			continue
		}
		p.warm(ctx, query)
	}

	p.warmStaticSet(ctx)
}

func (p *Prewarmer) warmStaticSet(ctx context.Context) {
	for _, query := range staticSet {
		p.warm(ctx, query)
	}
}

func (p *Prewarmer) warm(ctx context.Context, query analytics.Query) {
	var err error
	switch query.Kind {
	case analytics.QueryDaily:
		err = p.analytics.PrewarmDaily(ctx, query.Days)
	case analytics.QueryTop:
		err = p.analytics.PrewarmTop(ctx, query.Hours, query.Limit)
	}
	if err != nil {
		p.logger.Warn().Err(err).Msgf("pre-warm of %s failed", describe(query))
	}
}

func describe(query analytics.Query) string {
	if query.Kind == analytics.QueryDaily {
		return analytics.DailyFingerprint(query.Days)
	}
	return analytics.TopFingerprint(query.Hours, query.Limit)
}
