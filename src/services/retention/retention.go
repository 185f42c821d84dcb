// Package retention prunes activity records past the configured age.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

const sweepInterval = 24 * time.Hour

type pruner interface {
	DeleteOlderThan(ctx context.Context, days int) (int64, error)
}

type Sweeper struct {
	store  pruner
	days   int
	logger zerolog.Logger

	scheduler gocron.Scheduler
}

type Options struct {
	Store  pruner
	Days   int
	Logger zerolog.Logger
}

func NewSweeper(options Options) *Sweeper {
	return &Sweeper{
		store:  options.Store,
		days:   options.Days,
		logger: options.Logger,
	}
}

func (s *Sweeper) Start(_ context.Context) error {
	if s.scheduler != nil {
		return fmt.Errorf("retention sweeper already started")
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create retention scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(sweepInterval),
		gocron.NewTask(s.sweep),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}

	s.scheduler = scheduler
	scheduler.Start()
	return nil
}

func (s *Sweeper) Stop(_ context.Context) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.Shutdown(); err != nil {
		s.logger.Error().Err(err).Msg("failed to shutdown retention scheduler")
	}
	s.scheduler = nil
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	deleted, err := s.store.DeleteOlderThan(ctx, s.days)
	if err != nil {
		s.logger.Error().Err(err).Msg("retention sweep failed")
		return
	}
	if deleted > 0 {
		s.logger.Info().Msgf("retention sweep deleted %d records older than %d days", deleted, s.days)
	}
}
