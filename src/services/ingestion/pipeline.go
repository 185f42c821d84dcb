// Package ingestion implements the batched write path for activity records:
// submissions are collected into a pending batch and flushed to the durable
// log store either when the batch fills up or on an interval. A storage
// outage diverts the batch into the bounded overflow buffer instead of
// blocking or failing the caller.
package ingestion

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"apitracker/src/platform/metrics"
	"apitracker/src/storage/activitylog"
	"apitracker/src/util/retry"
)

const (
	defaultBatchSize     = 100
	defaultBatchInterval = 5 * time.Second
	pendingSafetyCap     = 1_000
	flushOpTimeout       = 30 * time.Second
)

// Inserter is the slice of the durable log store the pipeline needs.
type Inserter interface {
	BulkInsert(ctx context.Context, records []activitylog.Record) error
}

type Pipeline struct {
	store  Inserter
	buffer *OverflowBuffer
	policy retry.Policy
	logger zerolog.Logger

	batchSize     int
	batchInterval time.Duration

	// mu guards only the in-memory pending slice; it is never held across a
	// storage call.
	mu      sync.Mutex
	pending []activitylog.Record

	// flushMu serializes whole flush cycles.
	flushMu sync.Mutex

	ticking   atomic.Bool
	scheduler gocron.Scheduler
}

type PipelineOptions struct {
	Store         Inserter
	BatchSize     int
	BatchInterval time.Duration
	BufferMaxSize int
	BufferMaxAge  time.Duration
	Logger        zerolog.Logger
}

func NewPipeline(options PipelineOptions) *Pipeline {
	if options.BatchSize <= 0 {
		options.BatchSize = defaultBatchSize
	}
	if options.BatchInterval <= 0 {
		options.BatchInterval = defaultBatchInterval
	}

	return &Pipeline{
		store: options.Store,
		buffer: NewOverflowBuffer(OverflowBufferOptions{
			MaxSize: options.BufferMaxSize,
			MaxAge:  options.BufferMaxAge,
			Logger:  options.Logger,
		}),
		policy:        retry.DefaultPolicy(options.Logger),
		logger:        options.Logger,
		batchSize:     options.BatchSize,
		batchInterval: options.BatchInterval,
	}
}

func (p *Pipeline) Start(ctx context.Context) error {
	if p.scheduler != nil {
		return fmt.Errorf("ingestion pipeline already started")
	}

	if err := p.buffer.Start(ctx); err != nil {
		return err
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		p.buffer.Stop(ctx)
		return fmt.Errorf("failed to create ingestion scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(p.batchInterval),
		gocron.NewTask(p.tick),
	)
	if err != nil {
		p.buffer.Stop(ctx)
		return fmt.Errorf("failed to schedule ingestion flush: %w", err)
	}

	p.scheduler = scheduler
	scheduler.Start()
	return nil
}

// Stop runs the shutdown sequence: stop the interval timer, flush the
// remaining pending batch (which also drains the overflow buffer), then stop
// the buffer's cleanup timer.
func (p *Pipeline) Stop(ctx context.Context) {
	if p.scheduler == nil {
		p.logger.Warn().Msg("ingestion pipeline already stopped")
		return
	}

	if err := p.scheduler.Shutdown(); err != nil {
		p.logger.Error().Err(err).Msg("failed to shutdown ingestion scheduler")
	}
	p.scheduler = nil

	p.Flush()

	p.buffer.Stop(ctx)
}

// Submit enqueues the record and returns immediately unless the enqueue
// filled the batch, in which case the flush runs with the submitter. The
// server assigns the timestamp here; callers cannot back-date records.
func (p *Pipeline) Submit(record activitylog.Record) {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	p.mu.Lock()
	p.pending = append(p.pending, record)
	full := len(p.pending) >= p.batchSize
	p.mu.Unlock()

	metrics.IngestionSubmitted.Inc()

	if full {
		p.Flush()
	}
}

// PendingLen is used by tests and the metrics endpoint.
func (p *Pipeline) PendingLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Pipeline) BufferLen() int {
	return p.buffer.Len()
}

// tick is the interval flush; overlapping ticks are dropped.
func (p *Pipeline) tick() {
	if !p.ticking.CompareAndSwap(false, true) {
		return
	}
	defer p.ticking.Store(false)

	if p.PendingLen() > 0 || p.buffer.Len() > 0 {
		p.Flush()
	}
}

// Flush executes one flush cycle:
//  1. swap out the pending batch
//  2. drain the overflow buffer first, restoring it untouched on failure
//  3. bulk insert the swapped batch
//  4. on transient failure divert the batch into the overflow buffer; on a
//     fatal error re-queue it while the pending queue is below the safety
//     cap, otherwise drop it with a log entry
func (p *Pipeline) Flush() {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	started := time.Now()
	defer func() {
		metrics.FlushDuration.Observe(time.Since(started).Seconds())
	}()

	p.mu.Lock()
	toWrite := p.pending
	p.pending = nil
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushOpTimeout)
	defer cancel()

	p.drainBuffer(ctx)

	if len(toWrite) == 0 {
		return
	}

	err := retry.DoVoid(ctx, p.policy, "ingestion.flush", func() error {
		return p.store.BulkInsert(ctx, toWrite)
	})
	if err == nil {
		metrics.IngestionFlushed.Add(float64(len(toWrite)))
		p.logger.Debug().Msgf("flushed %d activity records", len(toWrite))
		return
	}

	if retry.IsTransient(err) {
		p.logger.Warn().Err(err).Msgf("storage unavailable, diverting %d records to overflow buffer", len(toWrite))
		for _, record := range toWrite {
			p.buffer.Add(record)
		}
		metrics.IngestionBuffered.Add(float64(len(toWrite)))
		return
	}

	p.mu.Lock()
	requeue := len(p.pending) < pendingSafetyCap
	if requeue {
		p.pending = append(toWrite, p.pending...)
	}
	p.mu.Unlock()

	if requeue {
		p.logger.Error().Err(err).Msgf("flush failed fatally, re-queued %d records", len(toWrite))
	} else {
		metrics.IngestionDropped.Add(float64(len(toWrite)))
		p.logger.Error().Err(err).Msgf("flush failed fatally and pending queue is over the safety cap, dropped %d records", len(toWrite))
	}
}

// drainBuffer attempts to write the overflow backlog ahead of the fresh
// batch; on failure the backlog is restored in its original order.
func (p *Pipeline) drainBuffer(ctx context.Context) {
	if p.buffer.Len() == 0 {
		return
	}

	buffered := p.buffer.Flush()
	if len(buffered) == 0 {
		return
	}

	err := retry.DoVoid(ctx, p.policy, "ingestion.drainBuffer", func() error {
		return p.store.BulkInsert(ctx, buffered)
	})
	if err != nil {
		p.logger.Warn().Err(err).Msgf("overflow buffer drain failed, keeping %d records buffered", len(buffered))
		for _, record := range buffered {
			p.buffer.Add(record)
		}
		return
	}

	metrics.IngestionFlushed.Add(float64(len(buffered)))
	p.logger.Info().Msgf("drained %d records from overflow buffer", len(buffered))
}
