package ingestion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"apitracker/src/platform/metrics"
	"apitracker/src/storage/activitylog"
)

const (
	defaultBufferMaxSize  = 10_000
	defaultBufferMaxAge   = 1 * time.Hour
	bufferCleanupInterval = 60 * time.Second
)

// OverflowEntry pairs a record with its admission time so age-based cleanup
// can evict entries that sat in the buffer past retention.
type OverflowEntry struct {
	Record     activitylog.Record
	AdmittedAt time.Time
}

// OverflowBuffer is the bounded FIFO that holds records while the durable
// log store is unreachable. Add never blocks; when the buffer is full the
// oldest entry is dropped.
type OverflowBuffer struct {
	mu      sync.Mutex
	entries []OverflowEntry

	maxSize int
	maxAge  time.Duration

	scheduler gocron.Scheduler
	logger    zerolog.Logger
}

type OverflowBufferOptions struct {
	MaxSize int
	MaxAge  time.Duration
	Logger  zerolog.Logger
}

func NewOverflowBuffer(options OverflowBufferOptions) *OverflowBuffer {
	if options.MaxSize <= 0 {
		options.MaxSize = defaultBufferMaxSize
	}
	if options.MaxAge <= 0 {
		options.MaxAge = defaultBufferMaxAge
	}
	return &OverflowBuffer{
		maxSize: options.MaxSize,
		maxAge:  options.MaxAge,
		logger:  options.Logger,
	}
}

// Start schedules the periodic age-based cleanup.
func (b *OverflowBuffer) Start(_ context.Context) error {
	if b.scheduler != nil {
		return fmt.Errorf("overflow buffer already started")
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create overflow buffer scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(bufferCleanupInterval),
		gocron.NewTask(func() {
			if evicted := b.Cleanup(); evicted > 0 {
				b.logger.Warn().Msgf("evicted %d overflow entries older than %s", evicted, b.maxAge)
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule overflow buffer cleanup: %w", err)
	}

	b.scheduler = scheduler
	scheduler.Start()
	return nil
}

func (b *OverflowBuffer) Stop(_ context.Context) {
	if b.scheduler == nil {
		return
	}
	if err := b.scheduler.Shutdown(); err != nil {
		b.logger.Error().Err(err).Msg("failed to shutdown overflow buffer scheduler")
	}
	b.scheduler = nil
}

// Add appends the record; on overflow the oldest entry is dropped and a
// warning is logged. Insertion is O(1) and never blocks on storage.
func (b *OverflowBuffer) Add(record activitylog.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, OverflowEntry{Record: record, AdmittedAt: time.Now()})
	if len(b.entries) > b.maxSize {
		dropped := b.entries[0]
		b.entries = b.entries[1:]
		metrics.IngestionDropped.Inc()
		b.logger.Warn().
			Str("caller_id", dropped.Record.CallerID).
			Msgf("overflow buffer full (%d entries), dropped oldest record", b.maxSize)
	}

	metrics.OverflowSize.Set(float64(len(b.entries)))
}

// Flush atomically removes and returns all buffered records in FIFO order.
func (b *OverflowBuffer) Flush() []activitylog.Record {
	b.mu.Lock()
	entries := b.entries
	b.entries = nil
	b.mu.Unlock()

	metrics.OverflowSize.Set(0)

	records := make([]activitylog.Record, len(entries))
	for i, e := range entries {
		records[i] = e.Record
	}
	return records
}

// Cleanup evicts entries older than the configured max age and returns how
// many were removed.
func (b *OverflowBuffer) Cleanup() int {
	cutoff := time.Now().Add(-b.maxAge)

	b.mu.Lock()
	defer b.mu.Unlock()

	// Entries are admission-ordered, so the survivors are a suffix.
	idx := 0
	for idx < len(b.entries) && b.entries[idx].AdmittedAt.Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return 0
	}

	b.entries = append([]OverflowEntry(nil), b.entries[idx:]...)
	metrics.OverflowSize.Set(float64(len(b.entries)))
	return idx
}

func (b *OverflowBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
