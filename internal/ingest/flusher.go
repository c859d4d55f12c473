package ingest

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skysink/skysink/pkg/config"
	"github.com/skysink/skysink/pkg/logger"
	"github.com/skysink/skysink/pkg/metrics"
	"github.com/skysink/skysink/pkg/skyerrors"
)

// Store is the upsert-with-conflict-key contract the pipeline writes
// through. Rows are value slices aligned with columns; the implementation
// must insert new rows and overwrite existing rows matching the conflict
// columns, so replaying a batch is idempotent.
type Store interface {
	Upsert(ctx context.Context, destination string, conflictColumns, columns []string, rows [][]interface{}) error
	DeadLetterWriter
}

// Flusher drains queue snapshots and persists them through the per-kind
// circuit breakers with retry. Exhausted batches are routed to the
// dead-letter sink; a failed flush is completed, never fatal.
type Flusher struct {
	cfg      *config.Config
	store    Store
	queues   *QueueManager
	retrier  *Retrier
	sink     *DeadLetterSink
	reporter *Reporter
	logger   *zap.Logger

	breakers map[Kind]*CircuitBreaker
	inflight sync.WaitGroup
}

// NewFlusher wires a flusher over the queue set and store. Each entity
// kind gets an independent breaker for its destination table.
func NewFlusher(cfg *config.Config, store Store, queues *QueueManager, sink *DeadLetterSink, reporter *Reporter, logger *zap.Logger) *Flusher {
	f := &Flusher{
		cfg:      cfg,
		store:    store,
		queues:   queues,
		sink:     sink,
		reporter: reporter,
		logger:   logger.With(zap.String("component", "flusher")),
		retrier: NewRetrier(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay,
			cfg.Retry.Multiplier, cfg.Retry.MaxDelay, logger),
		breakers: make(map[Kind]*CircuitBreaker, len(allKinds)),
	}
	for _, kind := range allKinds {
		spec := tableSpecs[kind]
		f.breakers[kind] = NewCircuitBreaker(spec.Destination,
			cfg.CircuitBreaker.FailureThreshold,
			cfg.CircuitBreaker.RecoveryTimeout,
			cfg.CircuitBreaker.HalfOpenTimeout,
			logger)
	}
	return f
}

// MaybeFlush triggers an asynchronous flush when the kind's queue has
// crossed its batch threshold and no flush for that kind is in flight.
func (f *Flusher) MaybeFlush(ctx context.Context, kind Kind) {
	if f.queues.Size(kind) < f.cfg.BatchThresholdFor(string(kind)) {
		return
	}
	if !f.queues.beginFlush(kind) {
		return
	}
	f.inflight.Add(1)
	go func() {
		defer f.inflight.Done()
		defer f.queues.endFlush(kind)
		f.flushLocked(ctx, kind)
	}()
}

// Flush synchronously flushes one kind. It is a no-op when a flush for the
// kind is already in flight.
func (f *Flusher) Flush(ctx context.Context, kind Kind) {
	if !f.queues.beginFlush(kind) {
		return
	}
	defer f.queues.endFlush(kind)
	f.flushLocked(ctx, kind)
}

// FlushAll flushes every kind's queue concurrently and waits for
// completion. Flushes of different kinds are independent.
func (f *Flusher) FlushAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, kind := range allKinds {
		wg.Add(1)
		go func(k Kind) {
			defer wg.Done()
			f.Flush(ctx, k)
		}(kind)
	}
	wg.Wait()
}

// Drain waits for every in-flight asynchronous flush, bounded by ctx,
// then flushes all remaining queues. Shutdown calls this so a batch
// already swapped out of its queue is persisted or dead-lettered before
// the process exits.
func (f *Flusher) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		f.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	f.FlushAll(ctx)
}

// flushLocked performs the swap-then-persist cycle. The caller must hold
// the kind's flush guard: the swap only happens once the guard is held, so
// a kind never has two snapshots in flight.
func (f *Flusher) flushLocked(ctx context.Context, kind Kind) {
	batch := f.queues.Swap(kind)
	if len(batch) == 0 {
		return
	}

	spec := tableSpecs[kind]
	ctx = logger.WithDestination(ctx, spec.Destination)
	rows := dedupeRows(batch)
	start := time.Now()

	err := f.persist(ctx, kind, spec, rows)
	duration := time.Since(start)

	if err != nil {
		f.reporter.RecordFlush(len(batch), duration, true)
		metrics.FlushDuration.WithLabelValues(spec.Destination, "failure").Observe(duration.Seconds())
		f.sink.CaptureBatch(ctx, spec.Destination, batch, err)
		return
	}

	f.reporter.RecordFlush(len(batch), duration, false)
	metrics.FlushDuration.WithLabelValues(spec.Destination, "success").Observe(duration.Seconds())
	metrics.RecordsUpserted.WithLabelValues(spec.Destination).Add(float64(len(rows)))
	logger.WithContext(ctx, f.logger).Debug("flush completed",
		zap.Int("records", len(rows)),
		zap.Duration("duration", duration))
}

// persist runs the upsert through the breaker with retry. A panic inside
// the store call is converted into an error at this boundary so a corrupt
// batch dead-letters instead of taking the pipeline down.
func (f *Flusher) persist(ctx context.Context, kind Kind, spec TableSpec, rows [][]interface{}) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = skyerrors.Newf(skyerrors.ErrorTypePermanent, "panic during flush: %v", rec).
				WithDetail("destination", spec.Destination)
			f.logger.Error("recovered panic during flush",
				zap.String("destination", spec.Destination),
				zap.Any("panic", rec))
		}
	}()

	breaker := f.breakers[kind]
	return f.retrier.Do(ctx, func(ctx context.Context) error {
		return breaker.Execute(func() error {
			return f.store.Upsert(ctx, spec.Destination, spec.ConflictColumns, spec.Columns, rows)
		})
	})
}

// Breaker exposes a kind's breaker, primarily for the health surface.
func (f *Flusher) Breaker(kind Kind) *CircuitBreaker {
	return f.breakers[kind]
}

// BreakerStats returns every breaker's stats in stable kind order.
func (f *Flusher) BreakerStats() []BreakerStats {
	stats := make([]BreakerStats, 0, len(allKinds))
	for _, kind := range allKinds {
		stats = append(stats, f.breakers[kind].Stats())
	}
	return stats
}

// dedupeRows deduplicates a snapshot by key before the store call,
// keeping the later payload at the first-seen position, and converts
// records to row value slices.
func dedupeRows(batch []Record) [][]interface{} {
	position := make(map[string]int, len(batch))
	deduped := make([]Record, 0, len(batch))
	for _, record := range batch {
		if i, seen := position[record.Key]; seen {
			deduped[i] = record
			continue
		}
		position[record.Key] = len(deduped)
		deduped = append(deduped, record)
	}

	rows := make([][]interface{}, len(deduped))
	for i, record := range deduped {
		rows[i] = record.Values
	}
	return rows
}
