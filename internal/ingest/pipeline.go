package ingest

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skysink/skysink/pkg/config"
	"github.com/skysink/skysink/pkg/logger"
	"github.com/skysink/skysink/pkg/metrics"
)

// Pipeline assembles the ingestion components and owns every periodic
// timer (flush ticks, backpressure checks, health reports), so shutdown
// can stop them deterministically before the final flush-all runs.
type Pipeline struct {
	cfg    *config.Config
	logger *zap.Logger

	reporter   *Reporter
	queues     *QueueManager
	classifier *Classifier
	flusher    *Flusher
	monitor    *ResourceMonitor

	runCtx   context.Context
	cancel   context.CancelFunc
	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// HealthSnapshot is the full queryable health surface: pipeline counters
// and timings plus per-breaker state and the pause flag.
type HealthSnapshot struct {
	MetricsSnapshot
	Paused   bool           `json:"paused"`
	Breakers []BreakerStats `json:"breakers"`
}

// NewPipeline wires a pipeline over the given store. The sampler may be
// nil, in which case the process's own RSS is sampled.
func NewPipeline(cfg *config.Config, store Store, sampler MemorySampler, logger *zap.Logger) (*Pipeline, error) {
	if sampler == nil {
		var err error
		sampler, err = NewProcessSampler()
		if err != nil {
			return nil, err
		}
	}

	reporter := NewReporter(cfg.Observability, logger)
	queues := NewQueueManager(reporter, logger)
	classifier := NewClassifier(reporter, logger)
	sink := NewDeadLetterSink(store, reporter, logger)
	flusher := NewFlusher(cfg, store, queues, sink, reporter, logger)
	monitor := NewResourceMonitor(cfg.Backpressure, queues, flusher, reporter, sampler, logger)

	return &Pipeline{
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "pipeline")),
		reporter:   reporter,
		queues:     queues,
		classifier: classifier,
		flusher:    flusher,
		monitor:    monitor,
	}, nil
}

// Start launches the periodic flush loop, the resource monitor, and the
// health reporter. The run context is detached from ctx's cancellation:
// shutdown goes through Stop, which drains in-flight writes under the
// grace period instead of cutting them off when the caller's context dies.
func (p *Pipeline) Start(ctx context.Context) {
	p.runCtx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	p.stop = make(chan struct{})

	p.monitor.Start(p.runCtx)
	p.reporter.Start(p.runCtx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.Pipeline.FlushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.flusher.FlushAll(p.runCtx)
			case <-p.stop:
				return
			}
		}
	}()

	p.logger.Info("pipeline started",
		zap.Int("batch_threshold", p.cfg.Pipeline.BatchThreshold),
		zap.Duration("flush_interval", p.cfg.Pipeline.FlushInterval))
}

// Ingest classifies one inbound event and enqueues the resulting records.
// It is synchronous and never blocks on I/O: the producer's callback
// returns as soon as the records are queued (or counted as dropped).
func (p *Pipeline) Ingest(evt RawEvent) {
	start := time.Now()

	records := p.classifier.Classify(evt)
	ctx := logger.WithCollection(p.runContext(), evt.Collection)
	for _, record := range records {
		p.reporter.IncReceived(1)
		metrics.EventsReceived.WithLabelValues(string(record.Kind)).Inc()

		if !p.queues.Enqueue(record) {
			continue
		}
		p.flusher.MaybeFlush(ctx, record.Kind)
	}

	if len(records) > 0 {
		p.reporter.ObserveProcessing(time.Since(start))
	}
}

// Stop halts all timers, then drains in-flight flushes and runs a final
// flush-all, both bounded by the shutdown grace period, so neither queued
// records nor a batch already swapped out of its queue are abandoned. The
// run context is cancelled only after the drain completes.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("pipeline stopping")

		p.monitor.Stop()
		p.reporter.Stop()
		if p.stop != nil {
			close(p.stop)
		}
		p.wg.Wait()

		drainCtx, cancel := context.WithTimeout(context.Background(), p.cfg.Pipeline.ShutdownGrace)
		defer cancel()
		p.flusher.Drain(drainCtx)
		if p.cancel != nil {
			p.cancel()
		}

		snap := p.reporter.Snapshot()
		p.logger.Info("pipeline stopped",
			zap.Int64("processed", snap.Processed),
			zap.Int64("dropped", snap.Dropped),
			zap.Int64("dead_letters", snap.DeadLetters))
	})
}

// Health returns the full queryable health snapshot.
func (p *Pipeline) Health() HealthSnapshot {
	return HealthSnapshot{
		MetricsSnapshot: p.reporter.Snapshot(),
		Paused:          p.queues.Paused(),
		Breakers:        p.flusher.BreakerStats(),
	}
}

// Flusher exposes the flusher for manual flushes.
func (p *Pipeline) Flusher() *Flusher {
	return p.flusher
}

// Queues exposes the queue manager, primarily for tests and the monitor.
func (p *Pipeline) Queues() *QueueManager {
	return p.queues
}

// Reporter exposes the metrics reporter.
func (p *Pipeline) Reporter() *Reporter {
	return p.reporter
}

func (p *Pipeline) runContext() context.Context {
	if p.runCtx != nil {
		return p.runCtx
	}
	return context.Background()
}
