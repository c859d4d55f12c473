package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skysink/skysink/pkg/config"
)

const timingWindow = 256 // rolling sample window per timing series

// Reporter aggregates pipeline counters and timing samples into a health
// snapshot. Counters are cumulative for the process lifetime; the healthy
// flag is derived from activity within the current reporting window.
type Reporter struct {
	cfg    config.ObservabilityConfig
	logger *zap.Logger

	received           atomic.Int64
	processed          atomic.Int64
	dropped            atomic.Int64
	malformed          atomic.Int64
	flushes            atomic.Int64
	flushErrors        atomic.Int64
	deadLetters        atomic.Int64
	backpressureEvents atomic.Int64
	lastBackpressure   atomic.Int64 // unix nano, 0 = never

	currentQueueSize atomic.Int64
	peakQueueSize    atomic.Int64

	// droppedAtLastReport tracks the window baseline for the drop-rate
	// health check.
	droppedAtLastReport atomic.Int64

	mu                sync.Mutex
	processingSamples []time.Duration
	processingIndex   int
	processingCount   int
	flushSamples      []time.Duration
	flushIndex        int
	flushCount        int

	startTime time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// MetricsSnapshot is the queryable health surface.
type MetricsSnapshot struct {
	Received           int64 `json:"received"`
	Processed          int64 `json:"processed"`
	Dropped            int64 `json:"dropped"`
	Malformed          int64 `json:"malformed"`
	Flushes            int64 `json:"flushes"`
	FlushErrors        int64 `json:"flush_errors"`
	DeadLetters        int64 `json:"dead_letters"`
	BackpressureEvents int64 `json:"backpressure_events"`

	AvgProcessingMs float64 `json:"avg_processing_ms"`
	MaxProcessingMs float64 `json:"max_processing_ms"`
	AvgFlushMs      float64 `json:"avg_flush_ms"`
	MaxFlushMs      float64 `json:"max_flush_ms"`

	CurrentQueueSize int64 `json:"current_queue_size"`
	PeakQueueSize    int64 `json:"peak_queue_size"`

	LastBackpressure time.Time `json:"last_backpressure,omitempty"`
	UptimeSeconds    float64   `json:"uptime_seconds"`
	Healthy          bool      `json:"healthy"`
}

// NewReporter creates a reporter with empty counters.
func NewReporter(cfg config.ObservabilityConfig, logger *zap.Logger) *Reporter {
	return &Reporter{
		cfg:               cfg,
		logger:            logger.With(zap.String("component", "reporter")),
		processingSamples: make([]time.Duration, timingWindow),
		flushSamples:      make([]time.Duration, timingWindow),
		startTime:         time.Now(),
		stopCh:            make(chan struct{}),
	}
}

// IncReceived counts classified records entering the pipeline.
func (r *Reporter) IncReceived(n int64) { r.received.Add(n) }

// IncProcessed counts records successfully upserted.
func (r *Reporter) IncProcessed(n int64) { r.processed.Add(n) }

// IncDropped counts records discarded under backpressure.
func (r *Reporter) IncDropped(n int64) { r.dropped.Add(n) }

// IncMalformed counts malformed records dropped by the classifier.
func (r *Reporter) IncMalformed() {
	r.malformed.Add(1)
	r.dropped.Add(1)
}

// IncDeadLetters counts records moved to the dead-letter sink.
func (r *Reporter) IncDeadLetters(n int64) { r.deadLetters.Add(n) }

// ObserveProcessing records one ingestion-path timing sample.
func (r *Reporter) ObserveProcessing(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processingSamples[r.processingIndex] = d
	r.processingIndex = (r.processingIndex + 1) % timingWindow
	if r.processingCount < timingWindow {
		r.processingCount++
	}
}

// RecordFlush records one completed flush attempt's outcome and duration.
func (r *Reporter) RecordFlush(records int, d time.Duration, failed bool) {
	r.flushes.Add(1)
	if failed {
		r.flushErrors.Add(1)
	} else {
		r.processed.Add(int64(records))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushSamples[r.flushIndex] = d
	r.flushIndex = (r.flushIndex + 1) % timingWindow
	if r.flushCount < timingWindow {
		r.flushCount++
	}
}

// RecordBackpressure records a monitor-triggered pause.
func (r *Reporter) RecordBackpressure() {
	r.backpressureEvents.Add(1)
	r.lastBackpressure.Store(time.Now().UnixNano())
}

// UpdateQueueSize tracks the current and peak aggregate queue size.
func (r *Reporter) UpdateQueueSize(total int) {
	size := int64(total)
	r.currentQueueSize.Store(size)
	for {
		peak := r.peakQueueSize.Load()
		if size <= peak || r.peakQueueSize.CompareAndSwap(peak, size) {
			return
		}
	}
}

// Snapshot assembles the current health snapshot.
func (r *Reporter) Snapshot() MetricsSnapshot {
	avgProc, maxProc := r.timingStats(true)
	avgFlush, maxFlush := r.timingStats(false)

	var lastBP time.Time
	if ns := r.lastBackpressure.Load(); ns != 0 {
		lastBP = time.Unix(0, ns)
	}

	snap := MetricsSnapshot{
		Received:           r.received.Load(),
		Processed:          r.processed.Load(),
		Dropped:            r.dropped.Load(),
		Malformed:          r.malformed.Load(),
		Flushes:            r.flushes.Load(),
		FlushErrors:        r.flushErrors.Load(),
		DeadLetters:        r.deadLetters.Load(),
		BackpressureEvents: r.backpressureEvents.Load(),
		AvgProcessingMs:    durationMs(avgProc),
		MaxProcessingMs:    durationMs(maxProc),
		AvgFlushMs:         durationMs(avgFlush),
		MaxFlushMs:         durationMs(maxFlush),
		CurrentQueueSize:   r.currentQueueSize.Load(),
		PeakQueueSize:      r.peakQueueSize.Load(),
		LastBackpressure:   lastBP,
		UptimeSeconds:      time.Since(r.startTime).Seconds(),
	}
	snap.Healthy = r.healthy(snap, avgProc, avgFlush)
	return snap
}

// healthy derives the boolean health flag: unhealthy when records were
// dropped during the current window, when average processing or flush time
// exceeds its threshold, or when a backpressure event occurred recently.
func (r *Reporter) healthy(snap MetricsSnapshot, avgProc, avgFlush time.Duration) bool {
	windowDrops := snap.Dropped - r.droppedAtLastReport.Load()
	if windowDrops > 0 {
		return false
	}
	if r.cfg.HealthyMaxProcessing > 0 && avgProc > r.cfg.HealthyMaxProcessing {
		return false
	}
	if r.cfg.HealthyMaxFlush > 0 && avgFlush > r.cfg.HealthyMaxFlush {
		return false
	}
	if !snap.LastBackpressure.IsZero() && time.Since(snap.LastBackpressure) < r.cfg.BackpressureRecency {
		return false
	}
	return true
}

func (r *Reporter) timingStats(processing bool) (avg, max time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	samples := r.flushSamples
	count := r.flushCount
	if processing {
		samples = r.processingSamples
		count = r.processingCount
	}
	if count == 0 {
		return 0, 0
	}

	var total time.Duration
	for i := 0; i < count; i++ {
		total += samples[i]
		if samples[i] > max {
			max = samples[i]
		}
	}
	return total / time.Duration(count), max
}

// Start emits the health snapshot on the report interval until Stop.
func (r *Reporter) Start(ctx context.Context) {
	if r.cfg.ReportInterval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.ReportInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.emit()
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop halts the periodic report.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// emit logs the snapshot and advances the drop-rate window baseline.
func (r *Reporter) emit() {
	snap := r.Snapshot()
	r.droppedAtLastReport.Store(snap.Dropped)

	r.logger.Info("pipeline health",
		zap.Bool("healthy", snap.Healthy),
		zap.Int64("received", snap.Received),
		zap.Int64("processed", snap.Processed),
		zap.Int64("dropped", snap.Dropped),
		zap.Int64("flushes", snap.Flushes),
		zap.Int64("flush_errors", snap.FlushErrors),
		zap.Int64("dead_letters", snap.DeadLetters),
		zap.Int64("queue_size", snap.CurrentQueueSize),
		zap.Int64("queue_peak", snap.PeakQueueSize),
		zap.Float64("avg_processing_ms", snap.AvgProcessingMs),
		zap.Float64("avg_flush_ms", snap.AvgFlushMs))
}

// Reset zeroes all counters and samples. Intended for tests.
func (r *Reporter) Reset() {
	r.received.Store(0)
	r.processed.Store(0)
	r.dropped.Store(0)
	r.malformed.Store(0)
	r.flushes.Store(0)
	r.flushErrors.Store(0)
	r.deadLetters.Store(0)
	r.backpressureEvents.Store(0)
	r.lastBackpressure.Store(0)
	r.currentQueueSize.Store(0)
	r.peakQueueSize.Store(0)
	r.droppedAtLastReport.Store(0)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.processingIndex, r.processingCount = 0, 0
	r.flushIndex, r.flushCount = 0, 0
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
