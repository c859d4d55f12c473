package ingest

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/skysink/skysink/pkg/config"
	"github.com/skysink/skysink/pkg/metrics"
)

// MemorySampler reads the process resident set size. The production
// implementation samples via gopsutil; tests substitute a stub.
type MemorySampler interface {
	RSS() (uint64, error)
}

// processSampler samples the current process through gopsutil.
type processSampler struct {
	proc *process.Process
}

// NewProcessSampler creates a sampler for the running process.
func NewProcessSampler() (MemorySampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &processSampler{proc: proc}, nil
}

func (s *processSampler) RSS() (uint64, error) {
	info, err := s.proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

// ResourceMonitor samples process memory and aggregate queue size on a
// fixed timer, independent of the ingestion call path, and pauses
// ingestion when limits are exceeded. It communicates with the enqueue
// path only through the queue manager's pause flag.
//
// Trigger priority per tick: hard memory limit, then soft memory limit,
// then aggregate queue capacity. Resume is implicit on cooldown expiry;
// if pressure persists, the next tick after resume pauses again, bounding
// any flap window to one check interval.
type ResourceMonitor struct {
	cfg      config.BackpressureConfig
	queues   *QueueManager
	flusher  *Flusher
	reporter *Reporter
	sampler  MemorySampler
	logger   *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewResourceMonitor creates a monitor over the queue set.
func NewResourceMonitor(cfg config.BackpressureConfig, queues *QueueManager, flusher *Flusher, reporter *Reporter, sampler MemorySampler, logger *zap.Logger) *ResourceMonitor {
	return &ResourceMonitor{
		cfg:      cfg,
		queues:   queues,
		flusher:  flusher,
		reporter: reporter,
		sampler:  sampler,
		logger:   logger.With(zap.String("component", "resource_monitor")),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the sampling loop.
func (m *ResourceMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.Check(ctx)
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sampling loop and waits for it to exit.
func (m *ResourceMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Check runs a single monitoring tick. Exported so tests and the shutdown
// path can drive ticks directly.
func (m *ResourceMonitor) Check(ctx context.Context) {
	rss, err := m.sampler.RSS()
	if err != nil {
		m.logger.Warn("memory sampling failed", zap.Error(err))
		rss = 0
	}
	metrics.MemoryRSS.Set(float64(rss))

	rssMB := rss / (1024 * 1024)
	queueSize := m.queues.TotalSize()
	m.reporter.UpdateQueueSize(queueSize)

	if m.queues.Paused() {
		// Already paused; the cooldown deadline governs resume.
		return
	}

	switch {
	case m.cfg.MemoryHardLimitMB > 0 && rssMB >= m.cfg.MemoryHardLimitMB:
		m.trigger("memory_hard", m.cfg.HardCooldown,
			zap.Uint64("rss_mb", rssMB),
			zap.Uint64("limit_mb", m.cfg.MemoryHardLimitMB))
		// Hard limit: hint the collector and force every queue out to the
		// store immediately to release queued memory.
		runtime.GC()
		go m.flusher.FlushAll(ctx)

	case m.cfg.MemorySoftLimitMB > 0 && rssMB >= m.cfg.MemorySoftLimitMB:
		m.trigger("memory_soft", m.cfg.SoftCooldown,
			zap.Uint64("rss_mb", rssMB),
			zap.Uint64("limit_mb", m.cfg.MemorySoftLimitMB))

	case queueSize >= m.cfg.QueueCapacity:
		m.trigger("queue_capacity", m.cfg.SoftCooldown,
			zap.Int("queue_size", queueSize),
			zap.Int("capacity", m.cfg.QueueCapacity))
	}
}

func (m *ResourceMonitor) trigger(cause string, cooldown time.Duration, fields ...zap.Field) {
	m.queues.Pause(cooldown, cause)
	m.reporter.RecordBackpressure()
	metrics.BackpressureEvents.WithLabelValues(cause).Inc()
	m.logger.Warn("backpressure triggered", append(fields, zap.String("cause", cause))...)
}
