package ingest

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skysink/skysink/pkg/testutil"
)

// stubSampler returns a programmable RSS value.
type stubSampler struct {
	rss atomic.Uint64
}

func (s *stubSampler) RSS() (uint64, error) {
	return s.rss.Load(), nil
}

func (s *stubSampler) set(mb uint64) {
	s.rss.Store(mb * 1024 * 1024)
}

func newTestMonitor(t *testing.T, store *fakeStore, sampler MemorySampler) (*ResourceMonitor, *QueueManager, *Reporter) {
	t.Helper()
	cfg := testConfig()
	cfg.Backpressure.QueueCapacity = 10

	logger := testutil.TestLogger(t)
	reporter := NewReporter(cfg.Observability, logger)
	queues := NewQueueManager(reporter, logger)
	sink := NewDeadLetterSink(store, reporter, logger)
	flusher := NewFlusher(cfg, store, queues, sink, reporter, logger)
	monitor := NewResourceMonitor(cfg.Backpressure, queues, flusher, reporter, sampler, logger)
	return monitor, queues, reporter
}

func TestMonitorUnderLimitsDoesNothing(t *testing.T) {
	sampler := &stubSampler{}
	sampler.set(100)
	monitor, queues, reporter := newTestMonitor(t, &fakeStore{}, sampler)

	monitor.Check(context.Background())
	assert.False(t, queues.Paused())
	assert.Equal(t, int64(0), reporter.Snapshot().BackpressureEvents)
}

func TestMonitorSoftLimitPauses(t *testing.T) {
	sampler := &stubSampler{}
	sampler.set(1100)
	monitor, queues, reporter := newTestMonitor(t, &fakeStore{}, sampler)

	monitor.Check(context.Background())
	assert.True(t, queues.Paused(), "soft limit must pause ingestion")
	assert.Equal(t, int64(1), reporter.Snapshot().BackpressureEvents)

	assert.False(t, queues.Enqueue(mustLike(t, "at://a/1")), "paused enqueue drops")
	assert.Equal(t, int64(1), reporter.Snapshot().Dropped)
}

func TestMonitorHardLimitPausesAndFlushes(t *testing.T) {
	sampler := &stubSampler{}
	sampler.set(100)
	store := &fakeStore{}
	monitor, queues, _ := newTestMonitor(t, store, sampler)

	require.True(t, queues.Enqueue(mustLike(t, "at://a/1")))

	sampler.set(2000)
	monitor.Check(context.Background())
	assert.True(t, queues.Paused())

	testutil.AssertEventually(t, func() bool { return store.rowsUpserted("likes") == 1 },
		time.Second, "hard limit must force-flush queued records")
}

func TestMonitorQueueCapacityPauses(t *testing.T) {
	sampler := &stubSampler{}
	sampler.set(100)
	monitor, queues, reporter := newTestMonitor(t, &fakeStore{}, sampler)

	for i := 0; i < 10; i++ {
		require.True(t, queues.Enqueue(mustLike(t, "at://a/"+strconv.Itoa(i))))
	}

	monitor.Check(context.Background())
	assert.True(t, queues.Paused(), "aggregate queue capacity must pause ingestion")
	assert.Equal(t, int64(1), reporter.Snapshot().BackpressureEvents)
}

func TestMonitorResumesAfterCooldown(t *testing.T) {
	sampler := &stubSampler{}
	sampler.set(1100)
	monitor, queues, _ := newTestMonitor(t, &fakeStore{}, sampler)

	monitor.Check(context.Background())
	require.True(t, queues.Paused())

	// Cooldown in testConfig is 50ms; pressure is gone by then.
	sampler.set(100)
	testutil.AssertEventually(t, func() bool { return !queues.Paused() },
		time.Second, "pause must lift on cooldown expiry")

	monitor.Check(context.Background())
	assert.False(t, queues.Paused())
	assert.True(t, queues.Enqueue(mustLike(t, "at://a/1")))
}

func TestMonitorRepausesWhilePressurePersists(t *testing.T) {
	sampler := &stubSampler{}
	sampler.set(1100)
	monitor, queues, reporter := newTestMonitor(t, &fakeStore{}, sampler)

	monitor.Check(context.Background())
	require.True(t, queues.Paused())

	testutil.AssertEventually(t, func() bool { return !queues.Paused() },
		time.Second, "cooldown expiry")

	// Pressure persists: the next tick pauses again.
	monitor.Check(context.Background())
	assert.True(t, queues.Paused())
	assert.Equal(t, int64(2), reporter.Snapshot().BackpressureEvents)
}

func TestMonitorTickWhilePausedDoesNotExtend(t *testing.T) {
	sampler := &stubSampler{}
	sampler.set(1100)
	monitor, queues, reporter := newTestMonitor(t, &fakeStore{}, sampler)

	monitor.Check(context.Background())
	require.True(t, queues.Paused())

	monitor.Check(context.Background())
	assert.Equal(t, int64(1), reporter.Snapshot().BackpressureEvents,
		"ticks during a pause must not stack new pauses")
}

func TestMonitorStartStop(t *testing.T) {
	sampler := &stubSampler{}
	sampler.set(100)
	monitor, _, _ := newTestMonitor(t, &fakeStore{}, sampler)

	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	monitor.Start(ctx)
	monitor.Stop()
}
