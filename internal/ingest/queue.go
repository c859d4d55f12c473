package ingest

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skysink/skysink/pkg/metrics"
)

// queue is an insertion-ordered mapping from dedup key to the most recently
// enqueued record of that key. A second enqueue for an existing key replaces
// the payload in place without growing the queue.
type queue struct {
	mu    sync.Mutex
	items map[string]Record
	order []string
}

func newQueue() *queue {
	return &queue{items: make(map[string]Record)}
}

func (q *queue) put(r Record) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.items[r.Key]; !exists {
		q.order = append(q.order, r.Key)
	}
	q.items[r.Key] = r
}

func (q *queue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// swap atomically replaces the queue contents with empty ones and returns
// the previous contents in insertion order. Records enqueued after the swap
// land in the fresh queue and are never part of the returned snapshot.
func (q *queue) swap() []Record {
	q.mu.Lock()
	items := q.items
	order := q.order
	q.items = make(map[string]Record)
	q.order = nil
	q.mu.Unlock()

	snapshot := make([]Record, 0, len(items))
	for _, key := range order {
		snapshot = append(snapshot, items[key])
	}
	return snapshot
}

// QueueManager owns one queue per entity kind plus the shared pause flag the
// backpressure controller toggles. It is instantiated once per process and
// shared by reference between the classifier path and the flusher.
type QueueManager struct {
	logger   *zap.Logger
	reporter *Reporter

	queues map[Kind]*queue

	// pausedUntil is a unix-nano deadline; ingestion is paused while
	// now < pausedUntil. Zero means not paused.
	pausedUntil atomic.Int64

	// flushing guards one in-flight flush per kind.
	flushing map[Kind]*atomic.Bool
}

// NewQueueManager creates queues for every known kind.
func NewQueueManager(reporter *Reporter, logger *zap.Logger) *QueueManager {
	qm := &QueueManager{
		logger:   logger.With(zap.String("component", "queue_manager")),
		reporter: reporter,
		queues:   make(map[Kind]*queue, len(allKinds)),
		flushing: make(map[Kind]*atomic.Bool, len(allKinds)),
	}
	for _, kind := range allKinds {
		qm.queues[kind] = newQueue()
		qm.flushing[kind] = &atomic.Bool{}
	}
	return qm
}

// Enqueue inserts or overwrites a record in its kind's queue. While
// ingestion is paused the record is dropped and counted; drops are never
// silent. Returns false when the record was dropped.
func (qm *QueueManager) Enqueue(r Record) bool {
	if qm.Paused() {
		qm.reporter.IncDropped(1)
		metrics.EventsDropped.WithLabelValues(string(r.Kind)).Inc()
		return false
	}

	q := qm.queues[r.Kind]
	if q == nil {
		qm.reporter.IncDropped(1)
		metrics.EventsDropped.WithLabelValues(string(r.Kind)).Inc()
		return false
	}
	q.put(r)
	metrics.QueueDepth.WithLabelValues(string(r.Kind)).Set(float64(q.size()))
	qm.reporter.UpdateQueueSize(qm.TotalSize())
	return true
}

// Size returns the pending-record count for one kind.
func (qm *QueueManager) Size(kind Kind) int {
	if q := qm.queues[kind]; q != nil {
		return q.size()
	}
	return 0
}

// TotalSize returns the aggregate pending-record count across all queues.
func (qm *QueueManager) TotalSize() int {
	total := 0
	for _, q := range qm.queues {
		total += q.size()
	}
	return total
}

// Swap atomically drains one kind's queue and returns its snapshot.
func (qm *QueueManager) Swap(kind Kind) []Record {
	q := qm.queues[kind]
	if q == nil {
		return nil
	}
	snapshot := q.swap()
	metrics.QueueDepth.WithLabelValues(string(kind)).Set(0)
	return snapshot
}

// Pause suspends ingestion for the given duration. Pauses are always
// bounded: resume happens implicitly once the deadline passes, so the
// pipeline cannot deadlock in a paused state.
func (qm *QueueManager) Pause(d time.Duration, cause string) {
	deadline := time.Now().Add(d).UnixNano()
	qm.pausedUntil.Store(deadline)
	qm.logger.Warn("ingestion paused",
		zap.String("cause", cause),
		zap.Duration("cooldown", d))
}

// Resume lifts a pause before its deadline.
func (qm *QueueManager) Resume() {
	qm.pausedUntil.Store(0)
}

// Paused reports whether ingestion is currently paused.
func (qm *QueueManager) Paused() bool {
	deadline := qm.pausedUntil.Load()
	return deadline != 0 && time.Now().UnixNano() < deadline
}

// beginFlush acquires the single-flight flush guard for a kind. The queue
// swap only happens after this succeeds, so a kind never has two flushes in
// flight.
func (qm *QueueManager) beginFlush(kind Kind) bool {
	guard := qm.flushing[kind]
	return guard != nil && guard.CompareAndSwap(false, true)
}

func (qm *QueueManager) endFlush(kind Kind) {
	if guard := qm.flushing[kind]; guard != nil {
		guard.Store(false)
	}
}
