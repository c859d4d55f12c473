// Package metrics exposes Prometheus metrics for the ingestion pipeline.
// The in-process health snapshot (internal/ingest reporter) remains the
// queryable surface; these collectors are the export path for scraping.
//
// Example:
//
//	metrics.EventsReceived.WithLabelValues("like").Inc()
//	metrics.QueueDepth.WithLabelValues("like").Set(float64(size))
//	metrics.FlushDuration.WithLabelValues("likes", "success").Observe(d.Seconds())
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsReceived counts firehose events accepted by the classifier,
	// labeled by record kind.
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skysink_events_received_total",
			Help: "Total number of classified events received",
		},
		[]string{"kind"},
	)

	// EventsIgnored counts events whose collection type is unrecognized.
	EventsIgnored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "skysink_events_ignored_total",
			Help: "Total number of events with unrecognized collection types",
		},
	)

	// EventsDropped counts records dropped while ingestion was paused.
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skysink_events_dropped_total",
			Help: "Total number of records dropped under backpressure",
		},
		[]string{"kind"},
	)

	// RecordsUpserted counts records successfully written to the store,
	// labeled by destination table.
	RecordsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skysink_records_upserted_total",
			Help: "Total number of records upserted into the store",
		},
		[]string{"destination"},
	)

	// FlushDuration tracks flush latency by destination and outcome.
	FlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skysink_flush_duration_seconds",
			Help:    "Duration of batch flushes",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms .. ~8s
		},
		[]string{"destination", "status"},
	)

	// QueueDepth tracks the current size of each kind's queue.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "skysink_queue_depth",
			Help: "Current number of pending records per queue",
		},
		[]string{"kind"},
	)

	// DeadLetters counts batches' records moved to the dead-letter sink.
	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skysink_dead_letters_total",
			Help: "Total number of records dead-lettered after retry exhaustion",
		},
		[]string{"destination"},
	)

	// BackpressureEvents counts monitor-triggered ingestion pauses by cause.
	BackpressureEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skysink_backpressure_events_total",
			Help: "Total number of backpressure pauses",
		},
		[]string{"cause"},
	)

	// BreakerState reports each breaker's state as a numeric gauge
	// (0 closed, 1 open, 2 half-open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "skysink_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"destination"},
	)

	// MemoryRSS reports the sampled resident set size.
	MemoryRSS = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "skysink_memory_rss_bytes",
			Help: "Resident set size sampled by the resource monitor",
		},
	)
)
