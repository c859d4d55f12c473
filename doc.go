// Package skysink ingests the Bluesky Jetstream firehose into PostgreSQL.
//
// The service consumes commit events over a websocket, classifies them
// into typed records (users, posts, likes, reposts, follows, and the
// rest of the supported collections), deduplicates them in per-kind
// queues, and upserts them to PostgreSQL in batches. Delivery is
// at-least-once: replays are absorbed by ON CONFLICT upserts keyed on
// each record's natural identity.
//
// The write path is protected by per-destination circuit breakers,
// exponential-backoff retries, and a dead-letter table for batches that
// exhaust their retry budget. A resource monitor samples process RSS
// and pauses ingestion under memory pressure or queue overflow.
//
// Layout:
//
//   - cmd/skysink: the service entrypoint
//   - internal/jetstream: the firehose websocket consumer
//   - internal/ingest: classification, queues, flushing, backpressure
//   - internal/store: the PostgreSQL upsert store
//   - pkg/config, pkg/logger, pkg/metrics, pkg/skyerrors: shared infrastructure
package skysink
