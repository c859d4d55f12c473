package ingest

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/skysink/skysink/pkg/logger"
	"github.com/skysink/skysink/pkg/metrics"
)

// DeadLetter records a single write that could not be persisted after the
// retry budget was exhausted.
type DeadLetter struct {
	Destination string          `json:"destination"`
	Payload     json.RawMessage `json:"payload"`
	Error       string          `json:"error"`
	Timestamp   time.Time       `json:"timestamp"`
}

// DeadLetterWriter persists dead letters. The store implements this
// alongside the upsert contract.
type DeadLetterWriter interface {
	WriteDeadLetter(ctx context.Context, dl DeadLetter) error
}

// DeadLetterSink captures permanently failed batches. Writes are
// best-effort: a failure while writing a dead letter is logged and
// discarded, never retried, so a failing store cannot produce an infinite
// failure loop.
type DeadLetterSink struct {
	writer   DeadLetterWriter
	reporter *Reporter
	logger   *zap.Logger
}

// NewDeadLetterSink creates a sink writing through the given writer.
func NewDeadLetterSink(writer DeadLetterWriter, reporter *Reporter, logger *zap.Logger) *DeadLetterSink {
	return &DeadLetterSink{
		writer:   writer,
		reporter: reporter,
		logger:   logger.With(zap.String("component", "dead_letter_sink")),
	}
}

// CaptureBatch wraps every record of a failed batch into an individual
// dead letter. cause is the terminal error that exhausted the retry budget.
func (s *DeadLetterSink) CaptureBatch(ctx context.Context, destination string, batch []Record, cause error) {
	now := time.Now().UTC()
	for _, record := range batch {
		payload, err := json.Marshal(record.RowMap())
		if err != nil {
			// Unencodable payloads still get a dead letter, with the key
			// as the only context.
			payload, _ = json.Marshal(map[string]string{"key": record.Key})
		}

		dl := DeadLetter{
			Destination: destination,
			Payload:     payload,
			Error:       cause.Error(),
			Timestamp:   now,
		}

		if err := s.writer.WriteDeadLetter(ctx, dl); err != nil {
			s.logger.Error("failed to write dead letter, discarding",
				zap.String("destination", destination),
				zap.String("key", record.Key),
				zap.Error(err))
			continue
		}
		metrics.DeadLetters.WithLabelValues(destination).Inc()
	}

	s.reporter.IncDeadLetters(int64(len(batch)))
	logger.WithContext(ctx, s.logger).Warn("batch dead-lettered",
		zap.Int("records", len(batch)),
		zap.Error(cause))
}
