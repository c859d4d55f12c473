package ingest

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/skysink/skysink/pkg/skyerrors"
)

// Retrier wraps a single operation with an exponential-backoff retry
// schedule: the delay before attempt n is baseDelay * multiplier^(n-1),
// capped at maxDelay. Rate-limit errors carrying an upstream reset time
// wait until that time instead. Errors classified permanent fail fast
// without consuming the remaining budget.
type Retrier struct {
	maxAttempts int
	baseDelay   time.Duration
	multiplier  float64
	maxDelay    time.Duration
	logger      *zap.Logger
}

// NewRetrier creates a retrier with the given schedule.
func NewRetrier(maxAttempts int, baseDelay time.Duration, multiplier float64, maxDelay time.Duration, logger *zap.Logger) *Retrier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if multiplier < 1 {
		multiplier = 1
	}
	return &Retrier{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		multiplier:  multiplier,
		maxDelay:    maxDelay,
		logger:      logger.With(zap.String("component", "retrier")),
	}
}

// Do runs op until it succeeds, the attempt budget is exhausted, a
// permanent error is returned, or the context is canceled. The last error
// is returned on failure.
func (r *Retrier) Do(ctx context.Context, op func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}

		if skyerrors.IsPermanent(err) {
			r.logger.Warn("permanent error, not retrying",
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}

		if attempt == r.maxAttempts {
			break
		}

		delay := r.delayAfter(attempt, err)
		r.logger.Debug("retrying after backoff",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.logger.Warn("retry budget exhausted",
		zap.Int("attempts", r.maxAttempts),
		zap.Error(err))
	return err
}

// delayAfter computes the backoff following the given failed attempt
// (1-based). A rate-limit reset time, when present and in the future,
// overrides the exponential schedule.
func (r *Retrier) delayAfter(attempt int, err error) time.Duration {
	if resetAt, ok := skyerrors.ResetTime(err); ok {
		if wait := time.Until(resetAt); wait > 0 {
			return wait
		}
	}

	delay := time.Duration(float64(r.baseDelay) * math.Pow(r.multiplier, float64(attempt-1)))
	if r.maxDelay > 0 && delay > r.maxDelay {
		delay = r.maxDelay
	}
	return delay
}
