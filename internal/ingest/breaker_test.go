package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skysink/skysink/pkg/skyerrors"
	"github.com/skysink/skysink/pkg/testutil"
)

var errStore = errors.New("store unavailable")

func failingOp() error { return errStore }
func passingOp() error { return nil }

func TestBreakerOpensAtFailureThreshold(t *testing.T) {
	cb := NewCircuitBreaker("likes", 3, time.Minute, time.Second, testutil.TestLogger(t))

	for i := 0; i < 2; i++ {
		require.Error(t, cb.Execute(failingOp))
		assert.Equal(t, StateClosed, cb.State(), "breaker must stay closed below threshold")
	}

	require.Error(t, cb.Execute(failingOp))
	assert.Equal(t, StateOpen, cb.State(), "third consecutive failure must open the breaker")
}

func TestBreakerRejectsWhileOpen(t *testing.T) {
	cb := NewCircuitBreaker("likes", 1, time.Minute, time.Second, testutil.TestLogger(t))
	require.Error(t, cb.Execute(failingOp))
	require.Equal(t, StateOpen, cb.State())

	invoked := false
	err := cb.Execute(func() error {
		invoked = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, invoked, "open breaker must not invoke the operation")
	assert.Equal(t, skyerrors.ErrorTypeCircuitOpen, skyerrors.TypeOf(err))
	assert.True(t, skyerrors.IsTransient(err), "circuit-open must be retryable")
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("likes", 3, time.Minute, time.Second, testutil.TestLogger(t))

	require.Error(t, cb.Execute(failingOp))
	require.Error(t, cb.Execute(failingOp))
	require.NoError(t, cb.Execute(passingOp))

	// The failure run was broken; two more failures must not open.
	require.Error(t, cb.Execute(failingOp))
	require.Error(t, cb.Execute(failingOp))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenTrialCloses(t *testing.T) {
	cb := NewCircuitBreaker("likes", 1, 20*time.Millisecond, time.Second, testutil.TestLogger(t))
	require.Error(t, cb.Execute(failingOp))
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)

	require.NoError(t, cb.Execute(passingOp), "recovery timeout elapsed, trial must be admitted")
	assert.Equal(t, StateClosed, cb.State(), "successful trial must close the breaker")
	require.NoError(t, cb.Execute(passingOp))
}

func TestBreakerHalfOpenTrialFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("likes", 1, 20*time.Millisecond, time.Second, testutil.TestLogger(t))
	require.Error(t, cb.Execute(failingOp))

	time.Sleep(30 * time.Millisecond)

	require.Error(t, cb.Execute(failingOp), "trial failure")
	assert.Equal(t, StateOpen, cb.State(), "failed trial must reopen the breaker")

	// The new open period must reject immediately.
	err := cb.Execute(passingOp)
	require.Error(t, err)
	assert.Equal(t, skyerrors.ErrorTypeCircuitOpen, skyerrors.TypeOf(err))
}

func TestBreakerHalfOpenAdmitsSingleTrial(t *testing.T) {
	cb := NewCircuitBreaker("likes", 1, 10*time.Millisecond, time.Minute, testutil.TestLogger(t))
	require.Error(t, cb.Execute(failingOp))

	time.Sleep(20 * time.Millisecond)

	trialStarted := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = cb.Execute(func() error {
			close(trialStarted)
			<-release
			return nil
		})
	}()
	<-trialStarted

	// While the trial is pending, further calls are rejected.
	err := cb.Execute(passingOp)
	require.Error(t, err)
	assert.Equal(t, skyerrors.ErrorTypeCircuitOpen, skyerrors.TypeOf(err))

	close(release)
	testutil.AssertEventually(t, func() bool { return cb.State() == StateClosed },
		time.Second, "trial success must close the breaker")
}

func TestBreakerStuckTrialReopens(t *testing.T) {
	cb := NewCircuitBreaker("likes", 1, 10*time.Millisecond, 20*time.Millisecond, testutil.TestLogger(t))
	require.Error(t, cb.Execute(failingOp))

	time.Sleep(20 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = cb.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	defer close(release)

	time.Sleep(30 * time.Millisecond)

	// The stuck trial exceeded the half-open timeout; the probe call
	// observes the reopen.
	err := cb.Execute(passingOp)
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerStats(t *testing.T) {
	cb := NewCircuitBreaker("posts", 2, time.Minute, time.Second, testutil.TestLogger(t))
	require.NoError(t, cb.Execute(passingOp))
	require.Error(t, cb.Execute(failingOp))

	stats := cb.Stats()
	assert.Equal(t, "posts", stats.Name)
	assert.Equal(t, "closed", stats.State)
	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, 1, stats.Successes)
	assert.False(t, stats.LastFailure.IsZero())
}

func TestBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker("posts", 1, time.Hour, time.Second, testutil.TestLogger(t))
	require.Error(t, cb.Execute(failingOp))
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	require.NoError(t, cb.Execute(passingOp))
}
