package skyerrors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := New(ErrorTypePermanent, "constraint violation")
	assert.Equal(t, "permanent: constraint violation", err.Error())

	wrapped := Wrap(errors.New("duplicate key"), ErrorTypePermanent, "upsert failed")
	assert.Equal(t, "permanent: upsert failed: duplicate key", wrapped.Error())
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrorTypeTransient, "should vanish"))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(cause, ErrorTypeConnection, "dial failed")
	assert.ErrorIs(t, err, cause)
}

func TestTypeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"categorized", New(ErrorTypePermanent, "x"), ErrorTypePermanent},
		{"wrapped deeper", fmt.Errorf("outer: %w", New(ErrorTypeRateLimit, "x")), ErrorTypeRateLimit},
		{"uncategorized defaults transient", errors.New("mystery"), ErrorTypeTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TypeOf(tt.err))
		})
	}
}

func TestRetryability(t *testing.T) {
	assert.True(t, IsTransient(New(ErrorTypeTransient, "x")))
	assert.True(t, IsTransient(New(ErrorTypeCircuitOpen, "x")))
	assert.True(t, IsTransient(New(ErrorTypeRateLimit, "x")))
	assert.True(t, IsTransient(New(ErrorTypeConnection, "x")))
	assert.True(t, IsTransient(errors.New("unclassified")), "unknown errors are retried")

	assert.False(t, IsTransient(New(ErrorTypePermanent, "x")))
	assert.True(t, IsPermanent(New(ErrorTypePermanent, "x")))
	assert.False(t, IsPermanent(errors.New("unclassified")))
}

func TestRateLimitResetTime(t *testing.T) {
	resetAt := time.Now().Add(time.Minute)
	err := NewRateLimit("too many requests", resetAt)

	got, ok := ResetTime(err)
	require.True(t, ok)
	assert.Equal(t, resetAt, got)

	_, ok = ResetTime(NewRateLimit("no reset provided", time.Time{}))
	assert.False(t, ok, "zero reset time reads as absent")

	_, ok = ResetTime(New(ErrorTypeTransient, "x"))
	assert.False(t, ok)
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeCircuitOpen, "rejected").
		WithDetail("destination", "likes").
		WithDetail("attempt", 3)

	assert.Equal(t, "likes", err.Details["destination"])
	assert.Equal(t, 3, err.Details["attempt"])
}
