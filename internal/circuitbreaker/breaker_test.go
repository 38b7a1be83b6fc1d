package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterFailureThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, OpenTimeout: time.Minute})

	require.NoError(t, b.Allow())
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.GetState())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.GetState())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := New(Config{FailureThreshold: 3, OpenTimeout: time.Minute})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.GetState())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: 10 * time.Millisecond})

	b.RecordFailure()
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	time.Sleep(15 * time.Millisecond)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.GetState())

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.GetState())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.GetState())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenTimeout: 10 * time.Millisecond})

	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	b := New(Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		OpenTimeout:      10 * time.Millisecond,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	require.NoError(t, b.Allow())
	b.RecordSuccess()

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}
