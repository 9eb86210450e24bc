package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func testConfig() *Config {
	return &Config{
		Name:        "test",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     50 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
	}
}

func fail(cb *CircuitBreaker) error {
	return cb.Execute(func() error { return errBoom })
}

func succeed(cb *CircuitBreaker) error {
	return cb.Execute(func() error { return nil })
}

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	cb := New(testConfig())
	for i := 0; i < 10; i++ {
		require.NoError(t, succeed(cb))
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	cb := New(testConfig())

	assert.ErrorIs(t, fail(cb), errBoom)
	assert.ErrorIs(t, fail(cb), errBoom)
	assert.Equal(t, StateClosed, cb.State())

	assert.ErrorIs(t, fail(cb), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	// Open: calls short-circuit without invoking fn.
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	cb := New(testConfig())

	fail(cb)
	fail(cb)
	succeed(cb)
	fail(cb)
	fail(cb)
	assert.Equal(t, StateClosed, cb.State(), "non-consecutive failures must not trip")
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := New(testConfig())
	for i := 0; i < 3; i++ {
		fail(cb)
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Two successful probes close the circuit.
	require.NoError(t, succeed(cb))
	require.NoError(t, succeed(cb))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := New(testConfig())
	for i := 0; i < 3; i++ {
		fail(cb)
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	fail(cb)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerHalfOpenLimitsProbes(t *testing.T) {
	cb := New(testConfig())
	for i := 0; i < 3; i++ {
		fail(cb)
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	// Two in-flight probes exhaust the half-open budget.
	release := make(chan struct{})
	for i := 0; i < 2; i++ {
		go cb.Execute(func() error {
			<-release
			return nil
		})
	}
	time.Sleep(10 * time.Millisecond)

	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrTooManyRequests)
	close(release)
}

func TestBreakerNilConfigDefaults(t *testing.T) {
	cb := New(nil)
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, succeed(cb))
}
