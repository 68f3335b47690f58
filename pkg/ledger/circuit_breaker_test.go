package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, timeout time.Duration, onChange func(CircuitBreakerState)) (*DefaultCircuitBreaker, *manualClock) {
	clock := &manualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewDefaultCircuitBreaker(threshold, timeout, onChange)
	cb.now = clock.Now
	return cb, clock
}

func TestDefaultCircuitBreaker(t *testing.T) {
	threshold := 3
	timeout := 100 * time.Millisecond
	var lastState CircuitBreakerState
	cb, clock := newTestBreaker(threshold, timeout, func(state CircuitBreakerState) {
		lastState = state
	})

	ctx := context.Background()
	fail := func() error { return ErrStorageUnavailable }

	// Initial state: Closed
	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < threshold-1; i++ {
		assert.Error(t, cb.Execute(ctx, fail))
		assert.Equal(t, StateClosed, cb.State())
	}

	// Next failure should open the circuit
	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, StateOpen, lastState)

	// When open, Execute should fail fast
	called := false
	err := cb.Execute(ctx, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	clock.Advance(timeout)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Successful probe closes the circuit
	assert.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, StateClosed, lastState)

	// Failed probe re-opens it
	for i := 0; i < threshold; i++ {
		_ = cb.Execute(ctx, fail)
	}
	assert.Equal(t, StateOpen, cb.State())
	clock.Advance(timeout)
	assert.Equal(t, StateHalfOpen, cb.State())

	err = cb.Execute(ctx, fail)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_BusinessErrorsDoNotTrip(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Minute, nil)
	ctx := context.Background()

	businessErrors := []error{
		&InsufficientBalanceError{AccountID: "u1", Balance: 0, Cost: 1},
		ErrAccountNotFound,
		ErrAlreadyProcessed,
		ErrAccountExists,
	}
	for _, berr := range businessErrors {
		for i := 0; i < 3; i++ {
			err := cb.Execute(ctx, func() error { return berr })
			assert.Equal(t, berr, err)
		}
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute, nil)
	ctx := context.Background()
	fail := func() error { return errors.New("connection reset") }

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, func() error { return nil })
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_CanceledContext(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := cb.Execute(ctx, func() error {
		t.Fatal("fn must not run with a cancelled context")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	err = cb.Execute(context.Background(), func() error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_SingleProbeWhileHalfOpen(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second, nil)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return ErrStorageUnavailable })
	require.Equal(t, StateOpen, cb.State())
	clock.Advance(time.Second)

	release := make(chan struct{})
	entered := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), ErrCircuitOpen)

	close(release)
	assert.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_ConcurrentExecute(t *testing.T) {
	cb := NewDefaultCircuitBreaker(3, 100*time.Millisecond, nil)
	ctx := context.Background()

	const goroutines = 50
	var wg sync.WaitGroup
	var executed atomic.Int32
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_ = cb.Execute(ctx, func() error {
				executed.Add(1)
				if id%2 == 0 {
					return nil
				}
				return ErrStorageUnavailable
			})
		}(i)
	}
	wg.Wait()

	assert.Positive(t, executed.Load())
	state := cb.State()
	assert.Contains(t, []CircuitBreakerState{StateClosed, StateOpen, StateHalfOpen}, state)
}

func TestNewDefaultCircuitBreaker_Defaults(t *testing.T) {
	cb := NewDefaultCircuitBreaker(0, 0, nil)
	assert.Equal(t, 5, cb.failureThreshold)
	assert.Equal(t, 30*time.Second, cb.resetTimeout)
}
