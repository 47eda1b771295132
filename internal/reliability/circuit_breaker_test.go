package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(clock *fakeClock, opts ...CircuitBreakerOption) *CircuitBreaker {
	cb := NewCircuitBreaker(opts...)
	cb.now = clock.Now
	return cb
}

var errRemote = errors.New("remote failed")

func fail(context.Context) error    { return errRemote }
func succeed(context.Context) error { return nil }

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("starts closed and runs calls", func(t *testing.T) {
		cb := NewCircuitBreaker()
		assert.Equal(t, StateClosed, cb.State())

		called := false
		err := cb.Execute(ctx, func(context.Context) error {
			called = true
			return nil
		})
		assert.NoError(t, err)
		assert.True(t, called)
	})

	t.Run("opens after consecutive failures", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		cb := newTestBreaker(clock, WithFailureThreshold(3), WithName("orders"))

		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, cb.Execute(ctx, fail), errRemote)
		}
		assert.Equal(t, StateOpen, cb.State())

		err := cb.Execute(ctx, succeed)
		assert.ErrorIs(t, err, ErrCircuitOpen)
		var openErr *OpenError
		require.ErrorAs(t, err, &openErr)
		assert.Equal(t, "orders", openErr.Name)
		assert.Equal(t, 3, openErr.Failures)
		assert.Equal(t, int64(1), cb.Stats().Rejected)
	})

	t.Run("a success resets the failure run", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(2))
		_ = cb.Execute(ctx, fail)
		_ = cb.Execute(ctx, succeed)
		_ = cb.Execute(ctx, fail)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("half-open closes after enough successes", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		cb := newTestBreaker(clock,
			WithFailureThreshold(1),
			WithSuccessThreshold(2),
			WithOpenTimeout(time.Minute),
		)
		_ = cb.Execute(ctx, fail)
		require.Equal(t, StateOpen, cb.State())

		clock.Advance(time.Minute)
		assert.NoError(t, cb.Execute(ctx, succeed))
		assert.Equal(t, StateHalfOpen, cb.State())
		assert.NoError(t, cb.Execute(ctx, succeed))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("a half-open failure reopens", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		cb := newTestBreaker(clock, WithFailureThreshold(1), WithOpenTimeout(time.Second))
		_ = cb.Execute(ctx, fail)

		clock.Advance(time.Second)
		assert.ErrorIs(t, cb.Execute(ctx, fail), errRemote)
		assert.Equal(t, StateOpen, cb.State())
		assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
	})

	t.Run("half-open bounds concurrent trials", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(0, 0)}
		cb := newTestBreaker(clock, WithFailureThreshold(1), WithOpenTimeout(time.Second), WithHalfOpenCalls(1))
		_ = cb.Execute(ctx, fail)
		clock.Advance(time.Second)

		release := make(chan struct{})
		started := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- cb.Execute(ctx, func(context.Context) error {
				close(started)
				<-release
				return nil
			})
		}()
		<-started

		var openErr *OpenError
		require.ErrorAs(t, cb.Execute(ctx, succeed), &openErr)
		assert.Equal(t, StateHalfOpen, openErr.State)

		close(release)
		assert.NoError(t, <-done)
	})

	t.Run("cancellation is not a failure", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))
		err := cb.Execute(ctx, func(context.Context) error { return context.Canceled })
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("a cancelled context skips the call", func(t *testing.T) {
		cb := NewCircuitBreaker()
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		called := false
		err := cb.Execute(cancelled, func(context.Context) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})

	t.Run("transitions are reported", func(t *testing.T) {
		changes := make(chan State, 4)
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithStateChange(func(name string, from, to State) { changes <- to }),
		)
		_ = cb.Execute(ctx, fail)
		cb.Reset()

		got := []State{<-changes, <-changes}
		assert.ElementsMatch(t, []State{StateOpen, StateClosed}, got)
	})
}
