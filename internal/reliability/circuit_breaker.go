package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is matched by every rejection from an open or saturated breaker
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// OpenError describes a rejected call
type OpenError struct {
	Name      string
	State     State
	Failures  int
	NextRetry time.Time
}

func (e *OpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker %s half-open: trial limit reached", e.Name)
	}
	return fmt.Sprintf("circuit breaker %s open after %d failures, retry after %s",
		e.Name, e.Failures, e.NextRetry.Format(time.RFC3339))
}

func (e *OpenError) Unwrap() error {
	return ErrCircuitOpen
}

// StateChangeFunc is told about every state transition
type StateChangeFunc func(name string, from, to State)

// CircuitBreaker rejects calls while a remote keeps failing
type CircuitBreaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	halfOpenCalls    int
	isFailure        func(error) bool
	onStateChange    StateChangeFunc
	now              func() time.Time

	state        State
	failures     int
	successes    int
	inFlight     int
	openedAt     time.Time
	rejected     int64
	totalCalls   int64
	totalFailure int64
}

// CircuitBreakerOption configures the breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithName names the breaker in errors and notifications
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithFailureThreshold sets the consecutive failures that open the breaker
func WithFailureThreshold(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = n
	}
}

// WithSuccessThreshold sets the half-open successes that close the breaker
func WithSuccessThreshold(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = n
	}
}

// WithOpenTimeout sets how long the breaker stays open
func WithOpenTimeout(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.openTimeout = d
	}
}

// WithHalfOpenCalls bounds concurrent trial calls while half-open
func WithHalfOpenCalls(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenCalls = n
	}
}

// WithFailurePredicate decides which errors count as failures. By default
// every error except context cancellation does.
func WithFailurePredicate(fn func(error) bool) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.isFailure = fn
	}
}

// WithStateChange registers a transition callback. It runs on its own goroutine.
func WithStateChange(fn StateChangeFunc) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             "default",
		failureThreshold: 5,
		successThreshold: 2,
		openTimeout:      30 * time.Second,
		halfOpenCalls:    1,
		isFailure:        defaultIsFailure,
		now:              time.Now,
	}
	for _, opt := range options {
		opt(cb)
	}
	return cb
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Execute runs fn unless the breaker rejects it
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.acquire(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++
	if cb.state == StateOpen {
		next := cb.openedAt.Add(cb.openTimeout)
		if cb.now().Before(next) {
			cb.rejected++
			return &OpenError{Name: cb.name, State: StateOpen, Failures: cb.failures, NextRetry: next}
		}
		cb.transition(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.inFlight >= cb.halfOpenCalls {
			cb.rejected++
			return &OpenError{Name: cb.name, State: StateHalfOpen, Failures: cb.failures}
		}
		cb.inFlight++
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.inFlight > 0 {
		cb.inFlight--
	}

	if cb.isFailure(err) {
		cb.totalFailure++
		cb.failures++
		cb.successes = 0
		switch {
		case cb.state == StateHalfOpen:
			cb.open()
		case cb.state == StateClosed && cb.failures >= cb.failureThreshold:
			cb.open()
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.failures = 0
			cb.successes = 0
			cb.transition(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.now()
	cb.inFlight = 0
	cb.transition(StateOpen)
}

// transition must be called with cb.mu held
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, from, to)
	}
}

// State returns the current state. An open breaker past its timeout still
// reports open until the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker and clears its counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.successes = 0
	cb.inFlight = 0
	cb.transition(StateClosed)
}

// Stats is a snapshot of breaker counters
type Stats struct {
	Name          string
	State         State
	Failures      int
	TotalCalls    int64
	TotalFailures int64
	Rejected      int64
}

// Stats returns the current counters
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:          cb.name,
		State:         cb.state,
		Failures:      cb.failures,
		TotalCalls:    cb.totalCalls,
		TotalFailures: cb.totalFailure,
		Rejected:      cb.rejected,
	}
}
