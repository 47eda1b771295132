package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/servicebus/internal/reliability"
)

// Connector reports broker connectivity
type Connector interface {
	IsConnected() bool
}

// DepthReader reports queue depths
type DepthReader interface {
	QueueDepth(ctx context.Context, queue string) (int, error)
}

// RequestTracker reports outstanding requests
type RequestTracker interface {
	PendingRequests() int
}

func newResult(name string, start time.Time) CheckResult {
	return CheckResult{Name: name, Timestamp: start, Details: make(map[string]any)}
}

// ConnectionChecker is unhealthy while the broker is disconnected
type ConnectionChecker struct {
	broker Connector
}

// NewConnectionChecker creates a broker connectivity check
func NewConnectionChecker(broker Connector) *ConnectionChecker {
	return &ConnectionChecker{broker: broker}
}

func (c *ConnectionChecker) Name() string {
	return "broker"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := newResult(c.Name(), start)

	if c.broker.IsConnected() {
		result.Status = StatusHealthy
		result.Message = "connected"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "not connected"
	}
	result.Duration = time.Since(start)
	return result
}

// QueueChecker reports a queue as degraded above a depth threshold and
// unhealthy when it cannot be inspected
type QueueChecker struct {
	queue     string
	reader    DepthReader
	threshold int
}

// NewQueueChecker creates a depth check. A threshold of zero never degrades.
func NewQueueChecker(reader DepthReader, queue string, threshold int) *QueueChecker {
	return &QueueChecker{queue: queue, reader: reader, threshold: threshold}
}

func (c *QueueChecker) Name() string {
	return "queue:" + c.queue
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := newResult(c.Name(), start)

	depth, err := c.reader.QueueDepth(ctx, c.queue)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("queue %s not accessible", c.queue)
		result.Error = err.Error()
		return result
	}

	result.Details["depth"] = depth
	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("queue %s is accessible", c.queue)
	if c.threshold > 0 && depth > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s has %d messages waiting", c.queue, depth)
	}
	return result
}

// RequestsChecker degrades when too many requests wait for replies
type RequestsChecker struct {
	tracker   RequestTracker
	threshold int
}

// NewRequestsChecker creates a pending request check
func NewRequestsChecker(tracker RequestTracker, threshold int) *RequestsChecker {
	return &RequestsChecker{tracker: tracker, threshold: threshold}
}

func (c *RequestsChecker) Name() string {
	return "requests"
}

func (c *RequestsChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := newResult(c.Name(), start)

	pending := c.tracker.PendingRequests()
	result.Details["pending"] = pending
	result.Status = StatusHealthy
	if c.threshold > 0 && pending > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d requests awaiting replies", pending)
	}
	result.Duration = time.Since(start)
	return result
}

// BreakerChecker degrades while a circuit breaker is not closed
type BreakerChecker struct {
	breaker *reliability.CircuitBreaker
}

// NewBreakerChecker creates a circuit breaker check
func NewBreakerChecker(breaker *reliability.CircuitBreaker) *BreakerChecker {
	return &BreakerChecker{breaker: breaker}
}

func (c *BreakerChecker) Name() string {
	return "breaker:" + c.breaker.Stats().Name
}

func (c *BreakerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	stats := c.breaker.Stats()
	result := newResult(c.Name(), start)

	result.Details["state"] = stats.State.String()
	result.Details["rejected"] = stats.Rejected
	result.Status = StatusHealthy
	if stats.State != reliability.StateClosed {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("circuit %s", stats.State)
	}
	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker degrades on a goroutine count above a threshold
type RuntimeChecker struct {
	maxGoroutines int
}

// NewRuntimeChecker creates a goroutine count check
func NewRuntimeChecker(maxGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{maxGoroutines: maxGoroutines}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := newResult(c.Name(), start)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["goroutines"] = goroutines
	result.Details["heap_alloc_mb"] = float64(m.HeapAlloc) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Status = StatusHealthy
	if c.maxGoroutines > 0 && goroutines > c.maxGoroutines {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	}
	result.Duration = time.Since(start)
	return result
}

// CheckFunc adapts a function to a Checker
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) (Status, string, error)
}

// NewCheckFunc creates a Checker from fn
func NewCheckFunc(name string, fn func(ctx context.Context) (Status, string, error)) *CheckFunc {
	return &CheckFunc{name: name, fn: fn}
}

func (c *CheckFunc) Name() string {
	return c.name
}

func (c *CheckFunc) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := newResult(c.name, start)

	status, message, err := c.fn(ctx)
	result.Status = status
	result.Message = message
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
