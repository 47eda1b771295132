package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/glimte/servicebus/contracts"
	"github.com/glimte/servicebus/internal/reliability"
	"github.com/glimte/servicebus/messaging"
)

var (
	// ErrVetoed is returned when an outgoing filter dropped the request
	ErrVetoed = errors.New("request was vetoed by an outgoing filter")
	// ErrTooManyPending is returned when the pending call limit is reached
	ErrTooManyPending = errors.New("too many pending calls")
)

// TimeoutError reports a call that ended before all replies arrived
type TimeoutError struct {
	TypeName string
	Received int
	Expected int
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %v with %d of %d replies",
		e.TypeName, e.Timeout, e.Received, e.Expected)
}

// Requester issues callback-based requests. *servicebus.Bus implements it.
type Requester interface {
	SendRequest(ctx context.Context, endpoints []string, typeName string, msg *contracts.Message, headers *contracts.Headers, timeout time.Duration, callback messaging.ReplyCallback) (string, error)
	PublishRequest(ctx context.Context, typeName string, msg *contracts.Message, headers *contracts.Headers, expected int, timeout time.Duration, callback messaging.ReplyCallback) (string, error)
	CancelRequest(id string) bool
}

// Reply is one reply received for a call
type Reply struct {
	TypeName string
	Message  *contracts.Message
	Headers  *contracts.Headers
}

// Decode unmarshals the reply body into v
func (r Reply) Decode(v any) error {
	return r.Message.Decode(v)
}

// Bridge makes blocking calls over a Requester
type Bridge struct {
	requester      Requester
	defaultTimeout time.Duration
	breaker        *reliability.CircuitBreaker
	pending        *semaphore.Weighted
	logger         *slog.Logger
}

// Option configures the bridge
type Option func(*Bridge)

// WithDefaultTimeout sets the timeout used when a call passes zero
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(b *Bridge) {
		b.defaultTimeout = timeout
	}
}

// WithCircuitBreaker guards every call. Timeouts count as failures.
func WithCircuitBreaker(cb *reliability.CircuitBreaker) Option {
	return func(b *Bridge) {
		b.breaker = cb
	}
}

// WithMaxPending bounds the calls waiting for replies at once
func WithMaxPending(n int64) Option {
	return func(b *Bridge) {
		b.pending = semaphore.NewWeighted(n)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// New creates a bridge over requester
func New(requester Requester, opts ...Option) (*Bridge, error) {
	if requester == nil {
		return nil, fmt.Errorf("requester cannot be nil")
	}
	b := &Bridge{
		requester:      requester,
		defaultTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.defaultTimeout <= 0 {
		return nil, fmt.Errorf("default timeout must be positive")
	}
	return b, nil
}

// Call sends a request to one endpoint and waits for its reply
func (b *Bridge) Call(ctx context.Context, endpoint, typeName string, msg *contracts.Message, headers *contracts.Headers, timeout time.Duration) (*Reply, error) {
	timeout = b.timeout(timeout)
	var reply *Reply

	err := b.guard(ctx, func(ctx context.Context) error {
		replies, err := b.wait(ctx, typeName, 1, timeout, func(cb messaging.ReplyCallback) (string, error) {
			return b.requester.SendRequest(ctx, []string{endpoint}, typeName, msg, headers, timeout, cb)
		})
		if err != nil {
			return err
		}
		reply = &replies[0]
		return nil
	})
	return reply, err
}

// Gather publishes a request and waits for expected replies. With
// messaging.Unbounded it returns whatever arrived once the timeout passes.
// A bounded gather that times out returns the partial replies with a
// *TimeoutError.
func (b *Bridge) Gather(ctx context.Context, typeName string, msg *contracts.Message, headers *contracts.Headers, expected int, timeout time.Duration) ([]Reply, error) {
	timeout = b.timeout(timeout)
	var out []Reply

	err := b.guard(ctx, func(ctx context.Context) error {
		replies, err := b.wait(ctx, typeName, expected, timeout, func(cb messaging.ReplyCallback) (string, error) {
			return b.requester.PublishRequest(ctx, typeName, msg, headers, expected, timeout, cb)
		})
		out = replies
		return err
	})
	return out, err
}

// CallTyped encodes request, calls endpoint and decodes the reply body as T
func CallTyped[T any](ctx context.Context, b *Bridge, endpoint, typeName string, request any, timeout time.Duration) (T, error) {
	var out T
	msg, err := contracts.NewMessage(request)
	if err != nil {
		return out, err
	}
	reply, err := b.Call(ctx, endpoint, typeName, msg, nil, timeout)
	if err != nil {
		return out, err
	}
	if err := reply.Decode(&out); err != nil {
		return out, fmt.Errorf("failed to decode %s reply: %w", reply.TypeName, err)
	}
	return out, nil
}

func (b *Bridge) timeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return b.defaultTimeout
	}
	return timeout
}

func (b *Bridge) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	if b.pending != nil {
		if !b.pending.TryAcquire(1) {
			return ErrTooManyPending
		}
		defer b.pending.Release(1)
	}
	if b.breaker == nil {
		return fn(ctx)
	}
	return b.breaker.Execute(ctx, fn)
}

type collector struct {
	mu       sync.Mutex
	replies  []Reply
	expected int
	done     chan struct{}
}

// add keeps copies; the delivery keeps stamping its headers after the
// callback returns.
func (c *collector) add(ctx context.Context, msg *contracts.Message, headers *contracts.Headers, typeName string) {
	reply := Reply{TypeName: typeName, Message: msg.Clone(), Headers: headers.Clone()}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, reply)
	if c.expected != messaging.Unbounded && len(c.replies) == c.expected {
		close(c.done)
	}
}

func (c *collector) snapshot() []Reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Reply(nil), c.replies...)
}

func (b *Bridge) wait(ctx context.Context, typeName string, expected int, timeout time.Duration, issue func(messaging.ReplyCallback) (string, error)) ([]Reply, error) {
	c := &collector{expected: expected, done: make(chan struct{})}

	id, err := issue(c.add)
	if err != nil {
		if id != "" {
			b.requester.CancelRequest(id)
		}
		return nil, err
	}
	if id == "" {
		return nil, ErrVetoed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.done:
		return c.snapshot(), nil
	case <-timer.C:
		replies := c.snapshot()
		if expected == messaging.Unbounded {
			return replies, nil
		}
		b.logger.Debug("call timed out",
			"requestId", id,
			"typeName", typeName,
			"received", len(replies),
			"expected", expected,
		)
		return replies, &TimeoutError{TypeName: typeName, Received: len(replies), Expected: expected, Timeout: timeout}
	case <-ctx.Done():
		b.requester.CancelRequest(id)
		return c.snapshot(), ctx.Err()
	}
}
