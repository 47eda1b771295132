package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/servicebus/contracts"
)

// Unbounded is the expected reply count of a scatter-gather request that
// collects replies until its timeout fires.
const Unbounded = -1

var (
	ErrDuplicateRequest = errors.New("request id already registered")
	ErrUnboundedRequest = errors.New("unbounded request requires a timeout")
	ErrInvalidExpected  = errors.New("expected reply count must be positive or unbounded")
)

// ReplyCallback receives each reply matched to a request. Replies to the same
// request may arrive concurrently.
type ReplyCallback func(ctx context.Context, msg *contracts.Message, headers *contracts.Headers, typeName string)

// RequestState is the state of a correlation entry
type RequestState string

const (
	RequestPending   RequestState = "pending"
	RequestSatisfied RequestState = "satisfied"
	RequestTimedOut  RequestState = "timed_out"
)

type pendingRequest struct {
	expected  int
	processed int
	callback  ReplyCallback
	timer     *time.Timer
}

// Sender sends a message point-to-point through the outgoing pipeline
type Sender interface {
	Send(ctx context.Context, endpoints []string, typeName string, msg *contracts.Message, headers *contracts.Headers) error
}

// Correlator matches replies to outstanding requests
type Correlator struct {
	mu       sync.Mutex
	requests map[string]*pendingRequest
	logger   *slog.Logger
	metrics  Metrics
	onState  func(id string, state RequestState)
}

// CorrelatorOption configures the Correlator
type CorrelatorOption func(*Correlator)

// WithCorrelatorLogger sets the logger
func WithCorrelatorLogger(logger *slog.Logger) CorrelatorOption {
	return func(c *Correlator) {
		c.logger = logger
	}
}

// WithCorrelatorMetrics sets the metrics sink
func WithCorrelatorMetrics(metrics Metrics) CorrelatorOption {
	return func(c *Correlator) {
		c.metrics = metrics
	}
}

// WithStateListener observes terminal state transitions
func WithStateListener(fn func(id string, state RequestState)) CorrelatorOption {
	return func(c *Correlator) {
		c.onState = fn
	}
}

// NewCorrelator creates a new correlator
func NewCorrelator(options ...CorrelatorOption) *Correlator {
	c := &Correlator{
		requests: make(map[string]*pendingRequest),
		logger:   slog.Default(),
		metrics:  NoOpMetrics{},
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// NewRequestID returns a fresh request id
func NewRequestID() string {
	return uuid.New().String()
}

// Issue registers a request under a fresh id and returns the id
func (c *Correlator) Issue(expected int, timeout time.Duration, callback ReplyCallback) (string, error) {
	id := NewRequestID()
	if err := c.Register(id, expected, timeout, callback); err != nil {
		return "", err
	}
	return id, nil
}

// Register creates a pending entry for id. A zero timeout means the entry
// lives until it has received expected replies.
func (c *Correlator) Register(id string, expected int, timeout time.Duration, callback ReplyCallback) error {
	if id == "" {
		return fmt.Errorf("request id cannot be empty")
	}
	if callback == nil {
		return fmt.Errorf("callback cannot be nil")
	}
	if expected == 0 || expected < Unbounded {
		return ErrInvalidExpected
	}
	if expected == Unbounded && timeout <= 0 {
		return ErrUnboundedRequest
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.requests[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, id)
	}

	entry := &pendingRequest{expected: expected, callback: callback}
	if timeout > 0 {
		entry.timer = time.AfterFunc(timeout, func() { c.expire(id, entry) })
	}
	c.requests[id] = entry
	c.metrics.SetPendingRequests(len(c.requests))
	return nil
}

func (c *Correlator) expire(id string, entry *pendingRequest) {
	c.mu.Lock()
	current, ok := c.requests[id]
	if !ok || current != entry {
		c.mu.Unlock()
		return
	}
	delete(c.requests, id)
	pending := len(c.requests)
	c.mu.Unlock()

	c.metrics.SetPendingRequests(pending)
	c.logger.Debug("request timed out",
		"requestId", id,
		"received", entry.processed,
		"expected", entry.expected,
	)
	c.notify(id, RequestTimedOut)
}

// Cancel discards a pending entry without invoking its callback
func (c *Correlator) Cancel(id string) bool {
	c.mu.Lock()
	entry, ok := c.requests[id]
	if ok {
		delete(c.requests, id)
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	pending := len(c.requests)
	c.mu.Unlock()

	if ok {
		c.metrics.SetPendingRequests(pending)
	}
	return ok
}

// Reduce lowers the expected reply count of a bounded entry. An entry that
// already holds enough replies is settled as satisfied.
func (c *Correlator) Reduce(id string, expected int) bool {
	if expected <= 0 {
		return c.Cancel(id)
	}

	c.mu.Lock()
	entry, ok := c.requests[id]
	if !ok || entry.expected == Unbounded || expected >= entry.expected {
		c.mu.Unlock()
		return ok
	}
	entry.expected = expected
	satisfied := entry.processed >= entry.expected
	if satisfied {
		delete(c.requests, id)
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	pending := len(c.requests)
	c.mu.Unlock()

	if satisfied {
		c.metrics.SetPendingRequests(pending)
		c.notify(id, RequestSatisfied)
	}
	return true
}

// Resolve hands a reply to the request named by its ResponseMessageId. It
// returns false when the delivery is not a reply or its request is gone.
func (c *Correlator) Resolve(ctx context.Context, msg *contracts.Message, headers *contracts.Headers, typeName string) bool {
	id := headers.ResponseMessageID
	if id == "" {
		return false
	}

	c.mu.Lock()
	entry, ok := c.requests[id]
	if !ok {
		c.mu.Unlock()
		c.metrics.RecordReply(false)
		return false
	}
	entry.processed++
	satisfied := entry.expected != Unbounded && entry.processed >= entry.expected
	if satisfied {
		delete(c.requests, id)
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	pending := len(c.requests)
	c.mu.Unlock()

	c.metrics.RecordReply(true)
	if satisfied {
		c.metrics.SetPendingRequests(pending)
	}

	c.invoke(ctx, entry.callback, msg, headers, typeName)
	if satisfied {
		c.notify(id, RequestSatisfied)
	}
	return true
}

func (c *Correlator) invoke(ctx context.Context, cb ReplyCallback, msg *contracts.Message, headers *contracts.Headers, typeName string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("reply callback panicked",
				"requestId", headers.ResponseMessageID,
				"typeName", typeName,
				"panic", r,
			)
		}
	}()
	cb(ctx, msg, headers, typeName)
}

func (c *Correlator) notify(id string, state RequestState) {
	if c.onState != nil {
		c.onState(id, state)
	}
}

// IsPending reports whether id still accepts replies
func (c *Correlator) IsPending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.requests[id]
	return ok
}

// Pending returns the number of outstanding requests
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Close stops all timers and discards every pending entry
func (c *Correlator) Close() {
	c.mu.Lock()
	for id, entry := range c.requests {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(c.requests, id)
	}
	c.mu.Unlock()
	c.metrics.SetPendingRequests(0)
}

// ReplyTo builds the reply function for an inbound delivery. Replies reuse
// the inbound headers as their base so caller metadata flows back, and are
// sent point-to-point to the requester's SourceAddress.
func ReplyTo(inbound *contracts.Headers, sender Sender) ReplyFunc {
	if inbound == nil || inbound.RequestMessageID == "" || sender == nil {
		return NoReply
	}
	requestID := inbound.RequestMessageID
	destination := inbound.SourceAddress
	base := inbound.Clone()

	return func(ctx context.Context, replyType string, reply *contracts.Message) error {
		if destination == "" {
			return fmt.Errorf("request %s has no SourceAddress to reply to", requestID)
		}
		headers := ReplyHeaders(base, requestID)
		return sender.Send(ctx, []string{destination}, replyType, reply, headers)
	}
}

// ReplyHeaders derives reply headers from the request headers. Routing and
// lifecycle fields are cleared so the outgoing path stamps them afresh;
// extensions and priority are kept.
func ReplyHeaders(request *contracts.Headers, requestID string) *contracts.Headers {
	h := request.Clone()
	h.MessageID = ""
	h.SourceAddress = ""
	h.DestinationAddress = ""
	h.MessageType = ""
	h.TypeName = ""
	h.TimeSent = ""
	h.TimeReceived = ""
	h.TimeProcessed = ""
	h.RetryCount = 0
	h.RequestMessageID = ""
	h.Exception = ""
	h.ConsumerNode = ""
	h.ResponseMessageID = requestID
	return h
}
