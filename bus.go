// Copyright 2024 Servicebus Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package servicebus is a message bus over a durable queueing broker. It
// offers point-to-point sends, publish/subscribe and request/reply with
// scatter-gather, retries with dead-lettering, auditing and before, after
// and outgoing filter pipelines.
package servicebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/servicebus/config"
	"github.com/glimte/servicebus/contracts"
	"github.com/glimte/servicebus/filters"
	"github.com/glimte/servicebus/messaging"
	rabbitmqTransport "github.com/glimte/servicebus/transports/rabbitmq"
)

var (
	// ErrNotInitialized is returned when the bus is used before Init
	ErrNotInitialized = errors.New("bus is not initialized")
	// ErrAlreadyInitialized is returned by a second Init
	ErrAlreadyInitialized = errors.New("bus is already initialized")
	// ErrClosed is returned when the bus is used after Close
	ErrClosed = errors.New("bus is closed")
	// ErrNoEndpoints is returned by a send without recipients
	ErrNoEndpoints = errors.New("at least one endpoint is required")
)

// Bus routes messages between the application and a broker destination
type Bus struct {
	cfg     config.BusConfig
	broker  messaging.Broker
	logger  *slog.Logger
	metrics messaging.Metrics
	now     func() time.Time

	before   *filters.Pipeline
	after    *filters.Pipeline
	outgoing *filters.Pipeline

	dispatcher *messaging.Dispatcher
	correlator *messaging.Correlator
	processor  *messaging.DeliveryProcessor

	mu          sync.Mutex
	initialized bool
	closing     bool
	closed      bool
}

var _ filters.Bus = (*Bus)(nil)

type busOptions struct {
	logger   *slog.Logger
	metrics  messaging.Metrics
	tracer   trace.Tracer
	before   []filters.Filter
	after    []filters.Filter
	outgoing []filters.Filter
}

// Option configures a Bus
type Option func(*busOptions)

// WithLogger sets the logger used by the bus and its components
func WithLogger(logger *slog.Logger) Option {
	return func(o *busOptions) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics sink, such as a metrics.Collector
func WithMetrics(metrics messaging.Metrics) Option {
	return func(o *busOptions) {
		o.metrics = metrics
	}
}

// WithTracer sets the tracer used for delivery spans
func WithTracer(tracer trace.Tracer) Option {
	return func(o *busOptions) {
		o.tracer = tracer
	}
}

// WithBeforeFilters appends filters run before handlers
func WithBeforeFilters(f ...filters.Filter) Option {
	return func(o *busOptions) {
		o.before = append(o.before, f...)
	}
}

// WithAfterFilters appends filters run after handlers succeed
func WithAfterFilters(f ...filters.Filter) Option {
	return func(o *busOptions) {
		o.after = append(o.after, f...)
	}
}

// WithOutgoingFilters appends filters run on every send and publish
func WithOutgoingFilters(f ...filters.Filter) Option {
	return func(o *busOptions) {
		o.outgoing = append(o.outgoing, f...)
	}
}

func applyOptions(options []Option) busOptions {
	o := busOptions{
		logger:  slog.Default(),
		metrics: messaging.NoOpMetrics{},
	}
	for _, opt := range options {
		opt(&o)
	}
	return o
}

// New creates a bus over broker. The configuration is copied.
func New(cfg config.BusConfig, broker messaging.Broker, options ...Option) (*Bus, error) {
	if broker == nil {
		return nil, fmt.Errorf("broker cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newBus(cfg, broker, applyOptions(options)), nil
}

// NewRabbitMQ creates a bus over a RabbitMQ broker at cfg.URL
func NewRabbitMQ(cfg config.BusConfig, options ...Option) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := applyOptions(options)

	broker, err := rabbitmqTransport.NewBroker(cfg, rabbitmqTransport.WithLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	return newBus(cfg, broker, o), nil
}

func newBus(cfg config.BusConfig, broker messaging.Broker, o busOptions) *Bus {
	if cfg.Node == "" {
		cfg.Node = defaultNode()
	}

	b := &Bus{
		cfg:      cfg,
		broker:   broker,
		logger:   o.logger.With("queue", cfg.Queue),
		metrics:  o.metrics,
		now:      time.Now,
		before:   filters.NewPipeline(filters.StageBefore, o.before...),
		after:    filters.NewPipeline(filters.StageAfter, o.after...),
		outgoing: filters.NewPipeline(filters.StageOutgoing, o.outgoing...),
	}

	b.dispatcher = messaging.NewDispatcher(messaging.WithDispatcherLogger(b.logger))
	b.correlator = messaging.NewCorrelator(
		messaging.WithCorrelatorLogger(b.logger),
		messaging.WithCorrelatorMetrics(b.metrics),
	)

	processorOpts := []messaging.ProcessorOption{
		messaging.WithProcessorLogger(b.logger),
		messaging.WithProcessorMetrics(b.metrics),
		messaging.WithFilters(b.before, b.after),
		messaging.WithBus(b),
	}
	if o.tracer != nil {
		processorOpts = append(processorOpts, messaging.WithTracer(o.tracer))
	}
	b.processor = messaging.NewDeliveryProcessor(messaging.ProcessorConfig{
		Queue:        cfg.Queue,
		Node:         cfg.Node,
		MaxRetries:   cfg.MaxRetries,
		AckEnabled:   cfg.AckEnabled,
		AuditEnabled: cfg.AuditEnabled,
	}, broker, b.dispatcher, b.correlator, processorOpts...)

	return b
}

func defaultNode() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Config returns a copy of the bus configuration
func (b *Bus) Config() config.BusConfig {
	return b.cfg
}

// Address returns the name of the destination the bus consumes from
func (b *Bus) Address() string {
	return b.cfg.Queue
}

// Init connects to the broker, declares the destination and its retry path,
// binds every handled type and starts consuming
func (b *Bus) Init(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.closing:
		return ErrClosed
	case b.initialized:
		return ErrAlreadyInitialized
	}

	if err := b.broker.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if err := b.broker.DeclareDestination(ctx, messaging.DestinationOptions{
		Name:        b.cfg.Queue,
		Durable:     b.cfg.Durable,
		Exclusive:   b.cfg.Exclusive,
		AutoDelete:  b.cfg.AutoDelete,
		MaxPriority: b.cfg.MaxPriority,
	}); err != nil {
		return err
	}

	types := b.dispatcher.Types()
	for _, typeName := range types {
		if err := b.broker.BindType(ctx, typeName); err != nil {
			return fmt.Errorf("failed to bind %s: %w", typeName, err)
		}
	}

	if err := b.broker.Consume(ctx, b.processor.Handle); err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	b.initialized = true
	b.logger.Info("bus initialized",
		"node", b.cfg.Node,
		"boundTypes", len(types),
		"maxRetries", b.cfg.MaxRetries,
		"audit", b.cfg.AuditEnabled,
	)
	return nil
}

func (b *Bus) ready() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.closed:
		return ErrClosed
	case !b.initialized:
		return ErrNotInitialized
	}
	return nil
}

// UseBefore appends filters run on inbound deliveries before handlers
func (b *Bus) UseBefore(f ...filters.Filter) {
	b.before.Add(f...)
}

// UseAfter appends filters run on inbound deliveries after handlers succeed
func (b *Bus) UseAfter(f ...filters.Filter) {
	b.after.Add(f...)
}

// UseOutgoing appends filters run on every send and publish
func (b *Bus) UseOutgoing(f ...filters.Filter) {
	b.outgoing.Add(f...)
}

// AddHandler registers handler for typeName, or for every type with
// messaging.Wildcard. The first handler of a type binds it on the broker.
func (b *Bus) AddHandler(ctx context.Context, typeName string, handler messaging.Handler) (*messaging.Registration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	reg, first, err := b.dispatcher.Add(typeName, handler)
	if err != nil {
		return nil, err
	}
	if first && typeName != messaging.Wildcard && b.initialized && !b.closing {
		if err := b.broker.BindType(ctx, typeName); err != nil {
			b.dispatcher.Remove(typeName, reg)
			return nil, fmt.Errorf("failed to bind %s: %w", typeName, err)
		}
	}
	return reg, nil
}

// RemoveHandler removes a registration. Removing the last handler of a type
// unbinds it from the broker.
func (b *Bus) RemoveHandler(ctx context.Context, typeName string, reg *messaging.Registration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed, last := b.dispatcher.Remove(typeName, reg)
	if last && typeName != messaging.Wildcard && b.initialized && !b.closing {
		if err := b.broker.UnbindType(ctx, typeName); err != nil {
			return removed, fmt.Errorf("failed to unbind %s: %w", typeName, err)
		}
	}
	return removed, nil
}

// IsHandled reports whether typeName has a specific handler
func (b *Bus) IsHandled(typeName string) bool {
	return b.dispatcher.IsHandled(typeName)
}

// Send delivers msg point-to-point to each endpoint. Every recipient gets
// its own copy of the headers. Recipients vetoed by an outgoing filter are
// skipped without error.
func (b *Bus) Send(ctx context.Context, endpoints []string, typeName string, msg *contracts.Message, headers *contracts.Headers) error {
	if len(endpoints) == 0 {
		return ErrNoEndpoints
	}
	if err := b.ready(); err != nil {
		return err
	}

	outbound, err := b.prepareSends(ctx, endpoints, typeName, msg, headers)
	if err != nil {
		return err
	}
	_, err = b.sendAll(ctx, typeName, msg, outbound)
	return err
}

// Publish delivers msg to every destination bound to typeName. A veto from
// an outgoing filter drops the message without error.
func (b *Bus) Publish(ctx context.Context, typeName string, msg *contracts.Message, headers *contracts.Headers) error {
	if err := b.ready(); err != nil {
		return err
	}

	h, ok, err := b.preparePublish(ctx, typeName, msg, headers)
	if err != nil || !ok {
		return err
	}
	return b.publish(ctx, typeName, msg, h)
}

// SendRequest sends msg to each endpoint and collects one reply per
// recipient. callback runs once per matched reply. The returned id is empty
// when every recipient was vetoed. Sends stop at the first failure; if
// earlier recipients were reached, the id is returned with the error and
// the request keeps waiting for their replies only.
func (b *Bus) SendRequest(ctx context.Context, endpoints []string, typeName string, msg *contracts.Message, headers *contracts.Headers, timeout time.Duration, callback messaging.ReplyCallback) (string, error) {
	if len(endpoints) == 0 {
		return "", ErrNoEndpoints
	}
	if err := b.ready(); err != nil {
		return "", err
	}

	id := messaging.NewRequestID()
	headers = headers.Clone()
	headers.RequestMessageID = id

	outbound, err := b.prepareSends(ctx, endpoints, typeName, msg, headers)
	if err != nil || len(outbound) == 0 {
		return "", err
	}

	if err := b.correlator.Register(id, len(outbound), timeout, callback); err != nil {
		return "", err
	}
	sent, err := b.sendAll(ctx, typeName, msg, outbound)
	if err != nil {
		if sent == 0 {
			b.correlator.Cancel(id)
			return "", err
		}
		b.correlator.Reduce(id, sent)
		return id, err
	}
	return id, nil
}

// PublishRequest publishes msg and collects replies. expected is the number
// of replies to wait for, or messaging.Unbounded to collect until timeout.
// The returned id is empty when the publish was vetoed.
func (b *Bus) PublishRequest(ctx context.Context, typeName string, msg *contracts.Message, headers *contracts.Headers, expected int, timeout time.Duration, callback messaging.ReplyCallback) (string, error) {
	if err := b.ready(); err != nil {
		return "", err
	}

	id := messaging.NewRequestID()
	headers = headers.Clone()
	headers.RequestMessageID = id

	h, ok, err := b.preparePublish(ctx, typeName, msg, headers)
	if err != nil || !ok {
		return "", err
	}

	if err := b.correlator.Register(id, expected, timeout, callback); err != nil {
		return "", err
	}
	if err := b.publish(ctx, typeName, msg, h); err != nil {
		b.correlator.Cancel(id)
		return "", err
	}
	return id, nil
}

type outboundSend struct {
	endpoint string
	headers  *contracts.Headers
}

// prepareSends stamps and filters one header copy per endpoint. The message
// id is shared by all recipients.
func (b *Bus) prepareSends(ctx context.Context, endpoints []string, typeName string, msg *contracts.Message, headers *contracts.Headers) ([]outboundSend, error) {
	base := headers.Clone()
	base.StampOutgoing(contracts.SendModeSend, typeName, b.cfg.Queue, "", b.now())

	out := make([]outboundSend, 0, len(endpoints))
	for _, endpoint := range endpoints {
		h := base.Clone()
		if h.DestinationAddress == "" {
			h.DestinationAddress = endpoint
		}

		ok, err := b.outgoing.Run(ctx, msg, h, typeName, b)
		if err != nil {
			return nil, err
		}
		if !ok {
			b.logger.Debug("send vetoed by outgoing filter", "typeName", typeName, "endpoint", endpoint)
			continue
		}
		out = append(out, outboundSend{endpoint: endpoint, headers: h})
	}
	return out, nil
}

func (b *Bus) preparePublish(ctx context.Context, typeName string, msg *contracts.Message, headers *contracts.Headers) (*contracts.Headers, bool, error) {
	h := headers.Clone()
	h.StampOutgoing(contracts.SendModePublish, typeName, b.cfg.Queue, b.cfg.Queue, b.now())

	ok, err := b.outgoing.Run(ctx, msg, h, typeName, b)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		b.logger.Debug("publish vetoed by outgoing filter", "typeName", typeName)
	}
	return h, ok, nil
}

// sendAll returns how many recipients were sent to before the first failure
func (b *Bus) sendAll(ctx context.Context, typeName string, msg *contracts.Message, outbound []outboundSend) (int, error) {
	for i, o := range outbound {
		err := b.broker.SendTo(ctx, o.endpoint, typeName, msg, o.headers)
		b.metrics.RecordSend(typeName, string(contracts.SendModeSend), err)
		if err != nil {
			return i, fmt.Errorf("failed to send %s to %s: %w", typeName, o.endpoint, err)
		}
	}
	return len(outbound), nil
}

func (b *Bus) publish(ctx context.Context, typeName string, msg *contracts.Message, headers *contracts.Headers) error {
	err := b.broker.Publish(ctx, typeName, msg, headers)
	b.metrics.RecordSend(typeName, string(contracts.SendModePublish), err)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", typeName, err)
	}
	return nil
}

// PendingRequests returns the number of requests still waiting for replies
func (b *Bus) PendingRequests() int {
	return b.correlator.Pending()
}

// CancelRequest stops waiting for replies to a request. Replies arriving
// afterwards are dropped.
func (b *Bus) CancelRequest(id string) bool {
	return b.correlator.Cancel(id)
}

// consumerWaiter is a broker whose consumers can be awaited after
// StopConsuming
type consumerWaiter interface {
	Wait(ctx context.Context) error
}

// Close stops consuming and waits up to DrainTimeout for in-flight
// deliveries, which may still reply. It then stops request timers and closes
// the broker.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return nil
	}
	b.closing = true
	initialized := b.initialized
	b.mu.Unlock()

	if initialized {
		if err := b.broker.StopConsuming(); err != nil {
			b.logger.Warn("failed to stop consuming", "error", err)
		}

		drainCtx := ctx
		if b.cfg.DrainTimeout > 0 {
			var cancel context.CancelFunc
			drainCtx, cancel = context.WithTimeout(ctx, b.cfg.DrainTimeout)
			defer cancel()
		}
		if err := b.processor.Drain(drainCtx); err != nil {
			b.logger.Warn("closing with deliveries still in flight", "error", err)
		} else if w, ok := b.broker.(consumerWaiter); ok {
			if err := w.Wait(drainCtx); err != nil {
				b.logger.Warn("closing before deliveries were settled", "error", err)
			}
		}
	}

	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.correlator.Close()

	if err := b.broker.Close(); err != nil {
		return fmt.Errorf("failed to close broker: %w", err)
	}
	b.logger.Info("bus closed")
	return nil
}
