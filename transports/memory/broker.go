// Package memory provides an in-process messaging.Broker. It models the parts
// of a queueing broker the bus relies on: durable-style named queues with
// optional priority, type bindings for publishes, competing consumers, a
// delayed retry queue per destination and error and audit sinks.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/servicebus/config"
	"github.com/glimte/servicebus/contracts"
	"github.com/glimte/servicebus/messaging"
)

var (
	ErrNotConnected     = errors.New("memory broker is not connected")
	ErrNotDeclared      = errors.New("destination has not been declared")
	ErrAlreadyConsuming = errors.New("broker is already consuming")
)

const defaultWorkers = 64

// Broker is a messaging.Broker backed by a Hub
type Broker struct {
	hub    *Hub
	cfg    config.BusConfig
	logger *slog.Logger

	mu        sync.Mutex
	connected bool
	queue     *queue
	stop      chan struct{}
	workers   sync.WaitGroup
}

var _ messaging.Broker = (*Broker)(nil)

// BrokerOption configures the Broker
type BrokerOption func(*Broker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = logger
	}
}

// NewBroker creates a broker adapter attached to hub
func NewBroker(hub *Hub, cfg config.BusConfig, options ...BrokerOption) *Broker {
	b := &Broker{
		hub:    hub,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Connect implements messaging.Broker
func (b *Broker) Connect(ctx context.Context) error {
	b.hub.mu.RLock()
	closed := b.hub.closed
	b.hub.mu.RUnlock()
	if closed {
		return ErrHubClosed
	}

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	return nil
}

// Close implements messaging.Broker
func (b *Broker) Close() error {
	_ = b.StopConsuming()
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	return nil
}

// IsConnected reports whether Connect has run and Close has not
func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// QueueDepth returns the number of messages waiting in a hub queue
func (b *Broker) QueueDepth(ctx context.Context, queue string) (int, error) {
	if err := b.ready(); err != nil {
		return 0, err
	}
	if _, ok := b.hub.queue(queue); !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnroutable, queue)
	}
	return b.hub.Len(queue), nil
}

func (b *Broker) ready() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return ErrNotConnected
	}
	return nil
}

// DeclareDestination implements messaging.Broker
func (b *Broker) DeclareDestination(ctx context.Context, options messaging.DestinationOptions) error {
	if err := b.ready(); err != nil {
		return err
	}
	if options.Name == "" {
		return fmt.Errorf("destination name cannot be empty")
	}

	q, err := b.hub.declare(options.Name, queueOptions{maxPriority: options.MaxPriority})
	if err != nil {
		return err
	}
	if b.cfg.MaxRetries > 0 {
		if _, err := b.hub.declare(messaging.RetryQueueName(options.Name), queueOptions{
			ttl:          b.cfg.RetryDelay,
			deadLetterTo: options.Name,
		}); err != nil {
			return err
		}
	}
	if b.cfg.ErrorQueue != "" {
		if _, err := b.hub.declare(b.cfg.ErrorQueue, queueOptions{}); err != nil {
			return err
		}
	}
	if b.cfg.AuditEnabled && b.cfg.AuditQueue != "" {
		if _, err := b.hub.declare(b.cfg.AuditQueue, queueOptions{}); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.queue = q
	b.mu.Unlock()
	return nil
}

func (b *Broker) destination() (*queue, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queue == nil {
		return nil, ErrNotDeclared
	}
	return b.queue, nil
}

// BindType implements messaging.Broker
func (b *Broker) BindType(ctx context.Context, typeName string) error {
	q, err := b.destination()
	if err != nil {
		return err
	}
	b.hub.bind(typeName, q.name)
	return nil
}

// UnbindType implements messaging.Broker
func (b *Broker) UnbindType(ctx context.Context, typeName string) error {
	q, err := b.destination()
	if err != nil {
		return err
	}
	b.hub.unbind(typeName, q.name)
	return nil
}

// SendTo implements messaging.Broker
func (b *Broker) SendTo(ctx context.Context, endpoint, typeName string, msg *contracts.Message, headers *contracts.Headers) error {
	if err := b.ready(); err != nil {
		return err
	}
	q, ok := b.hub.queue(endpoint)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnroutable, endpoint)
	}
	return b.hub.enqueue(q, typeName, msg, headers)
}

// Publish implements messaging.Broker. A type with no bound destinations is
// dropped, as with an exchange that has no matching bindings.
func (b *Broker) Publish(ctx context.Context, typeName string, msg *contracts.Message, headers *contracts.Headers) error {
	if err := b.ready(); err != nil {
		return err
	}
	for _, q := range b.hub.bound(typeName) {
		if err := b.hub.enqueue(q, typeName, msg, headers); err != nil {
			return err
		}
	}
	return nil
}

// Retry implements messaging.Broker
func (b *Broker) Retry(ctx context.Context, msg *contracts.Message, headers *contracts.Headers) error {
	q, err := b.destination()
	if err != nil {
		return err
	}
	retryQueue, ok := b.hub.queue(messaging.RetryQueueName(q.name))
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnroutable, messaging.RetryQueueName(q.name))
	}
	return b.hub.enqueue(retryQueue, headers.TypeName, msg, headers)
}

// DeadLetter implements messaging.Broker
func (b *Broker) DeadLetter(ctx context.Context, msg *contracts.Message, headers *contracts.Headers) error {
	return b.sendToSink(b.cfg.ErrorQueue, msg, headers)
}

// Audit implements messaging.Broker
func (b *Broker) Audit(ctx context.Context, msg *contracts.Message, headers *contracts.Headers) error {
	return b.sendToSink(b.cfg.AuditQueue, msg, headers)
}

func (b *Broker) sendToSink(name string, msg *contracts.Message, headers *contracts.Headers) error {
	if err := b.ready(); err != nil {
		return err
	}
	q, ok := b.hub.queue(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnroutable, name)
	}
	return b.hub.enqueue(q, headers.TypeName, msg, headers)
}

// Consume implements messaging.Broker. Up to Prefetch deliveries are handled
// at once; a zero prefetch means no practical limit.
func (b *Broker) Consume(ctx context.Context, handler messaging.DeliveryHandler) error {
	q, err := b.destination()
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stop != nil {
		return ErrAlreadyConsuming
	}
	b.stop = make(chan struct{})

	workers := b.cfg.Prefetch
	if workers <= 0 {
		workers = defaultWorkers
	}
	for i := 0; i < workers; i++ {
		b.workers.Add(1)
		go b.work(ctx, q, handler, b.stop)
	}

	b.logger.Info("started consuming", "queue", q.name, "workers", workers)
	return nil
}

func (b *Broker) work(ctx context.Context, q *queue, handler messaging.DeliveryHandler, stop <-chan struct{}) {
	defer b.workers.Done()
	for {
		select {
		case <-stop:
			return
		default:
		}
		if e, ok := q.tryPop(); ok {
			handler(ctx, b.newDelivery(q, e))
			continue
		}
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-q.ready:
		}
	}
}

// StopConsuming implements messaging.Broker. Workers take no new
// deliveries once it returns; handlers already running are not waited for.
func (b *Broker) StopConsuming() error {
	b.mu.Lock()
	stop := b.stop
	b.stop = nil
	b.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	return nil
}

// Wait blocks until every worker of a stopped consumer has returned, or
// ctx ends.
func (b *Broker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) newDelivery(q *queue, e *envelope) *delivery {
	return &delivery{
		queue:    q,
		envelope: e,
		headers:  e.headers.Clone(),
		autoAck:  !b.cfg.AckEnabled,
	}
}

// delivery hands out a copy of the stored headers so a requeue redelivers
// them as they were enqueued.
type delivery struct {
	queue    *queue
	envelope *envelope
	headers  *contracts.Headers
	autoAck  bool

	mu      sync.Mutex
	settled bool
}

func (d *delivery) Message() *contracts.Message { return d.envelope.msg }
func (d *delivery) Headers() *contracts.Headers { return d.headers }

var errAlreadySettled = errors.New("delivery already settled")

func (d *delivery) Ack() error {
	return d.settle(false)
}

func (d *delivery) Nack(requeue bool) error {
	return d.settle(requeue)
}

func (d *delivery) settle(requeue bool) error {
	if d.autoAck {
		return errors.New("delivery was auto-acknowledged")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return errAlreadySettled
	}
	d.settled = true
	if requeue {
		d.queue.push(d.envelope)
	}
	return nil
}
