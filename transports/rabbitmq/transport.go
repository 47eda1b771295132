// Package rabbitmq implements messaging.Broker on RabbitMQ. Publishes go
// through a topic exchange keyed by message type; sends and the retry, error
// and audit paths use the default exchange keyed by queue name.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/servicebus/config"
	"github.com/glimte/servicebus/contracts"
	"github.com/glimte/servicebus/internal/rabbitmq"
	"github.com/glimte/servicebus/messaging"
)

// ErrNotConnected is returned by operations that need Connect to have run
var ErrNotConnected = errors.New("rabbitmq broker is not connected")

// ErrNotDeclared is returned when no destination has been declared
var ErrNotDeclared = errors.New("destination has not been declared")

// Broker is a messaging.Broker backed by RabbitMQ
type Broker struct {
	cfg    config.BusConfig
	logger *slog.Logger
	now    func() time.Time

	connectionOptions []rabbitmq.ConnectionOption
	publisherOptions  []rabbitmq.PublisherOption

	mu        sync.Mutex
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
	queue     string
	handler   messaging.DeliveryHandler
	handleCtx context.Context
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

// WithConnectionOptions adds connection manager options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) BrokerOption {
	return func(b *Broker) {
		b.connectionOptions = append(b.connectionOptions, opts...)
	}
}

// WithPublisherOptions adds publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) BrokerOption {
	return func(b *Broker) {
		b.publisherOptions = append(b.publisherOptions, opts...)
	}
}

// NewBroker creates a broker for cfg. No connection is made until Connect.
func NewBroker(cfg config.BusConfig, options ...BrokerOption) (*Broker, error) {
	b := &Broker{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range options {
		opt(b)
	}

	tlsConfig, err := cfg.TLS.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build TLS configuration: %w", err)
	}

	connOpts := []rabbitmq.ConnectionOption{rabbitmq.WithLogger(b.logger)}
	if tlsConfig != nil {
		connOpts = append(connOpts, rabbitmq.WithTLS(tlsConfig))
	}
	b.manager = rabbitmq.NewConnectionManager(cfg.URL, append(connOpts, b.connectionOptions...)...)
	return b, nil
}

// Connect implements messaging.Broker
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pool != nil {
		return nil
	}

	if err := b.manager.Connect(ctx); err != nil {
		return err
	}

	pool, err := rabbitmq.NewChannelPool(b.manager, rabbitmq.WithChannelLogger(b.logger))
	if err != nil {
		_ = b.manager.Close()
		return fmt.Errorf("failed to create channel pool: %w", err)
	}

	b.pool = pool
	b.publisher = rabbitmq.NewPublisher(pool, append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(b.logger)}, b.publisherOptions...)...)
	b.consumer = rabbitmq.NewConsumer(pool,
		rabbitmq.WithPrefetchCount(b.cfg.Prefetch),
		rabbitmq.WithAutoAck(!b.cfg.AckEnabled),
		rabbitmq.WithExclusive(b.cfg.Exclusive),
		rabbitmq.WithConsumerLogger(b.logger),
	)
	b.topology = rabbitmq.NewTopologyManager(pool)
	b.manager.AddStateListener(b)
	return nil
}

// Close implements messaging.Broker
func (b *Broker) Close() error {
	_ = b.StopConsuming()

	b.mu.Lock()
	pool := b.pool
	b.pool = nil
	b.mu.Unlock()

	b.manager.RemoveStateListener(b)
	if pool != nil {
		_ = pool.Close()
	}
	return b.manager.Close()
}

func (b *Broker) connected() (*rabbitmq.Publisher, *rabbitmq.TopologyManager, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pool == nil {
		return nil, nil, ErrNotConnected
	}
	return b.publisher, b.topology, nil
}

func (b *Broker) destination() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pool == nil {
		return "", ErrNotConnected
	}
	if b.queue == "" {
		return "", ErrNotDeclared
	}
	return b.queue, nil
}

// DeclareDestination implements messaging.Broker
func (b *Broker) DeclareDestination(ctx context.Context, options messaging.DestinationOptions) error {
	_, topology, err := b.connected()
	if err != nil {
		return err
	}

	spec := rabbitmq.DestinationSpec{
		Exchange:    b.cfg.Exchange,
		Queue:       options.Name,
		ErrorQueue:  b.cfg.ErrorQueue,
		Durable:     options.Durable,
		Exclusive:   options.Exclusive,
		AutoDelete:  options.AutoDelete,
		MaxPriority: options.MaxPriority,
	}
	if b.cfg.MaxRetries > 0 {
		spec.RetryQueue = messaging.RetryQueueName(options.Name)
		spec.RetryDelay = b.cfg.RetryDelay
	}
	if b.cfg.AuditEnabled {
		spec.AuditQueue = b.cfg.AuditQueue
	}

	if err := topology.DeclareTopology(ctx, rabbitmq.DestinationTopology(spec)); err != nil {
		return fmt.Errorf("failed to declare destination %s: %w", options.Name, err)
	}

	b.mu.Lock()
	b.queue = options.Name
	b.mu.Unlock()

	b.logger.Info("declared destination",
		"queue", options.Name,
		"retryQueue", spec.RetryQueue,
		"maxPriority", options.MaxPriority,
	)
	return nil
}

func (b *Broker) binding(typeName string) (rabbitmq.Binding, *rabbitmq.TopologyManager, error) {
	queue, err := b.destination()
	if err != nil {
		return rabbitmq.Binding{}, nil, err
	}
	_, topology, err := b.connected()
	if err != nil {
		return rabbitmq.Binding{}, nil, err
	}
	return rabbitmq.Binding{Queue: queue, Exchange: b.cfg.Exchange, RoutingKey: typeName}, topology, nil
}

// BindType implements messaging.Broker
func (b *Broker) BindType(ctx context.Context, typeName string) error {
	binding, topology, err := b.binding(typeName)
	if err != nil {
		return err
	}
	return topology.BindQueue(ctx, binding)
}

// UnbindType implements messaging.Broker
func (b *Broker) UnbindType(ctx context.Context, typeName string) error {
	binding, topology, err := b.binding(typeName)
	if err != nil {
		return err
	}
	return topology.UnbindQueue(ctx, binding)
}

// SendTo implements messaging.Broker. The publish is mandatory, so a send to
// a queue that does not exist fails.
func (b *Broker) SendTo(ctx context.Context, endpoint, typeName string, msg *contracts.Message, headers *contracts.Headers) error {
	return b.publish(ctx, "", endpoint, true, typeName, msg, headers)
}

// Publish implements messaging.Broker
func (b *Broker) Publish(ctx context.Context, typeName string, msg *contracts.Message, headers *contracts.Headers) error {
	return b.publish(ctx, b.cfg.Exchange, typeName, false, typeName, msg, headers)
}

// Retry implements messaging.Broker
func (b *Broker) Retry(ctx context.Context, msg *contracts.Message, headers *contracts.Headers) error {
	queue, err := b.destination()
	if err != nil {
		return err
	}
	return b.publish(ctx, "", messaging.RetryQueueName(queue), true, headers.TypeName, msg, headers)
}

// DeadLetter implements messaging.Broker
func (b *Broker) DeadLetter(ctx context.Context, msg *contracts.Message, headers *contracts.Headers) error {
	return b.publish(ctx, "", b.cfg.ErrorQueue, true, headers.TypeName, msg, headers)
}

// Audit implements messaging.Broker
func (b *Broker) Audit(ctx context.Context, msg *contracts.Message, headers *contracts.Headers) error {
	return b.publish(ctx, "", b.cfg.AuditQueue, true, headers.TypeName, msg, headers)
}

func (b *Broker) publish(ctx context.Context, exchange, routingKey string, mandatory bool, typeName string, msg *contracts.Message, headers *contracts.Headers) error {
	publisher, _, err := b.connected()
	if err != nil {
		return err
	}
	pub, err := encode(typeName, msg, headers, b.now())
	if err != nil {
		return err
	}
	return publisher.Publish(ctx, exchange, routingKey, mandatory, pub)
}

// IsConnected reports whether the broker connection is currently up
func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	connected := b.pool != nil
	b.mu.Unlock()
	return connected && b.manager.IsConnected()
}

// QueueDepth returns the number of ready messages in a queue
func (b *Broker) QueueDepth(ctx context.Context, queue string) (int, error) {
	_, topology, err := b.connected()
	if err != nil {
		return 0, err
	}
	return topology.QueueDepth(ctx, queue)
}

// Consume implements messaging.Broker
func (b *Broker) Consume(ctx context.Context, handler messaging.DeliveryHandler) error {
	queue, err := b.destination()
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.handler = handler
	b.handleCtx = ctx
	consumer := b.consumer
	b.mu.Unlock()

	return consumer.Subscribe(ctx, queue, b.deliver)
}

// StopConsuming implements messaging.Broker
func (b *Broker) StopConsuming() error {
	b.mu.Lock()
	b.handler = nil
	consumer := b.consumer
	b.mu.Unlock()

	if consumer == nil {
		return nil
	}
	return consumer.Unsubscribe()
}

// Wait blocks until the handlers of the last stopped subscription return
func (b *Broker) Wait(ctx context.Context) error {
	b.mu.Lock()
	consumer := b.consumer
	b.mu.Unlock()

	if consumer == nil {
		return nil
	}
	return consumer.Wait(ctx)
}

func (b *Broker) deliver(ctx context.Context, d amqp.Delivery) {
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()

	if handler == nil {
		if b.cfg.AckEnabled {
			_ = d.Nack(false, true)
		}
		return
	}

	msg, headers, err := decode(d)
	if err != nil {
		b.logger.Warn("delivery body is not a framed message",
			"messageId", headers.MessageID,
			"typeName", headers.TypeName,
			"error", err,
		)
	}

	handler(ctx, &delivery{
		raw:     d,
		msg:     msg,
		headers: headers,
		autoAck: !b.cfg.AckEnabled,
	})
}

// OnConnected resubscribes after the connection manager reconnects
func (b *Broker) OnConnected() {
	b.mu.Lock()
	handler := b.handler
	ctx := b.handleCtx
	queue := b.queue
	consumer := b.consumer
	b.mu.Unlock()

	if handler == nil || consumer == nil || consumer.Active() {
		return
	}
	if err := consumer.Subscribe(ctx, queue, b.deliver); err != nil {
		b.logger.Error("failed to resume consuming after reconnect", "queue", queue, "error", err)
		return
	}
	b.logger.Info("resumed consuming after reconnect", "queue", queue)
}

// OnDisconnected logs the lost connection
func (b *Broker) OnDisconnected(err error) {
	b.logger.Warn("broker connection lost", "queue", b.cfg.Queue, "error", err)
}

// OnReconnecting logs reconnect attempts
func (b *Broker) OnReconnecting(attempt int) {
	b.logger.Debug("reconnecting to broker", "attempt", attempt)
}

type delivery struct {
	raw     amqp.Delivery
	msg     *contracts.Message
	headers *contracts.Headers
	autoAck bool
}

func (d *delivery) Message() *contracts.Message { return d.msg }
func (d *delivery) Headers() *contracts.Headers { return d.headers }

func (d *delivery) Ack() error {
	if d.autoAck {
		return errors.New("delivery was auto-acknowledged")
	}
	return d.raw.Ack(false)
}

func (d *delivery) Nack(requeue bool) error {
	if d.autoAck {
		return errors.New("delivery was auto-acknowledged")
	}
	return d.raw.Nack(false, requeue)
}
