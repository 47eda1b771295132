package rabbitmq

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes one delivery. Settlement is left to the handler
// unless the consumer runs in auto-ack mode.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery)

// Consumer consumes a single queue on a dedicated channel. Deliveries are
// handled concurrently, bounded by the prefetch count.
type Consumer struct {
	pool          *ChannelPool
	prefetchCount int
	autoAck       bool
	exclusive     bool
	logger        *slog.Logger

	mu      sync.Mutex
	running *subscription
	last    *subscription
}

type subscription struct {
	queue   string
	tag     string
	channel *PooledChannel
	cancel  context.CancelFunc
	stopped chan struct{}
	done    chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithAutoAck lets the broker settle deliveries as it sends them
func WithAutoAck(autoAck bool) ConsumerOption {
	return func(c *Consumer) {
		c.autoAck = autoAck
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:          pool,
		prefetchCount: 10,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Workers returns how many deliveries are handled at once
func (c *Consumer) Workers() int {
	if c.prefetchCount <= 0 {
		return 1
	}
	return c.prefetchCount
}

// Subscribe starts consuming queue
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running != nil {
		return &ConsumerError{Queue: queue, ConsumerTag: c.running.tag, Op: "subscribe", Err: ErrAlreadyConsuming}
	}

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: err}
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		c.pool.Discard(ch)
		return &ConsumerError{Queue: queue, ConsumerTag: ch.ID(), Op: "qos", Err: err}
	}

	deliveries, err := ch.Consume(queue, ch.ID(), c.autoAck, c.exclusive, false, false, nil)
	if err != nil {
		c.pool.Discard(ch)
		return &ConsumerError{Queue: queue, ConsumerTag: ch.ID(), Op: "consume", Err: err}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		queue:   queue,
		tag:     ch.ID(),
		channel: ch,
		cancel:  cancel,
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.running = sub

	go c.run(ctx, subCtx, sub, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", sub.tag,
		"prefetchCount", c.prefetchCount,
		"autoAck", c.autoAck,
	)
	return nil
}

// run hands deliveries to handler until stop ends. Handlers get the
// subscribing context so Unsubscribe does not cancel work in flight. The
// channel is released once the last handler has settled its delivery.
func (c *Consumer) run(ctx, stop context.Context, sub *subscription, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	var wg sync.WaitGroup
	defer func() {
		close(sub.stopped)
		go func() {
			wg.Wait()
			sub.cancel()
			c.pool.Discard(sub.channel)
			close(sub.done)
			c.logger.Info("consumer stopped", "queue", sub.queue)
		}()
	}()

	sem := make(chan struct{}, c.Workers())
	for {
		select {
		case <-stop.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", sub.queue)
				c.mu.Lock()
				if c.running == sub {
					c.running = nil
				}
				c.mu.Unlock()
				return
			}
			select {
			case sem <- struct{}{}:
			case <-stop.Done():
				if !c.autoAck {
					_ = d.Nack(false, true)
				}
				return
			}
			wg.Add(1)
			go func() {
				defer func() {
					<-sem
					wg.Done()
				}()
				handler(ctx, d)
			}()
		}
	}
}

// Unsubscribe cancels the consumer. It returns once no new deliveries are
// handed out; handlers already running keep going, see Wait.
func (c *Consumer) Unsubscribe() error {
	c.mu.Lock()
	sub := c.running
	c.running = nil
	c.mu.Unlock()

	if sub == nil {
		return nil
	}

	if !sub.channel.IsClosed() {
		if err := sub.channel.Cancel(sub.tag, false); err != nil {
			c.logger.Warn("failed to cancel consumer", "queue", sub.queue, "error", err)
		}
	}
	sub.cancel()
	<-sub.stopped
	c.mu.Lock()
	c.last = sub
	c.mu.Unlock()
	return nil
}

// Wait blocks until the handlers of the last unsubscribed consumer have
// returned, or ctx ends.
func (c *Consumer) Wait(ctx context.Context) error {
	c.mu.Lock()
	sub := c.last
	c.mu.Unlock()
	if sub == nil {
		return nil
	}
	select {
	case <-sub.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active reports whether the consumer is subscribed
func (c *Consumer) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running != nil
}
