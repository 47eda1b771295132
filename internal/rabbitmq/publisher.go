package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes with broker confirms over pooled channels
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	retryDelay     time.Duration
	maxRetries     int
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for a broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishRetries sets the number of extra attempts after a failed publish
func WithPublishRetries(retries int, delay time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.maxRetries = retries
		p.retryDelay = delay
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		retryDelay:     time.Second,
		maxRetries:     3,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg and waits for the broker to confirm it. With mandatory
// set, a message the broker cannot route fails with ErrMessageReturned.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * p.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		attempts++
		lastErr = p.publishWithConfirm(ctx, exchange, routingKey, mandatory, msg)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) || ctx.Err() != nil {
			break
		}
		p.logger.Warn("publish failed, retrying",
			"exchange", exchange,
			"routingKey", routingKey,
			"attempt", attempts,
			"error", lastErr,
		)
	}

	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Attempts:   attempts,
		Err:        lastErr,
	}
}

func (p *Publisher) publishWithConfirm(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error {
	return p.pool.Execute(ctx, func(ch *PooledChannel) error {
		if ch.returns == nil {
			if err := ch.Confirm(false); err != nil {
				return fmt.Errorf("failed to enable confirms: %w", err)
			}
			ch.returns = ch.NotifyReturn(make(chan amqp.Return, 1))
		}

		confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, mandatory, false, msg)
		if err != nil {
			return fmt.Errorf("failed to publish: %w", err)
		}

		waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
		defer cancel()

		acked, err := confirm.WaitContext(waitCtx)
		if err != nil {
			return fmt.Errorf("waiting for confirm: %w", err)
		}
		// the broker sends basic.return ahead of the confirm
		select {
		case ret := <-ch.returns:
			return fmt.Errorf("%w: %d %s", ErrMessageReturned, ret.ReplyCode, ret.ReplyText)
		default:
		}
		if !acked {
			return ErrPublishNotConfirmed
		}
		return nil
	})
}
