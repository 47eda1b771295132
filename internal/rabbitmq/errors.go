package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Connection errors
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrMaxRetriesExceeded = errors.New("rabbitmq: maximum reconnection attempts exceeded")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")

	// Channel errors
	ErrChannelPoolClosed     = errors.New("rabbitmq: channel pool is closed")
	ErrChannelPoolExhausted  = errors.New("rabbitmq: channel pool exhausted")
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")

	// Publisher errors
	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed")
	ErrMessageReturned     = errors.New("rabbitmq: message returned by broker")

	// Consumer errors
	ErrConsumerCancelled = errors.New("rabbitmq: consumer cancelled")
	ErrAlreadyConsuming  = errors.New("rabbitmq: queue already has a consumer")

	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string
	URL       string
	Err       error
	Timestamp time.Time
	Attempts  int
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s to %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s to %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string
	ChannelID string
	Err       error
	Timestamp time.Time
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string
	RoutingKey string
	Attempts   int
	Err        error
}

func (e *PublishError) Error() string {
	exchange := e.Exchange
	if exchange == "" {
		exchange = "(default)"
	}
	return fmt.Sprintf("rabbitmq publish error: %s/%s after %d attempts: %v",
		exchange, e.RoutingKey, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string
	ConsumerTag string
	Op          string
	Err         error
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology declaration error
type TopologyError struct {
	Component string
	Name      string
	Err       error
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to declare %s '%s': %v",
		e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether an operation that failed with err may succeed
// on a later attempt
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrInvalidConfiguration),
		errors.Is(err, ErrMaxRetriesExceeded),
		errors.Is(err, ErrChannelPoolClosed),
		errors.Is(err, ErrMessageReturned):
		return false
	}
	return true
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
