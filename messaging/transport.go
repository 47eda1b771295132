package messaging

import (
	"context"

	"github.com/glimte/servicebus/contracts"
)

// Broker is the adapter over a durable queueing broker. Every call that
// performs I/O takes a context and surfaces failures to the caller.
type Broker interface {
	// Connect establishes the connection to the broker
	Connect(ctx context.Context) error

	// Close releases the connection and all channels
	Close() error

	// DeclareDestination creates the bus destination and its retry path
	DeclareDestination(ctx context.Context, options DestinationOptions) error

	// BindType routes a logical message type to the bus destination
	BindType(ctx context.Context, typeName string) error

	// UnbindType stops routing a logical message type to the bus destination
	UnbindType(ctx context.Context, typeName string) error

	// SendTo delivers a message point-to-point to one endpoint
	SendTo(ctx context.Context, endpoint, typeName string, msg *contracts.Message, headers *contracts.Headers) error

	// Publish delivers a message to every destination bound to its type
	Publish(ctx context.Context, typeName string, msg *contracts.Message, headers *contracts.Headers) error

	// Consume starts delivering inbound messages to handler. It returns once
	// consumption has started.
	Consume(ctx context.Context, handler DeliveryHandler) error

	// StopConsuming stops new deliveries. In-flight deliveries keep running.
	StopConsuming() error

	// Retry re-enqueues a message on the delayed retry path of the destination
	Retry(ctx context.Context, msg *contracts.Message, headers *contracts.Headers) error

	// DeadLetter moves a message to the error sink
	DeadLetter(ctx context.Context, msg *contracts.Message, headers *contracts.Headers) error

	// Audit copies a successfully processed message to the audit sink
	Audit(ctx context.Context, msg *contracts.Message, headers *contracts.Headers) error
}

// DeliveryHandler receives inbound deliveries from a Broker
type DeliveryHandler func(ctx context.Context, delivery Delivery)

// Delivery is one inbound delivery attempt
type Delivery interface {
	// Message returns the decoded message
	Message() *contracts.Message

	// Headers returns the decoded headers. Mutations are visible to later stages.
	Headers() *contracts.Headers

	// Ack removes the delivery from its source queue
	Ack() error

	// Nack rejects the delivery, optionally returning it to the queue
	Nack(requeue bool) error
}

// DestinationOptions describes the queue a bus consumes from
type DestinationOptions struct {
	Name        string
	Durable     bool
	Exclusive   bool
	AutoDelete  bool
	MaxPriority uint8
}

// RetryQueueName returns the delayed retry queue for a destination.
func RetryQueueName(queue string) string {
	return queue + ".Retries"
}
