package messaging

import (
	"context"
	"fmt"

	"github.com/glimte/servicebus/contracts"
)

// ReplyFunc sends a reply to the request that produced the current delivery.
// It is a no-op when the delivery is not a request.
type ReplyFunc func(ctx context.Context, replyType string, reply *contracts.Message) error

// Handler processes inbound messages. Handlers of one delivery run
// concurrently and share its headers, so they must treat them as read-only.
type Handler interface {
	Handle(ctx context.Context, msg *contracts.Message, headers *contracts.Headers, typeName string, reply ReplyFunc) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, msg *contracts.Message, headers *contracts.Headers, typeName string, reply ReplyFunc) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg *contracts.Message, headers *contracts.Headers, typeName string, reply ReplyFunc) error {
	return f(ctx, msg, headers, typeName, reply)
}

// NoReply is a ReplyFunc that drops the reply
func NoReply(context.Context, string, *contracts.Message) error {
	return nil
}

// HandlerError wraps a failure raised by a handler
type HandlerError struct {
	TypeName string
	Err      error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %s failed: %v", e.TypeName, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
