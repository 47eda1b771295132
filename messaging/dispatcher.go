package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/glimte/servicebus/contracts"
)

// Wildcard registers a handler for every message type
const Wildcard = "*"

// Registration identifies one handler registration. It is the handle used to
// remove the handler again.
type Registration struct {
	TypeName string
	Handler  Handler
}

// Dispatcher routes messages to the handlers registered for their type
type Dispatcher struct {
	handlers map[string][]*Registration
	mu       sync.RWMutex
	logger   *slog.Logger
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string][]*Registration),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Add appends a handler for typeName. first reports whether it is the first
// handler for that type.
func (d *Dispatcher) Add(typeName string, handler Handler) (reg *Registration, first bool, err error) {
	if typeName == "" {
		return nil, false, fmt.Errorf("type name cannot be empty")
	}
	if handler == nil {
		return nil, false, fmt.Errorf("handler cannot be nil")
	}

	reg = &Registration{TypeName: typeName, Handler: handler}

	d.mu.Lock()
	first = len(d.handlers[typeName]) == 0
	d.handlers[typeName] = append(d.handlers[typeName], reg)
	d.mu.Unlock()

	d.logger.Info("registered message handler", "typeName", typeName)
	return reg, first, nil
}

// Remove removes a registration. last reports whether the type has no
// handlers left. Removing an unknown registration is a no-op.
func (d *Dispatcher) Remove(typeName string, reg *Registration) (removed, last bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	handlers := d.handlers[typeName]
	for i, r := range handlers {
		if r != reg {
			continue
		}
		rest := make([]*Registration, 0, len(handlers)-1)
		rest = append(rest, handlers[:i]...)
		rest = append(rest, handlers[i+1:]...)
		if len(rest) == 0 {
			delete(d.handlers, typeName)
		} else {
			d.handlers[typeName] = rest
		}
		d.logger.Info("unregistered message handler", "typeName", typeName)
		return true, len(rest) == 0
	}
	return false, false
}

// IsHandled reports whether typeName has at least one non-wildcard handler
func (d *Dispatcher) IsHandled(typeName string) bool {
	if typeName == Wildcard {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[typeName]) > 0
}

// Types returns the non-wildcard types that have handlers, sorted
func (d *Dispatcher) Types() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	types := make([]string, 0, len(d.handlers))
	for typeName := range d.handlers {
		if typeName != Wildcard {
			types = append(types, typeName)
		}
	}
	sort.Strings(types)
	return types
}

// Resolve returns the handlers for typeName followed by the wildcard handlers
func (d *Dispatcher) Resolve(typeName string) []Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()

	specific := d.handlers[typeName]
	var wildcard []*Registration
	if typeName != Wildcard {
		wildcard = d.handlers[Wildcard]
	}

	resolved := make([]Handler, 0, len(specific)+len(wildcard))
	for _, r := range specific {
		resolved = append(resolved, r.Handler)
	}
	for _, r := range wildcard {
		resolved = append(resolved, r.Handler)
	}
	return resolved
}

// Dispatch invokes every resolved handler concurrently and waits for all of
// them. The returned error joins every handler failure.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *contracts.Message, headers *contracts.Headers, typeName string, reply ReplyFunc) error {
	handlers := d.Resolve(typeName)
	if len(handlers) == 0 {
		return nil
	}
	if reply == nil {
		reply = NoReply
	}

	errs := make([]error, len(handlers))
	var g errgroup.Group
	for i, h := range handlers {
		g.Go(func() error {
			errs[i] = invoke(ctx, h, msg, headers, typeName, reply)
			return errs[i]
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		return &HandlerError{TypeName: typeName, Err: err}
	}

	d.logger.Debug("message dispatched",
		"typeName", typeName,
		"messageId", headers.MessageID,
		"handlerCount", len(handlers),
	)
	return nil
}

func invoke(ctx context.Context, h Handler, msg *contracts.Message, headers *contracts.Headers, typeName string, reply ReplyFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, msg, headers, typeName, reply)
}
