// Package serialization maps Go types to message type names so handlers
// and senders can work with structs instead of raw bodies.
package serialization

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/glimte/servicebus/contracts"
	"github.com/glimte/servicebus/messaging"
)

// TypeRegistry binds message type names to Go struct types
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
	names map[reflect.Type]string
}

// NewTypeRegistry creates an empty registry
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		types: make(map[string]reflect.Type),
		names: make(map[reflect.Type]string),
	}
}

func structType(v any) (reflect.Type, error) {
	if v == nil {
		return nil, fmt.Errorf("message type cannot be nil")
	}
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("message type must be a struct, got %v", t.Kind())
	}
	return t, nil
}

// Register binds typeName to the struct type of sample. Registering the
// same pair twice is a no-op.
func (r *TypeRegistry) Register(typeName string, sample any) error {
	if typeName == "" {
		return contracts.ErrMissingTypeName
	}
	t, err := structType(sample)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.types[typeName]; ok {
		if existing == t {
			return nil
		}
		return fmt.Errorf("type name %s already registered to %v", typeName, existing)
	}
	if existing, ok := r.names[t]; ok {
		return fmt.Errorf("%v already registered as %s", t, existing)
	}

	r.types[typeName] = t
	r.names[t] = typeName
	return nil
}

// RegisterType binds the struct name of sample as its type name
func (r *TypeRegistry) RegisterType(sample any) error {
	t, err := structType(sample)
	if err != nil {
		return err
	}
	if t.Name() == "" {
		return fmt.Errorf("cannot determine type name for %v", t)
	}
	return r.Register(t.Name(), sample)
}

// TypeName returns the name registered for the type of v
func (r *TypeRegistry) TypeName(v any) (string, error) {
	t, err := structType(v)
	if err != nil {
		return "", err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.names[t]
	if !ok {
		return "", fmt.Errorf("type %v not registered", t)
	}
	return name, nil
}

// IsRegistered reports whether typeName is bound
func (r *TypeRegistry) IsRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[typeName]
	return ok
}

// Types returns the registered type names in order
func (r *TypeRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Encode returns the type name of v and v encoded as a message
func (r *TypeRegistry) Encode(v any) (string, *contracts.Message, error) {
	typeName, err := r.TypeName(v)
	if err != nil {
		return "", nil, err
	}
	msg, err := contracts.NewMessage(v)
	if err != nil {
		return "", nil, err
	}
	return typeName, msg, nil
}

// Decode returns a pointer to a new value of the type bound to typeName
// filled from the message body
func (r *TypeRegistry) Decode(typeName string, msg *contracts.Message) (any, error) {
	r.mu.RLock()
	t, ok := r.types[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("type %s not registered", typeName)
	}

	v := reflect.New(t).Interface()
	if len(msg.Body) == 0 {
		return v, nil
	}
	if err := msg.Decode(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Typed adapts fn to a messaging.Handler that decodes the body as T.
// An empty body yields the zero T.
func Typed[T any](fn func(ctx context.Context, msg T, headers *contracts.Headers, reply messaging.ReplyFunc) error) messaging.Handler {
	return messaging.HandlerFunc(func(ctx context.Context, msg *contracts.Message, headers *contracts.Headers, typeName string, reply messaging.ReplyFunc) error {
		var v T
		if len(msg.Body) > 0 {
			if err := msg.Decode(&v); err != nil {
				return fmt.Errorf("failed to decode %s: %w", typeName, err)
			}
		}
		return fn(ctx, v, headers, reply)
	})
}

// TypedReply wraps reply so it encodes a registered struct
func (r *TypeRegistry) TypedReply(reply messaging.ReplyFunc) func(ctx context.Context, v any) error {
	return func(ctx context.Context, v any) error {
		typeName, msg, err := r.Encode(v)
		if err != nil {
			return err
		}
		return reply(ctx, typeName, msg)
	}
}
