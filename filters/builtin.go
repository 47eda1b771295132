package filters

import (
	"context"

	"github.com/glimte/servicebus/contracts"
)

// MessageTypeFilter passes only the listed message types
type MessageTypeFilter struct {
	allowedTypes map[string]bool
}

// NewMessageTypeFilter creates a filter that only allows specific message types
func NewMessageTypeFilter(allowedTypes ...string) *MessageTypeFilter {
	typeMap := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		typeMap[t] = true
	}
	return &MessageTypeFilter{allowedTypes: typeMap}
}

// Filter implements Filter
func (f *MessageTypeFilter) Filter(ctx context.Context, msg *contracts.Message, headers *contracts.Headers, typeName string, bus Bus) (bool, error) {
	return f.allowedTypes[typeName], nil
}

// Any passes when at least one of the filters passes. Faults stop evaluation.
func Any(filters ...Filter) Filter {
	return FilterFunc(func(ctx context.Context, msg *contracts.Message, headers *contracts.Headers, typeName string, bus Bus) (bool, error) {
		for _, f := range filters {
			ok, err := f.Filter(ctx, msg, headers, typeName, bus)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	})
}

// Not inverts a filter. Faults pass through unchanged.
func Not(f Filter) Filter {
	return FilterFunc(func(ctx context.Context, msg *contracts.Message, headers *contracts.Headers, typeName string, bus Bus) (bool, error) {
		ok, err := f.Filter(ctx, msg, headers, typeName, bus)
		if err != nil {
			return false, err
		}
		return !ok, nil
	})
}
