package filters

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/servicebus/contracts"
)

// Bus is the handle passed to filters so they can address or emit messages.
type Bus interface {
	Address() string
	Send(ctx context.Context, endpoints []string, typeName string, msg *contracts.Message, headers *contracts.Headers) error
	Publish(ctx context.Context, typeName string, msg *contracts.Message, headers *contracts.Headers) error
}

// Filter decides whether a message continues through the bus.
type Filter interface {
	// Filter returns false to veto the message. A non-nil error is a fault.
	Filter(ctx context.Context, msg *contracts.Message, headers *contracts.Headers, typeName string, bus Bus) (bool, error)
}

// FilterFunc is a function adapter for Filter
type FilterFunc func(ctx context.Context, msg *contracts.Message, headers *contracts.Headers, typeName string, bus Bus) (bool, error)

// Filter implements Filter
func (f FilterFunc) Filter(ctx context.Context, msg *contracts.Message, headers *contracts.Headers, typeName string, bus Bus) (bool, error) {
	return f(ctx, msg, headers, typeName, bus)
}

// Stage names a pipeline.
type Stage string

const (
	StageBefore   Stage = "before"
	StageAfter    Stage = "after"
	StageOutgoing Stage = "outgoing"
)

// FilterError reports a filter that failed rather than vetoed.
type FilterError struct {
	Stage Stage
	Index int
	Err   error
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("%s filter %d failed: %v", e.Stage, e.Index, e.Err)
}

func (e *FilterError) Unwrap() error {
	return e.Err
}

// Pipeline is an ordered list of filters. It is safe for concurrent use.
type Pipeline struct {
	stage   Stage
	mu      sync.RWMutex
	filters []Filter
}

// NewPipeline creates an empty pipeline for the given stage
func NewPipeline(stage Stage, filters ...Filter) *Pipeline {
	p := &Pipeline{stage: stage}
	p.filters = append(p.filters, filters...)
	return p
}

// Stage returns the pipeline stage
func (p *Pipeline) Stage() Stage {
	return p.stage
}

// Add appends filters to the end of the pipeline
func (p *Pipeline) Add(filters ...Filter) *Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters = append(p.filters, filters...)
	return p
}

// Len returns the number of registered filters
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.filters)
}

// Run evaluates the filters in order. It returns false with a nil error on the
// first veto, and false with a *FilterError on the first fault.
func (p *Pipeline) Run(ctx context.Context, msg *contracts.Message, headers *contracts.Headers, typeName string, bus Bus) (bool, error) {
	p.mu.RLock()
	filters := make([]Filter, len(p.filters))
	copy(filters, p.filters)
	p.mu.RUnlock()

	for i, f := range filters {
		ok, err := p.runOne(ctx, f, msg, headers, typeName, bus)
		if err != nil {
			return false, &FilterError{Stage: p.stage, Index: i, Err: err}
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (p *Pipeline) runOne(ctx context.Context, f Filter, msg *contracts.Message, headers *contracts.Headers, typeName string, bus Bus) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return f.Filter(ctx, msg, headers, typeName, bus)
}
