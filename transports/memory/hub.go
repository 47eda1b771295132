package memory

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/servicebus/contracts"
)

var (
	// ErrHubClosed is returned by operations on a closed hub
	ErrHubClosed = errors.New("memory hub is closed")
	// ErrUnroutable is returned when a send names a queue that does not exist
	ErrUnroutable = errors.New("no queue for endpoint")
)

// Hub is an in-process broker shared by any number of Broker adapters.
// Adapters attached to the same hub see the same queues and bindings, so
// several buses can compete for one destination.
type Hub struct {
	mu       sync.RWMutex
	queues   map[string]*queue
	bindings map[string]map[string]struct{}
	seq      atomic.Uint64
	closed   bool
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		queues:   make(map[string]*queue),
		bindings: make(map[string]map[string]struct{}),
	}
}

func (h *Hub) declare(name string, opts queueOptions) (*queue, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	if q, ok := h.queues[name]; ok {
		if q.opts != opts {
			return nil, fmt.Errorf("queue %s already declared with different options", name)
		}
		return q, nil
	}
	q := newQueue(name, opts)
	h.queues[name] = q
	return q, nil
}

func (h *Hub) queue(name string) (*queue, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	q, ok := h.queues[name]
	return q, ok
}

func (h *Hub) bind(typeName, queueName string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bindings[typeName] == nil {
		h.bindings[typeName] = make(map[string]struct{})
	}
	h.bindings[typeName][queueName] = struct{}{}
}

func (h *Hub) unbind(typeName, queueName string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.bindings[typeName], queueName)
	if len(h.bindings[typeName]) == 0 {
		delete(h.bindings, typeName)
	}
}

// Bound reports whether typeName is routed to queueName
func (h *Hub) Bound(typeName, queueName string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.bindings[typeName][queueName]
	return ok
}

func (h *Hub) bound(typeName string) []*queue {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*queue, 0, len(h.bindings[typeName]))
	for name := range h.bindings[typeName] {
		if q, ok := h.queues[name]; ok {
			out = append(out, q)
		}
	}
	return out
}

// enqueue copies the message onto q, as a broker would after a wire round trip.
func (h *Hub) enqueue(q *queue, typeName string, msg *contracts.Message, headers *contracts.Headers) error {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrHubClosed
	}

	e := &envelope{
		typeName: typeName,
		msg:      msg.Clone(),
		headers:  headers.Clone(),
		seq:      h.seq.Add(1),
	}
	if headers.Priority != nil {
		e.priority = *headers.Priority
	}

	q.push(e)
	if q.opts.ttl > 0 && q.opts.deadLetterTo != "" {
		h.schedule(q, e)
	}
	return nil
}

// schedule moves e from q to its dead-letter target once the queue TTL elapses.
func (h *Hub) schedule(q *queue, e *envelope) {
	target := q.opts.deadLetterTo
	t := time.AfterFunc(q.opts.ttl, func() {
		expired, ok := q.remove(e.seq)
		if !ok {
			return
		}
		if dst, ok := h.queue(target); ok {
			_ = h.enqueue(dst, expired.typeName, expired.msg, expired.headers)
		}
	})
	q.mu.Lock()
	q.timers[e.seq] = t
	q.mu.Unlock()
}

// Len returns the number of messages waiting in a queue
func (h *Hub) Len(queueName string) int {
	q, ok := h.queue(queueName)
	if !ok {
		return 0
	}
	return q.len()
}

// StoredMessage is a message sitting in a hub queue
type StoredMessage struct {
	TypeName string
	Message  *contracts.Message
	Headers  *contracts.Headers
}

// Messages returns copies of the messages waiting in a queue, in delivery order
func (h *Hub) Messages(queueName string) []StoredMessage {
	q, ok := h.queue(queueName)
	if !ok {
		return nil
	}
	envs := q.snapshot()
	out := make([]StoredMessage, 0, len(envs))
	for _, e := range envs {
		out = append(out, StoredMessage{
			TypeName: e.typeName,
			Message:  e.msg.Clone(),
			Headers:  e.headers.Clone(),
		})
	}
	return out
}

// Close stops pending TTL timers and rejects further traffic
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	queues := make([]*queue, 0, len(h.queues))
	for _, q := range h.queues {
		queues = append(queues, q)
	}
	h.mu.Unlock()

	for _, q := range queues {
		q.stopTimers()
	}
}
