package memory

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/glimte/servicebus/contracts"
)

type envelope struct {
	typeName string
	msg      *contracts.Message
	headers  *contracts.Headers
	priority uint8
	seq      uint64
}

// envelopeHeap orders by priority, highest first, then by arrival.
type envelopeHeap []*envelope

func (h envelopeHeap) Len() int { return len(h) }
func (h envelopeHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h envelopeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *envelopeHeap) Push(x any)   { *h = append(*h, x.(*envelope)) }
func (h *envelopeHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

type queueOptions struct {
	maxPriority  uint8
	ttl          time.Duration
	deadLetterTo string
}

type queue struct {
	name string
	opts queueOptions

	mu     sync.Mutex
	items  envelopeHeap
	ready  chan struct{}
	timers map[uint64]*time.Timer
}

func newQueue(name string, opts queueOptions) *queue {
	return &queue{
		name:   name,
		opts:   opts,
		ready:  make(chan struct{}, 1),
		timers: make(map[uint64]*time.Timer),
	}
}

func (q *queue) push(e *envelope) {
	if q.opts.maxPriority == 0 {
		e.priority = 0
	} else if e.priority > q.opts.maxPriority {
		e.priority = q.opts.maxPriority
	}

	q.mu.Lock()
	heap.Push(&q.items, e)
	q.mu.Unlock()
	q.signal()
}

func (q *queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// tryPop removes the head of the queue. It re-signals while items remain so
// that other waiting consumers wake up.
func (q *queue) tryPop() (*envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	e := heap.Pop(&q.items).(*envelope)
	if len(q.items) > 0 {
		q.signal()
	}
	return e, true
}

// remove takes a specific envelope out of the queue, used when a TTL expires.
func (q *queue) remove(seq uint64) (*envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.timers, seq)
	for i, e := range q.items {
		if e.seq == seq {
			heap.Remove(&q.items, i)
			return e, true
		}
	}
	return nil, false
}

func (q *queue) snapshot() []*envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*envelope, len(q.items))
	copy(out, q.items)
	// heap order is not delivery order
	sort.Slice(out, func(i, j int) bool { return envelopeHeap(out).Less(i, j) })
	return out
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) stopTimers() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for seq, t := range q.timers {
		t.Stop()
		delete(q.timers, seq)
	}
}
