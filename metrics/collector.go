// Package metrics exports bus activity to Prometheus.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/servicebus/messaging"
)

const namespace = "servicebus"

// Snapshot is a point-in-time view of the counters kept by a Collector
type Snapshot struct {
	Deliveries     map[messaging.Outcome]uint64
	Sends          uint64
	SendFailures   uint64
	RepliesMatched uint64
	RepliesDropped uint64
	Pending        int
}

// Collector implements messaging.Metrics on Prometheus collectors
type Collector struct {
	mu sync.RWMutex

	deliveriesTotal *prometheus.CounterVec
	deliverySeconds *prometheus.HistogramVec
	sendsTotal      *prometheus.CounterVec
	repliesTotal    *prometheus.CounterVec
	pendingRequests prometheus.Gauge

	snapshot Snapshot

	registerer prometheus.Registerer
	registered bool
}

var _ messaging.Metrics = (*Collector)(nil)

// NewCollector creates a collector that registers with registerer, or with
// the default registerer when nil
func NewCollector(registerer prometheus.Registerer) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Collector{
		registerer: registerer,
		snapshot:   Snapshot{Deliveries: make(map[messaging.Outcome]uint64)},
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "total",
			Help:      "Inbound deliveries by message type and outcome",
		}, []string{"type", "outcome"}),
		deliverySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "duration_seconds",
			Help:      "Time from receipt to settlement of an inbound delivery",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outgoing",
			Name:      "total",
			Help:      "Outbound sends and publishes by message type, mode and result",
		}, []string{"type", "mode", "result"}),
		repliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "correlation",
			Name:      "replies_total",
			Help:      "Replies received, split by whether a pending request matched",
		}, []string{"result"}),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "correlation",
			Name:      "pending_requests",
			Help:      "Outstanding requests awaiting replies",
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (c *Collector) Register() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		c.deliveriesTotal,
		c.deliverySeconds,
		c.sendsTotal,
		c.repliesTotal,
		c.pendingRequests,
	}

	for _, col := range collectors {
		if err := c.registerer.Register(col); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	c.registered = true
	return nil
}

// RecordDelivery implements messaging.Metrics
func (c *Collector) RecordDelivery(typeName string, outcome messaging.Outcome, duration time.Duration) {
	c.deliveriesTotal.WithLabelValues(typeName, string(outcome)).Inc()
	c.deliverySeconds.WithLabelValues(typeName).Observe(duration.Seconds())

	c.mu.Lock()
	c.snapshot.Deliveries[outcome]++
	c.mu.Unlock()
}

// RecordSend implements messaging.Metrics
func (c *Collector) RecordSend(typeName string, mode string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.sendsTotal.WithLabelValues(typeName, mode, result).Inc()

	c.mu.Lock()
	c.snapshot.Sends++
	if err != nil {
		c.snapshot.SendFailures++
	}
	c.mu.Unlock()
}

// RecordReply implements messaging.Metrics
func (c *Collector) RecordReply(matched bool) {
	result := "matched"
	if !matched {
		result = "dropped"
	}
	c.repliesTotal.WithLabelValues(result).Inc()

	c.mu.Lock()
	if matched {
		c.snapshot.RepliesMatched++
	} else {
		c.snapshot.RepliesDropped++
	}
	c.mu.Unlock()
}

// SetPendingRequests implements messaging.Metrics
func (c *Collector) SetPendingRequests(n int) {
	c.pendingRequests.Set(float64(n))

	c.mu.Lock()
	c.snapshot.Pending = n
	c.mu.Unlock()
}

// Snapshot returns a copy of the current counters
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := c.snapshot
	out.Deliveries = make(map[messaging.Outcome]uint64, len(c.snapshot.Deliveries))
	for k, v := range c.snapshot.Deliveries {
		out.Deliveries[k] = v
	}
	return out
}
