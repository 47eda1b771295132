package messaging

import (
	"time"
)

// Metrics observes the bus. Implementations must be safe for concurrent use.
type Metrics interface {
	// RecordDelivery records the outcome of one inbound delivery
	RecordDelivery(typeName string, outcome Outcome, duration time.Duration)

	// RecordSend records an outbound send or publish
	RecordSend(typeName string, mode string, err error)

	// RecordReply records a correlated reply and whether it matched a pending request
	RecordReply(matched bool)

	// SetPendingRequests reports the number of outstanding correlation entries
	SetPendingRequests(n int)
}

// NoOpMetrics is a no-op implementation of Metrics
type NoOpMetrics struct{}

// RecordDelivery does nothing
func (NoOpMetrics) RecordDelivery(typeName string, outcome Outcome, duration time.Duration) {}

// RecordSend does nothing
func (NoOpMetrics) RecordSend(typeName string, mode string, err error) {}

// RecordReply does nothing
func (NoOpMetrics) RecordReply(matched bool) {}

// SetPendingRequests does nothing
func (NoOpMetrics) SetPendingRequests(n int) {}
