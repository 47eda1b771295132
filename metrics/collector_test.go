package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/servicebus/messaging"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			match := true
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					match = false
				}
			}
			if match {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestCollector(t *testing.T) {
	t.Run("Register is idempotent", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		c := NewCollector(reg)
		require.NoError(t, c.Register())
		require.NoError(t, c.Register())

		other := NewCollector(reg)
		assert.NoError(t, other.Register())
	})

	t.Run("records deliveries by outcome", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		c := NewCollector(reg)
		require.NoError(t, c.Register())

		c.RecordDelivery("OrderPlaced", messaging.OutcomeSucceeded, 10*time.Millisecond)
		c.RecordDelivery("OrderPlaced", messaging.OutcomeSucceeded, 5*time.Millisecond)
		c.RecordDelivery("OrderPlaced", messaging.OutcomeRetried, time.Millisecond)

		snap := c.Snapshot()
		assert.Equal(t, uint64(2), snap.Deliveries[messaging.OutcomeSucceeded])
		assert.Equal(t, uint64(1), snap.Deliveries[messaging.OutcomeRetried])
		assert.Equal(t, 2.0, counterValue(t, reg, "servicebus_delivery_total",
			map[string]string{"type": "OrderPlaced", "outcome": "succeeded"}))
	})

	t.Run("records sends, replies and pending requests", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		c := NewCollector(reg)
		require.NoError(t, c.Register())

		c.RecordSend("OrderPlaced", "Publish", nil)
		c.RecordSend("OrderPlaced", "Send", errors.New("closed"))
		c.RecordReply(true)
		c.RecordReply(false)
		c.SetPendingRequests(3)

		snap := c.Snapshot()
		assert.Equal(t, uint64(2), snap.Sends)
		assert.Equal(t, uint64(1), snap.SendFailures)
		assert.Equal(t, uint64(1), snap.RepliesMatched)
		assert.Equal(t, uint64(1), snap.RepliesDropped)
		assert.Equal(t, 3, snap.Pending)
		assert.Equal(t, 1.0, counterValue(t, reg, "servicebus_outgoing_total",
			map[string]string{"mode": "Send", "result": "error"}))
	})

	t.Run("snapshot is a copy", func(t *testing.T) {
		c := NewCollector(prometheus.NewRegistry())
		c.RecordDelivery("A", messaging.OutcomeVetoed, 0)
		snap := c.Snapshot()
		snap.Deliveries[messaging.OutcomeVetoed] = 100
		assert.Equal(t, uint64(1), c.Snapshot().Deliveries[messaging.OutcomeVetoed])
	})
}
