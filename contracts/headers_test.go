package contracts

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStampOutgoing(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("fills empty headers", func(t *testing.T) {
		h := &Headers{}
		h.StampOutgoing(SendModeSend, "OrderPlaced", "orders", "billing", now)

		_, err := uuid.Parse(h.MessageID)
		assert.NoError(t, err)
		assert.Equal(t, "orders", h.SourceAddress)
		assert.Equal(t, "billing", h.DestinationAddress)
		assert.Equal(t, SendModeSend, h.MessageType)
		assert.Equal(t, "OrderPlaced", h.TypeName)
		assert.Equal(t, "2024-03-01T10:00:00Z", h.TimeSent)
		assert.Equal(t, 0, h.RetryCount)
	})

	t.Run("stamping twice keeps the first values", func(t *testing.T) {
		h := &Headers{}
		h.StampOutgoing(SendModeSend, "OrderPlaced", "orders", "billing", now)
		first := h.Clone()

		h.StampOutgoing(SendModePublish, "Other", "x", "y", now.Add(time.Hour))
		assert.Equal(t, first, h)
	})

	t.Run("preset values are not overwritten", func(t *testing.T) {
		h := &Headers{MessageID: "m-1", MessageType: SendModePublish, TimeSent: "earlier"}
		h.StampOutgoing(SendModeSend, "OrderPlaced", "orders", "billing", now)

		assert.Equal(t, "m-1", h.MessageID)
		assert.Equal(t, SendModePublish, h.MessageType)
		assert.Equal(t, "earlier", h.TimeSent)
	})
}

func TestStampReceivedAndProcessed(t *testing.T) {
	now := time.Now()

	h := &Headers{DestinationAddress: "billing"}
	h.StampReceived("other-queue", "node-a", now)
	h.StampProcessed(now)

	assert.Equal(t, "billing", h.DestinationAddress)
	assert.Equal(t, "node-a", h.ConsumerNode)
	assert.Equal(t, FormatTime(now), h.TimeReceived)
	assert.Equal(t, FormatTime(now), h.TimeProcessed)

	h.StampReceived("x", "node-b", now.Add(time.Minute))
	h.StampProcessed(now.Add(time.Minute))
	assert.Equal(t, "node-a", h.ConsumerNode)
	assert.Equal(t, FormatTime(now), h.TimeProcessed)

	parsed, err := ParseTime(h.TimeReceived)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(now))
}

func TestHeadersTable(t *testing.T) {
	t.Run("converts well-known fields and extensions", func(t *testing.T) {
		h := &Headers{
			MessageID:        "m-1",
			TypeName:         "OrderPlaced",
			MessageType:      SendModePublish,
			RetryCount:       2,
			RequestMessageID: "r-1",
		}
		h.SetPriority(7)
		h.SetExtension("tenant", "acme")

		table := h.ToTable()
		assert.Equal(t, "m-1", table[HeaderMessageID])
		assert.Equal(t, int32(2), table[HeaderRetryCount])
		assert.Equal(t, int32(7), table[HeaderPriority])
		assert.Equal(t, "acme", table["tenant"])
		assert.NotContains(t, table, HeaderException)

		back := HeadersFromTable(table)
		assert.Equal(t, h, back)
	})

	t.Run("accepts integer variants from the broker", func(t *testing.T) {
		for _, v := range []any{int64(3), int16(3), float64(3), "3", 3} {
			h := HeadersFromTable(map[string]any{HeaderRetryCount: v})
			assert.Equal(t, 3, h.RetryCount, "value %T", v)
		}
	})

	t.Run("ignores out of range priority", func(t *testing.T) {
		h := HeadersFromTable(map[string]any{HeaderPriority: int32(400)})
		assert.Nil(t, h.Priority)
	})
}

func TestHeadersClone(t *testing.T) {
	h := &Headers{TypeName: "A"}
	h.SetPriority(1)
	h.SetExtension("k", "v")

	c := h.Clone()
	c.SetExtension("k", "changed")
	*c.Priority = 9

	v, _ := h.Extension("k")
	assert.Equal(t, "v", v)
	assert.Equal(t, uint8(1), *h.Priority)

	var nilHeaders *Headers
	assert.NotNil(t, nilHeaders.Clone())
}

func TestHeadersValidate(t *testing.T) {
	assert.ErrorIs(t, (&Headers{}).Validate(), ErrMissingTypeName)
	assert.NoError(t, (&Headers{TypeName: "A"}).Validate())
}

func TestMessage(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	msg, err := NewMessage(payload{Name: "widget"})
	require.NoError(t, err)
	msg.WithCorrelationID("c-1")

	var out payload
	require.NoError(t, msg.Decode(&out))
	assert.Equal(t, "widget", out.Name)

	clone := msg.Clone()
	clone.Body[0] = ' '
	assert.NotEqual(t, clone.Body, msg.Body)
	assert.Equal(t, "c-1", clone.CorrelationID)

	empty, err := NewMessage(nil)
	require.NoError(t, err)
	assert.ErrorIs(t, empty.Decode(&out), ErrEmptyBody)
}
