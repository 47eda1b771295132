package serialization

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	servicebus "github.com/glimte/servicebus"
	"github.com/glimte/servicebus/config"
	"github.com/glimte/servicebus/contracts"
	"github.com/glimte/servicebus/messaging"
	"github.com/glimte/servicebus/transports/memory"
)

type OrderPlaced struct {
	OrderID string  `json:"orderId"`
	Total   float64 `json:"total"`
}

type OrderAccepted struct {
	OrderID string `json:"orderId"`
}

func TestTypeRegistry(t *testing.T) {
	t.Run("registers structs by name", func(t *testing.T) {
		r := NewTypeRegistry()
		require.NoError(t, r.RegisterType(OrderPlaced{}))
		require.NoError(t, r.Register("orders.accepted", &OrderAccepted{}))

		assert.Equal(t, []string{"OrderPlaced", "orders.accepted"}, r.Types())
		assert.True(t, r.IsRegistered("OrderPlaced"))

		name, err := r.TypeName(&OrderAccepted{})
		require.NoError(t, err)
		assert.Equal(t, "orders.accepted", name)
	})

	t.Run("rejects conflicting registrations", func(t *testing.T) {
		r := NewTypeRegistry()
		require.NoError(t, r.Register("OrderPlaced", OrderPlaced{}))
		assert.NoError(t, r.Register("OrderPlaced", &OrderPlaced{}))
		assert.Error(t, r.Register("OrderPlaced", OrderAccepted{}))
		assert.Error(t, r.Register("Other", OrderPlaced{}))
		assert.ErrorIs(t, r.Register("", OrderPlaced{}), contracts.ErrMissingTypeName)
		assert.Error(t, r.Register("Number", 42))
		assert.Error(t, r.RegisterType(nil))
	})

	t.Run("encodes and decodes registered types", func(t *testing.T) {
		r := NewTypeRegistry()
		require.NoError(t, r.RegisterType(OrderPlaced{}))

		typeName, msg, err := r.Encode(OrderPlaced{OrderID: "o-1", Total: 3.5})
		require.NoError(t, err)
		assert.Equal(t, "OrderPlaced", typeName)

		v, err := r.Decode(typeName, msg)
		require.NoError(t, err)
		assert.Equal(t, &OrderPlaced{OrderID: "o-1", Total: 3.5}, v)

		_, _, err = r.Encode(OrderAccepted{})
		assert.Error(t, err)
		_, err = r.Decode("OrderAccepted", msg)
		assert.Error(t, err)
	})
}

func TestTyped(t *testing.T) {
	ctx := context.Background()

	t.Run("decodes the body", func(t *testing.T) {
		var got OrderPlaced
		h := Typed(func(ctx context.Context, msg OrderPlaced, headers *contracts.Headers, reply messaging.ReplyFunc) error {
			got = msg
			return nil
		})
		err := h.Handle(ctx, &contracts.Message{Body: []byte(`{"orderId":"o-2","total":1}`)}, &contracts.Headers{}, "OrderPlaced", messaging.NoReply)
		require.NoError(t, err)
		assert.Equal(t, OrderPlaced{OrderID: "o-2", Total: 1}, got)
	})

	t.Run("malformed bodies fail the handler", func(t *testing.T) {
		h := Typed(func(ctx context.Context, msg OrderPlaced, headers *contracts.Headers, reply messaging.ReplyFunc) error {
			return nil
		})
		err := h.Handle(ctx, &contracts.Message{Body: []byte(`{`)}, &contracts.Headers{}, "OrderPlaced", messaging.NoReply)
		assert.Error(t, err)
	})

	t.Run("typed request and reply over a bus", func(t *testing.T) {
		registry := NewTypeRegistry()
		require.NoError(t, registry.RegisterType(OrderPlaced{}))
		require.NoError(t, registry.RegisterType(OrderAccepted{}))

		hub := memory.NewHub()
		start := func(queue string) *servicebus.Bus {
			cfg := config.New(config.WithQueue(queue), config.WithRetry(0, 0))
			bus, err := servicebus.New(cfg, memory.NewBroker(hub, cfg))
			require.NoError(t, err)
			require.NoError(t, bus.Init(ctx))
			t.Cleanup(func() { _ = bus.Close(ctx) })
			return bus
		}

		orders := start("orders")
		_, err := orders.AddHandler(ctx, "OrderPlaced", Typed(func(ctx context.Context, msg OrderPlaced, headers *contracts.Headers, reply messaging.ReplyFunc) error {
			return registry.TypedReply(reply)(ctx, OrderAccepted{OrderID: msg.OrderID})
		}))
		require.NoError(t, err)

		shop := start("shop")
		typeName, msg, err := registry.Encode(OrderPlaced{OrderID: "o-9"})
		require.NoError(t, err)

		replies := make(chan any, 1)
		_, err = shop.SendRequest(ctx, []string{"orders"}, typeName, msg, nil, time.Second,
			func(ctx context.Context, reply *contracts.Message, headers *contracts.Headers, replyType string) {
				v, err := registry.Decode(replyType, reply)
				if err == nil {
					replies <- v
				}
			})
		require.NoError(t, err)

		select {
		case v := <-replies:
			assert.Equal(t, &OrderAccepted{OrderID: "o-9"}, v)
		case <-time.After(2 * time.Second):
			t.Fatal("no reply")
		}
	})
}
