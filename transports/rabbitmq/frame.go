package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/servicebus/contracts"
	"github.com/glimte/servicebus/internal/codec"
)

// encode frames a message as an AMQP publishing. The message is the JSON
// body; headers travel in the AMQP header table.
func encode(typeName string, msg *contracts.Message, headers *contracts.Headers, now time.Time) (amqp.Publishing, error) {
	if msg == nil {
		msg = &contracts.Message{}
	}
	body, err := codec.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to encode message: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  codec.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    headers.MessageID,
		Type:         typeName,
		Timestamp:    now,
		Body:         body,
		Headers:      toTable(headers.ToTable()),
	}
	if headers.Priority != nil {
		pub.Priority = *headers.Priority
	}
	return pub, nil
}

// decode rebuilds the message and headers of a delivery. A body that is not
// a framed message is passed through as the raw message body.
func decode(d amqp.Delivery) (*contracts.Message, *contracts.Headers, error) {
	headers := contracts.HeadersFromTable(d.Headers)
	if headers.MessageID == "" {
		headers.MessageID = d.MessageId
	}
	if headers.TypeName == "" {
		headers.TypeName = d.Type
	}
	if headers.Priority == nil && d.Priority > 0 {
		headers.SetPriority(d.Priority)
	}

	msg := &contracts.Message{}
	if len(d.Body) == 0 {
		return msg, headers, nil
	}
	if err := codec.Unmarshal(d.Body, msg); err != nil {
		raw := append([]byte(nil), d.Body...)
		return &contracts.Message{Body: raw}, headers, fmt.Errorf("failed to decode message: %w", err)
	}
	return msg, headers, nil
}

// toTable converts header values to the types an AMQP table can carry.
func toTable(in map[string]any) amqp.Table {
	out := make(amqp.Table, len(in))
	for k, v := range in {
		out[k] = tableValue(v)
	}
	return out
}

func tableValue(v any) any {
	switch val := v.(type) {
	case nil, bool, string, []byte, int8, int16, int32, int64, float32, float64, time.Time, amqp.Decimal, amqp.Table:
		return val
	case int:
		return int64(val)
	case uint8:
		return int32(val)
	case uint16:
		return int32(val)
	case uint32:
		return int64(val)
	case uint:
		return int64(val)
	case uint64:
		return int64(val)
	case map[string]any:
		return toTable(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = tableValue(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	default:
		return fmt.Sprint(val)
	}
}
