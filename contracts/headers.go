package contracts

import (
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// SendMode distinguishes point-to-point sends from publishes.
type SendMode string

const (
	SendModeSend    SendMode = "Send"
	SendModePublish SendMode = "Publish"
)

// Well-known header keys as they appear on the wire.
const (
	HeaderMessageID          = "MessageId"
	HeaderSourceAddress      = "SourceAddress"
	HeaderDestinationAddress = "DestinationAddress"
	HeaderMessageType        = "MessageType"
	HeaderTypeName           = "TypeName"
	HeaderTimeSent           = "TimeSent"
	HeaderTimeReceived       = "TimeReceived"
	HeaderTimeProcessed      = "TimeProcessed"
	HeaderRetryCount         = "RetryCount"
	HeaderRequestMessageID   = "RequestMessageId"
	HeaderResponseMessageID  = "ResponseMessageId"
	HeaderPriority           = "Priority"
	HeaderException          = "Exception"
	HeaderConsumerNode       = "ConsumerNode"
)

// Headers is the metadata carried with every message. Well-known fields are
// typed; anything else lives in Extensions.
type Headers struct {
	MessageID          string         `json:"MessageId,omitempty"`
	SourceAddress      string         `json:"SourceAddress,omitempty"`
	DestinationAddress string         `json:"DestinationAddress,omitempty"`
	MessageType        SendMode       `json:"MessageType,omitempty"`
	TypeName           string         `json:"TypeName,omitempty"`
	TimeSent           string         `json:"TimeSent,omitempty"`
	TimeReceived       string         `json:"TimeReceived,omitempty"`
	TimeProcessed      string         `json:"TimeProcessed,omitempty"`
	RetryCount         int            `json:"RetryCount"`
	RequestMessageID   string         `json:"RequestMessageId,omitempty"`
	ResponseMessageID  string         `json:"ResponseMessageId,omitempty"`
	Priority           *uint8         `json:"Priority,omitempty"`
	Exception          string         `json:"Exception,omitempty"`
	ConsumerNode       string         `json:"ConsumerNode,omitempty"`
	Extensions         map[string]any `json:"Extensions,omitempty"`
}

// FormatTime renders t the way time headers are stored.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a time header value.
func ParseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}

// NewMessageID returns a fresh message identifier.
func NewMessageID() string {
	return uuid.New().String()
}

// StampOutgoing fills the send-side headers that are still empty.
func (h *Headers) StampOutgoing(mode SendMode, typeName, source, destination string, now time.Time) {
	if h.MessageID == "" {
		h.MessageID = NewMessageID()
	}
	if h.SourceAddress == "" {
		h.SourceAddress = source
	}
	if h.DestinationAddress == "" {
		h.DestinationAddress = destination
	}
	if h.MessageType == "" {
		h.MessageType = mode
	}
	if h.TypeName == "" {
		h.TypeName = typeName
	}
	if h.TimeSent == "" {
		h.TimeSent = FormatTime(now)
	}
}

// StampReceived fills the receive-side headers that are still empty.
func (h *Headers) StampReceived(destination, node string, now time.Time) {
	if h.TimeReceived == "" {
		h.TimeReceived = FormatTime(now)
	}
	if h.DestinationAddress == "" {
		h.DestinationAddress = destination
	}
	if h.ConsumerNode == "" {
		h.ConsumerNode = node
	}
}

// StampProcessed sets TimeProcessed unless already present.
func (h *Headers) StampProcessed(now time.Time) {
	if h.TimeProcessed == "" {
		h.TimeProcessed = FormatTime(now)
	}
}

// SetPriority sets the broker priority.
func (h *Headers) SetPriority(p uint8) {
	h.Priority = &p
}

// SetExtension stores a non well-known header.
func (h *Headers) SetExtension(key string, value any) {
	if h.Extensions == nil {
		h.Extensions = make(map[string]any)
	}
	h.Extensions[key] = value
}

// Extension returns a non well-known header.
func (h *Headers) Extension(key string) (any, bool) {
	v, ok := h.Extensions[key]
	return v, ok
}

// Validate reports a framing error.
func (h *Headers) Validate() error {
	if h == nil || h.TypeName == "" {
		return ErrMissingTypeName
	}
	return nil
}

// Clone returns a deep copy.
func (h *Headers) Clone() *Headers {
	if h == nil {
		return &Headers{}
	}
	out := *h
	if h.Priority != nil {
		p := *h.Priority
		out.Priority = &p
	}
	if h.Extensions != nil {
		out.Extensions = maps.Clone(h.Extensions)
	}
	return &out
}

// ToTable flattens the headers into a broker header table. Empty well-known
// fields are omitted.
func (h *Headers) ToTable() map[string]any {
	table := make(map[string]any, len(h.Extensions)+14)
	for k, v := range h.Extensions {
		table[k] = v
	}
	putString(table, HeaderMessageID, h.MessageID)
	putString(table, HeaderSourceAddress, h.SourceAddress)
	putString(table, HeaderDestinationAddress, h.DestinationAddress)
	putString(table, HeaderMessageType, string(h.MessageType))
	putString(table, HeaderTypeName, h.TypeName)
	putString(table, HeaderTimeSent, h.TimeSent)
	putString(table, HeaderTimeReceived, h.TimeReceived)
	putString(table, HeaderTimeProcessed, h.TimeProcessed)
	putString(table, HeaderRequestMessageID, h.RequestMessageID)
	putString(table, HeaderResponseMessageID, h.ResponseMessageID)
	putString(table, HeaderException, h.Exception)
	putString(table, HeaderConsumerNode, h.ConsumerNode)
	table[HeaderRetryCount] = int32(h.RetryCount)
	if h.Priority != nil {
		table[HeaderPriority] = int32(*h.Priority)
	}
	return table
}

// HeadersFromTable rebuilds Headers from a broker header table. Keys that are
// not well-known are kept in Extensions.
func HeadersFromTable(table map[string]any) *Headers {
	h := &Headers{}
	for k, v := range table {
		switch k {
		case HeaderMessageID:
			h.MessageID = tableString(v)
		case HeaderSourceAddress:
			h.SourceAddress = tableString(v)
		case HeaderDestinationAddress:
			h.DestinationAddress = tableString(v)
		case HeaderMessageType:
			h.MessageType = SendMode(tableString(v))
		case HeaderTypeName:
			h.TypeName = tableString(v)
		case HeaderTimeSent:
			h.TimeSent = tableString(v)
		case HeaderTimeReceived:
			h.TimeReceived = tableString(v)
		case HeaderTimeProcessed:
			h.TimeProcessed = tableString(v)
		case HeaderRetryCount:
			h.RetryCount = tableInt(v)
		case HeaderRequestMessageID:
			h.RequestMessageID = tableString(v)
		case HeaderResponseMessageID:
			h.ResponseMessageID = tableString(v)
		case HeaderPriority:
			if p := tableInt(v); p >= 0 && p <= 255 {
				h.SetPriority(uint8(p))
			}
		case HeaderException:
			h.Exception = tableString(v)
		case HeaderConsumerNode:
			h.ConsumerNode = tableString(v)
		default:
			h.SetExtension(k, v)
		}
	}
	return h
}

func putString(table map[string]any, key, value string) {
	if value != "" {
		table[key] = value
	}
}

func tableString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}

func tableInt(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int8:
		return int(val)
	case int16:
		return int(val)
	case int32:
		return int(val)
	case int64:
		return int(val)
	case uint8:
		return int(val)
	case float64:
		return int(val)
	case string:
		n, _ := strconv.Atoi(val)
		return n
	}
	return 0
}
