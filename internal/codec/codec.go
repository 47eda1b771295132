// Package codec encodes message bodies and broker envelopes as JSON.
package codec

import (
	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

// ContentType is the content type stamped on every broker payload.
const ContentType = "application/json"

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// Valid reports whether data is well-formed JSON.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}
