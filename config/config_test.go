package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge(t *testing.T) {
	t.Run("does not modify the base", func(t *testing.T) {
		base := Default()
		merged := Merge(base, WithQueue("orders"), WithRetry(0, 0))

		assert.Equal(t, "orders", merged.Queue)
		assert.Equal(t, 0, merged.MaxRetries)
		assert.Empty(t, base.Queue)
		assert.Equal(t, 5, base.MaxRetries)
	})

	t.Run("later options win", func(t *testing.T) {
		cfg := New(WithPrefetch(1), WithPrefetch(20), WithAudit("audit-log"))
		assert.Equal(t, 20, cfg.Prefetch)
		assert.True(t, cfg.AuditEnabled)
		assert.Equal(t, "audit-log", cfg.AuditQueue)
	})
}

func TestLoad(t *testing.T) {
	t.Run("applies yaml over defaults", func(t *testing.T) {
		cfg, err := Load(strings.NewReader(`
queue: billing
maxPriority: 9
retryDelay: 250ms
maxRetries: 0
auditEnabled: true
tls:
  enabled: true
  serverName: rabbit.internal
`))
		require.NoError(t, err)
		assert.Equal(t, "billing", cfg.Queue)
		assert.Equal(t, uint8(9), cfg.MaxPriority)
		assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay)
		assert.Equal(t, 0, cfg.MaxRetries)
		assert.True(t, cfg.AuditEnabled)
		assert.Equal(t, "audit", cfg.AuditQueue)
		assert.True(t, cfg.Durable)
		assert.Equal(t, "rabbit.internal", cfg.TLS.ServerName)
	})

	t.Run("rejects unknown keys", func(t *testing.T) {
		_, err := Load(strings.NewReader("queue: a\nretries: 3\n"))
		assert.Error(t, err)
	})

	t.Run("empty document still needs a queue", func(t *testing.T) {
		_, err := Load(strings.NewReader(""))
		assert.ErrorContains(t, err, "queue is required")
	})

	t.Run("LoadFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bus.yaml")
		require.NoError(t, os.WriteFile(path, []byte("queue: shipping\nprefetch: 3\n"), 0o600))

		cfg, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "shipping", cfg.Queue)
		assert.Equal(t, 3, cfg.Prefetch)

		_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	valid := New(WithQueue("orders"))
	require.NoError(t, valid.Validate())

	cases := map[string]BusConfig{
		"negative prefetch":    Merge(valid, WithPrefetch(-1)),
		"negative retries":     Merge(valid, WithRetry(-1, time.Second)),
		"retry without delay":  Merge(valid, WithRetry(3, 0)),
		"retry without sink":   Merge(valid, WithErrorQueue("")),
		"audit without sink":   Merge(valid, WithAudit("")),
		"queue is error sink":  Merge(valid, WithQueue("error")),
		"negative drain bound": Merge(valid, WithDrainTimeout(-time.Second)),
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Merge(valid, WithRetry(0, 0), WithErrorQueue("")).Validate())
}

func TestTLSBuild(t *testing.T) {
	cfg, err := TLSConfig{}.Build()
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = TLSConfig{Enabled: true, ServerName: "rabbit"}.Build()
	require.NoError(t, err)
	assert.Equal(t, "rabbit", cfg.ServerName)

	_, err = TLSConfig{Enabled: true, CAFile: "/does/not/exist"}.Build()
	assert.Error(t, err)
}
