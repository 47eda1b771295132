package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("flags override the file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bus.yaml")
		require.NoError(t, os.WriteFile(path, []byte("queue: from-file\nurl: amqp://file\nmaxRetries: 0\n"), 0o600))

		cfg, err := loadConfig(&globalFlags{configPath: path, queue: "from-flag"})
		require.NoError(t, err)
		assert.Equal(t, "from-flag", cfg.Queue)
		assert.Equal(t, "amqp://file", cfg.URL)
		assert.Equal(t, 0, cfg.MaxRetries)
	})

	t.Run("a queue is required", func(t *testing.T) {
		_, err := loadConfig(&globalFlags{})
		assert.Error(t, err)
	})
}

func TestJSONMessage(t *testing.T) {
	msg, err := jsonMessage(`{"id":1}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1}`, string(msg.Body))

	msg, err = jsonMessage("")
	require.NoError(t, err)
	assert.Empty(t, msg.Body)

	_, err = jsonMessage("{")
	assert.Error(t, err)
}
