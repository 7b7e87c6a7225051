package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "redis", cfg.Relay.Driver)
	assert.Equal(t, "stream", cfg.Dispatch)
	assert.Equal(t, "tasks:dispatch", cfg.Redis.StreamKey)
	assert.Equal(t, 2*time.Minute, cfg.Viewer.StaleAfter)
	assert.True(t, cfg.RequireIdempotencyKey)
	assert.Zero(t, cfg.Pipeline.MaxDuration)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("STORE_DATABASE_URL", "postgres://localhost/tasks")
	t.Setenv("RELAY_DRIVER", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("PIPELINE_MAX_DURATION", "10m")
	t.Setenv("REQUIRE_IDEMPOTENCY_KEY", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 10*time.Minute, cfg.Pipeline.MaxDuration)
	assert.False(t, cfg.RequireIdempotencyKey)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"postgres without url", map[string]string{"STORE_DRIVER": "postgres"}},
		{"unknown store", map[string]string{"STORE_DRIVER": "sqlite"}},
		{"unknown relay", map[string]string{"STORE_DRIVER": "memory", "RELAY_DRIVER": "nats"}},
		{"unknown dispatch", map[string]string{"STORE_DRIVER": "memory", "DISPATCH_MODE": "cron"}},
		{"stream dispatch without relay", map[string]string{"STORE_DRIVER": "memory", "RELAY_DRIVER": "none"}},
		{"gemini without key", map[string]string{"STORE_DRIVER": "memory", "GENERATOR": "gemini"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadInlineWithoutRelay(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("DISPATCH_MODE", "inline")
	t.Setenv("RELAY_DRIVER", "none")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "inline", cfg.Dispatch)
	assert.Equal(t, "none", cfg.Relay.Driver)
}
