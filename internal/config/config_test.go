package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8082", cfg.Port)
	assert.Equal(t, TransportKafka, cfg.EventFeed)
	assert.Equal(t, TransportKafka, cfg.InboundSink)
	assert.Equal(t, []string{"agent-events"}, cfg.EventTopics)
	assert.Equal(t, "client-notifier", cfg.ConsumerName)
	assert.Equal(t, "client-messages", cfg.InboundTopics.Messages)
	assert.Equal(t, "client-feedback", cfg.InboundTopics.Feedback)
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Reconnect.InitialBackoff)
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "*", cfg.GetCORSOrigins())
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("EVENT_FEED", "Redis")
	t.Setenv("EVENT_TOPICS", " events-a , events-b ,")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "0")
	t.Setenv("RECONNECT_INITIAL_BACKOFF", "250ms")
	t.Setenv("RECONNECT_MAX_BACKOFF", "3s")
	t.Setenv("RECONNECT_MULTIPLIER", "1.5")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, TransportRedis, cfg.EventFeed)
	assert.Equal(t, TransportRedis, cfg.InboundSink, "sink follows the feed unless set")
	assert.Equal(t, []string{"events-a", "events-b"}, cfg.EventTopics)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 0, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Reconnect.InitialBackoff)
	assert.Equal(t, 3*time.Second, cfg.Reconnect.MaxBackoff)
	assert.InDelta(t, 1.5, cfg.Reconnect.Multiplier, 1e-9)
	assert.Equal(t, "https://a.example,https://b.example", cfg.GetCORSOrigins())
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown feed", "EVENT_FEED", "rabbitmq"},
		{"unknown sink", "INBOUND_SINK", "http"},
		{"bad attempts", "RECONNECT_MAX_ATTEMPTS", "many"},
		{"negative attempts", "RECONNECT_MAX_ATTEMPTS", "-1"},
		{"bad backoff", "RECONNECT_INITIAL_BACKOFF", "soon"},
		{"shrinking multiplier", "RECONNECT_MULTIPLIER", "0.5"},
		{"bad write timeout", "WRITE_TIMEOUT", "10"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestGetEnvList(t *testing.T) {
	t.Setenv("NOTIFY_TEST_LIST", "a,,b , c")
	assert.Equal(t, []string{"a", "b", "c"}, getEnvList("NOTIFY_TEST_LIST", nil))
	assert.Equal(t, []string{"x"}, getEnvList("NOTIFY_TEST_LIST_UNSET", []string{"x"}))
}
