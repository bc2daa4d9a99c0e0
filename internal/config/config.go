package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"agent-notify-ws/internal/channel"
	"agent-notify-ws/internal/domain"
)

// Transport strategies for the event feed and the inbound sink.
const (
	TransportKafka = "kafka"
	TransportRedis = "redis"
)

type Config struct {
	Port             string
	AllowedOrigins   []string
	AllowCredentials bool
	Environment      string
	LogLevel         string
	LogFormat        string
	NodeID           string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	PresenceTTL   time.Duration

	KafkaBrokers []string

	// EventFeed selects where domain events come from.
	EventFeed    string
	EventTopics  []string
	ConsumerName string

	// InboundSink selects where client messages and feedback go.
	InboundSink   string
	InboundTopics domain.InboundTopics

	Reconnect    channel.Policy
	WriteTimeout time.Duration
}

func LoadConfig() (*Config, error) {
	var err error
	cfg := &Config{
		Port:             getEnv("PORT", "8082"),
		AllowedOrigins:   getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		AllowCredentials: getEnv("ALLOW_CREDENTIALS", "false") == "true",
		Environment:      getEnv("ENVIRONMENT", "development"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", ""),
		NodeID:           getEnv("NODE_ID", hostname()),
		RedisHost:        getEnv("REDIS_HOST", "localhost"),
		RedisPort:        getEnv("REDIS_PORT", "6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		KafkaBrokers:     getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
		EventFeed:        strings.ToLower(getEnv("EVENT_FEED", TransportKafka)),
		EventTopics:      getEnvList("EVENT_TOPICS", []string{"agent-events"}),
		ConsumerName:     getEnv("NOTIFIER_CONSUMER_NAME", "client-notifier"),
		InboundTopics: domain.InboundTopics{
			Messages: getEnv("INBOUND_MESSAGES_TOPIC", "client-messages"),
			Feedback: getEnv("INBOUND_FEEDBACK_TOPIC", "client-feedback"),
		},
	}
	cfg.InboundSink = strings.ToLower(getEnv("INBOUND_SINK", cfg.EventFeed))
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
		if cfg.IsDevelopment() {
			cfg.LogFormat = "text"
		}
	}

	defaults := channel.DefaultPolicy()
	if cfg.Reconnect.MaxAttempts, err = getEnvInt("RECONNECT_MAX_ATTEMPTS", defaults.MaxAttempts); err != nil {
		return nil, err
	}
	if cfg.Reconnect.InitialBackoff, err = getEnvDuration("RECONNECT_INITIAL_BACKOFF", defaults.InitialBackoff); err != nil {
		return nil, err
	}
	if cfg.Reconnect.MaxBackoff, err = getEnvDuration("RECONNECT_MAX_BACKOFF", defaults.MaxBackoff); err != nil {
		return nil, err
	}
	if cfg.Reconnect.Multiplier, err = getEnvFloat("RECONNECT_MULTIPLIER", defaults.Multiplier); err != nil {
		return nil, err
	}
	if cfg.WriteTimeout, err = getEnvDuration("WRITE_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.PresenceTTL, err = getEnvDuration("PRESENCE_TTL", 24*time.Hour); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the strategy selections and reconnect bounds.
func (c *Config) Validate() error {
	if !validTransport(c.EventFeed) {
		return fmt.Errorf("config: EVENT_FEED must be %q or %q, got %q", TransportKafka, TransportRedis, c.EventFeed)
	}
	if !validTransport(c.InboundSink) {
		return fmt.Errorf("config: INBOUND_SINK must be %q or %q, got %q", TransportKafka, TransportRedis, c.InboundSink)
	}
	if len(c.EventTopics) == 0 {
		return fmt.Errorf("config: EVENT_TOPICS must not be empty")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("config: RECONNECT_MAX_ATTEMPTS must be >= 0, got %d", c.Reconnect.MaxAttempts)
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("config: RECONNECT_MULTIPLIER must be >= 1, got %v", c.Reconnect.Multiplier)
	}
	return nil
}

func validTransport(v string) bool {
	return v == TransportKafka || v == TransportRedis
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// GetCORSOrigins returns CORS origins as a comma-separated string
func (c *Config) GetCORSOrigins() string {
	if c.Environment == "production" && len(c.AllowedOrigins) > 0 && c.AllowedOrigins[0] != "*" {
		return strings.Join(c.AllowedOrigins, ",")
	}
	return "*"
}

// IsDevelopment returns true if environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
