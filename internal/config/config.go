package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the call reconciler service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Backend call-record store (REST)
	BackendURL     string `envconfig:"BACKEND_URL" required:"true"`
	BackendTimeout int    `envconfig:"BACKEND_TIMEOUT" default:"10"` // seconds

	// Agent detection
	AgentJoinTimeout    int    `envconfig:"AGENT_JOIN_TIMEOUT" default:"15"`             // seconds before a join-timeout diagnostic
	AgentIdentityPrefix string `envconfig:"AGENT_IDENTITY_PREFIX" default:"agent-"`      // identity naming fallback
	AgentStateAttribute string `envconfig:"AGENT_STATE_ATTRIBUTE" default:"agent.state"` // well-known attribute key marking the agent
	AgentDisplayName    string `envconfig:"AGENT_DISPLAY_NAME" default:"Agent"`          // speaker label for agent segments

	// Transcript mirror (Kafka); disabled when brokers unset
	KafkaBrokers      string `envconfig:"KAFKA_BROKERS" default:""`
	KafkaTopicPartial string `envconfig:"KAFKA_TOPIC_PARTIAL" default:"transcripts.partial"`
	KafkaTopicFinal   string `envconfig:"KAFKA_TOPIC_FINAL" default:"transcripts.final"`

	// Resilience configuration
	RetryMaxAttempts    int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`      // Maximum retry attempts for backend start calls
	RetryInitialBackoff int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// JoinTimeout returns the agent join timeout as a duration.
func (c *Config) JoinTimeout() time.Duration {
	return time.Duration(c.AgentJoinTimeout) * time.Second
}

// BackendRequestTimeout returns the backend HTTP timeout as a duration.
func (c *Config) BackendRequestTimeout() time.Duration {
	return time.Duration(c.BackendTimeout) * time.Second
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Validate required fields
	if cfg.BackendURL == "" {
		return nil, fmt.Errorf("BACKEND_URL is required")
	}
	if cfg.AgentJoinTimeout <= 0 {
		return nil, fmt.Errorf("AGENT_JOIN_TIMEOUT must be positive, got %d", cfg.AgentJoinTimeout)
	}

	return &cfg, nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
