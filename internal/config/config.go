// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends for conversation records.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	Agent AgentConfig
	Relay RelayConfig
	Quota QuotaConfig
	Store StoreConfig

	RateLimitPerMinute int
	OTLPEndpoint       string
	// TrustUserHeader accepts the caller id from the auth gateway header.
	TrustUserHeader bool

	ConversationLog ConversationLogConfig
}

// AgentConfig locates the upstream agent.
type AgentConfig struct {
	Host        string
	StagingHost string
	APISecret   string
}

// RelayConfig tunes exchanges.
type RelayConfig struct {
	ExchangeTimeout   time.Duration
	StopOnIdle        bool
	MaxRequestBytes   int64
	KeepaliveInterval time.Duration
}

// QuotaConfig sets daily allowances.
type QuotaConfig struct {
	DailyLimit    int
	OverridesFile string
}

// StoreConfig selects the conversation store.
type StoreConfig struct {
	Backend     string
	RedisAddr   string
	RedisPrefix string
	RedisTTL    time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	agentHost := getEnv("AGENT_HOST", "")
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/relay.db"),
		Agent: AgentConfig{
			Host:        agentHost,
			StagingHost: getEnv("AGENT_STAGING_HOST", agentHost),
			APISecret:   getEnv("AGENT_API_SECRET", ""),
		},
		Relay: RelayConfig{
			ExchangeTimeout:   getEnvDuration("RELAY_EXCHANGE_TIMEOUT", 10*time.Minute),
			StopOnIdle:        getEnvBool("RELAY_STOP_ON_IDLE", false),
			MaxRequestBytes:   int64(getEnvInt("RELAY_MAX_REQUEST_BYTES", 1<<20)),
			KeepaliveInterval: getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
		},
		Quota: QuotaConfig{
			DailyLimit:    getEnvInt("DAILY_MESSAGE_LIMIT", 10),
			OverridesFile: getEnv("QUOTA_OVERRIDES_FILE", ""),
		},
		Store: StoreConfig{
			Backend:     strings.ToLower(getEnv("STORE_BACKEND", StoreMemory)),
			RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPrefix: getEnv("REDIS_PREFIX", "buildrelay"),
			RedisTTL:    getEnvDuration("REDIS_TTL", 30*24*time.Hour),
		},
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		OTLPEndpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		TrustUserHeader:    getEnvBool("TRUST_USER_HEADER", true),
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Agent.Host == "" {
		return fmt.Errorf("AGENT_HOST cannot be empty")
	}
	if c.Quota.DailyLimit <= 0 {
		return fmt.Errorf("DAILY_MESSAGE_LIMIT must be > 0")
	}
	if c.Relay.ExchangeTimeout <= 0 {
		return fmt.Errorf("RELAY_EXCHANGE_TIMEOUT must be > 0")
	}
	if c.Relay.MaxRequestBytes <= 0 {
		return fmt.Errorf("RELAY_MAX_REQUEST_BYTES must be > 0")
	}
	switch c.Store.Backend {
	case StoreMemory:
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR cannot be empty when STORE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreMemory, StoreRedis, c.Store.Backend)
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// QuotaOverrides maps user ids to their daily message limit.
type QuotaOverrides struct {
	Limits map[string]int `yaml:"limits"`
}

// LoadQuotaOverrides reads per-user limits from a YAML file. An empty path
// yields no overrides.
func LoadQuotaOverrides(path string) (QuotaOverrides, error) {
	if path == "" {
		return QuotaOverrides{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return QuotaOverrides{}, fmt.Errorf("read quota overrides: %w", err)
	}
	var o QuotaOverrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return QuotaOverrides{}, fmt.Errorf("parse quota overrides: %w", err)
	}
	var errs []error
	for user, limit := range o.Limits {
		if user == "" || limit <= 0 {
			errs = append(errs, fmt.Errorf("invalid limit %d for user %q", limit, user))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return QuotaOverrides{}, fmt.Errorf("quota overrides %s: %w", path, err)
	}
	return o, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
