// Package config handles application configuration from environment variables
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL      string // PostgreSQL connection string (optional)
	LedgerSQLitePath string // Embedded ledger file, used when DatabaseURL is empty
	RedisURL         string // Shared session table (optional, in-memory if not set)
	SessionSealKey   string // Hex key sealing Redis session records; required with RedisURL

	// Risk engine
	DemoSeed      *int64 // Fixes the velocity draw when set
	RulesFile     string // YAML override for scoring rules
	HistoryWindow int    // Trailing amounts handed to the scorer

	// Ledger integrity watcher; zero disables it
	LedgerWatchInterval time.Duration

	// Quantum session manager
	InterceptProbability float64
	SessionTTL           time.Duration
	SweepInterval        time.Duration
	PQCBackend           string // "auto", "circl", "simulated"

	// Alerting
	AlertWebhookURL    string
	AlertWebhookSecret string

	// Streaming ingestion
	KafkaBrokers      []string
	KafkaIngestTopic  string
	KafkaOutcomeTopic string
	KafkaGroupID      string

	// Security
	AdminSecret  string
	RateLimitRPM int
	CORSOrigins  []string // empty allows any origin without credentials

	// Observability
	OTLPEndpoint     string
	TraceSampleRatio float64
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultHistoryWindow  = 500
	DefaultSessionTTL     = time.Hour
	DefaultSweepInterval  = time.Minute
	DefaultPQCBackend     = "auto"
	DefaultRateLimitRPM   = 120
	DefaultIngestTopic    = "transactions"
	DefaultOutcomeTopic   = "qff.outcomes"
	DefaultKafkaGroupID   = "qff-firewall"
	DefaultLedgerFileName = ""
	DefaultWatchInterval  = 30 * time.Second

	// SessionSealKeyBytes is the decoded length of QFF_SESSION_SEAL_KEY.
	SessionSealKeyBytes = 32
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		LedgerSQLitePath:     getEnv("LEDGER_SQLITE_PATH", DefaultLedgerFileName),
		RedisURL:             os.Getenv("REDIS_URL"),
		SessionSealKey:       os.Getenv("QFF_SESSION_SEAL_KEY"),
		DemoSeed:             lookupEnvInt64("QFF_DEMO_SEED"),
		RulesFile:            os.Getenv("RISK_RULES_FILE"),
		HistoryWindow:        int(getEnvInt64("HISTORY_WINDOW", DefaultHistoryWindow)),
		LedgerWatchInterval:  getEnvDuration("LEDGER_WATCH_INTERVAL", DefaultWatchInterval),
		InterceptProbability: getEnvFloat("QFF_INTERCEPT_PROB", 0.0),
		SessionTTL:           getEnvDuration("QFF_SESSION_TTL", DefaultSessionTTL),
		SweepInterval:        getEnvDuration("QFF_SWEEP_INTERVAL", DefaultSweepInterval),
		PQCBackend:           getEnv("QFF_PQC_BACKEND", DefaultPQCBackend),
		AlertWebhookURL:      os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret:   os.Getenv("ALERT_WEBHOOK_SECRET"),
		KafkaBrokers:         splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaIngestTopic:     getEnv("KAFKA_INGEST_TOPIC", DefaultIngestTopic),
		KafkaOutcomeTopic:    getEnv("KAFKA_OUTCOME_TOPIC", DefaultOutcomeTopic),
		KafkaGroupID:         getEnv("KAFKA_GROUP_ID", DefaultKafkaGroupID),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:          splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:     getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.InterceptProbability < 0 || c.InterceptProbability > 1 {
		return fmt.Errorf("QFF_INTERCEPT_PROB must be between 0 and 1")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("QFF_SESSION_TTL must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("QFF_SWEEP_INTERVAL must be positive")
	}
	switch c.PQCBackend {
	case "auto", "circl", "simulated":
	default:
		return fmt.Errorf("QFF_PQC_BACKEND must be one of auto, circl, simulated")
	}
	if c.LedgerWatchInterval < 0 {
		return fmt.Errorf("LEDGER_WATCH_INTERVAL must not be negative")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if c.HistoryWindow <= 0 {
		return fmt.Errorf("HISTORY_WINDOW must be positive")
	}
	if c.RedisURL != "" {
		if c.SessionSealKey == "" {
			return fmt.Errorf("QFF_SESSION_SEAL_KEY is required when REDIS_URL is set")
		}
		if key, err := hex.DecodeString(c.SessionSealKey); err != nil || len(key) != SessionSealKeyBytes {
			return fmt.Errorf("QFF_SESSION_SEAL_KEY must be %d hex characters", 2*SessionSealKeyBytes)
		}
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// KafkaEnabled reports whether streaming ingestion is configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// lookupEnvInt64 returns nil when key is unset or not an integer, so zero
// stays a usable value.
func lookupEnvInt64(key string) *int64 {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return nil
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil
	}
	return &i
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
