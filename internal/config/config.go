// Package config loads the service configuration from environment
// variables. An optional .env file is honored for local development;
// real deployments inject everything through the environment.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/finvault/notifier/internal/cache"
	"github.com/finvault/notifier/internal/database"
	"github.com/finvault/notifier/internal/notification"
	"github.com/finvault/notifier/internal/telemetry"
)

// KafkaConfig holds event bus settings.
type KafkaConfig struct {
	Brokers          []string
	GroupID          string
	TransactionTopic string
	SecurityTopic    string
	FraudTopic       string
	UserTopic        string
	AuditTopic       string
}

// ProviderConfig holds one provider adapter's settings.
type ProviderConfig struct {
	Enabled bool
	BaseURL string
	APIKey  string
}

// Config is the full service configuration.
type Config struct {
	Environment string
	LogLevel    telemetry.LogLevel
	SentryDSN   string

	HTTPAddr   string
	HTTPAPIKey string

	Database database.Config
	Redis    cache.Config
	Kafka    KafkaConfig

	// EncryptionKey protects contact fields at rest. 32 bytes,
	// base64-encoded in the environment. Mandatory.
	EncryptionKey []byte

	Pipeline notification.Config

	Socket ProviderConfig
	SMS    ProviderConfig
	Email  ProviderConfig
	Push   ProviderConfig

	SMSFrom              string
	SMSUnsubscribeSuffix string
	EmailFromName        string
	EmailFromAddress     string

	ShutdownGrace time.Duration
}

// Load reads the configuration, failing fast on anything the service
// cannot run without.
func Load() (*Config, error) {
	// Missing .env is fine outside local development.
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    telemetry.LogLevel(getEnv("LOG_LEVEL", "info")),
		SentryDSN:   os.Getenv("SENTRY_DSN"),

		HTTPAddr:   getEnv("HTTP_ADDR", ":8080"),
		HTTPAPIKey: os.Getenv("HTTP_API_KEY"),

		Database: database.Config{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "notifier"),
			Password: os.Getenv("DB_PASSWORD"),
			DBName:   getEnv("DB_NAME", "notifier"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: cache.Config{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Kafka: KafkaConfig{
			Brokers:          strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			GroupID:          getEnv("KAFKA_GROUP_ID", "notifier"),
			TransactionTopic: getEnv("KAFKA_TRANSACTION_TOPIC", "bank.transaction.events"),
			SecurityTopic:    getEnv("KAFKA_SECURITY_TOPIC", "bank.security.events"),
			FraudTopic:       getEnv("KAFKA_FRAUD_TOPIC", "bank.fraud.events"),
			UserTopic:        getEnv("KAFKA_USER_TOPIC", "bank.user.events"),
			AuditTopic:       getEnv("KAFKA_AUDIT_TOPIC", "bank.audit.notifications"),
		},

		Pipeline: notification.LoadConfig(),

		Socket: providerFromEnv("SOCKET"),
		SMS:    providerFromEnv("SMS"),
		Email:  providerFromEnv("EMAIL"),
		Push:   providerFromEnv("PUSH"),

		SMSFrom:              getEnv("SMS_FROM", "FinVault"),
		SMSUnsubscribeSuffix: getEnv("SMS_UNSUBSCRIBE_SUFFIX", " Reply STOP to opt out"),
		EmailFromName:        getEnv("EMAIL_FROM_NAME", "FinVault"),
		EmailFromAddress:     getEnv("EMAIL_FROM_ADDRESS", "no-reply@finvault.example"),

		ShutdownGrace: time.Duration(getEnvInt("SHUTDOWN_GRACE_MS", 30000)) * time.Millisecond,
	}

	key, err := loadEncryptionKey()
	if err != nil {
		return nil, err
	}
	cfg.EncryptionKey = key

	return cfg, nil
}

// loadEncryptionKey decodes and validates the contact encryption key.
// The service refuses to start without it: running unencrypted is not
// a degraded mode, it is a different (and forbidden) system.
func loadEncryptionKey() ([]byte, error) {
	raw := os.Getenv("CONTACT_ENCRYPTION_KEY")
	if raw == "" {
		return nil, errors.New("CONTACT_ENCRYPTION_KEY is required")
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("CONTACT_ENCRYPTION_KEY is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("CONTACT_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func providerFromEnv(prefix string) ProviderConfig {
	return ProviderConfig{
		Enabled: getEnv(prefix+"_ENABLED", "false") == "true",
		BaseURL: os.Getenv(prefix + "_BASE_URL"),
		APIKey:  os.Getenv(prefix + "_API_KEY"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
