package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

var ErrMissingCredential = errors.New("missing gateway credential")

type Config struct {
	Server   ServerConfig
	Gateway  GatewayConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Database DatabaseConfig
	Auth     AuthConfig
	LogLevel string
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Credentials are read once at startup and never change for the process lifetime.
type Credentials struct {
	ClientID      string
	ClientSecret  string
	WebhookSecret string
}

type GatewayConfig struct {
	BaseURL         string
	Credentials     Credentials
	MinAmount       float64
	Timeout         time.Duration
	RefreshTimeout  time.Duration
	SignatureHeader string
	WebhookMode     string
}

type RedisConfig struct {
	Addr    string
	Enabled bool
	// RegistrationTTL bounds how long an unconsumed registration lives in Redis.
	RegistrationTTL time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Enabled bool
	Topics  TopicConfig
}

type TopicConfig struct {
	PaymentSuccessful string
	PaymentFailed     string
}

type DatabaseConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
	AutoMigrate  bool
}

type AuthConfig struct {
	OIDCIssuer string
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", ":8085"),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0, // SSE streams stay open
			IdleTimeout:  60 * time.Second,
		},
		Gateway: GatewayConfig{
			BaseURL: strings.TrimRight(getEnv("PAYPACK_BASE_URL", "https://payments.paypack.rw/api"), "/"),
			Credentials: Credentials{
				ClientID:      os.Getenv("PAYPACK_CLIENT_ID"),
				ClientSecret:  os.Getenv("PAYPACK_CLIENT_SECRET"),
				WebhookSecret: os.Getenv("PAYPACK_WEBHOOK_SECRET"),
			},
			MinAmount:       getEnvFloat("PAYPACK_MIN_AMOUNT", 100),
			Timeout:         getEnvDuration("PAYPACK_TIMEOUT", 10*time.Second),
			RefreshTimeout:  getEnvDuration("PAYPACK_REFRESH_TIMEOUT", 15*time.Second),
			SignatureHeader: getEnv("PAYPACK_SIGNATURE_HEADER", "X-Paypack-Signature"),
			WebhookMode:     getEnv("PAYPACK_WEBHOOK_MODE", "production"),
		},
		Redis: RedisConfig{
			Addr:            getEnv("REDIS_ADDR", "localhost:6379"),
			Enabled:         getEnvBool("REDIS_ENABLED", false),
			RegistrationTTL: getEnvDuration("REGISTRATION_TTL", 30*time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			Enabled: getEnvBool("KAFKA_ENABLED", false),
			Topics: TopicConfig{
				PaymentSuccessful: getEnv("KAFKA_TOPIC_SUCCESSFUL", "momo.payment.successful"),
				PaymentFailed:     getEnv("KAFKA_TOPIC_FAILED", "momo.payment.failed"),
			},
		},
		Database: DatabaseConfig{
			DSN:          getEnv("POSTGRES_DSN", ""),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  time.Duration(getEnvInt("DB_MAX_LIFETIME_MINUTES", 5)) * time.Minute,
			AutoMigrate:  getEnvBool("DB_AUTO_MIGRATE", true),
		},
		Auth: AuthConfig{
			OIDCIssuer: os.Getenv("OIDC_ISSUER"),
		},
		LogLevel: getEnv("LOG_LEVEL", "INFO"),
	}
}

// Validate reports every missing credential field at once.
func (c Credentials) Validate() error {
	var missing []string
	if strings.TrimSpace(c.ClientID) == "" {
		missing = append(missing, "PAYPACK_CLIENT_ID")
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		missing = append(missing, "PAYPACK_CLIENT_SECRET")
	}
	if strings.TrimSpace(c.WebhookSecret) == "" {
		missing = append(missing, "PAYPACK_WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCredential, strings.Join(missing, ", "))
	}
	return nil
}

// Validate checks the settings the service cannot start without.
func (c *Config) Validate() error {
	if err := c.Gateway.Credentials.Validate(); err != nil {
		return err
	}
	if c.Database.DSN == "" {
		return errors.New("POSTGRES_DSN not set")
	}
	if c.Gateway.MinAmount <= 0 {
		return fmt.Errorf("PAYPACK_MIN_AMOUNT must be positive, got %v", c.Gateway.MinAmount)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
