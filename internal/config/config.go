package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const devJWTSecret = "dev-secret-change-me"

type Config struct {
	Port string

	LogLevel string
	Env      string

	// Empty DatabaseURL selects the in-memory store, empty RedisURL a
	// single-instance hub and empty KafkaBrokers a no-op event sink.
	DatabaseURL  string
	DBMaxConns   int
	DBMinConns   int
	RedisURL     string
	KafkaBrokers []string
	KafkaTopic   string

	JWTSecret         string
	JWTAudience       string
	WebhookSecret     string
	WebhookSecretHash string

	SweepInterval   time.Duration
	IdleThreshold   time.Duration
	DisconnectGrace time.Duration

	IDMaxRetries int
	IDRetryDelay time.Duration

	MaxMessageLength int
	MaxChannelDepth  int
	WSMessagesPerSec float64
}

// LoadConfig reads the environment, after merging a local .env file when
// one exists. Malformed numbers and durations are errors.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:              GetEnv("PORT", "8081"),
		Env:               GetEnv("ENV", "development"),
		LogLevel:          GetEnv("LOG_LEVEL", "info"),
		DatabaseURL:       GetEnv("DATABASE_URL", ""),
		RedisURL:          GetEnv("REDIS_URL", ""),
		KafkaBrokers:      splitList(GetEnv("KAFKA_BROKERS", "")),
		KafkaTopic:        GetEnv("KAFKA_TOPIC", "hackerchat.messages"),
		JWTSecret:         GetEnv("JWT_SECRET", devJWTSecret),
		JWTAudience:       GetEnv("JWT_AUDIENCE", "hackerchat"),
		WebhookSecret:     GetEnv("WEBHOOK_SECRET", ""),
		WebhookSecretHash: GetEnv("WEBHOOK_SECRET_HASH", ""),
	}

	var err error
	if cfg.SweepInterval, err = durationEnv("PRESENCE_SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.IdleThreshold, err = durationEnv("PRESENCE_IDLE_THRESHOLD", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.DisconnectGrace, err = durationEnv("PRESENCE_DISCONNECT_GRACE", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.IDRetryDelay, err = durationEnv("ID_RETRY_DELAY", time.Second); err != nil {
		return nil, err
	}
	if cfg.IDMaxRetries, err = intEnv("ID_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.MaxMessageLength, err = intEnv("MAX_MESSAGE_LENGTH", 4000); err != nil {
		return nil, err
	}
	if cfg.MaxChannelDepth, err = intEnv("MAX_CHANNEL_DEPTH", 0); err != nil {
		return nil, err
	}
	if cfg.DBMaxConns, err = intEnv("DB_MAX_CONNS", 25); err != nil {
		return nil, err
	}
	if cfg.DBMinConns, err = intEnv("DB_MIN_CONNS", 2); err != nil {
		return nil, err
	}
	rate, err := intEnv("WS_MESSAGES_PER_SECOND", 20)
	if err != nil {
		return nil, err
	}
	cfg.WSMessagesPerSec = float64(rate)

	return cfg, nil
}

func (c *Config) IsProduction() bool { return c.Env == "production" }

// Validate rejects settings that would break the server or are unsafe to
// run in production.
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET must be set"))
	}
	if c.IsProduction() && c.JWTSecret == devJWTSecret {
		errs = append(errs, errors.New("JWT_SECRET must be changed in production"))
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required in production"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("PRESENCE_SWEEP_INTERVAL must be positive"))
	}
	if c.IdleThreshold <= 0 || c.DisconnectGrace < 0 {
		errs = append(errs, errors.New("presence thresholds must be positive"))
	}
	if c.IDMaxRetries < 1 {
		errs = append(errs, errors.New("ID_MAX_RETRIES must be at least 1"))
	}
	if c.MaxMessageLength < 1 {
		errs = append(errs, errors.New("MAX_MESSAGE_LENGTH must be at least 1"))
	}
	if c.MaxChannelDepth < 0 {
		errs = append(errs, errors.New("MAX_CHANNEL_DEPTH must not be negative"))
	}
	if c.DBMaxConns < 1 || c.DBMinConns < 0 {
		errs = append(errs, errors.New("DB_MAX_CONNS must be at least 1 and DB_MIN_CONNS not negative"))
	}
	if c.WSMessagesPerSec <= 0 {
		errs = append(errs, errors.New("WS_MESSAGES_PER_SECOND must be positive"))
	}
	return errors.Join(errs...)
}

func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := GetEnv(key, "")
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	raw := GetEnv(key, "")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
