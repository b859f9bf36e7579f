// Package config handles loading application configuration from environment variables.
// All settings have sensible defaults for local development.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application settings loaded from environment variables.
type Config struct {
	Port        string
	TokenSecret string
	TokenSalt   string
	TokenIssuer string

	// Performance validation bounds.
	MaxFieldLength  int
	PastTolerance   time.Duration
	FutureLimit     time.Duration
	DefaultDuration time.Duration
	MaxDuration     time.Duration

	// GracePeriod keeps a performance addressable after its window closes.
	GracePeriod   time.Duration
	SweepInterval time.Duration

	RateLimitPerMinute int
	PublishAck         bool
	SendBufferSize     int
	MaxMessageBytes    int64

	CORSAllowedOrigins []string
	WSAllowedOrigins   []string
	TrustedProxies     []string

	SentryDSN         string
	SentryEnvironment string

	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, using defaults where not set.
// A .env file in the working directory is applied first when present.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	return &Config{
		Port:               getEnv("PORT", "8000"),
		TokenSecret:        getEnv("TOKEN_SECRET", "change-me-in-production"), // #nosec G101 -- intentional dev default
		TokenSalt:          getEnv("TOKEN_SALT", "heartbridge"),
		TokenIssuer:        getEnv("TOKEN_ISSUER", "heartbridge"),
		MaxFieldLength:     getIntEnv("MAX_FIELD_LENGTH", 64),
		PastTolerance:      getDurationEnv("PAST_TOLERANCE", 5*time.Minute),
		FutureLimit:        getDurationEnv("FUTURE_LIMIT", 366*24*time.Hour),
		DefaultDuration:    getDurationEnv("DEFAULT_DURATION", time.Hour),
		MaxDuration:        getDurationEnv("MAX_DURATION", 24*time.Hour),
		GracePeriod:        getDurationEnv("SESSION_GRACE_PERIOD", 0),
		SweepInterval:      getDurationEnv("SWEEP_INTERVAL", 15*time.Second),
		RateLimitPerMinute: getIntEnv("RATE_LIMIT_PER_MINUTE", 30),
		PublishAck:         getBoolEnv("PUBLISH_ACK", true),
		SendBufferSize:     getIntEnv("SEND_BUFFER_SIZE", 64),
		MaxMessageBytes:    int64(getIntEnv("MAX_MESSAGE_BYTES", 4096)),
		CORSAllowedOrigins: getStringSliceEnvDefault("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),
		WSAllowedOrigins:   getStringSliceEnv("WS_ALLOWED_ORIGINS"),
		TrustedProxies:     getStringSliceEnv("TRUSTED_PROXIES"),
		SentryDSN:          getEnv("SENTRY_DSN", ""),
		SentryEnvironment:  getEnv("SENTRY_ENVIRONMENT", "production"),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

func getStringSliceEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var result []string
	for _, s := range strings.Split(value, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			result = append(result, s)
		}
	}
	return result
}

func getStringSliceEnvDefault(key string, defaultValue []string) []string {
	if values := getStringSliceEnv(key); len(values) > 0 {
		return values
	}
	return defaultValue
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
