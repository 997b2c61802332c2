package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds relay configuration loaded from the environment.
type Config struct {
	AppName   string
	LogLevel  string
	LogFormat string
	HTTPPort  string

	StoreBackend string
	RedisURL     string
	DatabaseURL  string
	StoreTable   string

	AppleBundleID           string
	AppleEncryptionKey      string
	AppleEncryptionKeyID    string
	AppleTeamID             string
	FirebaseProjectID       string
	FirebasePrivateKey      string
	FirebaseClientEmail     string
	APNsEndpoint            string
	FCMEndpoint             string
	OAuthTokenEndpoint      string
	ProviderTimeout         time.Duration
	DispatchRetryMinDelay   time.Duration
	DispatchRetryMaxDelay   time.Duration
	DispatchRetryMaxRetries int
}

// Load loads configuration and performs basic validation.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AppName:   getEnv("APP_NAME", "webpush_relay"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
		HTTPPort:  getEnv("HTTP_PORT", "8080"),

		StoreBackend: getEnv("STORE_BACKEND", "redis"),
		RedisURL:     getEnv("REDIS_URL", ""),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		StoreTable:   getEnv("STORE_TABLE", "kv_entries"),

		AppleBundleID:           getEnv("APPLE_BUNDLE_ID", ""),
		AppleEncryptionKey:      getEnv("APPLE_ENCRYPTION_KEY", ""),
		AppleEncryptionKeyID:    getEnv("APPLE_ENCRYPTION_KEY_ID", ""),
		AppleTeamID:             getEnv("APPLE_TEAM_ID", ""),
		FirebaseProjectID:       getEnv("FIREBASE_PROJECT_ID", ""),
		FirebasePrivateKey:      getEnv("FIREBASE_PRIVATE_KEY", ""),
		FirebaseClientEmail:     getEnv("FIREBASE_CLIENT_EMAIL", ""),
		APNsEndpoint:            getEnv("APNS_ENDPOINT", ""),
		FCMEndpoint:             getEnv("FCM_ENDPOINT", ""),
		OAuthTokenEndpoint:      getEnv("OAUTH_TOKEN_ENDPOINT", ""),
		ProviderTimeout:         getEnvAsDuration("PROVIDER_TIMEOUT", 30*time.Second),
		DispatchRetryMinDelay:   getEnvAsDuration("RETRY_MIN_DELAY", 10*time.Second),
		DispatchRetryMaxDelay:   getEnvAsDuration("RETRY_MAX_DELAY", time.Hour),
		DispatchRetryMaxRetries: getEnvAsInt("RETRY_MAX_ATTEMPTS", 4),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FCMConfigured reports whether the Firebase credentials are present.
func (c *Config) FCMConfigured() bool {
	return c.FirebaseProjectID != "" && c.FirebasePrivateKey != "" && c.FirebaseClientEmail != ""
}

// APNsConfigured reports whether the Apple credentials are present.
func (c *Config) APNsConfigured() bool {
	return c.AppleBundleID != "" && c.AppleEncryptionKey != "" &&
		c.AppleEncryptionKeyID != "" && c.AppleTeamID != ""
}

func (c *Config) validate() error {
	var missing []string
	switch c.StoreBackend {
	case "redis":
		if c.RedisURL == "" {
			missing = append(missing, "REDIS_URL")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q", c.StoreBackend)
	}
	if !c.FCMConfigured() && !c.APNsConfigured() {
		missing = append(missing, "FIREBASE_* or APPLE_* credentials")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	return nil
}

func getEnv(key, def string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	return value
}

func getEnvAsInt(key string, def int) int {
	if value, ok := os.LookupEnv(key); ok {
		i, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid int for %s, using default %d: %v", key, def, err)
			return def
		}
		return i
	}
	return def
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(value)
		if err != nil {
			log.Printf("invalid duration for %s, using default %s: %v", key, def, err)
			return def
		}
		return d
	}
	return def
}
