package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Providers enumerates the providers the broker fronts.
var Providers = []string{"mistral", "gemini"}

type Config struct {
	ListenAddr string
	LogLevel   string

	ProviderTimeoutSecs int

	// Key resolution: "env", "store" or "http".
	KeySource   string
	KeyEndpoint string

	// Usage persistence: "memory", "remote", "redis" or "sqlite".
	UsageStrategy  string
	UsageFlushSecs int

	// Record store shared by remote usage and the "store" key source.
	RecordStoreURL      string
	RecordStoreIdentity string
	RecordStorePassword string
	UsageCollection     string
	KeysCollection      string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SQLiteDSN string

	// Inter-request delay applied to keys without structured limits.
	FallbackDelayMS int64

	// Security & hardening.
	AdminToken  string
	CORSOrigins []string

	// OpenTelemetry.
	OTelEnabled  bool
	OTelEndpoint string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("MODELGATE_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("MODELGATE_LOG_LEVEL", "info"),

		ProviderTimeoutSecs: getEnvInt("MODELGATE_PROVIDER_TIMEOUT_SECS", 120),

		KeySource:   getEnv("MODELGATE_KEY_SOURCE", "env"),
		KeyEndpoint: getEnv("MODELGATE_KEY_ENDPOINT", ""),

		UsageStrategy:  getEnv("USAGE_STRATEGY", "memory"),
		UsageFlushSecs: getEnvInt("MODELGATE_USAGE_FLUSH_SECS", 15),

		RecordStoreURL:      getEnv("MODELGATE_RECORD_STORE_URL", ""),
		RecordStoreIdentity: getEnv("MODELGATE_RECORD_STORE_IDENTITY", ""),
		RecordStorePassword: getEnv("MODELGATE_RECORD_STORE_PASSWORD", ""),
		UsageCollection:     getEnv("MODELGATE_USAGE_COLLECTION", "usage"),
		KeysCollection:      getEnv("MODELGATE_KEYS_COLLECTION", "api_keys"),

		RedisAddr:     getEnv("MODELGATE_REDIS_ADDR", ""),
		RedisPassword: getEnv("MODELGATE_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("MODELGATE_REDIS_DB", 0),

		SQLiteDSN: getEnv("MODELGATE_SQLITE_DSN", "file:modelgate-usage.sqlite"),

		FallbackDelayMS: int64(getEnvInt("MODELGATE_FALLBACK_DELAY_MS", 1000)),

		AdminToken:  getEnv("MODELGATE_ADMIN_TOKEN", ""),
		CORSOrigins: getEnvStringSlice("MODELGATE_CORS_ORIGINS", nil),

		OTelEnabled:  getEnvBool("MODELGATE_OTEL_ENABLED", false),
		OTelEndpoint: getEnv("MODELGATE_OTEL_ENDPOINT", "localhost:4318"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	switch c.KeySource {
	case "env", "store", "http":
	default:
		return fmt.Errorf("MODELGATE_KEY_SOURCE must be env, store or http, got %q", c.KeySource)
	}
	switch c.UsageStrategy {
	case "memory", "remote", "redis", "sqlite":
	default:
		return fmt.Errorf("USAGE_STRATEGY must be memory, remote, redis or sqlite, got %q", c.UsageStrategy)
	}
	if c.KeySource == "http" && c.KeyEndpoint == "" {
		return fmt.Errorf("MODELGATE_KEY_ENDPOINT is required when MODELGATE_KEY_SOURCE=http")
	}
	if (c.KeySource == "store" || c.UsageStrategy == "remote") && c.RecordStoreURL == "" {
		return fmt.Errorf("MODELGATE_RECORD_STORE_URL is required for the record store")
	}
	if c.UsageStrategy == "redis" && c.RedisAddr == "" {
		return fmt.Errorf("MODELGATE_REDIS_ADDR is required when USAGE_STRATEGY=redis")
	}
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("MODELGATE_PROVIDER_TIMEOUT_SECS must be > 0, got %d", c.ProviderTimeoutSecs)
	}
	if c.UsageFlushSecs <= 0 {
		return fmt.Errorf("MODELGATE_USAGE_FLUSH_SECS must be > 0, got %d", c.UsageFlushSecs)
	}
	if c.FallbackDelayMS < 0 {
		return fmt.Errorf("MODELGATE_FALLBACK_DELAY_MS must be >= 0, got %d", c.FallbackDelayMS)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
