package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration returns the duration value of the environment variable named
// by key. Both Go duration strings ("5m") and bare integers, read as seconds,
// are accepted. fallback is returned for unset, empty, invalid or negative values.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return fallback
		}
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// Server is the runtime configuration of cmd/server.
type Server struct {
	Port      string
	LogLevel  string
	LogFormat string

	// StoreBackend selects the session store: "memory", "redis" or "postgres".
	StoreBackend   string
	RedisURL       string
	RedisKeyPrefix string
	DatabaseURL    string

	LiveKitAPIKey    string
	LiveKitAPISecret string
	MuxSigningSecret string

	WebhookTolerance    time.Duration
	WebhookDedupTTL     time.Duration
	WebhookMaxBodyBytes int
}

// FromEnv builds the server configuration from the environment.
func FromEnv() Server {
	return Server{
		Port:      GetEnv("PORT", "8080"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		StoreBackend:   GetEnv("STORE_BACKEND", "memory"),
		RedisURL:       GetEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisKeyPrefix: GetEnv("REDIS_KEY_PREFIX", "broadcast"),
		DatabaseURL:    GetEnv("DATABASE_URL", ""),

		LiveKitAPIKey:    GetEnv("LIVEKIT_API_KEY", ""),
		LiveKitAPISecret: GetEnv("LIVEKIT_API_SECRET", ""),
		MuxSigningSecret: GetEnv("MUX_WEBHOOK_SIGNING_SECRET", ""),

		WebhookTolerance:    GetEnvDuration("WEBHOOK_TOLERANCE", 300*time.Second),
		WebhookDedupTTL:     GetEnvDuration("WEBHOOK_DEDUP_TTL", 24*time.Hour),
		WebhookMaxBodyBytes: GetEnvInt("WEBHOOK_MAX_BODY_BYTES", 1<<20),
	}
}
