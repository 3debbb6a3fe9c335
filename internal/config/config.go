// Package config provides environment configuration for the API server.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers.
const (
	StoreSQLite   = "sqlite"
	StoreSupabase = "supabase"
)

// Auth modes.
const (
	AuthJWT      = "jwt"
	AuthSupabase = "supabase"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	Env                string

	// Storage
	StoreDriver            string
	SQLitePath             string
	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseAnonKey        string
	AtomicReplace          bool
	DeleteMissingIsError   bool

	// Auth
	AuthMode       string
	JWTSecret      string
	AuthCookieName string

	// Completion
	CompletionProvider string
	CompletionModel    string
	CompletionTimeout  time.Duration
	OpenAIAPIKey       string
	AnthropicAPIKey    string
	BreakerEnabled     bool

	// Sessions
	SessionLatePolicy string
	SessionIdleTTL    time.Duration
	SSEHeartbeat      time.Duration

	// NATS settings
	NATSEnabled  bool
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// CORS
	CORSAllowedOrigins []string

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),
		Env:                getEnv("ENV", ""),

		// Storage
		StoreDriver:            strings.ToLower(getEnv("STORE_DRIVER", StoreSQLite)),
		SQLitePath:             getEnv("SQLITE_PATH", "continuum.db"),
		SupabaseURL:            getEnv("SUPABASE_URL", ""),
		SupabaseServiceRoleKey: getEnv("SUPABASE_SERVICE_ROLE_KEY", ""),
		SupabaseAnonKey:        getEnv("SUPABASE_ANON_KEY", ""),
		AtomicReplace:          getBoolEnv("ATOMIC_REPLACE", true),
		DeleteMissingIsError:   getBoolEnv("DELETE_MISSING_IS_ERROR", true),

		// Auth
		AuthMode:       strings.ToLower(getEnv("AUTH_MODE", AuthJWT)),
		JWTSecret:      getEnv("JWT_SECRET", "development-secret-change-in-production"),
		AuthCookieName: getEnv("AUTH_COOKIE_NAME", "sb-access-token"),

		// Completion
		CompletionProvider: strings.ToLower(getEnv("COMPLETION_PROVIDER", "openai")),
		CompletionModel:    getEnv("COMPLETION_MODEL", ""),
		CompletionTimeout:  getDurationEnv("COMPLETION_TIMEOUT", 60*time.Second),
		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey:    getEnv("ANTHROPIC_API_KEY", ""),
		BreakerEnabled:     getBoolEnv("COMPLETION_BREAKER_ENABLED", true),

		// Sessions
		SessionLatePolicy: getEnv("SESSION_LATE_RESULT_POLICY", "drop"),
		SessionIdleTTL:    getDurationEnv("SESSION_IDLE_TTL", 2*time.Hour),
		SSEHeartbeat:      getDurationEnv("SSE_HEARTBEAT", 30*time.Second),

		// NATS
		NATSEnabled:  getBoolEnv("NATS_ENABLED", false),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// CORS
		CORSAllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS", []string{"https://*", "http://*"}),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// APIKey returns the key of the configured completion provider.
func (c *Config) APIKey() string {
	if c.CompletionProvider == "anthropic" {
		return c.AnthropicAPIKey
	}
	return c.OpenAIAPIKey
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
