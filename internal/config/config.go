package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Record backends for the authoritative call record
const (
	RecordBackendHTTP   = "http"
	RecordBackendDynamo = "dynamo"
)

// Config holds all configuration for the application
type Config struct {
	Port           string
	AllowedOrigins []string
	WSReadTimeout  time.Duration
	WSWriteTimeout time.Duration
	LogLevel       string
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64

	// Agent
	AgentExtension string

	// Push channel
	PushChannelURL        string
	PushReconnectBase     time.Duration
	PushReconnectMax      time.Duration
	PushReconnectAttempts int

	// Upstream REST services
	UpstreamBaseURL string
	UpstreamToken   string
	UpstreamTimeout time.Duration
	RecordBackend   string

	// Reconciliation
	StatusPollInterval    time.Duration
	NewCallPollInterval   time.Duration
	PresenceConfirmations int
	WrapUpTimeout         time.Duration
	IdentityNegativeTTL   time.Duration

	// Auth
	SkipAuth   bool
	OIDCIssuer string
	JWTSecret  string

	// EnableTestTrigger exposes POST /internal/event for injecting push-format events
	EnableTestTrigger bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Port:            getEnv("PORT", "8080"),
		AllowedOrigins:  strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:5173"), ","),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		AgentExtension:  strings.TrimSpace(getEnv("AGENT_EXTENSION", "")),
		PushChannelURL:  strings.TrimSpace(getEnv("PUSH_CHANNEL_URL", "")),
		UpstreamBaseURL: getEnv("UPSTREAM_BASE_URL", "http://localhost:8090"),
		UpstreamToken:   getEnv("UPSTREAM_TOKEN", ""),
		RecordBackend:   strings.ToLower(getEnv("RECORD_BACKEND", RecordBackendHTTP)),
		OIDCIssuer:      getEnv("OIDC_ISSUER", ""),
		JWTSecret:       getEnv("JWT_SECRET", ""),
	}

	// Parse WebSocket timeouts
	wsReadTimeout, err := strconv.Atoi(getEnv("WS_READ_TIMEOUT", "60"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_READ_TIMEOUT: %w", err)
	}
	config.WSReadTimeout = time.Duration(wsReadTimeout) * time.Second

	wsWriteTimeout, err := strconv.Atoi(getEnv("WS_WRITE_TIMEOUT", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_WRITE_TIMEOUT: %w", err)
	}
	config.WSWriteTimeout = time.Duration(wsWriteTimeout) * time.Second

	// Calculate WebSocket constants
	config.PongWait = config.WSReadTimeout
	config.PingPeriod = (config.PongWait * 9) / 10 // Must be less than pongWait
	config.WriteWait = config.WSWriteTimeout
	config.MaxMessageSize = 4096

	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"PUSH_RECONNECT_BASE", "1s", &config.PushReconnectBase},
		{"PUSH_RECONNECT_MAX", "30s", &config.PushReconnectMax},
		{"UPSTREAM_TIMEOUT", "5s", &config.UpstreamTimeout},
		{"STATUS_POLL_INTERVAL", "3s", &config.StatusPollInterval},
		{"NEW_CALL_POLL_INTERVAL", "5s", &config.NewCallPollInterval},
		{"WRAP_UP_TIMEOUT", "30s", &config.WrapUpTimeout},
		{"IDENTITY_NEGATIVE_TTL", "60s", &config.IdentityNegativeTTL},
	}
	for _, d := range durations {
		v, err := parseDuration(getEnv(d.key, d.def))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dest = v
	}

	config.PushReconnectAttempts, err = strconv.Atoi(getEnv("PUSH_RECONNECT_ATTEMPTS", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid PUSH_RECONNECT_ATTEMPTS: %w", err)
	}

	config.PresenceConfirmations, err = strconv.Atoi(getEnv("PRESENCE_CONFIRMATIONS", "2"))
	if err != nil {
		return nil, fmt.Errorf("invalid PRESENCE_CONFIRMATIONS: %w", err)
	}
	if config.PresenceConfirmations < 1 {
		return nil, fmt.Errorf("invalid PRESENCE_CONFIRMATIONS: must be at least 1, got %d", config.PresenceConfirmations)
	}

	if config.RecordBackend != RecordBackendHTTP && config.RecordBackend != RecordBackendDynamo {
		return nil, fmt.Errorf("invalid RECORD_BACKEND: %q", config.RecordBackend)
	}

	config.SkipAuth = getEnv("SKIP_AUTH", "false") == "true"
	config.EnableTestTrigger = getEnv("ENABLE_TEST_TRIGGER", "false") == "true"

	// Trim spaces from allowed origins
	for i, origin := range config.AllowedOrigins {
		config.AllowedOrigins[i] = strings.TrimSpace(origin)
	}

	return config, nil
}

// parseDuration accepts Go duration strings ("500ms", "3s") or bare seconds ("3")
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	var d time.Duration
	if n, err := strconv.Atoi(s); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
