// Package config loads the ARCP service configuration from environment
// variables. Load never fails; Validate enforces the settings that are
// fatal to run without (signing secret outside dev, agent type allowlist).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment names accepted in ENVIRONMENT.
const (
	EnvDev     = "dev"
	EnvTesting = "testing"
	EnvProd    = "prod"
)

// Config holds all configuration for the ARCP registry service.
type Config struct {
	Environment string
	Port        int
	Version     string
	LogLevel    string

	Auth      AuthConfig
	Registry  RegistryConfig
	Search    SearchConfig
	Embedder  EmbedderConfig
	Storage   StorageConfig
	RateLimit RateLimitConfig
	WS        WSConfig
	Alerts    AlertsConfig
	Telemetry TelemetryConfig
	HTTP      HTTPConfig
}

type AuthConfig struct {
	JWTSecret       string
	JWTAlgorithm    string
	TokenExpiry     time.Duration
	TempTokenExpiry time.Duration
	AdminUsername   string
	AdminPassword   string
	AgentKeys       []string
	ScrapeToken     string
	SessionTimeout  time.Duration
	MaxSessions     int
	PinAttemptLimit int
	PinLockCooldown time.Duration
	PinMaxAge       time.Duration
}

type RegistryConfig struct {
	AllowedAgentTypes []string
	HeartbeatTimeout  time.Duration
	CleanupInterval   time.Duration
}

type SearchConfig struct {
	DefaultTopK          int
	MaxTopK              int
	DefaultMinSimilarity float64
}

type EmbedderConfig struct {
	Provider  string // "openai", "ollama", or "" (disabled)
	Endpoint  string
	APIKey    string
	Model     string
	Dimension int
}

type StorageConfig struct {
	RedisURL     string
	PingInterval time.Duration
}

type RateLimitConfig struct {
	RPM            int
	Burst          int
	MaxDelay       time.Duration
	LockoutBase    time.Duration
	LockoutMax     time.Duration
	FailureWindow  time.Duration
	LoginThreshold int
}

type WSConfig struct {
	PublicMaxConnections    int
	AgentMaxConnections     int
	DashboardMaxConnections int
	QueueSize               int
	PingInterval            time.Duration
	PongTimeout             time.Duration
	AuthDeadline            time.Duration
	MonitoringInterval      time.Duration
	StatsInterval           time.Duration
}

type AlertsConfig struct {
	BufferSize    int
	LogBufferSize int
	Rules         []string // "name:severity:expr" triples, empty = built-ins
}

type TelemetryConfig struct {
	OTLPEndpoint string
	ServiceName  string
}

type HTTPConfig struct {
	CORSOrigins  []string
	TrustedHosts []string
	IPAllowlist  []string
	IPDenylist   []string
}

// Load reads configuration from environment variables with defaults that
// suit a dev deployment.
func Load() *Config {
	return &Config{
		Environment: envStr("ENVIRONMENT", EnvDev),
		Port:        envInt("PORT", 8001),
		Version:     envStr("ARCP_VERSION", "2.0.0"),
		LogLevel:    envStr("LOG_LEVEL", "info"),
		Auth: AuthConfig{
			JWTSecret:       envStr("JWT_SECRET", ""),
			JWTAlgorithm:    envStr("JWT_ALGORITHM", "HS256"),
			TokenExpiry:     envDur("JWT_EXPIRE_MINUTES", 60*time.Minute),
			TempTokenExpiry: envDur("TEMP_TOKEN_EXPIRE_MINUTES", 15*time.Minute),
			AdminUsername:   envStr("ADMIN_USERNAME", ""),
			AdminPassword:   envStr("ADMIN_PASSWORD", ""),
			AgentKeys:       envCSV("AGENT_KEYS"),
			ScrapeToken:     envStr("METRICS_SCRAPE_TOKEN", ""),
			SessionTimeout:  envDur("SESSION_TIMEOUT", 60*time.Minute),
			MaxSessions:     envInt("MAX_SESSIONS", 100),
			PinAttemptLimit: envInt("PIN_ATTEMPT_LIMIT", 5),
			PinLockCooldown: envDur("PIN_LOCK_COOLDOWN", 5*time.Minute),
			PinMaxAge:       envDur("PIN_MAX_AGE", 15*time.Minute),
		},
		Registry: RegistryConfig{
			AllowedAgentTypes: envCSV("ALLOWED_AGENT_TYPES"),
			HeartbeatTimeout:  envDur("AGENT_HEARTBEAT_TIMEOUT", 60*time.Second),
			CleanupInterval:   envDur("AGENT_CLEANUP_INTERVAL", 30*time.Second),
		},
		Search: SearchConfig{
			DefaultTopK:          envInt("VECTOR_SEARCH_TOP_K", 3),
			MaxTopK:              envInt("VECTOR_SEARCH_MAX_TOP_K", 100),
			DefaultMinSimilarity: envFloat("VECTOR_SEARCH_MIN_SIMILARITY", 0.5),
		},
		Embedder: EmbedderConfig{
			Provider:  envStr("EMBEDDER_PROVIDER", ""),
			Endpoint:  envStr("EMBEDDER_ENDPOINT", ""),
			APIKey:    envStr("EMBEDDER_API_KEY", ""),
			Model:     envStr("EMBEDDER_MODEL", "text-embedding-3-small"),
			Dimension: envInt("EMBEDDING_DIMENSION", 1536),
		},
		Storage: StorageConfig{
			RedisURL:     envStr("REDIS_URL", ""),
			PingInterval: envDur("STORAGE_PING_INTERVAL", 5*time.Second),
		},
		RateLimit: RateLimitConfig{
			RPM:            envInt("RATE_LIMIT_RPM", 60),
			Burst:          envInt("RATE_LIMIT_BURST", 10),
			MaxDelay:       envDur("RATE_LIMIT_MAX_DELAY", 60*time.Second),
			LockoutBase:    envDur("RATE_LIMIT_LOCKOUT_BASE", time.Minute),
			LockoutMax:     envDur("RATE_LIMIT_LOCKOUT_MAX", 30*time.Minute),
			FailureWindow:  envDur("RATE_LIMIT_FAILURE_WINDOW", 15*time.Minute),
			LoginThreshold: envInt("RATE_LIMIT_LOGIN_THRESHOLD", 5),
		},
		WS: WSConfig{
			PublicMaxConnections:    envInt("WS_PUBLIC_MAX_CONNECTIONS", 100),
			AgentMaxConnections:     envInt("WS_AGENT_MAX_CONNECTIONS", 100),
			DashboardMaxConnections: envInt("WS_DASHBOARD_MAX_CONNECTIONS", 5),
			QueueSize:               envInt("WS_QUEUE_SIZE", 256),
			PingInterval:            envDur("WS_PING_INTERVAL", 30*time.Second),
			PongTimeout:             envDur("WS_PONG_TIMEOUT", 10*time.Second),
			AuthDeadline:            envDur("WS_AUTH_DEADLINE", 10*time.Second),
			MonitoringInterval:      envDur("WS_MONITORING_INTERVAL", 5*time.Second),
			StatsInterval:           envDur("WS_STATS_INTERVAL", 15*time.Second),
		},
		Alerts: AlertsConfig{
			BufferSize:    envInt("ALERT_BUFFER_SIZE", 500),
			LogBufferSize: envInt("LOG_BUFFER_SIZE", 10000),
			Rules:         envCSV("ALERT_RULES"),
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "arcp"),
		},
		HTTP: HTTPConfig{
			CORSOrigins:  envCSVDefault("CORS_ORIGINS", []string{"*"}),
			TrustedHosts: envCSV("TRUSTED_HOSTS"),
			IPAllowlist:  envCSV("IP_ALLOWLIST"),
			IPDenylist:   envCSV("IP_DENYLIST"),
		},
	}
}

// Validate enforces startup invariants. It returns the first fatal
// misconfiguration found.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDev, EnvTesting, EnvProd:
	default:
		return fmt.Errorf("config: unknown ENVIRONMENT %q", c.Environment)
	}
	if c.Auth.JWTSecret == "" {
		if c.Environment == EnvProd {
			return fmt.Errorf("config: JWT_SECRET is required in prod")
		}
		c.Auth.JWTSecret = "arcp-dev-secret-do-not-use-in-prod"
	}
	if c.Auth.JWTAlgorithm != "HS256" && c.Auth.JWTAlgorithm != "HS384" && c.Auth.JWTAlgorithm != "HS512" {
		return fmt.Errorf("config: unsupported JWT_ALGORITHM %q", c.Auth.JWTAlgorithm)
	}
	if len(c.Registry.AllowedAgentTypes) == 0 {
		return fmt.Errorf("config: ALLOWED_AGENT_TYPES must list at least one type")
	}
	if c.Registry.HeartbeatTimeout <= 0 {
		return fmt.Errorf("config: AGENT_HEARTBEAT_TIMEOUT must be positive")
	}
	if c.Embedder.Provider != "" && c.Embedder.Dimension <= 0 {
		return fmt.Errorf("config: EMBEDDING_DIMENSION must be positive when an embedder is configured")
	}
	if c.Search.MaxTopK <= 0 {
		c.Search.MaxTopK = 100
	}
	return nil
}

// AgentTypeAllowed reports whether t is in the configured allowlist.
func (c *Config) AgentTypeAllowed(t string) bool {
	for _, allowed := range c.Registry.AllowedAgentTypes {
		if allowed == t {
			return true
		}
	}
	return false
}

// SweepInterval is the sweeper cadence: half the heartbeat timeout,
// floored at 15 seconds, tightened by AGENT_CLEANUP_INTERVAL when that
// is shorter.
func (c *Config) SweepInterval() time.Duration {
	interval := c.Registry.HeartbeatTimeout / 2
	if interval < 15*time.Second {
		interval = 15 * time.Second
	}
	if c.Registry.CleanupInterval > 0 && c.Registry.CleanupInterval < interval {
		interval = c.Registry.CleanupInterval
	}
	return interval
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// envDur accepts either a Go duration string ("30s", "15m") or a bare
// number. Bare numbers in *_MINUTES variables mean minutes, elsewhere
// seconds.
func envDur(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		if strings.HasSuffix(key, "_MINUTES") {
			return time.Duration(n) * time.Minute
		}
		return time.Duration(n) * time.Second
	}
	return fallback
}

func envCSV(key string) []string {
	return envCSVDefault(key, nil)
}

func envCSVDefault(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
