// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dealscope/dealscope/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Auth          AuthConfig
	SSO           SSOConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// BaseURL is this service's public URL; it anchors the fixed
	// SAML ACS URL and OIDC redirect URI embedded in outbound requests.
	BaseURL string

	CORSOrigins []string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL      string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

// AuthConfig holds token issuance configuration
type AuthConfig struct {
	JWTSecret  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// SSOConfig holds SSO subsystem configuration
type SSOConfig struct {
	// StateTTL bounds the OIDC handshake state lifetime.
	StateTTL time.Duration
	// UpstreamTimeout bounds IdP discovery and token exchange calls.
	UpstreamTimeout time.Duration
}

// AuditConfig holds audit log configuration
type AuditConfig struct {
	RetentionDays int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("DEALSCOPE_HOST", "0.0.0.0"),
			Port:            getEnv("DEALSCOPE_PORT", "8080"),
			ReadTimeout:     getEnvDuration("DEALSCOPE_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("DEALSCOPE_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("DEALSCOPE_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("DEALSCOPE_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("DEALSCOPE_HEALTH_PORT", "9090"),
			BaseURL:         getEnv("DEALSCOPE_BASE_URL", ""),
			CORSOrigins:     getEnvList("DEALSCOPE_CORS_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DEALSCOPE_POSTGRES_URL", ""),
			MaxConns: getEnvInt("DEALSCOPE_POSTGRES_MAX_CONNS", 25),
			MinConns: getEnvInt("DEALSCOPE_POSTGRES_MIN_CONNS", 2),
		},
		Redis: RedisConfig{
			URL:      getEnv("DEALSCOPE_REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("DEALSCOPE_REDIS_PASSWORD", ""),
			DB:       getEnvInt("DEALSCOPE_REDIS_DB", 0),
		},
		Auth: AuthConfig{
			JWTSecret:  getEnv("DEALSCOPE_JWT_SECRET", ""),
			AccessTTL:  getEnvDuration("DEALSCOPE_ACCESS_TOKEN_TTL", 15*time.Minute),
			RefreshTTL: getEnvDuration("DEALSCOPE_REFRESH_TOKEN_TTL", 30*24*time.Hour),
		},
		SSO: SSOConfig{
			StateTTL:        getEnvDuration("DEALSCOPE_SSO_STATE_TTL", 10*time.Minute),
			UpstreamTimeout: getEnvDuration("DEALSCOPE_SSO_UPSTREAM_TIMEOUT", 10*time.Second),
		},
		Audit: AuditConfig{
			RetentionDays: getEnvInt("DEALSCOPE_AUDIT_RETENTION_DAYS", 365),
		},
		Observability: ObservabilityConfig{
			LogLevel:           parseLogLevel(getEnv("DEALSCOPE_LOG_LEVEL", "info")),
			MetricsEnabled:     getEnvBool("DEALSCOPE_METRICS_ENABLED", true),
			OTelEnabled:        getEnvBool("DEALSCOPE_OTEL_ENABLED", false),
			OTelEndpoint:       getEnv("DEALSCOPE_OTEL_ENDPOINT", "localhost:4317"),
			OTelServiceName:    getEnv("DEALSCOPE_OTEL_SERVICE_NAME", "dealscope-api"),
			OTelServiceVersion: getEnv("DEALSCOPE_OTEL_SERVICE_VERSION", "1.0.0"),
			OTelInsecure:       getEnvBool("DEALSCOPE_OTEL_INSECURE", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("DEALSCOPE_BASE_URL is required")
	}
	if u, err := url.Parse(c.Server.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("DEALSCOPE_BASE_URL must be an absolute URL")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("DEALSCOPE_POSTGRES_URL is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("DEALSCOPE_JWT_SECRET is required")
	}
	if c.SSO.StateTTL <= 0 {
		return fmt.Errorf("SSO state TTL must be positive")
	}
	if c.Observability.OTelEnabled && c.Observability.OTelEndpoint == "" {
		return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
	}
	return nil
}

func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
