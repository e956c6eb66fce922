package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Profile string
	HTTP    HTTPConfig
	DB      DBConfig
	Redis   RedisConfig
	Auth    AuthConfig
	Metrics MetricsConfig
}

type HTTPConfig struct {
	Addr             string
	CORSOrigins      []string
	APIRateLimitRPM  int
	AuthRateLimitRPM int
	SecureCookies    bool
}

type DBConfig struct {
	Driver string // "postgres" or "sqlite"
	DSN    string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	JWTIssuer     string
	JWTAudience   string
	JWTSecret     string
	RefreshPepper string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

type MetricsConfig struct {
	Enabled        bool
	Endpoint       string
	Insecure       bool
	ServiceName    string
	ExportInterval int
}

// Load reads configuration from the environment. Prod profile enforces the
// secret requirements; dev fills in local defaults so the service starts with
// an empty environment.
func Load(ctx context.Context) (*Config, error) {
	cfg, err := load()
	recordConfigValidationEvent(ctx, profileOrDefault(), outcomeFor(err), classifyConfigLoadError(err))
	return cfg, err
}

func load() (*Config, error) {
	cfg := &Config{
		Profile: profileOrDefault(),
		HTTP: HTTPConfig{
			Addr:          envOr("HTTP_ADDR", ":8080"),
			CORSOrigins:   splitCSV(envOr("CORS_ORIGINS", "http://localhost:3000")),
			SecureCookies: envOr("SECURE_COOKIES", "") == "true",
		},
		DB: DBConfig{
			Driver: envOr("DB_DRIVER", "sqlite"),
			DSN:    envOr("DATABASE_URL", "file:identity-portal.db"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		Auth: AuthConfig{
			JWTIssuer:     envOr("JWT_ISSUER", "identity-portal"),
			JWTAudience:   envOr("JWT_AUDIENCE", "identity-portal-web"),
			JWTSecret:     os.Getenv("JWT_SECRET"),
			RefreshPepper: os.Getenv("REFRESH_TOKEN_PEPPER"),
		},
		Metrics: MetricsConfig{
			Enabled:     envOr("OTEL_ENABLED", "") == "true",
			Endpoint:    envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    envOr("OTEL_EXPORTER_OTLP_INSECURE", "true") == "true",
			ServiceName: envOr("OTEL_SERVICE_NAME", "identity-portal"),
		},
	}

	var err error
	if cfg.Auth.AccessTTL, err = parseDurationEnv("JWT_ACCESS_TTL", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Auth.RefreshTTL, err = parseDurationEnv("REFRESH_TOKEN_TTL", 5*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.HTTP.APIRateLimitRPM, err = parseIntEnv("API_RATE_LIMIT_RPM", 600); err != nil {
		return nil, err
	}
	if cfg.HTTP.AuthRateLimitRPM, err = parseIntEnv("AUTH_RATE_LIMIT_RPM", 60); err != nil {
		return nil, err
	}
	if cfg.Redis.DB, err = parseIntEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.Metrics.ExportInterval, err = parseIntEnv("OTEL_EXPORT_INTERVAL_SECONDS", 30); err != nil {
		return nil, err
	}

	if cfg.Profile == "dev" {
		if cfg.Auth.JWTSecret == "" {
			cfg.Auth.JWTSecret = "dev-only-secret-0123456789abcdef"
		}
		if cfg.Auth.RefreshPepper == "" {
			cfg.Auth.RefreshPepper = "dev-only-pepper"
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.Auth.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if c.Auth.RefreshPepper == "" {
		missing = append(missing, "REFRESH_TOKEN_PEPPER")
	}
	if c.DB.DSN == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("validate config: %s is required", strings.Join(missing, ", "))
	}
	if c.Profile == "prod" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("validate config: JWT_SECRET must be at least 32 bytes in prod")
	}
	if c.DB.Driver != "sqlite" && c.DB.Driver != "postgres" {
		return fmt.Errorf("validate config: DB_DRIVER must be sqlite or postgres, got %q", c.DB.Driver)
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= c.Auth.AccessTTL {
		return fmt.Errorf("validate config: REFRESH_TOKEN_TTL must exceed JWT_ACCESS_TTL")
	}
	return nil
}

func profileOrDefault() string {
	return normalizeConfigProfile(envOr("APP_PROFILE", "dev"))
}

func outcomeFor(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseDurationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func parseIntEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}
