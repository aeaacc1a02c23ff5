package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the complete service configuration, loaded from the environment.
type Config struct {
	Service   ServiceConfig   `envPrefix:"SERVICE_"`
	Server    ServerConfig    `envPrefix:"SERVER_"`
	GRPC      GRPCConfig      `envPrefix:"GRPC_"`
	Database  DatabaseConfig  `envPrefix:"DB_"`
	NATS      NATSConfig      `envPrefix:"NATS_"`
	Redis     RedisConfig     `envPrefix:"REDIS_"`
	RateLimit RateLimitConfig `envPrefix:"RATE_LIMIT_"`
	Audit     AuditConfig     `envPrefix:"AUDIT_"`
	LogLevel  string          `env:"LOG_LEVEL" envDefault:"info"`
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string `env:"NAME" envDefault:"be-approval-governance"`
	Version     string `env:"VERSION" envDefault:"dev"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `env:"PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"20s"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
}

// GRPCConfig holds gRPC server settings.
type GRPCConfig struct {
	Port int `env:"PORT" envDefault:"9090"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host        string        `env:"HOST" envDefault:"localhost"`
	Port        int           `env:"PORT" envDefault:"5432"`
	User        string        `env:"USER" envDefault:"postgres"`
	Password    string        `env:"PASSWORD"`
	Database    string        `env:"NAME" envDefault:"governance"`
	SSLMode     string        `env:"SSL_MODE" envDefault:"disable"`
	MaxConns    int32         `env:"MAX_CONNS" envDefault:"20"`
	MinConns    int32         `env:"MIN_CONNS" envDefault:"2"`
	MaxConnTime time.Duration `env:"MAX_CONN_TIME" envDefault:"1h"`
	MaxIdleTime time.Duration `env:"MAX_IDLE_TIME" envDefault:"30m"`
	HealthCheck time.Duration `env:"HEALTH_CHECK" envDefault:"1m"`
}

// NATSConfig controls audit event publishing.
type NATSConfig struct {
	Enabled       bool   `env:"ENABLED" envDefault:"false"`
	URL           string `env:"URL" envDefault:"nats://localhost:4222"`
	SubjectPrefix string `env:"SUBJECT_PREFIX" envDefault:"governance"`
}

// RedisConfig is used when the rate limiter runs on the redis backend.
type RedisConfig struct {
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

// RateLimitConfig controls the guard in front of expensive compute.
type RateLimitConfig struct {
	Backend            string        `env:"BACKEND" envDefault:"postgres"`
	ActorMax           int           `env:"ACTOR_MAX" envDefault:"20"`
	ActorWindow        time.Duration `env:"ACTOR_WINDOW" envDefault:"5m"`
	OrganisationMax    int           `env:"ORGANISATION_MAX" envDefault:"200"`
	OrganisationWindow time.Duration `env:"ORGANISATION_WINDOW" envDefault:"5m"`
}

// AuditConfig controls the asynchronous audit emitter.
type AuditConfig struct {
	BufferSize int `env:"BUFFER_SIZE" envDefault:"256"`
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks cross-field constraints the env tags cannot express.
func (c *Config) Validate() error {
	switch c.RateLimit.Backend {
	case "postgres", "redis", "memory":
	default:
		return fmt.Errorf("rate_limit.backend must be one of postgres, redis, memory (got %q)", c.RateLimit.Backend)
	}
	if c.RateLimit.ActorMax <= 0 || c.RateLimit.OrganisationMax <= 0 {
		return fmt.Errorf("rate_limit maxima must be positive")
	}
	if c.RateLimit.ActorWindow < time.Second || c.RateLimit.OrganisationWindow < time.Second {
		return fmt.Errorf("rate_limit windows must be at least one second")
	}
	if c.Audit.BufferSize <= 0 {
		return fmt.Errorf("audit.buffer_size must be positive")
	}
	if c.Server.Port <= 0 || c.GRPC.Port <= 0 {
		return fmt.Errorf("server and grpc ports must be positive")
	}
	return nil
}

// DSN renders the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}
