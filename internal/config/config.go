// Package config loads accessd settings from an optional YAML file, then
// applies ACCESSD_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Env      string `yaml:"env"`       // "dev" | "prod"
	LogLevel string `yaml:"log_level"` // debug | info | warn | error

	HTTP      HTTPConfig      `yaml:"http"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Access    AccessConfig    `yaml:"access"`
	RateLimit RateLimitConfig `yaml:"agent_rate_limit"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// PublicBaseURL is written into pairing payloads.
	PublicBaseURL string `yaml:"public_base_url"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"` // empty disables the gRPC listener
}

type StoreConfig struct {
	Driver      string `yaml:"driver"` // memory | sqlite | postgres
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	MaxConns    int32  `yaml:"postgres_max_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"` // empty disables the shared throttle
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`
}

type AccessConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	PairingTTL    time.Duration `yaml:"pairing_ttl"`
	CommandTTL    time.Duration `yaml:"command_ttl"`
	TokenCacheTTL time.Duration `yaml:"token_cache_ttl"`
}

// RateLimitConfig throttles the agent API per client address. A zero
// PerSecond disables it.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
	// PerMinute applies across replicas when redis is configured.
	PerMinute int `yaml:"per_minute"`
}

func Default() Config {
	return Config{
		Env:      "dev",
		LogLevel: "info",
		HTTP:     HTTPConfig{Addr: ":8080", PublicBaseURL: "http://localhost:8080"},
		GRPC:     GRPCConfig{Addr: ":9090"},
		Store:    StoreConfig{Driver: "sqlite", SQLitePath: "./data/accessd.db", MaxConns: 10},
		Access: AccessConfig{
			SweepInterval: 5 * time.Second,
			PairingTTL:    10 * time.Minute,
			CommandTTL:    60 * time.Second,
			TokenCacheTTL: 15 * time.Second,
		},
		RateLimit: RateLimitConfig{PerSecond: 20, Burst: 40, PerMinute: 600},
	}
}

// Load reads path (skipped when empty) over the defaults, applies the
// environment and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(c *Config) {
	c.Env = strings.ToLower(getenvDefault("ACCESSD_ENV", c.Env))
	if c.Env != "dev" && c.Env != "prod" {
		// fail-soft: treat unknown as dev
		c.Env = "dev"
	}
	c.LogLevel = getenvDefault("ACCESSD_LOG_LEVEL", c.LogLevel)

	c.HTTP.Addr = getenvDefault("ACCESSD_HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.PublicBaseURL = getenvDefault("ACCESSD_PUBLIC_BASE_URL", c.HTTP.PublicBaseURL)
	if v, ok := os.LookupEnv("ACCESSD_GRPC_ADDR"); ok {
		c.GRPC.Addr = strings.TrimSpace(v)
	}

	c.Store.Driver = strings.ToLower(getenvDefault("ACCESSD_STORE", c.Store.Driver))
	c.Store.SQLitePath = getenvDefault("ACCESSD_DB_PATH", c.Store.SQLitePath)
	c.Store.PostgresDSN = getenvDefault("ACCESSD_PG_DSN", c.Store.PostgresDSN)
	c.Store.MaxConns = int32(getenvInt("ACCESSD_PG_MAX_CONNS", int(c.Store.MaxConns)))

	c.Redis.Addr = getenvDefault("ACCESSD_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getenvDefault("ACCESSD_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getenvInt("ACCESSD_REDIS_DB", c.Redis.DB)

	c.Auth.JWTSecret = getenvDefault("ACCESSD_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.JWTIssuer = getenvDefault("ACCESSD_JWT_ISSUER", c.Auth.JWTIssuer)

	c.Access.SweepInterval = getenvDuration("ACCESSD_SWEEP_INTERVAL", c.Access.SweepInterval)
	c.Access.PairingTTL = getenvDuration("ACCESSD_PAIRING_TTL", c.Access.PairingTTL)
	c.Access.CommandTTL = getenvDuration("ACCESSD_COMMAND_TTL", c.Access.CommandTTL)
	c.Access.TokenCacheTTL = getenvDuration("ACCESSD_TOKEN_CACHE_TTL", c.Access.TokenCacheTTL)

	c.RateLimit.PerSecond = getenvFloat("ACCESSD_AGENT_RATE_PER_SEC", c.RateLimit.PerSecond)
	c.RateLimit.Burst = getenvInt("ACCESSD_AGENT_RATE_BURST", c.RateLimit.Burst)
	c.RateLimit.PerMinute = getenvInt("ACCESSD_AGENT_RATE_PER_MIN", c.RateLimit.PerMinute)
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			return errors.New("config: store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if strings.TrimSpace(c.Store.PostgresDSN) == "" {
			return errors.New("config: store.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Env == "prod" && len(c.Auth.JWTSecret) < 32 {
		return errors.New("config: auth.jwt_secret must be at least 32 bytes in prod")
	}
	if c.Access.PairingTTL > 10*time.Minute {
		return errors.New("config: access.pairing_ttl must not exceed 10m")
	}
	return nil
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return def
	}
	return f
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}
