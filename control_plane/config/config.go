// Package config loads control plane settings from a YAML file with secrets
// taken from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvSigningSecret = "FLEETGATE_SIGNING_SECRET"
	EnvAIAPIKey      = "FLEETGATE_AI_API_KEY"
	EnvJWTSecret     = "JWT_SECRET"
	EnvDatabaseURL   = "DATABASE_URL"
	EnvRedisAddr     = "REDIS_ADDR"
	EnvListen        = "FLEETGATE_LISTEN"
)

// Auth modes.
const (
	AuthJWT    = "jwt"
	AuthHeader = "header" // trust X-Tenant-ID, dev only
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Signing   SigningConfig   `yaml:"signing"`
	AI        AIConfig        `yaml:"ai"`
	Admission AdmissionConfig `yaml:"admission"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Seed      SeedConfig      `yaml:"seed"`
}

type ServerConfig struct {
	Listen     string `yaml:"listen"`
	CORSOrigin string `yaml:"cors_origin"`

	// Storm protection for agent heartbeats.
	HeartbeatRatePerSec float64 `yaml:"heartbeat_rate_per_sec"`
	HeartbeatBurst      int     `yaml:"heartbeat_burst"`
	ShutdownTimeoutSec  int     `yaml:"shutdown_timeout_sec"`
}

type AuthConfig struct {
	Mode      string `yaml:"mode"`
	JWTSecret string `yaml:"jwt_secret"`
}

type DatabaseConfig struct {
	// URL selects Postgres. Empty runs on the in-memory store.
	URL string `yaml:"url"`
}

type RedisConfig struct {
	// Addr enables the Redis event bus, replay guard and heartbeat cache.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type SigningConfig struct {
	Secret string `yaml:"secret"`
}

type AIConfig struct {
	BaseURL            string   `yaml:"base_url"`
	APIKey             string   `yaml:"api_key"`
	Models             []string `yaml:"models"` // fallback when the store has none
	ModelTTLSec        int      `yaml:"model_ttl_sec"`
	BudgetSec          int      `yaml:"budget_sec"`
	RequestTimeoutSec  int      `yaml:"request_timeout_sec"`
	MaxTokens          int      `yaml:"max_tokens"`
	BreakerThreshold   int      `yaml:"breaker_threshold"`
	BreakerCooldownSec int      `yaml:"breaker_cooldown_sec"`
}

type AdmissionConfig struct {
	DispatchRatePerSec float64 `yaml:"dispatch_rate_per_sec"`
	DispatchBurst      int     `yaml:"dispatch_burst"`
}

type DispatchConfig struct {
	TimeoutSec int `yaml:"timeout_sec"`
}

type GatewayConfig struct {
	MaxSessions      int `yaml:"max_sessions"`
	ChunkSize        int `yaml:"chunk_size"`
	ChunkDelayMS     int `yaml:"chunk_delay_ms"`
	TimelineCapacity int `yaml:"timeline_capacity"`
}

type MonitorConfig struct {
	IntervalSec   int `yaml:"interval_sec"`
	StaleAfterSec int `yaml:"stale_after_sec"`
	// Tenants whose agents are watched. Empty watches the seed tenant.
	Tenants []string `yaml:"tenants"`
}

type SeedConfig struct {
	Path     string `yaml:"path"`
	TenantID string `yaml:"tenant_id"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:              ":8080",
			HeartbeatRatePerSec: 100,
			HeartbeatBurst:      200,
			ShutdownTimeoutSec:  15,
		},
		Auth: AuthConfig{Mode: AuthJWT},
		Redis: RedisConfig{
			Prefix: "fleetgate",
		},
		AI: AIConfig{
			BaseURL:            "https://openrouter.ai/api/v1",
			Models:             []string{"openai/gpt-4o-mini"},
			ModelTTLSec:        300,
			BudgetSec:          90,
			RequestTimeoutSec:  30,
			MaxTokens:          1500,
			BreakerThreshold:   3,
			BreakerCooldownSec: 30,
		},
		Admission: AdmissionConfig{
			DispatchRatePerSec: 20,
			DispatchBurst:      40,
		},
		Dispatch: DispatchConfig{TimeoutSec: 5},
		Gateway: GatewayConfig{
			MaxSessions:      200,
			ChunkSize:        24,
			ChunkDelayMS:     15,
			TimelineCapacity: 10000,
		},
		Monitor: MonitorConfig{
			IntervalSec:   30,
			StaleAfterSec: 120,
		},
		Seed: SeedConfig{TenantID: "default"},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(EnvSigningSecret, &cfg.Signing.Secret)
	set(EnvAIAPIKey, &cfg.AI.APIKey)
	set(EnvJWTSecret, &cfg.Auth.JWTSecret)
	set(EnvDatabaseURL, &cfg.Database.URL)
	set(EnvRedisAddr, &cfg.Redis.Addr)
	set(EnvListen, &cfg.Server.Listen)
}

// Validate rejects settings the control plane cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Signing.Secret) < 32 {
		errs = append(errs, fmt.Errorf("signing secret must be at least 32 characters (set %s)", EnvSigningSecret))
	}
	switch c.Auth.Mode {
	case AuthJWT:
		if len(c.Auth.JWTSecret) < 32 {
			errs = append(errs, fmt.Errorf("jwt secret must be at least 32 characters (set %s)", EnvJWTSecret))
		}
	case AuthHeader:
	default:
		errs = append(errs, fmt.Errorf("auth.mode must be %q or %q, got %q", AuthJWT, AuthHeader, c.Auth.Mode))
	}
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Gateway.ChunkSize <= 0 {
		errs = append(errs, errors.New("gateway.chunk_size must be positive"))
	}
	if c.Monitor.IntervalSec <= 0 {
		errs = append(errs, errors.New("monitor.interval_sec must be positive"))
	}
	return errors.Join(errs...)
}

func (c AIConfig) ModelTTL() time.Duration        { return seconds(c.ModelTTLSec) }
func (c AIConfig) Budget() time.Duration          { return seconds(c.BudgetSec) }
func (c AIConfig) RequestTimeout() time.Duration  { return seconds(c.RequestTimeoutSec) }
func (c AIConfig) BreakerCooldown() time.Duration { return seconds(c.BreakerCooldownSec) }

func (c GatewayConfig) ChunkDelay() time.Duration {
	return time.Duration(c.ChunkDelayMS) * time.Millisecond
}

func (c ServerConfig) ShutdownTimeout() time.Duration { return seconds(c.ShutdownTimeoutSec) }

func (c DispatchConfig) Timeout() time.Duration { return seconds(c.TimeoutSec) }

func (c MonitorConfig) Interval() time.Duration   { return seconds(c.IntervalSec) }
func (c MonitorConfig) StaleAfter() time.Duration { return seconds(c.StaleAfterSec) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***(" + strconv.Itoa(len(s)) + ")"
	}
	c.Signing.Secret = mask(c.Signing.Secret)
	c.AI.APIKey = mask(c.AI.APIKey)
	c.Auth.JWTSecret = mask(c.Auth.JWTSecret)
	c.Redis.Password = mask(c.Redis.Password)
	if c.Database.URL != "" {
		c.Database.URL = "***"
	}
	return c
}
