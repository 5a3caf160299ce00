package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/JeanDecroos/XMLPrompt-sub001/internal/ledger"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/ratelimit"
	"gopkg.in/yaml.v3"
)

const (
	EnvPort          = "PORT"
	EnvEnvironment   = "GATEWAY_ENV"
	EnvDatabaseURL   = "DATABASE_URL"
	EnvRedisAddr     = "REDIS_ADDR"
	EnvRedisPassword = "REDIS_PASSWORD"
	EnvRateBackend   = "RATE_LIMIT_BACKEND"
	EnvUpstreamURL   = "UPSTREAM_URL"
	EnvUpstreamKey   = "UPSTREAM_API_KEY"
)

type Config struct {
	Server     ServerConfig    `json:"server" yaml:"server"`
	Database   DatabaseConfig  `json:"database" yaml:"database"`
	Redis      RedisConfig     `json:"redis" yaml:"redis"`
	RateLimits RateLimitConfig `json:"rate_limits" yaml:"rate_limits"`
	Quota      QuotaConfig     `json:"quota" yaml:"quota"`
	Tokens     TokensConfig    `json:"tokens" yaml:"tokens"`
	Ledger     LedgerConfig    `json:"ledger" yaml:"ledger"`
	Upstream   UpstreamConfig  `json:"upstream" yaml:"upstream"`
}

type ServerConfig struct {
	Port        string `json:"port" yaml:"port"`
	Environment string `json:"environment" yaml:"environment"`
}

// IsProduction reports whether the gateway runs in production mode.
func (s ServerConfig) IsProduction() bool {
	return s.Environment == "production"
}

type DatabaseConfig struct {
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	ConnMaxLifetimeMinutes int    `json:"conn_max_lifetime_minutes" yaml:"conn_max_lifetime_minutes"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

func (r RedisConfig) GetRedisAddr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

type RuleConfig struct {
	MaxRequests   int `json:"max_requests" yaml:"max_requests"`
	WindowSeconds int `json:"window_seconds" yaml:"window_seconds"`
}

func (r RuleConfig) Rule() ratelimit.Rule {
	return ratelimit.Rule{
		MaxRequests: r.MaxRequests,
		Window:      time.Duration(r.WindowSeconds) * time.Second,
	}
}

type RateLimitConfig struct {
	// Backend is redis, database or memory. Empty picks redis when enabled,
	// the database otherwise.
	Backend   string                `json:"backend" yaml:"backend"`
	Default   RuleConfig            `json:"default" yaml:"default"`
	Endpoints map[string]RuleConfig `json:"endpoints" yaml:"endpoints"`
}

// Rules converts the configured limits into limiter rules.
func (r RateLimitConfig) Rules() ratelimit.Rules {
	rules := ratelimit.Rules{
		Default:   r.Default.Rule(),
		Endpoints: make(map[string]ratelimit.Rule, len(r.Endpoints)),
	}
	for endpoint, rule := range r.Endpoints {
		rules.Endpoints[endpoint] = rule.Rule()
	}
	return rules
}

type QuotaConfig struct {
	Timezone string `json:"timezone" yaml:"timezone"`
}

// Location resolves the timezone quota windows are anchored in.
func (q QuotaConfig) Location() (*time.Location, error) {
	return time.LoadLocation(q.Timezone)
}

type TokensConfig struct {
	GlobalMaxPerCall int `json:"global_max_per_call" yaml:"global_max_per_call"`
}

type LedgerConfig struct {
	BufferSize      int `json:"buffer_size" yaml:"buffer_size"`
	BatchSize       int `json:"batch_size" yaml:"batch_size"`
	FlushIntervalMs int `json:"flush_interval_ms" yaml:"flush_interval_ms"`
}

func (l LedgerConfig) Writer() ledger.Config {
	return ledger.Config{
		BufferSize:    l.BufferSize,
		BatchSize:     l.BatchSize,
		FlushInterval: time.Duration(l.FlushIntervalMs) * time.Millisecond,
	}
}

type UpstreamConfig struct {
	URL            string `json:"url" yaml:"url"`
	APIKey         string `json:"api_key" yaml:"api_key"`
	Model          string `json:"model" yaml:"model"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Load reads the config file at path, YAML for .yaml/.yml and JSON
// otherwise, then applies environment overrides and defaults. A missing file
// is not an error; the gateway then runs on defaults and environment.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := decode(path, data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvPort)); v != "" {
		c.Server.Port = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvEnvironment)); v != "" {
		c.Server.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDatabaseURL)); v != "" {
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRedisAddr)); v != "" {
		if host, port, err := net.SplitHostPort(v); err == nil {
			c.Redis.Host = host
			c.Redis.Port, _ = strconv.Atoi(port)
			c.Redis.Enabled = true
		}
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Redis.Password = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRateBackend)); v != "" {
		c.RateLimits.Backend = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvUpstreamURL)); v != "" {
		c.Upstream.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvUpstreamKey)); v != "" {
		c.Upstream.APIKey = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Environment == "" {
		c.Server.Environment = "development"
	}

	if c.Database.DSN == "" {
		c.Database.DSN = "file:xmlprompt.db"
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 50
	}
	if c.Database.ConnMaxLifetimeMinutes <= 0 {
		c.Database.ConnMaxLifetimeMinutes = 60
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "xmlprompt"
	}

	if c.RateLimits.Default.MaxRequests == 0 && c.RateLimits.Default.WindowSeconds == 0 {
		c.RateLimits.Default = RuleConfig{MaxRequests: 60, WindowSeconds: 60}
	}
	if c.RateLimits.Endpoints == nil {
		c.RateLimits.Endpoints = map[string]RuleConfig{
			"/v1/prompts/generate": {MaxRequests: 20, WindowSeconds: 60},
			"/v1/prompts/enhance":  {MaxRequests: 10, WindowSeconds: 60},
			"/v1/api/completions":  {MaxRequests: 30, WindowSeconds: 60},
		}
	}

	if c.Quota.Timezone == "" {
		c.Quota.Timezone = "UTC"
	}

	if c.Ledger.BufferSize <= 0 {
		c.Ledger.BufferSize = 1024
	}
	if c.Ledger.BatchSize <= 0 {
		c.Ledger.BatchSize = 100
	}
	if c.Ledger.FlushIntervalMs <= 0 {
		c.Ledger.FlushIntervalMs = 2000
	}

	if c.Upstream.Model == "" {
		c.Upstream.Model = "gpt-4o-mini"
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		c.Upstream.TimeoutSeconds = 60
	}
}

// Validate rejects settings the gateway cannot start with.
func (c *Config) Validate() error {
	if _, err := c.Quota.Location(); err != nil {
		return fmt.Errorf("invalid quota timezone %q: %w", c.Quota.Timezone, err)
	}
	switch c.RateLimits.Backend {
	case "", ratelimit.BackendRedis, ratelimit.BackendDatabase, ratelimit.BackendMemory:
	default:
		return fmt.Errorf("invalid rate limit backend %q", c.RateLimits.Backend)
	}
	if c.RateLimits.Backend == ratelimit.BackendRedis && !c.Redis.Enabled {
		return errors.New("rate limit backend redis requires redis.enabled")
	}
	if c.RateLimits.Default.MaxRequests < 0 || c.RateLimits.Default.WindowSeconds < 0 {
		return errors.New("rate_limits.default must not be negative")
	}
	for endpoint, rule := range c.RateLimits.Endpoints {
		if rule.MaxRequests < 0 || rule.WindowSeconds < 0 {
			return fmt.Errorf("rate_limits.endpoints[%s] must not be negative", endpoint)
		}
	}
	if c.Tokens.GlobalMaxPerCall < 0 {
		return errors.New("tokens.global_max_per_call must not be negative")
	}
	return nil
}
