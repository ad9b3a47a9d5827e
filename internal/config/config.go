package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	fpmath "PerpLiquidator/internal/math"
	"PerpLiquidator/internal/oracle"
	"PerpLiquidator/internal/state"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. It is read from a YAML file
// and then overridden by LIQ_* environment variables.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Lock       LockConfig       `yaml:"lock"`
	NATS       NATSConfig       `yaml:"nats"`
	Oracle     OracleConfig     `yaml:"oracle"`
	Risk       RiskConfig       `yaml:"risk"`
	Liquidator LiquidatorConfig `yaml:"liquidator"`
}

type ServerConfig struct {
	GRPCAddr    string `yaml:"grpc_addr"`
	HTTPAddr    string `yaml:"http_addr"`
	EnableAdmin bool   `yaml:"enable_admin"`
	AdminToken  string `yaml:"admin_token"`
}

// DatabaseConfig selects the backend. Driver "memory" keeps everything in
// process and ignores the rest.
type DatabaseConfig struct {
	Driver        string `yaml:"driver"` // memory, sqlite or postgres
	DSN           string `yaml:"dsn"`
	MigrationsDir string `yaml:"migrations_dir"` // per-dialect subdirectory is appended
	AutoMigrate   bool   `yaml:"auto_migrate"`
}

type LockConfig struct {
	Backend  string        `yaml:"backend"` // memory or redis
	RedisURL string        `yaml:"redis_url"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
	Timeout  time.Duration `yaml:"timeout"`
}

type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	EventPrefix   string `yaml:"event_prefix"`
	PublishBuffer int    `yaml:"publish_buffer"`
	ConsumeBuffer int    `yaml:"consume_buffer"`
	Subscribe     bool   `yaml:"subscribe"`
}

type OracleConfig struct {
	Source        string            `yaml:"source"` // static, hermes or stream
	HermesURL     string            `yaml:"hermes_url"`
	StreamURL     string            `yaml:"stream_url"`
	HTTPTimeout   time.Duration     `yaml:"http_timeout"`
	MaxStaleness  time.Duration     `yaml:"max_staleness"`
	MaxConfFactor int64             `yaml:"max_conf_factor"`
	Feeds         map[string]string `yaml:"feeds"` // symbol -> feed id
}

type RiskConfig struct {
	PriceDecimals       int                `yaml:"price_decimals"`
	LiquidatorRewardBps uint64             `yaml:"liquidator_reward_bps"`
	FallbackBps         uint64             `yaml:"fallback_maintenance_bps"`
	Tiers               []state.MarginTier `yaml:"tiers"`
}

type LiquidatorConfig struct {
	Asset                  string   `yaml:"asset"`
	Allowed                []string `yaml:"allowed"` // empty allows any liquidator
	IdempotencyLRUCapacity int      `yaml:"idempotency_lru_capacity"`
	WarmKeys               int      `yaml:"warm_keys"`
}

// Default returns the stock configuration: in-memory backend, static
// oracle, no NATS.
func Default() Config {
	tiers := make([]state.MarginTier, len(state.DefaultMarginTiers))
	copy(tiers, state.DefaultMarginTiers)

	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			GRPCAddr: ":9090",
			HTTPAddr: ":8080",
		},
		Database: DatabaseConfig{
			Driver:        "memory",
			MigrationsDir: "migrations",
			AutoMigrate:   true,
		},
		Lock: LockConfig{
			Backend:  "memory",
			RedisURL: "redis://localhost:6379/0",
			Prefix:   "liq:lock:",
			TTL:      10 * time.Second,
			Timeout:  5 * time.Second,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			EventPrefix:   "liq.events",
			PublishBuffer: 4096,
			ConsumeBuffer: 256,
			Subscribe:     true,
		},
		Oracle: OracleConfig{
			Source:        "static",
			HermesURL:     "https://hermes.pyth.network",
			StreamURL:     "wss://hermes.pyth.network/ws",
			HTTPTimeout:   5 * time.Second,
			MaxStaleness:  60 * time.Second,
			MaxConfFactor: 100,
			Feeds:         map[string]string{},
		},
		Risk: RiskConfig{
			PriceDecimals:       fpmath.PriceConfig.DecimalPrecision,
			LiquidatorRewardBps: state.DefaultLiquidatorRewardBps,
			FallbackBps:         state.DefaultMaintenanceBps,
			Tiers:               tiers,
		},
		Liquidator: LiquidatorConfig{
			Asset:                  "USDC",
			IdempotencyLRUCapacity: 100_000,
			WarmKeys:               10_000,
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	c.LogLevel = envOrDefault("LIQ_LOG_LEVEL", c.LogLevel)

	c.Server.GRPCAddr = envOrDefault("LIQ_GRPC_ADDR", c.Server.GRPCAddr)
	c.Server.HTTPAddr = envOrDefault("LIQ_HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.AdminToken = envOrDefault("LIQ_ADMIN_TOKEN", c.Server.AdminToken)

	c.Database.Driver = envOrDefault("LIQ_DB_DRIVER", c.Database.Driver)
	c.Database.DSN = envOrDefault("LIQ_DB_DSN", c.Database.DSN)
	c.Database.MigrationsDir = envOrDefault("LIQ_MIGRATIONS_DIR", c.Database.MigrationsDir)

	c.Lock.Backend = envOrDefault("LIQ_LOCK_BACKEND", c.Lock.Backend)
	c.Lock.RedisURL = envOrDefault("LIQ_REDIS_URL", c.Lock.RedisURL)

	c.NATS.URL = envOrDefault("LIQ_NATS_URL", c.NATS.URL)
	c.NATS.PublishBuffer = envIntOrDefault("LIQ_PUBLISH_BUFFER", c.NATS.PublishBuffer)
	enabled, err := envBoolOrDefault("LIQ_NATS_ENABLED", c.NATS.Enabled)
	if err != nil {
		return err
	}
	c.NATS.Enabled = enabled

	c.Oracle.Source = envOrDefault("LIQ_ORACLE_SOURCE", c.Oracle.Source)
	c.Oracle.HermesURL = envOrDefault("LIQ_HERMES_URL", c.Oracle.HermesURL)
	c.Oracle.StreamURL = envOrDefault("LIQ_HERMES_STREAM_URL", c.Oracle.StreamURL)
	staleness, err := envDurationOrDefault("LIQ_MAX_STALENESS", c.Oracle.MaxStaleness)
	if err != nil {
		return err
	}
	c.Oracle.MaxStaleness = staleness

	c.Risk.PriceDecimals = envIntOrDefault("LIQ_PRICE_DECIMALS", c.Risk.PriceDecimals)

	c.Liquidator.Asset = envOrDefault("LIQ_ASSET", c.Liquidator.Asset)
	c.Liquidator.IdempotencyLRUCapacity = envIntOrDefault("LIQ_IDEMPOTENCY_LRU_CAPACITY", c.Liquidator.IdempotencyLRUCapacity)
	if v := os.Getenv("LIQ_ALLOWED_LIQUIDATORS"); v != "" {
		c.Liquidator.Allowed = splitList(v)
	}
	return nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver must be memory, sqlite or postgres, got %q", c.Database.Driver)
	}

	switch c.Lock.Backend {
	case "memory":
	case "redis":
		if c.Lock.RedisURL == "" {
			return fmt.Errorf("lock.redis_url is required for the redis backend")
		}
		if c.Lock.TTL <= 0 {
			return fmt.Errorf("lock.ttl must be > 0")
		}
	default:
		return fmt.Errorf("lock.backend must be memory or redis, got %q", c.Lock.Backend)
	}
	if c.Lock.Timeout <= 0 {
		return fmt.Errorf("lock.timeout must be > 0")
	}

	switch c.Oracle.Source {
	case "static":
	case "hermes":
		if c.Oracle.HermesURL == "" {
			return fmt.Errorf("oracle.hermes_url is required for the hermes source")
		}
	case "stream":
		if c.Oracle.StreamURL == "" {
			return fmt.Errorf("oracle.stream_url is required for the stream source")
		}
	default:
		return fmt.Errorf("oracle.source must be static, hermes or stream, got %q", c.Oracle.Source)
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	if c.Liquidator.IdempotencyLRUCapacity <= 0 {
		return fmt.Errorf("liquidator.idempotency_lru_capacity must be > 0")
	}
	if _, err := c.Liquidators(); err != nil {
		return err
	}
	if _, err := c.OracleConfig(); err != nil {
		return err
	}
	if _, err := c.RiskParams(); err != nil {
		return err
	}
	return nil
}

// RiskParams builds the engine's risk parameters.
func (c *Config) RiskParams() (*state.RiskParams, error) {
	price, err := fpmath.NewDecimalConfig(c.Risk.PriceDecimals)
	if err != nil {
		return nil, fmt.Errorf("risk.price_decimals: %w", err)
	}
	params := state.DefaultRiskParams()
	params.Price = price
	params.LiquidatorRewardBps = c.Risk.LiquidatorRewardBps
	params.FallbackBps = c.Risk.FallbackBps
	if len(c.Risk.Tiers) > 0 {
		params.Tiers = c.Risk.Tiers
	}
	if err := state.ValidateRiskParams(params); err != nil {
		return nil, err
	}
	return params, nil
}

// OracleConfig builds the adapter's acceptance policy.
func (c *Config) OracleConfig() (oracle.Config, error) {
	target, err := fpmath.NewDecimalConfig(c.Risk.PriceDecimals)
	if err != nil {
		return oracle.Config{}, fmt.Errorf("risk.price_decimals: %w", err)
	}
	cfg := oracle.Config{
		MaxStaleness:  c.Oracle.MaxStaleness,
		MaxConfFactor: c.Oracle.MaxConfFactor,
		Target:        target,
	}
	if err := cfg.Validate(); err != nil {
		return oracle.Config{}, fmt.Errorf("oracle: %w", err)
	}
	return cfg, nil
}

// Liquidators parses the allow-list.
func (c *Config) Liquidators() ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(c.Liquidator.Allowed))
	for _, s := range c.Liquidator.Allowed {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("liquidator.allowed: %q: %w", s, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// FeedIDs returns the configured feed ids, for stream subscriptions.
func (c *Config) FeedIDs() []string {
	ids := make([]string, 0, len(c.Oracle.Feeds))
	for _, id := range c.Oracle.Feeds {
		ids = append(ids, id)
	}
	return ids
}

// --- env helpers ---

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOrDefault(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func envDurationOrDefault(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
