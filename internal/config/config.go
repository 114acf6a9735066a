// Package config loads the service configuration from a YAML file and
// overlays environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/sentinel/risk-engine/internal/limits"
	"github.com/sentinel/risk-engine/internal/logging"
	"github.com/sentinel/risk-engine/internal/pricing"
)

// Backend kinds.
const (
	KindMemory   = "memory"
	KindPostgres = "postgres"
	KindSQLite   = "sqlite"
	KindRedis    = "redis"
	KindKafka    = "kafka"
	KindNATS     = "nats"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config holds all service settings.
type Config struct {
	Server    Server          `yaml:"server"`
	Logging   logging.Options `yaml:"logging"`
	Storage   Storage         `yaml:"storage"`
	Redis     Redis           `yaml:"redis"`
	Transport Transport       `yaml:"transport"`
	Dedup     Dedup           `yaml:"dedup"`
	Pricing   Pricing         `yaml:"pricing"`
	Limits    limits.Settings `yaml:"limits"`
}

type Server struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Storage selects where trades and breaches are persisted.
type Storage struct {
	Kind        string `yaml:"kind"` // memory|postgres|sqlite
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
	// CacheTTL enables the redis read-through breach cache when redis.url is set.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type Redis struct {
	URL string `yaml:"url"`
}

// Transport selects the event bus.
type Transport struct {
	Kind         string   `yaml:"kind"` // memory|kafka|nats
	KafkaBrokers []string `yaml:"kafka_brokers"`
	NATSURL      string   `yaml:"nats_url"`
}

type Dedup struct {
	Kind string `yaml:"kind"` // memory|redis
}

// Pricing configures the market price cache.
type Pricing struct {
	FinnhubURL        string                     `yaml:"finnhub_url"`
	FinnhubAPIKey     string                     `yaml:"finnhub_api_key"`
	Timeout           time.Duration              `yaml:"timeout"`
	TTL               time.Duration              `yaml:"ttl"`
	RequestsPerMinute int                        `yaml:"requests_per_minute"`
	Static            map[string]decimal.Decimal `yaml:"static"` // pinned prices
}

// Default returns a configuration that runs the whole pipeline in memory.
func Default() Config {
	return Config{
		Server:    Server{Port: "8080", ShutdownTimeout: 5 * time.Second},
		Logging:   logging.Options{Level: "info"},
		Storage:   Storage{Kind: KindMemory, SQLitePath: "data/sentinel.db", CacheTTL: 30 * time.Second},
		Transport: Transport{Kind: KindMemory},
		Dedup:     Dedup{Kind: KindMemory},
		Pricing: Pricing{
			FinnhubURL:        pricing.DefaultFinnhubURL,
			Timeout:           5 * time.Second,
			TTL:               60 * time.Second,
			RequestsPerMinute: 60,
		},
		Limits: limits.Settings{
			PositionLimit:     10000,
			DailyStopLoss:     decimal.NewFromInt(-50000),
			CounterpartyLimit: decimal.NewFromInt(1000000),
			ConcentrationMax:  decimal.RequireFromString("0.4"),
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// overrideWithEnv applies environment variables. A connection URL for a
// backend selects that backend when the file left it on memory.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
		if cfg.Storage.Kind == KindMemory {
			cfg.Storage.Kind = KindPostgres
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Transport.KafkaBrokers = splitList(v)
		if cfg.Transport.Kind == KindMemory {
			cfg.Transport.Kind = KindKafka
		}
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.Transport.NATSURL = v
		if cfg.Transport.Kind == KindMemory {
			cfg.Transport.Kind = KindNATS
		}
	}
	if v := os.Getenv("FINNHUB_API_KEY"); v != "" {
		cfg.Pricing.FinnhubAPIKey = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that the selected backends have what they need and that
// the limits are usable.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("%w: server.port is required", ErrInvalid)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	switch c.Storage.Kind {
	case KindMemory:
	case KindPostgres:
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("%w: storage.database_url is required for postgres", ErrInvalid)
		}
	case KindSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("%w: storage.sqlite_path is required for sqlite", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown storage.kind %q", ErrInvalid, c.Storage.Kind)
	}

	switch c.Transport.Kind {
	case KindMemory:
	case KindKafka:
		if len(c.Transport.KafkaBrokers) == 0 {
			return fmt.Errorf("%w: transport.kafka_brokers is required for kafka", ErrInvalid)
		}
	case KindNATS:
		if c.Transport.NATSURL == "" {
			return fmt.Errorf("%w: transport.nats_url is required for nats", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown transport.kind %q", ErrInvalid, c.Transport.Kind)
	}

	switch c.Dedup.Kind {
	case KindMemory:
	case KindRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("%w: redis.url is required for redis dedup", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown dedup.kind %q", ErrInvalid, c.Dedup.Kind)
	}

	if c.Pricing.TTL <= 0 {
		return fmt.Errorf("%w: pricing.ttl must be positive", ErrInvalid)
	}
	for sym, p := range c.Pricing.Static {
		if !p.IsPositive() {
			return fmt.Errorf("%w: pricing.static[%s] must be positive", ErrInvalid, sym)
		}
	}

	l := c.Limits
	if l.PositionLimit < 0 {
		return fmt.Errorf("%w: limits.position_limit must not be negative", ErrInvalid)
	}
	if l.DailyStopLoss.IsPositive() {
		return fmt.Errorf("%w: limits.daily_stop_loss must be zero or negative", ErrInvalid)
	}
	if l.CounterpartyLimit.IsNegative() {
		return fmt.Errorf("%w: limits.counterparty_limit must not be negative", ErrInvalid)
	}
	if l.ConcentrationMax.IsNegative() || l.ConcentrationMax.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: limits.concentration_max must be within [0, 1]", ErrInvalid)
	}
	return nil
}

// CacheEnabled reports whether breach reads go through redis.
func (c *Config) CacheEnabled() bool {
	return c.Redis.URL != "" && c.Storage.CacheTTL > 0
}
