// Package config loads the engine's YAML configuration and applies
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the portfolio engine.
type Config struct {
	Server      Server      `yaml:"server"`
	Storage     Storage     `yaml:"storage"`
	Logging     Logging     `yaml:"logging"`
	Trading     Trading     `yaml:"trading"`
	Limits      Limits      `yaml:"limits"`
	Leaderboard Leaderboard `yaml:"leaderboard"`
	Events      Events      `yaml:"events"`
}

// Server holds network listener configuration.
type Server struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Storage selects the persistence backend. An empty DatabaseURL means the
// in-memory store.
type Storage struct {
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	Migrate     bool          `yaml:"migrate"`
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
}

// Trading holds trade execution policy.
type Trading struct {
	PriceTimeout       time.Duration `yaml:"price_timeout"`
	FractionalShares   bool          `yaml:"fractional_shares"`
	Currency           string        `yaml:"currency"`
	FlatFee            string        `yaml:"flat_fee"`
	MaxConflictRetries int           `yaml:"max_conflict_retries"`
	RetryBaseDelay     time.Duration `yaml:"retry_base_delay"`
}

// Fee parses FlatFee. Empty means no fee.
func (t Trading) Fee() (decimal.Decimal, error) {
	if t.FlatFee == "" {
		return decimal.Zero, nil
	}
	fee, err := decimal.NewFromString(t.FlatFee)
	if err != nil {
		return decimal.Zero, fmt.Errorf("trading.flat_fee %q: %w", t.FlatFee, err)
	}
	if fee.IsNegative() {
		return decimal.Zero, fmt.Errorf("trading.flat_fee must not be negative, got %s", fee)
	}
	return fee, nil
}

// Limits are the holding rules applied to every buy. Zero values disable a
// rule.
type Limits struct {
	AllowedSymbols      []string `yaml:"allowed_symbols"`
	MaxPositions        int      `yaml:"max_positions"`
	MaxPositionQuantity string   `yaml:"max_position_quantity"`
}

// Enabled reports whether any rule is set.
func (l Limits) Enabled() bool {
	return len(l.AllowedSymbols) > 0 || l.MaxPositions > 0 || l.MaxPositionQuantity != ""
}

// MaxQuantity parses MaxPositionQuantity. Empty means no cap.
func (l Limits) MaxQuantity() (decimal.Decimal, error) {
	if l.MaxPositionQuantity == "" {
		return decimal.Zero, nil
	}
	q, err := decimal.NewFromString(l.MaxPositionQuantity)
	if err != nil {
		return decimal.Zero, fmt.Errorf("limits.max_position_quantity %q: %w", l.MaxPositionQuantity, err)
	}
	if !q.IsPositive() {
		return decimal.Zero, fmt.Errorf("limits.max_position_quantity must be positive, got %s", q)
	}
	return q, nil
}

// Leaderboard controls ranking.
type Leaderboard struct {
	Interval   time.Duration `yaml:"interval"`
	TieEpsilon float64       `yaml:"tie_epsilon"`
	Challenges []string      `yaml:"challenges"`
}

// Events configures event delivery.
type Events struct {
	RedisChannel string `yaml:"redis_channel"`
	WebSocket    bool   `yaml:"websocket"`
	Buffer       int    `yaml:"buffer"`
}

// Default returns a configuration that runs with no file and no
// external services.
func Default() *Config {
	return &Config{
		Server: Server{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Storage: Storage{
			CacheTTL: 30 * time.Second,
			Migrate:  true,
		},
		Logging: Logging{Level: "info"},
		Trading: Trading{
			PriceTimeout:       2 * time.Second,
			FractionalShares:   true,
			Currency:           "USD",
			MaxConflictRetries: 3,
			RetryBaseDelay:     20 * time.Millisecond,
		},
		Leaderboard: Leaderboard{
			Interval:   5 * time.Minute,
			TieEpsilon: 1e-9,
		},
		Events: Events{
			RedisChannel: "portfolio-events",
			WebSocket:    true,
			Buffer:       256,
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path over Default,
// then applies environment variable overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Trading.MaxConflictRetries < 0 {
		return fmt.Errorf("trading.max_conflict_retries must not be negative")
	}
	if c.Leaderboard.TieEpsilon < 0 {
		return fmt.Errorf("leaderboard.tie_epsilon must not be negative")
	}
	if _, err := c.Trading.Fee(); err != nil {
		return err
	}
	if c.Limits.MaxPositions < 0 {
		return fmt.Errorf("limits.max_positions must not be negative")
	}
	if _, err := c.Limits.MaxQuantity(); err != nil {
		return err
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("PRICE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PRICE_TIMEOUT %q: %w", v, err)
		}
		cfg.Trading.PriceTimeout = d
	}
	return nil
}
