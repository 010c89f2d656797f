package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"tradegate/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the tradegate engine.
type Config struct {
	Storage   Storage   `yaml:"storage"`
	Server    Server    `yaml:"server"`
	Logging   Logging   `yaml:"logging"`
	Alpaca    Alpaca    `yaml:"alpaca"`
	Binance   Binance   `yaml:"binance"`
	Paper     Paper     `yaml:"paper"`
	Routing   Routing   `yaml:"routing"`
	Health    Health    `yaml:"health"`
	Execution Execution `yaml:"execution"`
	Risk      Risk      `yaml:"risk"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API. The
// venue is registered only when a key is present.
type Alpaca struct {
	APIKey    string        `yaml:"api_key"`
	APISecret string        `yaml:"api_secret"`
	BaseURL   string        `yaml:"base_url"`
	DataURL   string        `yaml:"data_url"`
	QuoteTTL  time.Duration `yaml:"quote_ttl"`
}

// Binance holds credentials and endpoints for the Binance spot REST API.
type Binance struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	BaseURL         string `yaml:"base_url"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Paper configures the fill simulator.
type Paper struct {
	StartingCash     float64 `yaml:"starting_cash"`
	Seed             uint64  `yaml:"seed"`
	Perturbation     float64 `yaml:"perturbation"`
	PersistPositions bool    `yaml:"persist_positions"`
}

// Routing maps markets to venues and orders the failover candidates.
type Routing struct {
	Regions  map[string]string `yaml:"regions"`
	Priority []string          `yaml:"priority"`
}

// Health configures broker health probing.
type Health struct {
	TTL             time.Duration `yaml:"ttl"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	DegradedLatency time.Duration `yaml:"degraded_latency"`
	Interval        time.Duration `yaml:"interval"`
}

// Execution holds adapter timeouts, retry and polling parameters.
type Execution struct {
	SubmitTimeout   time.Duration `yaml:"submit_timeout"`
	CancelTimeout   time.Duration `yaml:"cancel_timeout"`
	StatusTimeout   time.Duration `yaml:"status_timeout"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	RetryFactor     float64       `yaml:"retry_factor"`
	MaxAttempts     int           `yaml:"max_attempts"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollDuration time.Duration `yaml:"max_poll_duration"`
}

// Risk points at the policy seed file, names the market whose calendar
// defines the daily loss window and lists known strategy reputation scores.
type Risk struct {
	PolicyFile string             `yaml:"policy_file"`
	Market     string             `yaml:"market"`
	Reputation map[string]float64 `yaml:"reputation"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// Defaults returns a Config populated with the engine's standard values.
func Defaults() *Config {
	return &Config{
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/tradegate.db",
		},
		Server: Server{
			Host:     "0.0.0.0",
			Port:     8080,
			GRPCPort: 9090,
		},
		Logging: Logging{Level: "info", Format: "json"},
		Alpaca: Alpaca{
			BaseURL:  "https://paper-api.alpaca.markets",
			QuoteTTL: 5 * time.Second,
		},
		Binance: Binance{
			BaseURL:         "https://api.binance.com",
			RateLimitPerMin: 1200,
		},
		Paper: Paper{
			StartingCash: 100000,
			Seed:         1,
			Perturbation: 0.02,
		},
		Routing: Routing{
			Regions: map[string]string{
				string(domain.MarketUS):     "alpaca",
				string(domain.MarketCrypto): "binance",
				string(domain.MarketIN):     "zerodha",
			},
			Priority: []string{"alpaca", "binance", "zerodha"},
		},
		Health: Health{
			TTL:             30 * time.Second,
			ProbeTimeout:    5 * time.Second,
			DegradedLatency: 2 * time.Second,
			Interval:        30 * time.Second,
		},
		Execution: Execution{
			SubmitTimeout:   5 * time.Second,
			CancelTimeout:   5 * time.Second,
			StatusTimeout:   2 * time.Second,
			RetryBaseDelay:  250 * time.Millisecond,
			RetryFactor:     2,
			MaxAttempts:     3,
			PollInterval:    2 * time.Second,
			MaxPollDuration: 5 * time.Minute,
		},
		Risk: Risk{Market: string(domain.MarketUS)},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path over the defaults,
// then applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	e := c.Execution
	switch {
	case e.MaxAttempts < 1:
		return fmt.Errorf("execution.max_attempts must be at least 1")
	case e.PollInterval <= 0:
		return fmt.Errorf("execution.poll_interval must be positive")
	case e.MaxPollDuration < e.PollInterval:
		return fmt.Errorf("execution.max_poll_duration must be at least poll_interval")
	case e.SubmitTimeout <= 0 || e.CancelTimeout <= 0 || e.StatusTimeout <= 0:
		return fmt.Errorf("execution timeouts must be positive")
	case c.Paper.Perturbation < 0 || c.Paper.Perturbation >= 1:
		return fmt.Errorf("paper.perturbation must be in [0, 1)")
	case c.Health.TTL <= 0:
		return fmt.Errorf("health.ttl must be positive")
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("TRADEGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}
	// Standard Alpaca env vars, the canonical names used by the SDK.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.Binance.APIKey = v
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		cfg.Binance.APISecret = v
	}
	if v := os.Getenv("BINANCE_BASE_URL"); v != "" {
		cfg.Binance.BaseURL = v
	}

	if v := os.Getenv("TRADEGATE_POLICY_FILE"); v != "" {
		cfg.Risk.PolicyFile = v
	}
}

// ---------------------------------------------------------------------------
// Policy seed
// ---------------------------------------------------------------------------

type policyFile struct {
	Policies []domain.Policy `yaml:"policies"`
}

// LoadPolicies reads a YAML policy seed file. Every policy is validated;
// versions are assigned later by the policy store.
func LoadPolicies(path string) ([]domain.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	for _, p := range pf.Policies {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policy %q: %w", p.PolicyID, err)
		}
	}
	return pf.Policies, nil
}
