package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cowlend/crypto"
	"cowlend/observability/logging"
	telemetry "cowlend/observability/otel"
	"cowlend/services/lending/client"
)

const (
	defaultMetricsListen = "127.0.0.1:7103"
	defaultInterval      = 30 * time.Second
	defaultWorkers       = 4

	// EnvLendingToken overrides lendingd.bearerToken.
	EnvLendingToken = "KEEPERD_LENDINGD_TOKEN"
)

// Config captures the runtime settings for the liquidation keeper.
type Config struct {
	MetricsListen string           `yaml:"metricsListen"`
	Environment   string           `yaml:"env"`
	Logging       LoggingConfig    `yaml:"logging"`
	Telemetry     telemetry.Config `yaml:"telemetry"`
	Lendingd      client.Config    `yaml:"lendingd"`
	Caller        string           `yaml:"caller"`
	Keeper        KeeperConfig     `yaml:"keeper"`
}

type LoggingConfig struct {
	Level string            `yaml:"level"`
	File  *logging.FileSink `yaml:"file"`
}

type KeeperConfig struct {
	Interval       time.Duration `yaml:"interval"`
	SlippageBps    uint64        `yaml:"slippageBps"`
	Workers        int           `yaml:"workers"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

func Load(path string) (Config, error) {
	cfg := Config{MetricsListen: defaultMetricsListen}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if token := strings.TrimSpace(os.Getenv(EnvLendingToken)); token != "" {
		cfg.Lendingd.BearerToken = token
	}
	if env := strings.TrimSpace(os.Getenv("COWLEND_ENV")); env != "" {
		cfg.Environment = env
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	cfg.MetricsListen = strings.TrimSpace(cfg.MetricsListen)
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	cfg.Lendingd.BaseURL = strings.TrimSpace(cfg.Lendingd.BaseURL)
	cfg.Caller = strings.TrimSpace(cfg.Caller)
	if cfg.Keeper.Interval <= 0 {
		cfg.Keeper.Interval = defaultInterval
	}
	if cfg.Keeper.Workers <= 0 {
		cfg.Keeper.Workers = defaultWorkers
	}
}

func (cfg *Config) validate() error {
	if cfg.Lendingd.BaseURL == "" {
		return fmt.Errorf("lendingd: baseURL required")
	}
	if cfg.Keeper.SlippageBps >= 10_000 {
		return fmt.Errorf("keeper: slippageBps must be below 10000")
	}
	if cfg.Lendingd.BearerToken == "" && cfg.Environment != "dev" {
		return fmt.Errorf("lendingd: bearerToken or %s required outside env=dev", EnvLendingToken)
	}
	if _, err := cfg.CallerAddress(); err != nil {
		return fmt.Errorf("caller: %w", err)
	}
	return nil
}

// CallerAddress is the identity sent in the development caller header. Empty
// derives a fixed keeper address.
func (cfg Config) CallerAddress() (crypto.Address, error) {
	if cfg.Caller == "" {
		return crypto.NewAddress(crypto.LendPrefix, crypto.Keccak256([]byte("cowlend.keeperd"))[12:]), nil
	}
	return crypto.ParseAddress(cfg.Caller)
}

// ClientConfig returns the lendingd client settings with the caller filled in.
func (cfg Config) ClientConfig() client.Config {
	out := cfg.Lendingd
	out.Caller, _ = cfg.CallerAddress()
	return out
}
