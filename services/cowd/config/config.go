package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cowlend/crypto"
	"cowlend/gateway/middleware"
	"cowlend/native/orders"
	"cowlend/observability/logging"
	telemetry "cowlend/observability/otel"
	"cowlend/services/lending/client"
)

const (
	defaultListen   = ":7102"
	defaultDriver   = "sqlite"
	defaultDSN      = "file:data/cowd.db?_pragma=busy_timeout(5000)"
	defaultPassEnv  = "COWD_OPERATOR_PASS"
	defaultInterval = 15 * time.Second
	defaultMaxPairs = 64

	// EnvJWTSecret overrides auth.hmacSecret.
	EnvJWTSecret = "COWD_JWT_SECRET"
	// EnvLendingToken overrides lendingd.bearerToken.
	EnvLendingToken = "COWD_LENDINGD_TOKEN"
)

// Config captures the runtime settings for the intent book daemon.
type Config struct {
	ListenAddress string                          `yaml:"listen"`
	Environment   string                          `yaml:"env"`
	Logging       LoggingConfig                   `yaml:"logging"`
	Telemetry     telemetry.Config                `yaml:"telemetry"`
	TLS           TLSConfig                       `yaml:"tls"`
	Auth          middleware.AuthConfig           `yaml:"auth"`
	RateLimits    map[string]middleware.RateLimit `yaml:"rateLimits"`
	CORS          middleware.CORSConfig           `yaml:"cors"`
	Database      DatabaseConfig                  `yaml:"database"`
	Lendingd      LendingdConfig                  `yaml:"lendingd"`
	Domain        DomainConfig                    `yaml:"domain"`
	Operator      OperatorConfig                  `yaml:"operator"`
	Matching      MatchingConfig                  `yaml:"matching"`
}

type LoggingConfig struct {
	Level string            `yaml:"level"`
	File  *logging.FileSink `yaml:"file"`
}

type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// DatabaseConfig selects the intent book backend: sqlite or postgres.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LendingdConfig points at the lending service batches are submitted to.
type LendingdConfig struct {
	BaseURL         string        `yaml:"baseUrl"`
	BearerToken     string        `yaml:"bearerToken"`
	TLSClientCAFile string        `yaml:"tlsClientCAFile"`
	AllowInsecure   bool          `yaml:"allowInsecure"`
	Timeout         time.Duration `yaml:"timeout"`
	CheckNonces     bool          `yaml:"checkNonces"`
}

type DomainConfig struct {
	Name              string `yaml:"name"`
	Version           string `yaml:"version"`
	ChainID           int64  `yaml:"chainId"`
	VerifyingContract string `yaml:"verifyingContract"`
}

// OperatorConfig locates the keystore holding the batch signing key.
type OperatorConfig struct {
	Keystore string `yaml:"keystore"`
	PassEnv  string `yaml:"passEnv"`
}

type MatchingConfig struct {
	Interval time.Duration `yaml:"interval"`
	MaxPairs int           `yaml:"maxPairs"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{ListenAddress: defaultListen}
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
	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() {
	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		cfg.Auth.HMACSecret = secret
	}
	if token := strings.TrimSpace(os.Getenv(EnvLendingToken)); token != "" {
		cfg.Lendingd.BearerToken = token
	}
	if env := strings.TrimSpace(os.Getenv("COWLEND_ENV")); env != "" {
		cfg.Environment = env
	}
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	cfg.Auth.HMACSecret = strings.TrimSpace(cfg.Auth.HMACSecret)
	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)
	if cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver)); cfg.Database.Driver == "" {
		cfg.Database.Driver = defaultDriver
	}
	if cfg.Database.DSN = strings.TrimSpace(cfg.Database.DSN); cfg.Database.DSN == "" && cfg.Database.Driver == defaultDriver {
		cfg.Database.DSN = defaultDSN
	}
	cfg.Lendingd.BaseURL = strings.TrimSpace(cfg.Lendingd.BaseURL)
	if cfg.Domain.Name == "" || cfg.Domain.Version == "" {
		def := orders.DefaultDomain(1, crypto.Address{})
		if cfg.Domain.Name == "" {
			cfg.Domain.Name = def.Name
		}
		if cfg.Domain.Version == "" {
			cfg.Domain.Version = def.Version
		}
	}
	cfg.Operator.Keystore = strings.TrimSpace(cfg.Operator.Keystore)
	if cfg.Operator.PassEnv = strings.TrimSpace(cfg.Operator.PassEnv); cfg.Operator.PassEnv == "" {
		cfg.Operator.PassEnv = defaultPassEnv
	}
	if cfg.Matching.Interval <= 0 {
		cfg.Matching.Interval = defaultInterval
	}
	if cfg.Matching.MaxPairs <= 0 {
		cfg.Matching.MaxPairs = defaultMaxPairs
	}
}

func (cfg *Config) validate() error {
	hasCert, hasKey := cfg.TLS.CertPath != "", cfg.TLS.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("tls: cert and key must either both be provided or both be empty")
	}
	if !cfg.TLS.AllowInsecure && !hasCert {
		return fmt.Errorf("tls: cert and key are required unless allow_insecure=true")
	}
	if cfg.Auth.Enabled && cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth: hmacSecret or %s is required when auth is enabled", EnvJWTSecret)
	}
	if !cfg.Auth.Enabled && cfg.Environment != "dev" {
		return fmt.Errorf("auth: disabling authentication is restricted to env=dev")
	}
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database: unsupported driver %q", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database: dsn required")
	}
	if cfg.Lendingd.BaseURL == "" {
		return fmt.Errorf("lendingd: baseUrl required")
	}
	if cfg.Operator.Keystore == "" {
		return fmt.Errorf("operator: keystore required")
	}
	if _, err := cfg.OrderDomain(); err != nil {
		return fmt.Errorf("domain: %w", err)
	}
	return nil
}

// OrderDomain returns the EIP-712 domain intents and batches are signed under.
func (cfg Config) OrderDomain() (orders.Domain, error) {
	if cfg.Domain.ChainID <= 0 {
		return orders.Domain{}, fmt.Errorf("chainId must be positive")
	}
	contract, err := crypto.ParseAddress(cfg.Domain.VerifyingContract)
	if err != nil {
		return orders.Domain{}, fmt.Errorf("verifyingContract: %w", err)
	}
	return orders.Domain{
		Name:              cfg.Domain.Name,
		Version:           cfg.Domain.Version,
		ChainID:           big.NewInt(cfg.Domain.ChainID),
		VerifyingContract: contract,
	}, nil
}

// ClientConfig converts the lendingd section for client.New. Batches are
// submitted as caller, the operator address.
func (c LendingdConfig) ClientConfig(caller crypto.Address) client.Config {
	return client.Config{
		BaseURL:         c.BaseURL,
		BearerToken:     c.BearerToken,
		TLSClientCAFile: c.TLSClientCAFile,
		AllowInsecure:   c.AllowInsecure,
		Timeout:         c.Timeout,
		Caller:          caller,
	}
}
