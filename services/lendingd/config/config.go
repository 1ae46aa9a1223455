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
	"cowlend/integrations/natsbus"
	"cowlend/native/orders"
	"cowlend/observability/logging"
	telemetry "cowlend/observability/otel"
)

const (
	defaultListen     = ":7101"
	defaultBoltPath   = "data/ledger.db"
	defaultJournal    = "data/journal"
	defaultOraclePair = "ETH/USDC"

	// EnvJWTSecret overrides auth.hmacSecret so the secret stays out of files.
	EnvJWTSecret = "LENDINGD_JWT_SECRET"
	// EnvWebhookSecret overrides webhook.secret.
	EnvWebhookSecret = "LENDINGD_WEBHOOK_SECRET"
)

// Config captures the runtime settings for the lending service daemon.
type Config struct {
	ListenAddress string                          `yaml:"listen"`
	Environment   string                          `yaml:"env"`
	ProtocolPath  string                          `yaml:"protocol"`
	Storage       StorageConfig                   `yaml:"storage"`
	Logging       LoggingConfig                   `yaml:"logging"`
	Telemetry     telemetry.Config                `yaml:"telemetry"`
	TLS           TLSConfig                       `yaml:"tls"`
	Auth          middleware.AuthConfig           `yaml:"auth"`
	RateLimits    map[string]middleware.RateLimit `yaml:"rateLimits"`
	CORS          middleware.CORSConfig           `yaml:"cors"`
	Idempotency   IdempotencyConfig               `yaml:"idempotency"`
	Domain        DomainConfig                    `yaml:"domain"`
	Identities    IdentityConfig                  `yaml:"identities"`
	Oracle        OracleConfig                    `yaml:"oracle"`
	Pool          PoolConfig                      `yaml:"pool"`
	Operators     []string                        `yaml:"operators"`
	Quota         QuotaConfig                     `yaml:"quota"`
	NATS          natsbus.Config                  `yaml:"nats"`
	Webhook       WebhookConfig                   `yaml:"webhook"`
}

// StorageConfig locates the ledger database and the event journal.
type StorageConfig struct {
	BoltPath    string `yaml:"bolt"`
	JournalPath string `yaml:"journal"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level string            `yaml:"level"`
	File  *logging.FileSink `yaml:"file"`
}

// TLSConfig describes the TLS material for the HTTP listener.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	ClientCAPath  string `yaml:"client_ca"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// IdempotencyConfig enables the redis-backed Idempotency-Key middleware.
type IdempotencyConfig struct {
	RedisAddr     string        `yaml:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword"`
	RedisDB       int           `yaml:"redisDB"`
	TTL           time.Duration `yaml:"ttl"`
}

// Enabled reports whether a redis address is configured.
func (c IdempotencyConfig) Enabled() bool { return c.RedisAddr != "" }

// DomainConfig is the EIP-712 domain orders are signed under.
type DomainConfig struct {
	Name              string `yaml:"name"`
	Version           string `yaml:"version"`
	ChainID           int64  `yaml:"chainId"`
	VerifyingContract string `yaml:"verifyingContract"`
}

// IdentityConfig names the originator identities registered with the
// ledger and the keeper identity recorded on hook-triggered liquidations.
// Empty entries are derived from a fixed label.
type IdentityConfig struct {
	Intake  string `yaml:"intake"`
	Settler string `yaml:"settler"`
	Keeper  string `yaml:"keeper"`
}

// OracleConfig configures the signed price feed.
type OracleConfig struct {
	Pair            string        `yaml:"pair"`
	MaxAge          time.Duration `yaml:"maxAge"`
	MaxDeviationBps uint64        `yaml:"maxDeviationBps"`
	Signers         []string      `yaml:"signers"`
}

// PoolConfig configures the in-process liquidity pool liquidations sell into.
type PoolConfig struct {
	Account     string `yaml:"account"`
	FeeBps      uint64 `yaml:"feeBps"`
	SweepOnSwap bool   `yaml:"sweepOnSwap"`
}

// QuotaConfig bounds how much a single maker may originate per epoch.
type QuotaConfig struct {
	MaxRequestsPerEpoch uint32        `yaml:"maxRequestsPerEpoch"`
	MaxAmountPerEpoch   string        `yaml:"maxAmountPerEpoch"`
	Epoch               time.Duration `yaml:"epoch"`
}

// WebhookConfig enables signed webhook deliveries for selected event types.
type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: defaultListen,
	}
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
	if secret := strings.TrimSpace(os.Getenv(EnvWebhookSecret)); secret != "" {
		cfg.Webhook.Secret = secret
	}
	if env := strings.TrimSpace(os.Getenv("COWLEND_ENV")); env != "" {
		cfg.Environment = env
	}
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	cfg.ProtocolPath = strings.TrimSpace(cfg.ProtocolPath)
	if cfg.Storage.BoltPath = strings.TrimSpace(cfg.Storage.BoltPath); cfg.Storage.BoltPath == "" {
		cfg.Storage.BoltPath = defaultBoltPath
	}
	if cfg.Storage.JournalPath = strings.TrimSpace(cfg.Storage.JournalPath); cfg.Storage.JournalPath == "" {
		cfg.Storage.JournalPath = defaultJournal
	}
	cfg.TLS.normalize()
	cfg.Auth.HMACSecret = strings.TrimSpace(cfg.Auth.HMACSecret)
	if cfg.Domain.Name == "" || cfg.Domain.Version == "" {
		def := orders.DefaultDomain(1, crypto.Address{})
		if cfg.Domain.Name == "" {
			cfg.Domain.Name = def.Name
		}
		if cfg.Domain.Version == "" {
			cfg.Domain.Version = def.Version
		}
	}
	if cfg.Oracle.Pair = strings.ToUpper(strings.TrimSpace(cfg.Oracle.Pair)); cfg.Oracle.Pair == "" {
		cfg.Oracle.Pair = defaultOraclePair
	}
	if cfg.Oracle.MaxAge <= 0 {
		cfg.Oracle.MaxAge = time.Hour
	}
	if cfg.Pool.FeeBps == 0 {
		cfg.Pool.FeeBps = 30
	}
	cfg.Idempotency.RedisAddr = strings.TrimSpace(cfg.Idempotency.RedisAddr)
	if cfg.Idempotency.TTL <= 0 {
		cfg.Idempotency.TTL = 24 * time.Hour
	}
	cfg.NATS.URL = strings.TrimSpace(cfg.NATS.URL)
	cfg.Operators = trimAll(cfg.Operators)
	cfg.Oracle.Signers = trimAll(cfg.Oracle.Signers)
	cfg.Webhook.URL = strings.TrimSpace(cfg.Webhook.URL)
	cfg.Webhook.Events = trimAll(cfg.Webhook.Events)
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if cfg.Auth.Enabled && cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth: hmacSecret or %s is required when auth is enabled", EnvJWTSecret)
	}
	if !cfg.Auth.Enabled && cfg.Environment != "dev" {
		return fmt.Errorf("auth: disabling authentication is restricted to env=dev")
	}
	if _, err := cfg.OrderDomain(); err != nil {
		return fmt.Errorf("domain: %w", err)
	}
	if _, err := cfg.IntakeIdentity(); err != nil {
		return fmt.Errorf("identities.intake: %w", err)
	}
	if _, err := cfg.SettlerIdentity(); err != nil {
		return fmt.Errorf("identities.settler: %w", err)
	}
	if _, err := cfg.KeeperIdentity(); err != nil {
		return fmt.Errorf("identities.keeper: %w", err)
	}
	if _, err := cfg.PoolAccount(); err != nil {
		return fmt.Errorf("pool.account: %w", err)
	}
	if _, err := parseAddresses(cfg.Oracle.Signers); err != nil {
		return fmt.Errorf("oracle.signers: %w", err)
	}
	if _, err := parseAddresses(cfg.Operators); err != nil {
		return fmt.Errorf("operators: %w", err)
	}
	if _, err := cfg.Quota.MaxAmount(); err != nil {
		return fmt.Errorf("quota: %w", err)
	}
	if cfg.NATS.URL != "" && !strings.Contains(cfg.NATS.URL, "://") {
		return fmt.Errorf("nats: url %q must include a scheme", cfg.NATS.URL)
	}
	if cfg.Webhook.URL != "" && cfg.Webhook.Secret == "" {
		return fmt.Errorf("webhook: secret or %s required with a url", EnvWebhookSecret)
	}
	return nil
}

// OrderDomain returns the configured EIP-712 domain.
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

// IntakeIdentity is the originator identity used for directly accepted orders.
func (cfg Config) IntakeIdentity() (crypto.Address, error) {
	return addressOrLabel(cfg.Identities.Intake, "cowlend.identity.intake")
}

// SettlerIdentity is the originator identity used for batch settlement.
func (cfg Config) SettlerIdentity() (crypto.Address, error) {
	return addressOrLabel(cfg.Identities.Settler, "cowlend.identity.settler")
}

// KeeperIdentity is recorded as the caller of hook-triggered liquidations.
func (cfg Config) KeeperIdentity() (crypto.Address, error) {
	return addressOrLabel(cfg.Identities.Keeper, "cowlend.identity.keeper")
}

// PoolAccount holds the liquidity pool reserves.
func (cfg Config) PoolAccount() (crypto.Address, error) {
	return addressOrLabel(cfg.Pool.Account, "cowlend.pool")
}

// OracleSigners returns the allow-listed price report signers.
func (cfg Config) OracleSigners() []crypto.Address {
	addrs, _ := parseAddresses(cfg.Oracle.Signers)
	return addrs
}

// OperatorSeed returns the operators registered on first start.
func (cfg Config) OperatorSeed() []crypto.Address {
	addrs, _ := parseAddresses(cfg.Operators)
	return addrs
}

// MaxAmount parses the per-epoch principal ceiling. Empty means unlimited.
func (q QuotaConfig) MaxAmount() (*big.Int, error) {
	trimmed := strings.TrimSpace(q.MaxAmountPerEpoch)
	if trimmed == "" {
		return nil, nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid maxAmountPerEpoch %q", q.MaxAmountPerEpoch)
	}
	return amount, nil
}

func (cfg *TLSConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.CertPath = strings.TrimSpace(cfg.CertPath)
	cfg.KeyPath = strings.TrimSpace(cfg.KeyPath)
	cfg.ClientCAPath = strings.TrimSpace(cfg.ClientCAPath)
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	if cfg.ClientCAPath != "" && !hasCert {
		return fmt.Errorf("client_ca requires a server certificate and key")
	}
	return nil
}

// MTLSEnabled reports whether mutual TLS verification is configured.
func (cfg TLSConfig) MTLSEnabled() bool {
	return strings.TrimSpace(cfg.ClientCAPath) != ""
}

func addressOrLabel(value, label string) (crypto.Address, error) {
	if strings.TrimSpace(value) == "" {
		return crypto.NewAddress(crypto.LendPrefix, crypto.Keccak256([]byte(label))[12:]), nil
	}
	return crypto.ParseAddress(value)
}

func parseAddresses(values []string) ([]crypto.Address, error) {
	out := make([]crypto.Address, 0, len(values))
	for _, value := range values {
		addr, err := crypto.ParseAddress(value)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
