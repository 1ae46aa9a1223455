package lending

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"cowlend/crypto"
)

const (
	moduleCreate    = "lending.create"
	moduleRepay     = "lending.repay"
	moduleDeposit   = "lending.deposit"
	moduleLiquidate = "lending.liquidate"
)

// Modules lists the pause switches understood by the ledger.
var Modules = []string{moduleCreate, moduleRepay, moduleDeposit, moduleLiquidate}

// Config captures the risk parameters of a lending deployment.
type Config struct {
	PrincipalAsset  string `toml:"PrincipalAsset"`
	CollateralAsset string `toml:"CollateralAsset"`

	// GracePeriod is how long after maturity a loan may still be repaid
	// before it can be liquidated on the default path.
	GracePeriod time.Duration `toml:"GracePeriod"`
	// PenaltyBps is the share of a default liquidation surplus paid to the
	// treasury.
	PenaltyBps uint64 `toml:"PenaltyBps"`
	// OracleMaxAge bounds how old a price may be when valuing collateral.
	OracleMaxAge time.Duration `toml:"OracleMaxAge"`
	// PriceScale is the fixed-point scale of oracle prices.
	PriceScale *big.Int `toml:"PriceScale"`

	MinRateBips        uint64        `toml:"MinRateBips"`
	MaxRateBips        uint64        `toml:"MaxRateBips"`
	MaxDuration        time.Duration `toml:"MaxDuration"`
	MaxSlippageBps     uint64        `toml:"MaxSlippageBps"`
	DefaultSlippageBps uint64        `toml:"DefaultSlippageBps"`

	Escrow   crypto.Address `toml:"Escrow"`
	Treasury crypto.Address `toml:"Treasury"`
}

// DefaultConfig returns the parameters used when no file is supplied.
func DefaultConfig() Config {
	return Config{
		PrincipalAsset:     "USDC",
		CollateralAsset:    "ETH",
		GracePeriod:        72 * time.Hour,
		PenaltyBps:         500,
		OracleMaxAge:       time.Hour,
		PriceScale:         new(big.Int).Set(wad),
		MinRateBips:        0,
		MaxRateBips:        50_000,
		MaxDuration:        3 * 365 * 24 * time.Hour,
		MaxSlippageBps:     1_000,
		DefaultSlippageBps: 300,
	}
}

// LoadConfig decodes a TOML file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("lending: read config: %w", err)
	}
	if _, err := toml.Decode(string(raw), &cfg); err != nil {
		return Config{}, fmt.Errorf("lending: decode config: %w", err)
	}
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// EnsureDefaults fills zero values that have no meaningful zero setting.
func (c *Config) EnsureDefaults() {
	if c == nil {
		return
	}
	defaults := DefaultConfig()
	c.PrincipalAsset = strings.ToUpper(strings.TrimSpace(c.PrincipalAsset))
	c.CollateralAsset = strings.ToUpper(strings.TrimSpace(c.CollateralAsset))
	if c.PrincipalAsset == "" {
		c.PrincipalAsset = defaults.PrincipalAsset
	}
	if c.CollateralAsset == "" {
		c.CollateralAsset = defaults.CollateralAsset
	}
	if c.OracleMaxAge <= 0 {
		c.OracleMaxAge = defaults.OracleMaxAge
	}
	if c.PriceScale == nil || c.PriceScale.Sign() <= 0 {
		c.PriceScale = defaults.PriceScale
	}
	if c.MaxRateBips == 0 {
		c.MaxRateBips = defaults.MaxRateBips
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = defaults.MaxDuration
	}
}

// Validate checks the parameters for internal consistency.
func (c Config) Validate() error {
	if c.PrincipalAsset == c.CollateralAsset {
		return fmt.Errorf("lending: principal and collateral asset must differ")
	}
	if c.PenaltyBps > basisPoints.Uint64() {
		return fmt.Errorf("lending: penalty %d bps exceeds 10000", c.PenaltyBps)
	}
	if c.MinRateBips > c.MaxRateBips {
		return fmt.Errorf("lending: min rate %d above max rate %d", c.MinRateBips, c.MaxRateBips)
	}
	if c.MaxSlippageBps >= basisPoints.Uint64() {
		return fmt.Errorf("lending: max slippage must be below 10000 bps")
	}
	if c.DefaultSlippageBps > c.MaxSlippageBps {
		return fmt.Errorf("lending: default slippage above max slippage")
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("lending: negative grace period")
	}
	if c.Escrow.IsZero() {
		return fmt.Errorf("lending: escrow address required")
	}
	if c.Treasury.IsZero() {
		return fmt.Errorf("lending: treasury address required")
	}
	return nil
}
