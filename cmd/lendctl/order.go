package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"cowlend/crypto"
	"cowlend/native/orders"
)

// orderFile is the TOML description of an order to sign. The maker is the
// keystore address.
type orderFile struct {
	Side       string     `toml:"side"`
	Principal  string     `toml:"principal"`
	Collateral string     `toml:"collateral"`
	RateBips   uint64     `toml:"rateBips"`
	Maturity   time.Time  `toml:"maturity"`
	Expiry     time.Time  `toml:"expiry"`
	Nonce      string     `toml:"nonce"`
	Domain     domainFile `toml:"domain"`
}

type domainFile struct {
	Name              string `toml:"name"`
	Version           string `toml:"version"`
	ChainID           int64  `toml:"chainId"`
	VerifyingContract string `toml:"verifyingContract"`
}

func runSignOrder(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(signOrderCommand, flag.ContinueOnError)
	orderPath := fs.String("order", "", "TOML file describing the order")
	keystore := fs.String("keystore", "", "Keystore holding the maker key")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	wrap := fs.Bool("accept-request", false, "Wrap the order in a lendingd accept request body")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *orderPath == "" {
		return fmt.Errorf("--order is required")
	}
	var file orderFile
	if _, err := toml.DecodeFile(*orderPath, &file); err != nil {
		return fmt.Errorf("read order: %w", err)
	}
	key, err := loadKey(*keystore, *passEnv)
	if err != nil {
		return err
	}
	wire, err := signOrderFile(file, key, time.Now())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if *wrap {
		return enc.Encode(struct {
			Order orders.Wire `json:"order"`
		}{wire})
	}
	return enc.Encode(wire)
}

func signOrderFile(file orderFile, key *crypto.PrivateKey, now time.Time) (orders.Wire, error) {
	side, err := orders.ParseSide(file.Side)
	if err != nil {
		return orders.Wire{}, err
	}
	principal, err := parseInt("principal", file.Principal, true)
	if err != nil {
		return orders.Wire{}, err
	}
	collateral, err := parseInt("collateral", file.Collateral, false)
	if err != nil {
		return orders.Wire{}, err
	}
	nonce, err := parseInt("nonce", file.Nonce, true)
	if err != nil {
		return orders.Wire{}, err
	}
	contract, err := crypto.ParseAddress(file.Domain.VerifyingContract)
	if err != nil {
		return orders.Wire{}, fmt.Errorf("domain.verifyingContract: %w", err)
	}
	if file.Domain.ChainID <= 0 {
		return orders.Wire{}, fmt.Errorf("domain.chainId must be positive")
	}
	domain := orders.DefaultDomain(file.Domain.ChainID, contract)
	if file.Domain.Name != "" {
		domain.Name = file.Domain.Name
	}
	if file.Domain.Version != "" {
		domain.Version = file.Domain.Version
	}
	order := orders.Order{
		Maker:      key.Address(),
		Side:       side,
		Principal:  principal,
		Collateral: collateral,
		RateBips:   file.RateBips,
		Maturity:   uint64(file.Maturity.Unix()),
		Expiry:     uint64(file.Expiry.Unix()),
		Nonce:      nonce,
	}
	if err := orders.CheckTerms(order, uint64(now.Unix())); err != nil {
		return orders.Wire{}, err
	}
	signed, err := orders.Sign(order, domain, key)
	if err != nil {
		return orders.Wire{}, err
	}
	return signed.ToWire(), nil
}

func parseInt(field, value string, required bool) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		if required {
			return nil, fmt.Errorf("%s is required", field)
		}
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s must be a non-negative integer", field)
	}
	return v, nil
}
