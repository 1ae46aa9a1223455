package orders

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"cowlend/crypto"
)

// Side says which leg of a loan the maker takes.
type Side uint8

const (
	SideLend Side = iota + 1
	SideBorrow
)

func (s Side) String() string {
	switch s {
	case SideLend:
		return "lend"
	case SideBorrow:
		return "borrow"
	default:
		return "unknown"
	}
}

// ParseSide accepts "lend" or "borrow".
func ParseSide(value string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "lend", "lender":
		return SideLend, nil
	case "borrow", "borrower":
		return SideBorrow, nil
	default:
		return 0, fmt.Errorf("orders: unknown side %q", value)
	}
}

// Order is the signed commitment of one party. For a directly accepted offer
// RateBips is the loan rate; for a matchable intent it is the lender's minimum
// or the borrower's maximum. Collateral is the lender's minimum requirement or
// the amount the borrower commits.
type Order struct {
	Maker      crypto.Address
	Side       Side
	Principal  *big.Int
	Collateral *big.Int
	RateBips   uint64
	Maturity   uint64
	Expiry     uint64
	Nonce      *big.Int
}

// SignedOrder pairs an order with its maker's signature.
type SignedOrder struct {
	Order     Order
	Signature []byte
}

// Domain separates signatures between deployments.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract crypto.Address
}

// DefaultDomain returns the domain used when none is configured.
func DefaultDomain(chainID int64, verifyingContract crypto.Address) Domain {
	return Domain{Name: "CowLend", Version: "1", ChainID: big.NewInt(chainID), VerifyingContract: verifyingContract}
}

const primaryType = "LoanOrder"

var orderTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	primaryType: {
		{Name: "maker", Type: "address"},
		{Name: "side", Type: "uint8"},
		{Name: "principal", Type: "uint256"},
		{Name: "collateral", Type: "uint256"},
		{Name: "rateBips", Type: "uint256"},
		{Name: "maturity", Type: "uint256"},
		{Name: "expiry", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
	},
}

var errIncompleteOrder = errors.New("orders: order is missing fields")

// TypedData renders the order as EIP-712 typed data under domain.
func (o Order) TypedData(domain Domain) (apitypes.TypedData, error) {
	if o.Maker.IsZero() || o.Principal == nil || o.Nonce == nil {
		return apitypes.TypedData{}, errIncompleteOrder
	}
	if domain.ChainID == nil {
		return apitypes.TypedData{}, errors.New("orders: domain chain id required")
	}
	collateral := o.Collateral
	if collateral == nil {
		collateral = new(big.Int)
	}
	return apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(domain.ChainID)),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"maker":      o.Maker.Hex(),
			"side":       strconv.FormatUint(uint64(o.Side), 10),
			"principal":  o.Principal.String(),
			"collateral": collateral.String(),
			"rateBips":   strconv.FormatUint(o.RateBips, 10),
			"maturity":   strconv.FormatUint(o.Maturity, 10),
			"expiry":     strconv.FormatUint(o.Expiry, 10),
			"nonce":      o.Nonce.String(),
		},
	}, nil
}

// Digest returns the EIP-712 signing hash of the order.
func (o Order) Digest(domain Domain) ([32]byte, error) {
	typed, err := o.TypedData(domain)
	if err != nil {
		return [32]byte{}, err
	}
	raw, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return [32]byte{}, fmt.Errorf("orders: hash typed data: %w", err)
	}
	var digest [32]byte
	copy(digest[:], raw)
	return digest, nil
}

// Sign signs the order with key. The key must belong to the maker.
func Sign(order Order, domain Domain, key *crypto.PrivateKey) (SignedOrder, error) {
	if key == nil {
		return SignedOrder{}, errors.New("orders: nil key")
	}
	if !key.Address().Equal(order.Maker) {
		return SignedOrder{}, fmt.Errorf("orders: key %s does not belong to maker %s", key.Address(), order.Maker)
	}
	digest, err := order.Digest(domain)
	if err != nil {
		return SignedOrder{}, err
	}
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return SignedOrder{}, err
	}
	return SignedOrder{Order: order, Signature: sig}, nil
}

// Wire is the JSON form of a signed order. Amounts are decimal strings.
type Wire struct {
	Maker      string `json:"maker"`
	Side       string `json:"side"`
	Principal  string `json:"principal"`
	Collateral string `json:"collateral"`
	RateBips   uint64 `json:"rateBips"`
	Maturity   uint64 `json:"maturity"`
	Expiry     uint64 `json:"expiry"`
	Nonce      string `json:"nonce"`
	Signature  string `json:"signature"`
}

// ToWire converts the signed order to its JSON form.
func (s SignedOrder) ToWire() Wire {
	collateral := "0"
	if s.Order.Collateral != nil {
		collateral = s.Order.Collateral.String()
	}
	w := Wire{
		Maker:      s.Order.Maker.String(),
		Side:       s.Order.Side.String(),
		Collateral: collateral,
		RateBips:   s.Order.RateBips,
		Maturity:   s.Order.Maturity,
		Expiry:     s.Order.Expiry,
		Signature:  "0x" + hex.EncodeToString(s.Signature),
	}
	if s.Order.Principal != nil {
		w.Principal = s.Order.Principal.String()
	}
	if s.Order.Nonce != nil {
		w.Nonce = s.Order.Nonce.String()
	}
	return w
}

// FromWire parses a JSON signed order.
func FromWire(w Wire) (SignedOrder, error) {
	maker, err := crypto.ParseAddress(w.Maker)
	if err != nil {
		return SignedOrder{}, fmt.Errorf("orders: maker: %w", err)
	}
	side, err := ParseSide(w.Side)
	if err != nil {
		return SignedOrder{}, err
	}
	principal, err := parseAmount("principal", w.Principal, true)
	if err != nil {
		return SignedOrder{}, err
	}
	collateral, err := parseAmount("collateral", w.Collateral, false)
	if err != nil {
		return SignedOrder{}, err
	}
	nonce, err := parseAmount("nonce", w.Nonce, true)
	if err != nil {
		return SignedOrder{}, err
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(w.Signature), "0x"))
	if err != nil {
		return SignedOrder{}, fmt.Errorf("orders: signature: %w", err)
	}
	return SignedOrder{
		Order: Order{
			Maker:      maker,
			Side:       side,
			Principal:  principal,
			Collateral: collateral,
			RateBips:   w.RateBips,
			Maturity:   w.Maturity,
			Expiry:     w.Expiry,
			Nonce:      nonce,
		},
		Signature: sig,
	}, nil
}

func parseAmount(field, value string, required bool) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		if required {
			return nil, fmt.Errorf("orders: %s required", field)
		}
		return new(big.Int), nil
	}
	parsed, ok := math.ParseBig256(trimmed)
	if !ok || parsed.Sign() < 0 {
		return nil, fmt.Errorf("orders: invalid %s %q", field, value)
	}
	return parsed, nil
}
