package lending

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"cowlend/crypto"
)

// LoanID uniquely identifies a loan.
type LoanID [32]byte

func (id LoanID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

func (id LoanID) IsZero() bool {
	return id == LoanID{}
}

func (id LoanID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *LoanID) UnmarshalText(text []byte) error {
	parsed, err := ParseLoanID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseLoanID decodes a 0x-prefixed or bare 64 character hex id.
func ParseLoanID(value string) (LoanID, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return LoanID{}, fmt.Errorf("lending: invalid loan id: %w", err)
	}
	if len(raw) != len(LoanID{}) {
		return LoanID{}, fmt.Errorf("lending: loan id must be 32 bytes, got %d", len(raw))
	}
	var id LoanID
	copy(id[:], raw)
	return id, nil
}

// Status is the lifecycle state of a loan. Repaid and Liquidated are terminal.
type Status uint8

const (
	StatusActive Status = iota + 1
	StatusRepaid
	StatusLiquidated
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusRepaid:
		return "repaid"
	case StatusLiquidated:
		return "liquidated"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool {
	return s == StatusRepaid || s == StatusLiquidated
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Origin records which intake path produced a loan.
type Origin uint8

const (
	OriginOrder Origin = iota + 1
	OriginBatch
)

func (o Origin) String() string {
	switch o {
	case OriginOrder:
		return "order"
	case OriginBatch:
		return "batch"
	default:
		return "unknown"
	}
}

func (o Origin) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Loan is a bilateral fixed-rate loan. Debt is never stored; it is derived
// from Principal, RateBips and elapsed time on every read.
type Loan struct {
	ID         LoanID         `json:"id"`
	Sequence   uint64         `json:"sequence"`
	Lender     crypto.Address `json:"lender"`
	Borrower   crypto.Address `json:"borrower"`
	Principal  *big.Int       `json:"principal"`
	Collateral *big.Int       `json:"collateral"`
	CreatedAt  uint64         `json:"createdAt"`
	Maturity   uint64         `json:"maturity"`
	RateBips   uint64         `json:"rateBips"`
	Status     Status         `json:"status"`
	Origin     Origin         `json:"origin"`
}

// Duration returns the contractual term in seconds.
func (l *Loan) Duration() uint64 {
	if l == nil || l.Maturity <= l.CreatedAt {
		return 0
	}
	return l.Maturity - l.CreatedAt
}

// DebtAt computes the amount owed at unix time now. Accrual stops at maturity.
func (l *Loan) DebtAt(now uint64) *big.Int {
	if l == nil {
		return big.NewInt(0)
	}
	var elapsed uint64
	if now > l.CreatedAt {
		elapsed = now - l.CreatedAt
	}
	return CompoundedDebt(l.Principal, l.RateBips, elapsed, l.Duration())
}

// Clone returns a deep copy of the loan.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	if l.Principal != nil {
		clone.Principal = new(big.Int).Set(l.Principal)
	}
	if l.Collateral != nil {
		clone.Collateral = new(big.Int).Set(l.Collateral)
	}
	return &clone
}

// CreateParams carries the terms of a loan to originate.
type CreateParams struct {
	Lender     crypto.Address
	Borrower   crypto.Address
	Principal  *big.Int
	Collateral *big.Int
	RateBips   uint64
	Maturity   uint64
	Origin     Origin
}
