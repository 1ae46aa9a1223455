package settlement

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/math"

	"cowlend/crypto"
	"cowlend/native/orders"
)

// PairWire is the JSON form of a batch pair.
type PairWire struct {
	Lender       string      `json:"lender"`
	Borrower     string      `json:"borrower"`
	Principal    string      `json:"principal"`
	Collateral   string      `json:"collateral"`
	RateBips     uint64      `json:"rateBips"`
	Maturity     uint64      `json:"maturity"`
	LendIntent   orders.Wire `json:"lendIntent"`
	BorrowIntent orders.Wire `json:"borrowIntent"`
}

// Submission is a batch together with the operator's proof, as posted to the
// settlement endpoint.
type Submission struct {
	Operator string     `json:"operator"`
	Pairs    []PairWire `json:"pairs"`
	Proof    string     `json:"proof"`
}

// NewSubmission encodes batch and proof for transport.
func NewSubmission(batch Batch, proof []byte) Submission {
	sub := Submission{
		Operator: batch.Operator.String(),
		Pairs:    make([]PairWire, 0, len(batch.Pairs)),
		Proof:    "0x" + hex.EncodeToString(proof),
	}
	for _, p := range batch.Pairs {
		sub.Pairs = append(sub.Pairs, PairWire{
			Lender:       p.Lender.String(),
			Borrower:     p.Borrower.String(),
			Principal:    amountOrZero(p.Principal).String(),
			Collateral:   amountOrZero(p.Collateral).String(),
			RateBips:     p.RateBips,
			Maturity:     p.Maturity,
			LendIntent:   p.LendIntent.ToWire(),
			BorrowIntent: p.BorrowIntent.ToWire(),
		})
	}
	return sub
}

// Decode parses the submission back into a batch and its proof.
func (s Submission) Decode() (Batch, []byte, error) {
	operator, err := crypto.ParseAddress(s.Operator)
	if err != nil {
		return Batch{}, nil, fmt.Errorf("settlement: operator: %w", err)
	}
	proof, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s.Proof), "0x"))
	if err != nil {
		return Batch{}, nil, fmt.Errorf("settlement: proof: %w", err)
	}
	batch := Batch{Operator: operator, Pairs: make([]Pair, 0, len(s.Pairs))}
	for i, pw := range s.Pairs {
		pair, err := pw.decode()
		if err != nil {
			return Batch{}, nil, fmt.Errorf("settlement: pair %d: %w", i, err)
		}
		batch.Pairs = append(batch.Pairs, pair)
	}
	return batch, proof, nil
}

func (pw PairWire) decode() (Pair, error) {
	lender, err := crypto.ParseAddress(pw.Lender)
	if err != nil {
		return Pair{}, fmt.Errorf("lender: %w", err)
	}
	borrower, err := crypto.ParseAddress(pw.Borrower)
	if err != nil {
		return Pair{}, fmt.Errorf("borrower: %w", err)
	}
	principal, err := parseWireAmount("principal", pw.Principal)
	if err != nil {
		return Pair{}, err
	}
	collateral, err := parseWireAmount("collateral", pw.Collateral)
	if err != nil {
		return Pair{}, err
	}
	lend, err := orders.FromWire(pw.LendIntent)
	if err != nil {
		return Pair{}, fmt.Errorf("lend intent: %w", err)
	}
	borrow, err := orders.FromWire(pw.BorrowIntent)
	if err != nil {
		return Pair{}, fmt.Errorf("borrow intent: %w", err)
	}
	return Pair{
		Lender:       lender,
		Borrower:     borrower,
		Principal:    principal,
		Collateral:   collateral,
		RateBips:     pw.RateBips,
		Maturity:     pw.Maturity,
		LendIntent:   lend,
		BorrowIntent: borrow,
	}, nil
}

func parseWireAmount(field, value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return new(big.Int), nil
	}
	parsed, ok := math.ParseBig256(trimmed)
	if !ok || parsed.Sign() < 0 {
		return nil, fmt.Errorf("%s: invalid amount %q", field, value)
	}
	return parsed, nil
}
