package settlement

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"cowlend/crypto"
	"cowlend/native/matching"
	"cowlend/native/orders"
)

// batchTag separates batch digests from every other signed payload.
const batchTag = "cowlend/settlement-batch/v1"

var ErrEmptyBatch = errors.New("settlement: batch has no pairs")

// Pair is one loan the operator wants created, with the two signed intents
// that bound its terms.
type Pair struct {
	Lender       crypto.Address
	Borrower     crypto.Address
	Principal    *big.Int
	Collateral   *big.Int
	RateBips     uint64
	Maturity     uint64
	LendIntent   orders.SignedOrder
	BorrowIntent orders.SignedOrder
}

// Batch is an ordered list of pairs submitted by one operator.
type Batch struct {
	Operator crypto.Address
	Pairs    []Pair
}

// FromMatch converts matcher output into a batch for operator.
func FromMatch(operator crypto.Address, pairs []matching.Pair) Batch {
	batch := Batch{Operator: operator, Pairs: make([]Pair, 0, len(pairs))}
	for _, p := range pairs {
		batch.Pairs = append(batch.Pairs, Pair{
			Lender:       p.Lend.Signed.Order.Maker,
			Borrower:     p.Borrow.Signed.Order.Maker,
			Principal:    new(big.Int).Set(p.Principal),
			Collateral:   new(big.Int).Set(p.Collateral),
			RateBips:     p.RateBips,
			Maturity:     p.Maturity,
			LendIntent:   p.Lend.Signed,
			BorrowIntent: p.Borrow.Signed,
		})
	}
	return batch
}

type pairRLP struct {
	Lender     []byte
	Borrower   []byte
	Principal  *big.Int
	Collateral *big.Int
	RateBips   uint64
	Maturity   uint64
	LendHash   [32]byte
	BorrowHash [32]byte
}

type batchRLP struct {
	Tag               string
	ChainID           *big.Int
	VerifyingContract []byte
	Operator          []byte
	Pairs             []pairRLP
}

// Digest is the Keccak256 of the domain-tagged RLP encoding of the batch. The
// intents enter through their EIP-712 digests.
func (b Batch) Digest(domain orders.Domain) ([32]byte, error) {
	if len(b.Pairs) == 0 {
		return [32]byte{}, ErrEmptyBatch
	}
	if domain.ChainID == nil {
		return [32]byte{}, errors.New("settlement: domain chain id required")
	}
	enc := batchRLP{
		Tag:               batchTag,
		ChainID:           domain.ChainID,
		VerifyingContract: domain.VerifyingContract.Bytes(),
		Operator:          b.Operator.Bytes(),
		Pairs:             make([]pairRLP, len(b.Pairs)),
	}
	for i, p := range b.Pairs {
		lendHash, err := p.LendIntent.Order.Digest(domain)
		if err != nil {
			return [32]byte{}, fmt.Errorf("settlement: pair %d lend intent: %w", i, err)
		}
		borrowHash, err := p.BorrowIntent.Order.Digest(domain)
		if err != nil {
			return [32]byte{}, fmt.Errorf("settlement: pair %d borrow intent: %w", i, err)
		}
		enc.Pairs[i] = pairRLP{
			Lender:     p.Lender.Bytes(),
			Borrower:   p.Borrower.Bytes(),
			Principal:  amountOrZero(p.Principal),
			Collateral: amountOrZero(p.Collateral),
			RateBips:   p.RateBips,
			Maturity:   p.Maturity,
			LendHash:   lendHash,
			BorrowHash: borrowHash,
		}
	}
	raw, err := rlp.EncodeToBytes(enc)
	if err != nil {
		return [32]byte{}, fmt.Errorf("settlement: encode batch: %w", err)
	}
	var digest [32]byte
	copy(digest[:], crypto.Keccak256(raw))
	return digest, nil
}

// SignBatch produces the operator proof over the batch digest.
func SignBatch(batch Batch, domain orders.Domain, key *crypto.PrivateKey) ([]byte, error) {
	digest, err := batch.Digest(domain)
	if err != nil {
		return nil, err
	}
	return crypto.Sign(digest[:], key)
}

func amountOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
