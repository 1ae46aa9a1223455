package lending

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"cowlend/crypto"
	"cowlend/storage"
)

var (
	bucketLoans      = []byte("lending/loans")
	bucketByBorrower = []byte("lending/by-borrower")
	bucketByLender   = []byte("lending/by-lender")
	bucketActive     = []byte("lending/active")
	bucketMeta       = []byte("lending/meta")

	keySequence = []byte("sequence")
)

// Buckets lists every bucket the ledger writes to.
var Buckets = [][]byte{bucketLoans, bucketByBorrower, bucketByLender, bucketActive, bucketMeta}

type storedLoan struct {
	ID         [32]byte
	Sequence   uint64
	Lender     []byte
	Borrower   []byte
	Principal  *big.Int
	Collateral *big.Int
	CreatedAt  uint64
	Maturity   uint64
	RateBips   uint64
	Status     uint8
	Origin     uint8
}

func encodeLoan(loan *Loan) ([]byte, error) {
	return rlp.EncodeToBytes(storedLoan{
		ID:         loan.ID,
		Sequence:   loan.Sequence,
		Lender:     loan.Lender.Bytes(),
		Borrower:   loan.Borrower.Bytes(),
		Principal:  nonNil(loan.Principal),
		Collateral: nonNil(loan.Collateral),
		CreatedAt:  loan.CreatedAt,
		Maturity:   loan.Maturity,
		RateBips:   loan.RateBips,
		Status:     uint8(loan.Status),
		Origin:     uint8(loan.Origin),
	})
}

func decodeLoan(raw []byte) (*Loan, error) {
	var stored storedLoan
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("lending: decode loan: %w", err)
	}
	return &Loan{
		ID:         stored.ID,
		Sequence:   stored.Sequence,
		Lender:     crypto.NewAddress(crypto.LendPrefix, stored.Lender),
		Borrower:   crypto.NewAddress(crypto.LendPrefix, stored.Borrower),
		Principal:  nonNil(stored.Principal),
		Collateral: nonNil(stored.Collateral),
		CreatedAt:  stored.CreatedAt,
		Maturity:   stored.Maturity,
		RateBips:   stored.RateBips,
		Status:     Status(stored.Status),
		Origin:     Origin(stored.Origin),
	}, nil
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func readLoan(tx storage.Tx, id LoanID) (*Loan, error) {
	raw := tx.Get(bucketLoans, id[:])
	if raw == nil {
		return nil, ErrLoanNotFound
	}
	return decodeLoan(raw)
}

func writeLoan(tx storage.Tx, loan *Loan) error {
	encoded, err := encodeLoan(loan)
	if err != nil {
		return err
	}
	if err := tx.Put(bucketLoans, loan.ID[:], encoded); err != nil {
		return err
	}
	if loan.Status == StatusActive {
		return tx.Put(bucketActive, loan.ID[:], []byte{1})
	}
	return tx.Delete(bucketActive, loan.ID[:])
}

func indexLoan(tx storage.Tx, loan *Loan) error {
	if err := tx.Put(bucketByBorrower, indexKey(loan.Borrower, loan.Sequence), loan.ID[:]); err != nil {
		return err
	}
	return tx.Put(bucketByLender, indexKey(loan.Lender, loan.Sequence), loan.ID[:])
}

// indexKey orders a party's loans by origination sequence.
func indexKey(party crypto.Address, seq uint64) []byte {
	key := make([]byte, 0, crypto.AddressLength+8)
	key = append(key, party.Bytes()...)
	return binary.BigEndian.AppendUint64(key, seq)
}

func nextSequence(tx storage.Tx) (uint64, error) {
	var seq uint64
	if raw := tx.Get(bucketMeta, keySequence); len(raw) == 8 {
		seq = binary.BigEndian.Uint64(raw)
	}
	seq++
	if err := tx.Put(bucketMeta, keySequence, binary.BigEndian.AppendUint64(nil, seq)); err != nil {
		return 0, err
	}
	return seq, nil
}

func loansByIndex(tx storage.Tx, bucket []byte, party crypto.Address) ([]*Loan, error) {
	loans := make([]*Loan, 0)
	err := tx.ForEach(bucket, party.Bytes(), func(_, value []byte) error {
		var id LoanID
		copy(id[:], value)
		loan, err := readLoan(tx, id)
		if err != nil {
			return err
		}
		loans = append(loans, loan)
		return nil
	})
	return loans, err
}

// deriveLoanID hashes the origination sequence, timestamp and borrower.
func deriveLoanID(seq, createdAt uint64, borrower crypto.Address) (LoanID, error) {
	encoded, err := rlp.EncodeToBytes([]interface{}{seq, createdAt, borrower.Bytes()})
	if err != nil {
		return LoanID{}, err
	}
	var id LoanID
	copy(id[:], crypto.Keccak256(encoded))
	return id, nil
}
