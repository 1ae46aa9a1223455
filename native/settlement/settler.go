package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cowlend/core/events"
	"cowlend/crypto"
	nativecommon "cowlend/native/common"
	"cowlend/native/lending"
	"cowlend/native/matching"
	"cowlend/native/orders"
	"cowlend/observability/metrics"
)

const ModuleSubmit = "settlement.submit"

var (
	ErrInvalidProof   = fmt.Errorf("%w: operator proof does not match submitter", lending.ErrUnauthorized)
	ErrPartyMismatch  = errors.New("settlement: pair party does not match intent maker")
	ErrTermsOutOfBand = errors.New("settlement: pair terms outside intent bounds")
)

// Registry decides which operators may submit batches.
type Registry interface {
	IsAuthorized(addr crypto.Address) bool
}

// Settler applies operator batches to the ledger.
type Settler struct {
	ledger    *lending.Ledger
	validator *orders.Validator
	registry  Registry
	identity  crypto.Address
	pauses    nativecommon.PauseView
	logger    *slog.Logger
}

// NewSettler wires the settler. identity must be a registered loan originator.
func NewSettler(ledger *lending.Ledger, validator *orders.Validator, registry Registry, identity crypto.Address) *Settler {
	return &Settler{ledger: ledger, validator: validator, registry: registry, identity: identity, logger: slog.Default()}
}

func (s *Settler) SetPauses(p nativecommon.PauseView) { s.pauses = p }

func (s *Settler) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Domain is the signing domain batches and intents are verified under.
func (s *Settler) Domain() orders.Domain { return s.validator.Domain() }

// SubmitBatch verifies the operator and every pair, then creates all loans in
// list order as a single ledger operation. Any failure leaves no trace.
func (s *Settler) SubmitBatch(ctx context.Context, batch Batch, submitter crypto.Address, proof []byte) ([]lending.LoanID, error) {
	ids, digest, err := s.submit(ctx, batch, submitter, proof)
	if err != nil {
		metrics.Lending().ObserveBatch("rejected", 0)
		s.logger.Warn("settlement batch rejected",
			slog.String("operator", submitter.String()),
			slog.Int("pairs", len(batch.Pairs)),
			slog.Any("error", err))
		return nil, err
	}
	s.logger.Info("settlement batch committed",
		slog.String("operator", submitter.String()),
		slog.String("batch", fmt.Sprintf("%x", digest)),
		slog.Int("loans", len(ids)))
	return ids, nil
}

func (s *Settler) submit(ctx context.Context, batch Batch, submitter crypto.Address, proof []byte) ([]lending.LoanID, [32]byte, error) {
	if s.registry == nil || !s.registry.IsAuthorized(submitter) {
		return nil, [32]byte{}, lending.ErrUnauthorized
	}
	if !batch.Operator.Equal(submitter) {
		return nil, [32]byte{}, ErrInvalidProof
	}
	domain := s.validator.Domain()
	digest, err := batch.Digest(domain)
	if err != nil {
		return nil, [32]byte{}, err
	}
	signer, err := crypto.RecoverAddress(digest[:], proof)
	if err != nil || !signer.Equal(submitter) {
		return nil, [32]byte{}, ErrInvalidProof
	}

	ids := make([]lending.LoanID, 0, len(batch.Pairs))
	err = s.ledger.Execute(ctx, func(op *lending.Op) error {
		if err := nativecommon.Guard(s.pauses, ModuleSubmit); err != nil {
			return err
		}
		now := uint64(op.Now().Unix())
		for i, pair := range batch.Pairs {
			id, err := s.applyPair(op, pair, now)
			if err != nil {
				return fmt.Errorf("settlement: pair %d: %w", i, err)
			}
			ids = append(ids, id)
		}
		op.Emit(events.BatchSettled{BatchHash: digest, Operator: submitter, Loans: len(ids)})
		count := len(ids)
		op.AfterCommit(func() { metrics.Lending().ObserveBatch("settled", count) })
		return nil
	})
	if err != nil {
		return nil, digest, err
	}
	return ids, digest, nil
}

func (s *Settler) applyPair(op *lending.Op, pair Pair, now uint64) (lending.LoanID, error) {
	lendSigner, err := s.validator.Verify(op.Tx(), pair.LendIntent, now)
	if err != nil {
		return lending.LoanID{}, fmt.Errorf("lend intent: %w", err)
	}
	borrowSigner, err := s.validator.Verify(op.Tx(), pair.BorrowIntent, now)
	if err != nil {
		return lending.LoanID{}, fmt.Errorf("borrow intent: %w", err)
	}
	if !lendSigner.Equal(pair.Lender) || !borrowSigner.Equal(pair.Borrower) {
		return lending.LoanID{}, ErrPartyMismatch
	}
	lend, borrow := pair.LendIntent.Order, pair.BorrowIntent.Order
	if err := matching.Compatible(lend, borrow, now); err != nil {
		return lending.LoanID{}, err
	}
	if err := checkBounds(pair, lend, borrow); err != nil {
		return lending.LoanID{}, err
	}
	return op.CreateLoan(lending.CreateParams{
		Lender:     pair.Lender,
		Borrower:   pair.Borrower,
		Principal:  pair.Principal,
		Collateral: pair.Collateral,
		RateBips:   pair.RateBips,
		Maturity:   pair.Maturity,
		Origin:     lending.OriginBatch,
	}, s.identity)
}

// checkBounds keeps the operator's chosen terms inside what both makers signed.
func checkBounds(pair Pair, lend, borrow orders.Order) error {
	if pair.Principal == nil || pair.Principal.Cmp(lend.Principal) != 0 {
		return fmt.Errorf("%w: principal", ErrTermsOutOfBand)
	}
	if pair.RateBips < lend.RateBips || pair.RateBips > borrow.RateBips {
		return fmt.Errorf("%w: rate %d not in [%d, %d]", ErrTermsOutOfBand, pair.RateBips, lend.RateBips, borrow.RateBips)
	}
	collateral := amountOrZero(pair.Collateral)
	if collateral.Cmp(amountOrZero(lend.Collateral)) < 0 || collateral.Cmp(amountOrZero(borrow.Collateral)) > 0 {
		return fmt.Errorf("%w: collateral", ErrTermsOutOfBand)
	}
	if pair.Maturity > lend.Maturity || pair.Maturity > borrow.Maturity {
		return fmt.Errorf("%w: maturity", ErrTermsOutOfBand)
	}
	return nil
}
