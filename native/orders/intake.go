package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"cowlend/crypto"
	"cowlend/native/common"
	"cowlend/native/lending"
	"cowlend/observability/metrics"
	"cowlend/storage"
)

var bucketQuota = []byte("orders/quota")

const moduleIntake = "orders.intake"

// Intake turns directly accepted signed offers into loans.
type Intake struct {
	ledger    *lending.Ledger
	validator *Validator
	identity  crypto.Address
	quota     common.Quota
	pauses    common.PauseView
	logger    *slog.Logger
}

// NewIntake wires the intake. identity must be registered as a loan
// originator on ledger.
func NewIntake(ledger *lending.Ledger, validator *Validator, identity crypto.Address) *Intake {
	return &Intake{ledger: ledger, validator: validator, identity: identity, logger: slog.Default()}
}

// SetQuota limits how many orders and how much principal each maker may have
// accepted per epoch.
func (in *Intake) SetQuota(q common.Quota) { in.quota = q }

func (in *Intake) SetPauses(p common.PauseView) { in.pauses = p }

func (in *Intake) SetLogger(logger *slog.Logger) {
	if logger != nil {
		in.logger = logger
	}
}

// Identity is the originator address this intake creates loans as.
func (in *Intake) Identity() crypto.Address { return in.identity }

// Accept verifies the maker's signed offer and opens the loan with taker as
// the counterparty. Signature, nonce consumption, fund movements and loan
// creation commit together or not at all.
func (in *Intake) Accept(ctx context.Context, signed SignedOrder, taker crypto.Address) (lending.LoanID, error) {
	var id lending.LoanID
	err := in.ledger.Execute(ctx, func(op *lending.Op) error {
		if err := common.Guard(in.pauses, moduleIntake); err != nil {
			return err
		}
		now := uint64(op.Now().Unix())
		maker, err := in.validator.Verify(op.Tx(), signed, now)
		if err != nil {
			return err
		}
		if taker.IsZero() || taker.Equal(maker) {
			return fmt.Errorf("%w: taker must differ from maker", ErrInvalidOrder)
		}
		if err := in.chargeQuota(op.Tx(), maker, signed.Order.Principal, op.Now().Unix()); err != nil {
			return err
		}

		order := signed.Order
		params := lending.CreateParams{
			Principal:  order.Principal,
			Collateral: order.Collateral,
			RateBips:   order.RateBips,
			Maturity:   order.Maturity,
			Origin:     lending.OriginOrder,
		}
		if order.Side == SideLend {
			params.Lender, params.Borrower = maker, taker
		} else {
			params.Lender, params.Borrower = taker, maker
		}
		id, err = op.CreateLoan(params, in.identity)
		return err
	})
	if err != nil {
		reason := rejectReason(err)
		metrics.Lending().ObserveOrderRejected(reason)
		in.logger.Debug("order rejected", slog.String("maker", signed.Order.Maker.String()), slog.String("reason", reason), slog.Any("error", err))
		return lending.LoanID{}, err
	}
	return id, nil
}

// Cancel burns a nonce so any order signed with it can no longer be used.
func (in *Intake) Cancel(ctx context.Context, maker crypto.Address, nonce *big.Int) error {
	return in.ledger.Execute(ctx, func(op *lending.Op) error {
		return in.validator.ConsumeNonce(op.Tx(), maker, nonce)
	})
}

// NonceUsed reports whether maker's nonce has been consumed.
func (in *Intake) NonceUsed(maker crypto.Address, nonce *big.Int) (bool, error) {
	var used bool
	err := in.ledger.View(func(tx storage.Tx) error {
		used = in.validator.NonceUsed(tx, maker, nonce)
		return nil
	})
	return used, err
}

func (in *Intake) chargeQuota(tx storage.Tx, maker crypto.Address, principal *big.Int, unix int64) error {
	if in.quota.MaxRequestsPerEpoch == 0 && (in.quota.MaxAmountPerEpoch == nil || in.quota.MaxAmountPerEpoch.Sign() == 0) {
		return nil
	}
	var prev common.QuotaNow
	if raw := tx.Get(bucketQuota, maker.Bytes()); raw != nil {
		if err := json.Unmarshal(raw, &prev); err != nil {
			return fmt.Errorf("orders: decode quota: %w", err)
		}
	}
	next, err := common.CheckQuota(in.quota, in.quota.Epoch(unix), prev, 1, principal)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(next)
	if err != nil {
		return err
	}
	return tx.Put(bucketQuota, maker.Bytes(), encoded)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return "signature"
	case errors.Is(err, ErrNonceAlreadyUsed):
		return "nonce"
	case errors.Is(err, ErrOrderExpired):
		return "expired"
	case errors.Is(err, ErrInvalidOrder):
		return "invalid"
	case errors.Is(err, common.ErrQuotaRequestsExceeded), errors.Is(err, common.ErrQuotaAmountExceeded):
		return "quota"
	case errors.Is(err, common.ErrInsufficientBalance):
		return "balance"
	default:
		return lending.KindOf(err).String()
	}
}
