package events

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"cowlend/core/types"
	"cowlend/crypto"
)

const (
	// TypeLoanCreated is emitted once per originated loan.
	TypeLoanCreated = "lending.loan_created"
	// TypeLoanRepaid is emitted when the borrower closes a loan.
	TypeLoanRepaid = "lending.loan_repaid"
	// TypeLoanLiquidated is emitted when collateral is sold to close a loan.
	TypeLoanLiquidated = "lending.loan_liquidated"
	// TypeCollateralDeposited is emitted when collateral is added to a loan.
	TypeCollateralDeposited = "lending.collateral_deposited"
	// TypeBatchSettled is emitted once per committed settlement batch.
	TypeBatchSettled = "lending.batch_settled"
)

type LoanCreated struct {
	LoanID     [32]byte
	Lender     crypto.Address
	Borrower   crypto.Address
	Principal  *big.Int
	Collateral *big.Int
	RateBips   uint64
	Maturity   uint64
	Origin     string
}

func (LoanCreated) EventType() string { return TypeLoanCreated }

func (e LoanCreated) Event() *types.Event {
	return &types.Event{
		Type: TypeLoanCreated,
		Attributes: map[string]string{
			"loanId":     loanIDHex(e.LoanID),
			"lender":     e.Lender.String(),
			"borrower":   e.Borrower.String(),
			"principal":  amountString(e.Principal),
			"collateral": amountString(e.Collateral),
			"rateBips":   strconv.FormatUint(e.RateBips, 10),
			"maturity":   strconv.FormatUint(e.Maturity, 10),
			"origin":     e.Origin,
		},
	}
}

type LoanRepaid struct {
	LoanID    [32]byte
	Payer     crypto.Address
	Principal *big.Int
	Interest  *big.Int
}

func (LoanRepaid) EventType() string { return TypeLoanRepaid }

func (e LoanRepaid) Event() *types.Event {
	return &types.Event{
		Type: TypeLoanRepaid,
		Attributes: map[string]string{
			"loanId":    loanIDHex(e.LoanID),
			"payer":     e.Payer.String(),
			"principal": amountString(e.Principal),
			"interest":  amountString(e.Interest),
		},
	}
}

type LoanLiquidated struct {
	LoanID   [32]byte
	Path     string
	Proceeds *big.Int
	Surplus  *big.Int
	Penalty  *big.Int
	Caller   crypto.Address
}

func (LoanLiquidated) EventType() string { return TypeLoanLiquidated }

func (e LoanLiquidated) Event() *types.Event {
	return &types.Event{
		Type: TypeLoanLiquidated,
		Attributes: map[string]string{
			"loanId":   loanIDHex(e.LoanID),
			"path":     e.Path,
			"proceeds": amountString(e.Proceeds),
			"surplus":  amountString(e.Surplus),
			"penalty":  amountString(e.Penalty),
			"caller":   e.Caller.String(),
		},
	}
}

type CollateralDeposited struct {
	LoanID   [32]byte
	Borrower crypto.Address
	Amount   *big.Int
	Total    *big.Int
}

func (CollateralDeposited) EventType() string { return TypeCollateralDeposited }

func (e CollateralDeposited) Event() *types.Event {
	return &types.Event{
		Type: TypeCollateralDeposited,
		Attributes: map[string]string{
			"loanId":   loanIDHex(e.LoanID),
			"borrower": e.Borrower.String(),
			"amount":   amountString(e.Amount),
			"total":    amountString(e.Total),
		},
	}
}

type BatchSettled struct {
	BatchHash [32]byte
	Operator  crypto.Address
	Loans     int
}

func (BatchSettled) EventType() string { return TypeBatchSettled }

func (e BatchSettled) Event() *types.Event {
	return &types.Event{
		Type: TypeBatchSettled,
		Attributes: map[string]string{
			"batchHash": "0x" + hex.EncodeToString(e.BatchHash[:]),
			"operator":  e.Operator.String(),
			"loans":     strconv.Itoa(e.Loans),
		},
	}
}

func loanIDHex(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
