package lending

import (
	"errors"

	nativecommon "cowlend/native/common"
)

var (
	errNilState = errors.New("lending: store not configured")

	ErrInvalidAmount    = errors.New("lending: invalid amount")
	ErrInvalidMaturity  = errors.New("lending: invalid maturity")
	ErrInvalidRate      = errors.New("lending: rate out of bounds")
	ErrInvalidParty     = errors.New("lending: invalid counterparty")
	ErrUnauthorized     = errors.New("lending: caller not authorized")
	ErrLoanNotFound     = errors.New("lending: loan not found")
	ErrNotBorrower      = errors.New("lending: caller is not the borrower")
	ErrLoanNotActive    = errors.New("lending: loan not active")
	ErrLoanNotMature    = errors.New("lending: loan not mature")
	ErrNotLiquidatable  = errors.New("lending: loan not liquidatable")
	ErrStalePrice       = errors.New("lending: oracle price is stale")
	ErrPriceUnavailable = errors.New("lending: oracle price unavailable")
	ErrSlippageTooHigh  = errors.New("lending: slippage too high")
	ErrSwapFailed       = errors.New("lending: collateral swap failed")
)

// Kind groups errors by how callers should react to them.
type Kind uint8

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthorization
	KindNotFound
	KindPrecondition
	KindDependency
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindPrecondition:
		return "precondition"
	case KindDependency:
		return "dependency"
	default:
		return "internal"
	}
}

var kindTable = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidAmount, KindValidation},
	{ErrInvalidMaturity, KindValidation},
	{ErrInvalidRate, KindValidation},
	{ErrInvalidParty, KindValidation},
	{ErrSlippageTooHigh, KindValidation},
	{ErrUnauthorized, KindAuthorization},
	{ErrNotBorrower, KindAuthorization},
	{ErrLoanNotFound, KindNotFound},
	{ErrLoanNotActive, KindPrecondition},
	{ErrLoanNotMature, KindPrecondition},
	{ErrNotLiquidatable, KindPrecondition},
	{nativecommon.ErrInsufficientBalance, KindPrecondition},
	{nativecommon.ErrModulePaused, KindPrecondition},
	{ErrStalePrice, KindDependency},
	{ErrPriceUnavailable, KindDependency},
	{ErrSwapFailed, KindDependency},
}

// KindOf classifies err. Errors wrapped with %w keep their kind.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	for _, entry := range kindTable {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return KindInternal
}
