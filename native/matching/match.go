// Package matching pairs lend and borrow intents into coincidences of wants.
// Its output is advisory: settlement re-checks every pair against the signed
// intents before anything moves.
package matching

import (
	"errors"
	"fmt"
	"math/big"

	"cowlend/native/orders"
)

var (
	ErrWrongSide         = errors.New("matching: intent on wrong side")
	ErrPrincipalMismatch = errors.New("matching: principal mismatch")
	ErrRateIncompatible  = errors.New("matching: lender minimum above borrower maximum")
	ErrCollateralTooLow  = errors.New("matching: committed collateral below lender requirement")
	ErrMaturityTooLong   = errors.New("matching: borrower maturity after lender maturity")
	ErrSameMaker         = errors.New("matching: lender and borrower are the same maker")
	ErrIntentExpired     = errors.New("matching: intent expired")
)

// Intent is a signed order waiting in the book. Seq is its submission order.
type Intent struct {
	ID     string
	Seq    uint64
	Signed orders.SignedOrder
}

func (i Intent) order() orders.Order { return i.Signed.Order }

// Pair is one matched loan: the terms it settles at and the two intents that
// authorise it.
type Pair struct {
	Lend       Intent
	Borrow     Intent
	Principal  *big.Int
	Collateral *big.Int
	RateBips   uint64
	Maturity   uint64
}

// Result of one matching round.
type Result struct {
	Pairs            []Pair
	UnmatchedLends   []Intent
	UnmatchedBorrows []Intent
	Expired          []Intent
}

// Compatible reports whether a lend intent can fill a borrow intent at now.
func Compatible(lend, borrow orders.Order, now uint64) error {
	if lend.Side != orders.SideLend || borrow.Side != orders.SideBorrow {
		return ErrWrongSide
	}
	if lend.Expiry <= now || borrow.Expiry <= now {
		return ErrIntentExpired
	}
	if lend.Maker.Equal(borrow.Maker) {
		return ErrSameMaker
	}
	if lend.Principal == nil || borrow.Principal == nil || lend.Principal.Cmp(borrow.Principal) != 0 {
		return ErrPrincipalMismatch
	}
	if lend.RateBips > borrow.RateBips {
		return fmt.Errorf("%w: %d > %d", ErrRateIncompatible, lend.RateBips, borrow.RateBips)
	}
	if amountOf(borrow.Collateral).Cmp(amountOf(lend.Collateral)) < 0 {
		return ErrCollateralTooLow
	}
	if borrow.Maturity > lend.Maturity {
		return ErrMaturityTooLong
	}
	return nil
}

// SettledRate splits the spread evenly, rounding toward the lender's minimum.
func SettledRate(lendMin, borrowMax uint64) uint64 {
	return lendMin + (borrowMax-lendMin)/2
}

// Terms derives the loan terms for a compatible pair.
func Terms(lend, borrow orders.Order) (principal, collateral *big.Int, rateBips, maturity uint64) {
	return new(big.Int).Set(borrow.Principal), new(big.Int).Set(amountOf(borrow.Collateral)),
		SettledRate(lend.RateBips, borrow.RateBips), borrow.Maturity
}

// Match walks borrow intents in submission order and gives each the unmatched
// lend intent with the smallest rate spread, earliest submission first on
// ties. Expired intents are dropped into Result.Expired.
func Match(lends, borrows []Intent, now uint64) Result {
	var res Result
	lendPool := make([]Intent, 0, len(lends))
	for _, in := range sortedBySeq(lends) {
		if in.order().Expiry <= now {
			res.Expired = append(res.Expired, in)
			continue
		}
		lendPool = append(lendPool, in)
	}
	taken := make([]bool, len(lendPool))

	for _, borrow := range sortedBySeq(borrows) {
		if borrow.order().Expiry <= now {
			res.Expired = append(res.Expired, borrow)
			continue
		}
		best := -1
		var bestSpread uint64
		for i, lend := range lendPool {
			if taken[i] {
				continue
			}
			if Compatible(lend.order(), borrow.order(), now) != nil {
				continue
			}
			spread := borrow.order().RateBips - lend.order().RateBips
			// lendPool is in submission order, so strict < keeps the earliest on ties.
			if best < 0 || spread < bestSpread {
				best, bestSpread = i, spread
			}
		}
		if best < 0 {
			res.UnmatchedBorrows = append(res.UnmatchedBorrows, borrow)
			continue
		}
		taken[best] = true
		lend := lendPool[best]
		principal, collateral, rate, maturity := Terms(lend.order(), borrow.order())
		res.Pairs = append(res.Pairs, Pair{
			Lend:       lend,
			Borrow:     borrow,
			Principal:  principal,
			Collateral: collateral,
			RateBips:   rate,
			Maturity:   maturity,
		})
	}
	for i, lend := range lendPool {
		if !taken[i] {
			res.UnmatchedLends = append(res.UnmatchedLends, lend)
		}
	}
	return res
}

func sortedBySeq(in []Intent) []Intent {
	out := append([]Intent(nil), in...)
	// insertion sort keeps equal Seq values in input order
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Seq < out[j-1].Seq; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func amountOf(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
