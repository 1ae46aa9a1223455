package lending

import "math/big"

// SecondsPerYear is the 365 day year used to annualise rates.
const SecondsPerYear = 365 * 24 * 60 * 60

// maxExpTerms bounds the Taylor expansion. Origination caps keep the exponent
// small enough that the series reaches a zero term long before this.
const maxExpTerms = 512

var (
	basisPoints = big.NewInt(10_000)
	wad         = mustBigInt("1000000000000000000") // 1e18 precision
	yearBips    = new(big.Int).Mul(big.NewInt(SecondsPerYear), basisPoints)
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// CompoundedDebt returns principal * e^(r*t) where r = rateBips/10_000 and t is
// min(elapsed, capSeconds) expressed in years. Every step truncates so the
// result never overstates the debt by a rounding unit, is exactly the
// principal at t = 0 and never decreases as elapsed grows.
func CompoundedDebt(principal *big.Int, rateBips, elapsed, capSeconds uint64) *big.Int {
	if principal == nil || principal.Sign() <= 0 {
		return big.NewInt(0)
	}
	if elapsed > capSeconds {
		elapsed = capSeconds
	}
	if rateBips == 0 || elapsed == 0 {
		return new(big.Int).Set(principal)
	}
	exponent := new(big.Int).SetUint64(rateBips)
	exponent.Mul(exponent, new(big.Int).SetUint64(elapsed))
	exponent.Mul(exponent, wad)
	exponent.Quo(exponent, yearBips)

	debt := new(big.Int).Mul(principal, expWad(exponent))
	return debt.Quo(debt, wad)
}

// expWad evaluates e^(x/1e18) scaled by 1e18 with a truncating Taylor series.
func expWad(x *big.Int) *big.Int {
	sum := new(big.Int).Set(wad)
	if x == nil || x.Sign() <= 0 {
		return sum
	}
	term := new(big.Int).Set(wad)
	for n := int64(1); n <= maxExpTerms; n++ {
		term.Mul(term, x)
		term.Quo(term, new(big.Int).Mul(big.NewInt(n), wad))
		if term.Sign() == 0 {
			break
		}
		sum.Add(sum, term)
	}
	return sum
}

// BasisPointsOf returns amount * bips / 10_000, truncated.
func BasisPointsOf(amount *big.Int, bips uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bips == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(bips))
	return out.Quo(out, basisPoints)
}

// mulDiv returns a*b/c truncated; c must be positive.
func mulDiv(a, b, c *big.Int) *big.Int {
	if a == nil || b == nil || c == nil || c.Sign() <= 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, c)
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
