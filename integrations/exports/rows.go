// Package exports renders loan snapshots for analytics pipelines. Every
// export returns its payload alongside a SHA-256 checksum so downstream
// loaders can verify what they ingested.
package exports

import (
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"strconv"
	"time"

	"cowlend/native/lending"
)

// Row is the flattened view of one loan at snapshot time.
type Row struct {
	LoanID     string `json:"loan_id"`
	Sequence   uint64 `json:"sequence"`
	Origin     string `json:"origin"`
	Status     string `json:"status"`
	Lender     string `json:"lender"`
	Borrower   string `json:"borrower"`
	Principal  string `json:"principal"`
	Collateral string `json:"collateral"`
	RateBips   uint64 `json:"rate_bips"`
	CreatedAt  string `json:"created_at"`
	Maturity   string `json:"maturity"`
	Debt       string `json:"debt"`
	SnapshotAt string `json:"snapshot_at"`
}

var header = []string{
	"loan_id", "sequence", "origin", "status", "lender", "borrower", "principal",
	"collateral", "rate_bips", "created_at", "maturity", "debt", "snapshot_at",
}

// Rows flattens loans as of at. Debt is reported for active loans only.
func Rows(loans []*lending.Loan, at time.Time) []Row {
	at = at.UTC()
	snapshot := at.Format(time.RFC3339)
	rows := make([]Row, 0, len(loans))
	for _, loan := range loans {
		if loan == nil {
			continue
		}
		debt := "0"
		if loan.Status == lending.StatusActive {
			debt = loan.DebtAt(uint64(at.Unix())).String()
		}
		rows = append(rows, Row{
			LoanID:     loan.ID.String(),
			Sequence:   loan.Sequence,
			Origin:     loan.Origin.String(),
			Status:     loan.Status.String(),
			Lender:     loan.Lender.String(),
			Borrower:   loan.Borrower.String(),
			Principal:  amount(loan.Principal),
			Collateral: amount(loan.Collateral),
			RateBips:   loan.RateBips,
			CreatedAt:  unixRFC3339(loan.CreatedAt),
			Maturity:   unixRFC3339(loan.Maturity),
			Debt:       debt,
			SnapshotAt: snapshot,
		})
	}
	return rows
}

func (r Row) record() []string {
	return []string{
		r.LoanID,
		strconv.FormatUint(r.Sequence, 10),
		r.Origin,
		r.Status,
		r.Lender,
		r.Borrower,
		r.Principal,
		r.Collateral,
		strconv.FormatUint(r.RateBips, 10),
		r.CreatedAt,
		r.Maturity,
		r.Debt,
		r.SnapshotAt,
	}
}

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func unixRFC3339(sec uint64) string {
	return time.Unix(int64(sec), 0).UTC().Format(time.RFC3339)
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
