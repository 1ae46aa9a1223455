// Package api holds the JSON request and response bodies of the lendingd
// HTTP API. Amounts travel as decimal strings and addresses in bech32 form.
package api

import (
	"cowlend/native/orders"
	"cowlend/native/settlement"
)

// Loan is the public view of a loan with its debt at read time.
type Loan struct {
	ID         string `json:"id"`
	Sequence   uint64 `json:"sequence"`
	Lender     string `json:"lender"`
	Borrower   string `json:"borrower"`
	Principal  string `json:"principal"`
	Collateral string `json:"collateral"`
	RateBips   uint64 `json:"rateBips"`
	CreatedAt  uint64 `json:"createdAt"`
	Maturity   uint64 `json:"maturity"`
	Status     string `json:"status"`
	Origin     string `json:"origin"`
	Debt       string `json:"debt"`
}

type LoanList struct {
	Loans []Loan `json:"loans"`
}

type LoanIDs struct {
	LoanIDs []string `json:"loanIds"`
}

type Debt struct {
	LoanID string `json:"loanId"`
	Debt   string `json:"debt"`
}

// Health reports liquidation eligibility. HealthFactor is empty when no fresh
// price is available.
type Health struct {
	LoanID       string `json:"loanId"`
	Liquidatable bool   `json:"liquidatable"`
	Path         string `json:"path"`
	HealthFactor string `json:"healthFactor,omitempty"`
}

type AcceptOrderRequest struct {
	Order orders.Wire `json:"order"`
}

type AcceptOrderResponse struct {
	LoanID string `json:"loanId"`
}

type CancelNonceRequest struct {
	Nonce string `json:"nonce"`
}

type NonceStatus struct {
	Maker string `json:"maker"`
	Nonce string `json:"nonce"`
	Used  bool   `json:"used"`
}

type DepositRequest struct {
	Amount string `json:"amount"`
}

type DepositResponse struct {
	Collateral string `json:"collateral"`
}

type RepayResponse struct {
	PrincipalPaid string `json:"principalPaid"`
	InterestPaid  string `json:"interestPaid"`
}

type LiquidateRequest struct {
	SlippageBps uint64 `json:"slippageBps"`
}

type LiquidateResponse struct {
	LoanID       string `json:"loanId"`
	Path         string `json:"path"`
	Debt         string `json:"debt"`
	Proceeds     string `json:"proceeds"`
	MinAmountOut string `json:"minAmountOut"`
	ToLender     string `json:"toLender"`
	ToTreasury   string `json:"toTreasury"`
	ToBorrower   string `json:"toBorrower"`
	Shortfall    string `json:"shortfall"`
}

// SubmitBatchRequest is a signed settlement batch.
type SubmitBatchRequest = settlement.Submission

type PriceReport struct {
	Pair      string `json:"pair"`
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

type Price struct {
	Pair      string `json:"pair"`
	Value     string `json:"value"`
	UpdatedAt int64  `json:"updatedAt"`
	Source    string `json:"source"`
}

type ManualPriceRequest struct {
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

type SwapRequest struct {
	AssetIn      string `json:"assetIn"`
	AmountIn     string `json:"amountIn"`
	MinAmountOut string `json:"minAmountOut"`
}

type SwapResponse struct {
	AmountOut string `json:"amountOut"`
}

type Reserves struct {
	Account  string            `json:"account"`
	Reserves map[string]string `json:"reserves"`
}

type Balances struct {
	Address  string            `json:"address"`
	Balances map[string]string `json:"balances"`
}

type PauseRequest struct {
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

type Pauses struct {
	Paused []string `json:"paused"`
}

type MintRequest struct {
	Asset  string `json:"asset"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type OperatorRequest struct {
	Address    string `json:"address"`
	Authorized bool   `json:"authorized"`
}

type Operators struct {
	Members []string `json:"members"`
}

// Error is the body of every non-2xx response.
type Error struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
