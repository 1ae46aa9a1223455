package oracle

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"cowlend/crypto"
)

// ReportDomainV1 separates price report signatures from other payloads.
const ReportDomainV1 = "COWLEND_PRICE_V1"

// Report is a signed price observation: Value units of principal per unit of
// collateral, scaled by the lending price scale.
type Report struct {
	Pair      string
	Value     *big.Int
	Timestamp time.Time
	Signature []byte
}

// CanonicalMessage renders the string that signers sign.
func (r Report) CanonicalMessage() (string, error) {
	pair := normalisePair(r.Pair)
	if pair == "" {
		return "", fmt.Errorf("price report: pair required")
	}
	if r.Value == nil || r.Value.Sign() <= 0 {
		return "", fmt.Errorf("price report: value must be positive")
	}
	if r.Timestamp.IsZero() {
		return "", fmt.Errorf("price report: timestamp required")
	}
	var b strings.Builder
	b.WriteString(ReportDomainV1)
	b.WriteString("|pair=")
	b.WriteString(pair)
	b.WriteString("|value=")
	b.WriteString(r.Value.String())
	b.WriteString("|ts=")
	b.WriteString(fmt.Sprintf("%d", r.Timestamp.UTC().Unix()))
	return b.String(), nil
}

// Hash is the keccak256 digest of the canonical message.
func (r Report) Hash() ([]byte, error) {
	message, err := r.CanonicalMessage()
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256([]byte(message)), nil
}

// SignReport fills in the report signature using key.
func SignReport(r Report, key *crypto.PrivateKey) (Report, error) {
	hash, err := r.Hash()
	if err != nil {
		return Report{}, err
	}
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return Report{}, err
	}
	r.Signature = sig
	return r, nil
}

func normalisePair(pair string) string {
	parts := strings.Split(strings.TrimSpace(pair), "/")
	if len(parts) != 2 {
		return ""
	}
	base := strings.ToUpper(strings.TrimSpace(parts[0]))
	quote := strings.ToUpper(strings.TrimSpace(parts[1]))
	if base == "" || quote == "" {
		return ""
	}
	return base + "/" + quote
}
