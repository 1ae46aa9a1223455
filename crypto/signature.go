package crypto

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the size of an [R || S || V] secp256k1 signature.
const SignatureLength = 65

var (
	ErrInvalidSignatureLength = errors.New("crypto: signature must be 65 bytes")
	ErrInvalidRecoveryID      = errors.New("crypto: invalid recovery id")
	ErrNullSigner             = errors.New("crypto: signature recovers to the null identity")
)

// Sign produces a 65-byte signature over a 32-byte digest. V is returned in
// the 27/28 form expected by wallets.
func Sign(digest []byte, key *PrivateKey) ([]byte, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	sig, err := crypto.Sign(digest, key.PrivateKey)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// RecoverAddress returns the signer of digest. V may be 0/1 or 27/28.
func RecoverAddress(digest, sig []byte) (Address, error) {
	if len(sig) != SignatureLength {
		return Address{}, ErrInvalidSignatureLength
	}
	normalized := append([]byte(nil), sig...)
	switch normalized[64] {
	case 27, 28:
		normalized[64] -= 27
	case 0, 1:
	default:
		return Address{}, ErrInvalidRecoveryID
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return Address{}, fmt.Errorf("crypto: recover public key: %w", err)
	}
	addr := NewAddress(LendPrefix, crypto.PubkeyToAddress(*pub).Bytes())
	if addr.IsZero() {
		return Address{}, ErrNullSigner
	}
	return addr, nil
}

// Keccak256 hashes the concatenation of the provided byte slices.
func Keccak256(data ...[]byte) []byte {
	return crypto.Keccak256(data...)
}
