package orders

import (
	"errors"
	"fmt"
	"math/big"

	"cowlend/crypto"
	"cowlend/storage"
)

var bucketNonces = []byte("orders/nonces")

var (
	ErrInvalidSignature = errors.New("orders: invalid signature")
	ErrNonceAlreadyUsed = errors.New("orders: nonce already used")
	ErrOrderExpired     = errors.New("orders: order expired")
	ErrInvalidOrder     = errors.New("orders: invalid order")
)

// Validator verifies order signatures and owns the set of consumed nonces.
type Validator struct {
	domain Domain
}

func NewValidator(domain Domain) *Validator {
	return &Validator{domain: domain}
}

// Domain returns the signing domain.
func (v *Validator) Domain() Domain {
	return v.domain
}

// Validate recovers the signer of order and checks it is the declared maker.
func (v *Validator) Validate(order Order, signature []byte) (crypto.Address, error) {
	digest, err := order.Digest(v.domain)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	signer, err := crypto.RecoverAddress(digest[:], signature)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !signer.Equal(order.Maker) {
		return crypto.Address{}, fmt.Errorf("%w: signed by %s, maker is %s", ErrInvalidSignature, signer, order.Maker)
	}
	return signer, nil
}

// CheckTerms rejects malformed or expired orders. now is a unix timestamp.
func CheckTerms(order Order, now uint64) error {
	if order.Side != SideLend && order.Side != SideBorrow {
		return fmt.Errorf("%w: unknown side", ErrInvalidOrder)
	}
	if order.Principal == nil || order.Principal.Sign() <= 0 {
		return fmt.Errorf("%w: principal must be positive", ErrInvalidOrder)
	}
	if order.Collateral != nil && order.Collateral.Sign() < 0 {
		return fmt.Errorf("%w: negative collateral", ErrInvalidOrder)
	}
	if order.Nonce == nil || order.Nonce.Sign() < 0 {
		return fmt.Errorf("%w: nonce required", ErrInvalidOrder)
	}
	if order.Expiry <= now {
		return ErrOrderExpired
	}
	if order.Maturity <= now {
		return fmt.Errorf("%w: maturity already passed", ErrInvalidOrder)
	}
	return nil
}

func nonceKey(signer crypto.Address, nonce *big.Int) []byte {
	key := make([]byte, 0, crypto.AddressLength+32)
	key = append(key, signer.Bytes()...)
	var padded [32]byte
	nonce.FillBytes(padded[:])
	return append(key, padded[:]...)
}

// ConsumeNonce marks nonce as used for signer inside tx. Consuming the same
// nonce twice fails.
func (v *Validator) ConsumeNonce(tx storage.Tx, signer crypto.Address, nonce *big.Int) error {
	if nonce == nil || nonce.Sign() < 0 || nonce.BitLen() > 256 {
		return fmt.Errorf("%w: nonce out of range", ErrInvalidOrder)
	}
	key := nonceKey(signer, nonce)
	if tx.Get(bucketNonces, key) != nil {
		return ErrNonceAlreadyUsed
	}
	return tx.Put(bucketNonces, key, []byte{1})
}

// NonceUsed reports whether nonce has been consumed for signer.
func (v *Validator) NonceUsed(tx storage.Tx, signer crypto.Address, nonce *big.Int) bool {
	if nonce == nil || nonce.Sign() < 0 || nonce.BitLen() > 256 {
		return false
	}
	return tx.Get(bucketNonces, nonceKey(signer, nonce)) != nil
}

// Verify checks terms and the signature, then consumes the nonce. Run it inside
// the same transaction as whatever the order authorises.
func (v *Validator) Verify(tx storage.Tx, signed SignedOrder, now uint64) (crypto.Address, error) {
	if err := CheckTerms(signed.Order, now); err != nil {
		return crypto.Address{}, err
	}
	signer, err := v.Validate(signed.Order, signed.Signature)
	if err != nil {
		return crypto.Address{}, err
	}
	if err := v.ConsumeNonce(tx, signer, signed.Order.Nonce); err != nil {
		return crypto.Address{}, err
	}
	return signer, nil
}
