package crypto

import (
	"errors"
	"testing"
)

func TestSignAndRecoverRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	digest := Keccak256([]byte("loan order"))
	sig, err := Sign(digest, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("expected wallet style recovery id, got %d", sig[64])
	}
	signer, err := RecoverAddress(digest, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !signer.Equal(key.Address()) {
		t.Fatalf("recovered %s, want %s", signer, key.Address())
	}

	sig[64] -= 27
	signer, err = RecoverAddress(digest, sig)
	if err != nil {
		t.Fatalf("recover with raw v: %v", err)
	}
	if !signer.Equal(key.Address()) {
		t.Fatalf("raw v recovered %s", signer)
	}
}

func TestRecoverRejectsMalformedSignatures(t *testing.T) {
	digest := Keccak256([]byte("payload"))
	if _, err := RecoverAddress(digest, make([]byte, 64)); !errors.Is(err, ErrInvalidSignatureLength) {
		t.Fatalf("expected length error, got %v", err)
	}
	bad := make([]byte, SignatureLength)
	bad[64] = 9
	if _, err := RecoverAddress(digest, bad); !errors.Is(err, ErrInvalidRecoveryID) {
		t.Fatalf("expected recovery id error, got %v", err)
	}
	zero := make([]byte, SignatureLength)
	if _, err := RecoverAddress(digest, zero); err == nil {
		t.Fatalf("expected zero signature to fail")
	}
}

func TestParseAddressAcceptsHexAndBech32(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.Address()
	fromBech, err := ParseAddress(addr.String())
	if err != nil {
		t.Fatalf("parse bech32: %v", err)
	}
	fromHex, err := ParseAddress(addr.Hex())
	if err != nil {
		t.Fatalf("parse hex: %v", err)
	}
	if !fromBech.Equal(addr) || !fromHex.Equal(addr) {
		t.Fatalf("parsed addresses differ: %s %s %s", addr, fromBech, fromHex)
	}
	if fromHex.Prefix() != LendPrefix {
		t.Fatalf("unexpected prefix %q", fromHex.Prefix())
	}
}
