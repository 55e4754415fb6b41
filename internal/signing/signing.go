// Package signing verifies the secp256k1 message signatures that xServers
// and profile owners attach to registrations, heartbeats and
// reservations. Addresses are 20-byte hex addresses; messages are hashed
// with the personal-message prefix before signing.
package signing

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is R || S || V.
const SignatureLength = 65

var (
	ErrBadAddress   = errors.New("malformed address")
	ErrBadSignature = errors.New("malformed signature")
	ErrMismatch     = errors.New("signature does not match address")
)

// Verifier checks that signature was produced over payload by the key
// behind address.
type Verifier interface {
	Verify(address, payload, signature string) error
}

// Secp256k1 is the production Verifier.
type Secp256k1 struct{}

// ValidAddress reports whether s is a 0x-prefixed 20-byte hex address.
func ValidAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// NormalizeAddress returns the checksummed form of a valid address.
func NormalizeAddress(s string) (string, error) {
	if !ValidAddress(s) {
		return "", fmt.Errorf("%w: %q", ErrBadAddress, s)
	}
	return common.HexToAddress(s).Hex(), nil
}

// DecodeSignature parses a 0x-hex signature and returns its raw bytes.
func DecodeSignature(signature string) ([]byte, error) {
	if !strings.HasPrefix(signature, "0x") {
		signature = "0x" + signature
	}
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if len(sig) != SignatureLength {
		return nil, fmt.Errorf("%w: length %d", ErrBadSignature, len(sig))
	}
	return sig, nil
}

// Verify implements Verifier.
func (Secp256k1) Verify(address, payload, signature string) error {
	if !ValidAddress(address) {
		return fmt.Errorf("%w: %q", ErrBadAddress, address)
	}
	sig, err := DecodeSignature(signature)
	if err != nil {
		return err
	}
	// Wallets emit V as 27/28; recovery wants 0/1.
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return fmt.Errorf("%w: recovery id %d", ErrBadSignature, sig[64])
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(payload)), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if crypto.PubkeyToAddress(*pub) != common.HexToAddress(address) {
		return ErrMismatch
	}
	return nil
}

// Sign produces a signature Verify accepts. Used by the CLI and tests.
func Sign(key *ecdsa.PrivateKey, payload string) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(payload)), key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// Address derives the hex address of key.
func Address(key *ecdsa.PrivateKey) string {
	return crypto.PubkeyToAddress(key.PublicKey).Hex()
}

// GenerateKey creates a fresh secp256k1 key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}

// LoadKey parses a hex private key.
func LoadKey(hexKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
}
