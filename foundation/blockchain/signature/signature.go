// Package signature provides key management and signing support for
// the blockchain.
package signature

import (
	"crypto/ecdsa"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Lengths of the raw key and signature material.
const (
	PublicKeyLength  = 33
	PrivateKeyLength = 32
	SignatureLength  = 65
)

// Magic bytes that distinguish the two key file layouts.
const (
	fileMagicPublic  = 0x01
	fileMagicKeypair = 0x02
)

// PublicKey is a compressed secp256k1 point. It acts as both the
// destination of an output and the identity of a signer. Equality
// is byte equality.
type PublicKey [PublicKeyLength]byte

// IsZero reports whether the key is the zero value.
func (pub PublicKey) IsZero() bool {
	return pub == PublicKey{}
}

// String returns the hex representation of the public key.
func (pub PublicKey) String() string {
	return hexutil.Encode(pub[:])
}

// PublicKeyFromBytes constructs a public key from raw bytes, checking the
// bytes form a valid curve point.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	if len(b) != PublicKeyLength {
		return PublicKey{}, fmt.Errorf("public key must be %d bytes, got %d", PublicKeyLength, len(b))
	}

	if _, err := crypto.DecompressPubkey(b); err != nil {
		return PublicKey{}, fmt.Errorf("invalid public key: %w", err)
	}

	var pub PublicKey
	copy(pub[:], b)
	return pub, nil
}

// =============================================================================

// Signature is a 65 byte recoverable ECDSA signature in [R || S || V] form.
type Signature [SignatureLength]byte

// IsZero reports whether the signature is the zero value.
func (sig Signature) IsZero() bool {
	return sig == Signature{}
}

// String returns the hex representation of the signature.
func (sig Signature) String() string {
	return hexutil.Encode(sig[:])
}

// =============================================================================

// PrivateKey wraps the underlying ecdsa key so the raw value never
// travels through the rest of the code base.
type PrivateKey struct {
	key *ecdsa.PrivateKey
}

// Generate creates a new random keypair.
func Generate() (PrivateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return PrivateKey{}, fmt.Errorf("generating key: %w", err)
	}

	return PrivateKey{key: key}, nil
}

// PublicKey returns the compressed public key for this private key.
func (prv PrivateKey) PublicKey() PublicKey {
	var pub PublicKey
	copy(pub[:], crypto.CompressPubkey(&prv.key.PublicKey))
	return pub
}

// Sign signs the specified 32 byte digest.
func (prv PrivateKey) Sign(digest chainhash.Hash) (Signature, error) {
	raw, err := crypto.Sign(digest[:], prv.key)
	if err != nil {
		return Signature{}, fmt.Errorf("signing digest: %w", err)
	}

	var sig Signature
	copy(sig[:], raw)
	return sig, nil
}

// Verify reports whether the signature over the digest was produced by the
// holder of the specified public key. Any malformed input yields false. The
// comparison of the recovered key is constant time.
func Verify(pub PublicKey, digest chainhash.Hash, sig Signature) bool {
	recovered, err := crypto.SigToPub(digest[:], sig[:])
	if err != nil {
		return false
	}

	return subtle.ConstantTimeCompare(crypto.CompressPubkey(recovered), pub[:]) == 1
}

// =============================================================================
// Key files hold either a bare public key or a full keypair. A single magic
// byte up front distinguishes the two layouts.

// SavePublicKey writes a public key file.
func SavePublicKey(path string, pub PublicKey) error {
	data := make([]byte, 1+PublicKeyLength)
	data[0] = fileMagicPublic
	copy(data[1:], pub[:])

	return os.WriteFile(path, data, 0600)
}

// Save writes a keypair file containing the private key followed by
// its public key.
func (prv PrivateKey) Save(path string) error {
	data := make([]byte, 1+PrivateKeyLength+PublicKeyLength)
	data[0] = fileMagicKeypair
	copy(data[1:], crypto.FromECDSA(prv.key))

	pub := prv.PublicKey()
	copy(data[1+PrivateKeyLength:], pub[:])

	return os.WriteFile(path, data, 0600)
}

// LoadPublicKey reads a key file and returns the public key it carries.
// Both file layouts are accepted.
func LoadPublicKey(path string) (PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PublicKey{}, err
	}

	switch {
	case len(data) == 1+PublicKeyLength && data[0] == fileMagicPublic:
		return PublicKeyFromBytes(data[1:])

	case len(data) == 1+PrivateKeyLength+PublicKeyLength && data[0] == fileMagicKeypair:
		return PublicKeyFromBytes(data[1+PrivateKeyLength:])
	}

	return PublicKey{}, errors.New("malformed key file")
}

// LoadPrivateKey reads a keypair file and returns the private key.
func LoadPrivateKey(path string) (PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PrivateKey{}, err
	}

	if len(data) != 1+PrivateKeyLength+PublicKeyLength || data[0] != fileMagicKeypair {
		return PrivateKey{}, errors.New("malformed keypair file")
	}

	key, err := crypto.ToECDSA(data[1 : 1+PrivateKeyLength])
	if err != nil {
		return PrivateKey{}, fmt.Errorf("invalid private key: %w", err)
	}

	return PrivateKey{key: key}, nil
}
