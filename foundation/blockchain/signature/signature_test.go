package signature_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/ferrumchain/ferrum/foundation/blockchain/signature"
)

func TestSignVerify(t *testing.T) {
	prv, err := signature.Generate()
	require.NoError(t, err)

	digest := chainhash.HashH([]byte("spend the output"))

	sig, err := prv.Sign(digest)
	require.NoError(t, err)

	require.True(t, signature.Verify(prv.PublicKey(), digest, sig))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	prv, err := signature.Generate()
	require.NoError(t, err)
	other, err := signature.Generate()
	require.NoError(t, err)

	digest := chainhash.HashH([]byte("spend the output"))
	sig, err := prv.Sign(digest)
	require.NoError(t, err)

	require.False(t, signature.Verify(other.PublicKey(), digest, sig))
}

func TestVerifyRejectsWrongDigest(t *testing.T) {
	prv, err := signature.Generate()
	require.NoError(t, err)

	sig, err := prv.Sign(chainhash.HashH([]byte("one")))
	require.NoError(t, err)

	require.False(t, signature.Verify(prv.PublicKey(), chainhash.HashH([]byte("two")), sig))
}

func TestVerifyMalformedSignatureIsFalse(t *testing.T) {
	prv, err := signature.Generate()
	require.NoError(t, err)

	var garbage signature.Signature
	for i := range garbage {
		garbage[i] = 0xff
	}

	// Must return false, never panic.
	require.False(t, signature.Verify(prv.PublicKey(), chainhash.HashH([]byte("x")), garbage))
}

func TestPublicKeyFromBytesRejectsGarbage(t *testing.T) {
	_, err := signature.PublicKeyFromBytes(make([]byte, signature.PublicKeyLength))
	require.Error(t, err)

	_, err = signature.PublicKeyFromBytes([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestKeyFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "node.key")
	pubPath := filepath.Join(dir, "node.pub")

	prv, err := signature.Generate()
	require.NoError(t, err)

	require.NoError(t, prv.Save(keyPath))
	require.NoError(t, signature.SavePublicKey(pubPath, prv.PublicKey()))

	loaded, err := signature.LoadPrivateKey(keyPath)
	require.NoError(t, err)
	require.Equal(t, prv.PublicKey(), loaded.PublicKey())

	// Both layouts resolve to the same public key.
	fromPub, err := signature.LoadPublicKey(pubPath)
	require.NoError(t, err)
	fromKeypair, err := signature.LoadPublicKey(keyPath)
	require.NoError(t, err)
	require.Equal(t, fromPub, fromKeypair)
}

func TestLoadRejectsMalformedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.key")

	require.NoError(t, os.WriteFile(path, []byte{0x09, 1, 2, 3}, 0600))

	_, err := signature.LoadPublicKey(path)
	require.Error(t, err)

	_, err = signature.LoadPrivateKey(path)
	require.Error(t, err)
}
