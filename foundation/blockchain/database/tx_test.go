package database_test

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ferrumchain/ferrum/foundation/blockchain/database"
	"github.com/ferrumchain/ferrum/foundation/blockchain/signature"
	"github.com/ferrumchain/ferrum/foundation/blockchain/wire"
)

func mustKey(t *testing.T) signature.PrivateKey {
	t.Helper()
	prv, err := signature.Generate()
	require.NoError(t, err)
	return prv
}

func sampleTx(t *testing.T, prv signature.PrivateKey) database.Tx {
	t.Helper()

	tx := database.Tx{
		Inputs: []database.TxInput{
			{Previous: database.OutPoint{TxHash: chainhash.HashH([]byte("prev")), Index: 1}},
		},
		Outputs: []database.TxOutput{
			{Value: 900, UniqueID: uuid.New(), Recipient: prv.PublicKey()},
		},
	}
	require.NoError(t, tx.SignInputs(prv))
	return tx
}

func TestTxRoundTrip(t *testing.T) {
	tx := sampleTx(t, mustKey(t))

	var decoded database.Tx
	require.NoError(t, wire.Decode(wire.Encode(tx), &decoded))
	require.Equal(t, tx, decoded)
	require.Equal(t, tx.Hash(), decoded.Hash())
}

func TestTxDecodeRejectsTrailingBytes(t *testing.T) {
	tx := sampleTx(t, mustKey(t))
	data := append(wire.Encode(tx), 0x00)

	var decoded database.Tx
	require.ErrorIs(t, wire.Decode(data, &decoded), wire.ErrTrailingBytes)
}

func TestBlockRoundTrip(t *testing.T) {
	prv := mustKey(t)
	coinbase := database.NewCoinbaseTx(prv.PublicKey(), 5_000_000_000)

	block := database.NewBlock(chainhash.HashH([]byte("parent")), 1_700_000_000, database.DefaultGenesis().Target(), []database.Tx{coinbase, sampleTx(t, prv)})

	var decoded database.Block
	require.NoError(t, wire.Decode(wire.Encode(block), &decoded))
	require.Equal(t, block, decoded)
	require.Equal(t, block.Hash(), decoded.Hash())
}

func TestSigDigestIgnoresSignatures(t *testing.T) {
	prv := mustKey(t)

	tx := database.Tx{
		Inputs: []database.TxInput{
			{Previous: database.OutPoint{TxHash: chainhash.HashH([]byte("prev")), Index: 0}},
		},
		Outputs: []database.TxOutput{
			{Value: 10, UniqueID: uuid.New(), Recipient: prv.PublicKey()},
		},
	}

	before := tx.SigDigest()
	require.NoError(t, tx.SignInputs(prv))
	require.Equal(t, before, tx.SigDigest())

	// The transaction hash itself does cover signatures.
	unsigned := tx
	unsigned.Inputs = []database.TxInput{{Previous: tx.Inputs[0].Previous}}
	require.NotEqual(t, unsigned.Hash(), tx.Hash())
}

func TestCoinbaseHashesAreUnique(t *testing.T) {
	prv := mustKey(t)

	a := database.NewCoinbaseTx(prv.PublicKey(), 100)
	b := database.NewCoinbaseTx(prv.PublicKey(), 100)

	require.True(t, a.IsCoinbase())
	require.NotEqual(t, a.Hash(), b.Hash())
}

func TestTxStructureRules(t *testing.T) {
	prv := mustKey(t)

	noOutputs := database.Tx{}
	require.ErrorIs(t, noOutputs.ValidateStructure(), database.ErrStructuralInvalid)

	multiOutCoinbase := database.Tx{
		Outputs: []database.TxOutput{
			{Value: 1, UniqueID: uuid.New(), Recipient: prv.PublicKey()},
			{Value: 2, UniqueID: uuid.New(), Recipient: prv.PublicKey()},
		},
	}
	require.ErrorIs(t, multiOutCoinbase.ValidateStructure(), database.ErrStructuralInvalid)

	op := database.OutPoint{TxHash: chainhash.HashH([]byte("prev")), Index: 0}
	dupInputs := database.Tx{
		Inputs:  []database.TxInput{{Previous: op}, {Previous: op}},
		Outputs: []database.TxOutput{{Value: 1, UniqueID: uuid.New(), Recipient: prv.PublicKey()}},
	}
	require.ErrorIs(t, dupInputs.ValidateStructure(), database.ErrDoubleSpend)
}

func TestBlockStructureRules(t *testing.T) {
	prv := mustKey(t)
	coinbase := database.NewCoinbaseTx(prv.PublicKey(), 100)
	normal := sampleTx(t, prv)

	// First transaction must be the coinbase.
	block := database.NewBlock(chainhash.Hash{}, 1, database.DefaultGenesis().Target(), []database.Tx{normal})
	require.ErrorIs(t, block.ValidateStructure(0), database.ErrStructuralInvalid)

	// A second coinbase is rejected.
	block = database.NewBlock(chainhash.Hash{}, 1, database.DefaultGenesis().Target(), []database.Tx{coinbase, database.NewCoinbaseTx(prv.PublicKey(), 1)})
	require.ErrorIs(t, block.ValidateStructure(0), database.ErrStructuralInvalid)

	// Tampering with a transaction breaks the merkle commitment.
	block = database.NewBlock(chainhash.Hash{}, 1, database.DefaultGenesis().Target(), []database.Tx{coinbase, normal})
	require.NoError(t, block.ValidateStructure(0))
	block.Txs[1].Outputs[0].Value++
	require.ErrorIs(t, block.ValidateStructure(0), database.ErrStructuralInvalid)
}

func TestPoWBoundary(t *testing.T) {
	genesis := database.DefaultGenesis()
	coinbase := database.NewCoinbaseTx(mustKey(t).PublicKey(), 100)

	block := database.NewBlock(chainhash.HashH([]byte("parent")), 1_700_000_000, genesis.Target(), []database.Tx{coinbase})

	// The hash read as a big endian integer decides, strictly below
	// the target passes, at or above fails.
	target := block.Header.Target
	for i := 0; i < 64; i++ {
		hash := block.Header.Hash()
		var value [32]byte
		copy(value[:], hash[:])

		below := false
		for j := 0; j < 32; j++ {
			if value[j] != target.Bytes32()[j] {
				below = value[j] < target.Bytes32()[j]
				break
			}
		}

		require.Equal(t, below, block.Header.PoWValid(), "nonce %d", block.Header.Nonce)
		block.Header.Nonce++
	}
}

func TestHeaderWork(t *testing.T) {
	genesis := database.DefaultGenesis()
	header := database.BlockHeader{Target: genesis.Target()}

	// Target 2^255-1 represents two expected attempts per block.
	require.Equal(t, "2", header.Work().String())
}
