package database

import (
	"context"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/holiman/uint256"

	"github.com/ferrumchain/ferrum/foundation/blockchain/merkle"
	"github.com/ferrumchain/ferrum/foundation/blockchain/wire"
)

// BlockHeader carries everything needed to validate a block's proof of
// work and its position in the chain.
type BlockHeader struct {
	PrevBlockHash chainhash.Hash
	MerkleRoot    chainhash.Hash
	Timestamp     uint64 // Unix seconds.
	Target        uint256.Int
	Nonce         uint64
}

// MarshalInto implements wire.Marshaler.
func (bh BlockHeader) MarshalInto(w *wire.Writer) {
	w.Fixed(bh.PrevBlockHash[:])
	w.Fixed(bh.MerkleRoot[:])
	w.Uint64(bh.Timestamp)
	target := bh.Target.Bytes32()
	w.Fixed(target[:])
	w.Uint64(bh.Nonce)
}

// UnmarshalFrom implements wire.Unmarshaler.
func (bh *BlockHeader) UnmarshalFrom(r *wire.Reader) error {
	if err := r.Fixed(bh.PrevBlockHash[:]); err != nil {
		return err
	}
	if err := r.Fixed(bh.MerkleRoot[:]); err != nil {
		return err
	}

	timestamp, err := r.Uint64()
	if err != nil {
		return err
	}
	bh.Timestamp = timestamp

	var target [32]byte
	if err := r.Fixed(target[:]); err != nil {
		return err
	}
	bh.Target.SetBytes(target[:])

	nonce, err := r.Uint64()
	if err != nil {
		return err
	}
	bh.Nonce = nonce

	return nil
}

// Hash is the SHA-256 of the canonical header serialization.
func (bh BlockHeader) Hash() chainhash.Hash {
	return chainhash.HashH(wire.Encode(bh))
}

// PoWValid reports whether the header hash, read as a big endian 256 bit
// integer, is strictly below the target.
func (bh BlockHeader) PoWValid() bool {
	hash := bh.Hash()
	var value uint256.Int
	value.SetBytes(hash[:])

	return value.Lt(&bh.Target)
}

// Work returns the expected number of hash attempts this header's target
// represents: 2^256 / (target + 1).
func (bh BlockHeader) Work() *big.Int {
	one := big.NewInt(1)

	divisor := new(big.Int).Add(bh.Target.ToBig(), one)
	numerator := new(big.Int).Lsh(one, 256)

	return numerator.Div(numerator, divisor)
}

// =============================================================================

// Block groups a header with its ordered transactions. The first
// transaction must be the coinbase.
type Block struct {
	Header BlockHeader
	Txs    []Tx
}

// NewBlock assembles a block over the specified transactions, computing
// the merkle root the header commits to.
func NewBlock(prevBlockHash chainhash.Hash, timestamp uint64, target uint256.Int, txs []Tx) Block {
	return Block{
		Header: BlockHeader{
			PrevBlockHash: prevBlockHash,
			MerkleRoot:    merkle.Root(txHashes(txs)),
			Timestamp:     timestamp,
			Target:        target,
		},
		Txs: txs,
	}
}

// MarshalInto implements wire.Marshaler.
func (b Block) MarshalInto(w *wire.Writer) {
	b.Header.MarshalInto(w)
	w.Count(len(b.Txs))
	for _, tx := range b.Txs {
		tx.MarshalInto(w)
	}
}

// UnmarshalFrom implements wire.Unmarshaler.
func (b *Block) UnmarshalFrom(r *wire.Reader) error {
	if err := b.Header.UnmarshalFrom(r); err != nil {
		return err
	}

	n, err := r.Count(8) // a transaction is at least its two counts
	if err != nil {
		return err
	}
	b.Txs = make([]Tx, n)
	for i := range b.Txs {
		if err := b.Txs[i].UnmarshalFrom(r); err != nil {
			return err
		}
	}

	return nil
}

// Hash identifies the block by its header hash.
func (b Block) Hash() chainhash.Hash {
	return b.Header.Hash()
}

// Size returns the canonical serialized size in bytes.
func (b Block) Size() int {
	return len(wire.Encode(b))
}

// ValidateStructure checks every invariant that holds without chain
// context: coinbase placement, per transaction structure, the merkle
// commitment, and the serialized size bound.
func (b Block) ValidateStructure(maxBlockBytes int) error {
	if len(b.Txs) == 0 {
		return fmt.Errorf("%w: block has no transactions", ErrStructuralInvalid)
	}

	if !b.Txs[0].IsCoinbase() {
		return fmt.Errorf("%w: first transaction is not a coinbase", ErrStructuralInvalid)
	}

	for i, tx := range b.Txs[1:] {
		if tx.IsCoinbase() {
			return fmt.Errorf("%w: extra coinbase at position %d", ErrStructuralInvalid, i+1)
		}
	}

	for _, tx := range b.Txs {
		if err := tx.ValidateStructure(); err != nil {
			return err
		}
	}

	if root := merkle.Root(txHashes(b.Txs)); root != b.Header.MerkleRoot {
		return fmt.Errorf("%w: merkle root mismatch, got %s, exp %s", ErrStructuralInvalid, b.Header.MerkleRoot, root)
	}

	if maxBlockBytes > 0 && b.Size() > maxBlockBytes {
		return fmt.Errorf("%w: block size %d exceeds %d", ErrStructuralInvalid, b.Size(), maxBlockBytes)
	}

	return nil
}

// txHashes returns the ordered transaction hashes for merkle computation.
func txHashes(txs []Tx) []chainhash.Hash {
	hashes := make([]chainhash.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash()
	}
	return hashes
}

// =============================================================================

// POW grinds the header nonce until the hash meets the target or the
// context is cancelled. Pointer semantics since a nonce is being
// discovered. The mining worker runs this against node templates.
func POW(ctx context.Context, b *Block, ev func(v string, args ...any)) error {
	var attempts uint64
	for {
		attempts++
		if attempts%1_000_000 == 0 {
			ev("database: POW: MINING: attempts[%d]", attempts)
		}

		if ctx.Err() != nil {
			ev("database: POW: MINING: CANCELLED")
			return ctx.Err()
		}

		if b.Header.PoWValid() {
			ev("database: POW: MINING: SOLVED: prevBlk[%s]: newBlk[%s]: attempts[%d]", b.Header.PrevBlockHash, b.Hash(), attempts)
			return nil
		}

		b.Header.Nonce++
	}
}
