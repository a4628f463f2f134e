// Package merkle computes the merkle root that summarizes the ordered
// list of transactions in a block.
package merkle

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Root folds the ordered leaf hashes into a single root. At each level an
// odd tail entry is paired with itself. The root of an empty list is the
// zero hash, which never appears in a valid block since a block carries at
// least its coinbase.
func Root(leaves []chainhash.Hash) chainhash.Hash {
	if len(leaves) == 0 {
		return chainhash.Hash{}
	}

	level := make([]chainhash.Hash, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}

		next := level[:0]
		for i := 0; i < len(level); i += 2 {
			next = append(next, pair(level[i], level[i+1]))
		}
		level = next
	}

	return level[0]
}

// Proof is the list of sibling hashes that links one leaf to the root.
type Proof struct {
	Index    int
	Siblings []chainhash.Hash
}

// Prove builds the membership proof for the leaf at the specified index.
// The second return is false when the index is out of range.
func Prove(leaves []chainhash.Hash, index int) (Proof, bool) {
	if index < 0 || index >= len(leaves) {
		return Proof{}, false
	}

	proof := Proof{Index: index}

	level := make([]chainhash.Hash, len(leaves))
	copy(level, leaves)
	pos := index

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}

		sibling := pos ^ 1
		proof.Siblings = append(proof.Siblings, level[sibling])

		next := level[:0]
		for i := 0; i < len(level); i += 2 {
			next = append(next, pair(level[i], level[i+1]))
		}
		level = next
		pos /= 2
	}

	return proof, true
}

// Verify checks a membership proof against a root.
func Verify(root chainhash.Hash, leaf chainhash.Hash, proof Proof) bool {
	hash := leaf
	pos := proof.Index

	for _, sibling := range proof.Siblings {
		if pos%2 == 0 {
			hash = pair(hash, sibling)
		} else {
			hash = pair(sibling, hash)
		}
		pos /= 2
	}

	return hash == root
}

// pair hashes the concatenation of two nodes.
func pair(left, right chainhash.Hash) chainhash.Hash {
	var data [2 * chainhash.HashSize]byte
	copy(data[:], left[:])
	copy(data[chainhash.HashSize:], right[:])

	return chainhash.HashH(data[:])
}
