package database

import (
	"github.com/ferrumchain/ferrum/foundation/blockchain/signature"
)

// UTXO is an unspent output annotated with the height that created it and
// whether it came from a coinbase, which gates maturity.
type UTXO struct {
	Output   TxOutput
	Height   uint64
	Coinbase bool
}

// Spend pairs an outpoint with the output it consumed. The chain keeps a
// journal of these per block so a revert can reconstruct the set without
// replaying from genesis.
type Spend struct {
	Previous OutPoint
	Consumed UTXO
}

// UTXOSet is the authoritative set of unspent outputs along the selected
// chain. It carries no lock of its own: every mutation happens under the
// consensus engine's exclusive lock.
type UTXOSet struct {
	entries map[OutPoint]UTXO
}

// NewUTXOSet constructs an empty set.
func NewUTXOSet() *UTXOSet {
	return &UTXOSet{
		entries: make(map[OutPoint]UTXO),
	}
}

// Resolve looks up the output an outpoint references.
func (us *UTXOSet) Resolve(op OutPoint) (UTXO, bool) {
	utxo, exists := us.entries[op]
	return utxo, exists
}

// Spend removes an outpoint, returning what it consumed for journaling.
func (us *UTXOSet) Spend(op OutPoint) (UTXO, bool) {
	utxo, exists := us.entries[op]
	if !exists {
		return UTXO{}, false
	}

	delete(us.entries, op)
	return utxo, true
}

// Add inserts an unspent output.
func (us *UTXOSet) Add(op OutPoint, utxo UTXO) {
	us.entries[op] = utxo
}

// Remove drops an outpoint without journaling. Used when unwinding the
// outputs a block itself created.
func (us *UTXOSet) Remove(op OutPoint) {
	delete(us.entries, op)
}

// Count returns the number of unspent outputs.
func (us *UTXOSet) Count() int {
	return len(us.entries)
}

// TotalValue sums the value of every unspent output.
func (us *UTXOSet) TotalValue() uint64 {
	var total uint64
	for _, utxo := range us.entries {
		total += utxo.Output.Value
	}
	return total
}

// OwnedBy collects the unspent outputs paying the specified key. Wallets
// ask for this over the peer protocol to compute balances.
func (us *UTXOSet) OwnedBy(pub signature.PublicKey) map[OutPoint]UTXO {
	owned := make(map[OutPoint]UTXO)
	for op, utxo := range us.entries {
		if utxo.Output.Recipient == pub {
			owned[op] = utxo
		}
	}
	return owned
}

// Clone copies the set. Tests use it to check apply/revert identity.
func (us *UTXOSet) Clone() *UTXOSet {
	clone := NewUTXOSet()
	for op, utxo := range us.entries {
		clone.entries[op] = utxo
	}
	return clone
}

// Equal reports whether two sets hold exactly the same entries.
func (us *UTXOSet) Equal(other *UTXOSet) bool {
	if len(us.entries) != len(other.entries) {
		return false
	}
	for op, utxo := range us.entries {
		if o, exists := other.entries[op]; !exists || o != utxo {
			return false
		}
	}
	return true
}
