package state

import (
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/ferrumchain/ferrum/foundation/blockchain/database"
	"github.com/ferrumchain/ferrum/foundation/blockchain/signature"
)

// TipInfo summarizes the selected chain tip.
type TipInfo struct {
	Hash   chainhash.Hash
	Height uint64
	Work   *big.Int
}

// Tip returns the selected chain tip under a shared lock.
func (s *State) Tip() TipInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tip := s.chain.Tip()
	return TipInfo{
		Hash:   tip.Hash(),
		Height: tip.Height,
		Work:   new(big.Int).Set(tip.Work),
	}
}

// QueryBlockByHash returns any known block, selected or side chain.
func (s *State) QueryBlockByHash(hash chainhash.Hash) (database.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.chain.ByHash(hash)
	if !exists {
		return database.Block{}, false
	}
	return entry.Block, true
}

// QueryBlockByHeight returns a selected chain block by height.
func (s *State) QueryBlockByHeight(height uint64) (database.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.chain.ByHeight(height)
	if !exists {
		return database.Block{}, false
	}
	return entry.Block, true
}

// QueryHeadersAfter returns up to max selected chain headers strictly
// after the specified hash.
func (s *State) QueryHeadersAfter(from chainhash.Hash, max int) []database.BlockHeader {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.chain.HeadersAfter(from, max)
}

// QueryMempool returns the pending transactions in no particular order.
func (s *State) QueryMempool() []database.Tx {
	return s.mempool.All()
}

// QueryMempoolLength returns the current number of pending transactions.
func (s *State) QueryMempoolLength() int {
	return s.mempool.Count()
}

// MempoolContains reports whether the pool already holds the transaction.
// Sessions use it to dedupe gossip without paying for admission.
func (s *State) MempoolContains(hash chainhash.Hash) bool {
	return s.mempool.Contains(hash)
}

// OwnedUTXO is one unspent output paying a queried key. Claimed marks
// outputs a pending mempool transaction already spends.
type OwnedUTXO struct {
	Previous database.OutPoint
	Output   database.TxOutput
	Height   uint64
	Claimed  bool
}

// QueryUTXOsByOwner collects the unspent outputs paying a key, marking
// the ones a pending transaction already claims.
func (s *State) QueryUTXOsByOwner(owner signature.PublicKey) []OwnedUTXO {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owned := s.utxo.OwnedBy(owner)

	entries := make([]OwnedUTXO, 0, len(owned))
	for op, utxo := range owned {
		entries = append(entries, OwnedUTXO{
			Previous: op,
			Output:   utxo.Output,
			Height:   utxo.Height,
			Claimed:  s.mempool.Claimed(op),
		})
	}
	return entries
}

// UTXOCount returns the size of the unspent output set.
func (s *State) UTXOCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.utxo.Count()
}
