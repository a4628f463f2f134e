package state

import (
	"fmt"
	"time"

	"github.com/ferrumchain/ferrum/foundation/blockchain/database"
	"github.com/ferrumchain/ferrum/foundation/blockchain/signature"
)

// coinbaseReserve approximates the serialized size of a coinbase so the
// transaction selection leaves room for it inside the block bound.
const coinbaseReserve = 256

// BuildTemplate assembles a candidate block for a miner: the current tip
// as parent, a coinbase paying the subsidy plus fees to the miner's key,
// and the best paying consistent subset of the mempool. The nonce is zero,
// the miner iterates it locally.
func (s *State) BuildTemplate(payTo signature.PublicKey) (database.Block, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tip := s.chain.Tip()
	height := tip.Height + 1

	txs := s.mempool.PickBest(s.genesis.MaxTemplateTxs, s.genesis.MaxBlockBytes-coinbaseReserve)

	var fees uint64
	for _, tx := range txs {
		var inValue uint64
		for _, in := range tx.Inputs {
			utxo, exists := s.utxo.Resolve(in.Previous)
			if !exists {
				return database.Block{}, 0, fmt.Errorf("template: input %s vanished from the tip set", in.Previous)
			}
			inValue += utxo.Output.Value
		}
		fees += inValue - tx.OutputValue()
	}

	coinbase := database.NewCoinbaseTx(payTo, s.genesis.BlockReward(height)+fees)
	all := append([]database.Tx{coinbase}, txs...)

	timestamp := uint64(time.Now().Unix())
	if mtp := s.chain.TipMedianTime(); timestamp <= mtp {
		timestamp = mtp + 1
	}

	block := database.NewBlock(tip.Hash(), timestamp, s.chain.ExpectedTarget(tip), all)

	s.evHandler("state: BuildTemplate: height[%d] txs[%d] fees[%d] payTo[%s]", height, len(txs), fees, payTo)

	return block, s.epoch, nil
}

// SubmitMined accepts a mined candidate from a miner. A submission whose
// parent is no longer the tip is rejected as stale before touching the
// consensus path, the miner will have a fresh template pushed at it.
func (s *State) SubmitMined(block database.Block, origin string) (database.Status, error) {
	s.mu.RLock()
	tipHash := s.chain.Tip().Hash()
	s.mu.RUnlock()

	if block.Header.PrevBlockHash != tipHash {
		s.evHandler("state: SubmitMined: STALE: blk[%s] parent[%s] tip[%s]", block.Hash(), block.Header.PrevBlockHash, tipHash)
		return database.StatusRejected, fmt.Errorf("%w: parent %s, tip %s", ErrStaleTemplate, block.Header.PrevBlockHash, tipHash)
	}

	return s.SubmitBlock(block, origin)
}

// Epoch returns the template epoch, incremented on every accepted tip.
// Miners holding templates from an older epoch are grinding stale work.
func (s *State) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.epoch
}
