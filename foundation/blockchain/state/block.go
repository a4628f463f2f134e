package state

import (
	"fmt"

	"github.com/ferrumchain/ferrum/foundation/blockchain/database"
)

// SubmitBlock runs a block received from a peer or a miner through the
// consensus rules. On acceptance the chain and UTXO set are updated, the
// mempool is reconciled, the block is persisted, and the worker is
// signaled so gossip and template pushes go out. The origin identifies
// the session the block arrived on so it is not offered back.
func (s *State) SubmitBlock(block database.Block, origin string) (database.Status, error) {
	s.evHandler("state: SubmitBlock: started: blk[%s] prevBlk[%s] txs[%d]", block.Hash(), block.Header.PrevBlockHash, len(block.Txs))

	s.mu.Lock()

	cs, err := s.chain.Insert(block)
	if err != nil {
		s.mu.Unlock()
		s.evHandler("state: SubmitBlock: REJECTED: blk[%s]: %s", block.Hash(), err)
		return database.StatusRejected, err
	}

	switch cs.Status {
	case database.StatusAlreadyKnown, database.StatusOrphaned, database.StatusSideChain:
		s.mu.Unlock()
		s.evHandler("state: SubmitBlock: completed: blk[%s]: %s", block.Hash(), cs.Status)
		return cs.Status, nil
	}

	s.reconcileMempool(cs)

	if err := s.persist(cs); err != nil {
		s.mu.Unlock()

		// Memory and disk have diverged. There is no safe way to keep
		// accepting blocks, hand the error to the run loop.
		select {
		case s.fatal <- err:
		default:
		}
		return cs.Status, err
	}

	s.epoch++
	tip := s.chain.Tip()
	tipBlock := tip.Block
	s.mu.Unlock()

	s.evHandler("state: SubmitBlock: completed: %s: tip[%s] height[%d]", cs.Status, tip.Hash(), tip.Height)

	if s.Worker != nil {
		s.Worker.SignalNewTip(tipBlock, origin)
	}

	return cs.Status, nil
}

// reconcileMempool applies a chain change set to the pool: transactions
// from disconnected blocks are re-admitted opportunistically, then every
// newly connected block evicts what it mined and anything that now
// double spends. Order matters, a reorg both reverts and applies.
func (s *State) reconcileMempool(cs database.ChangeSet) {
	for _, entry := range cs.Disconnected {
		for _, tx := range entry.Block.Txs[1:] {
			if err := s.mempool.Admit(tx, s.utxo.Resolve, s.chain.Height(), s.genesis.CoinbaseMaturity); err != nil {
				s.evHandler("state: reconcileMempool: dropped reverted tx[%s]: %s", tx.Hash(), err)
			}
		}
	}

	for _, entry := range cs.Connected {
		s.mempool.RemoveMined(entry.Block.Txs)
	}
}

// persist mirrors a change set to disk. A plain extension appends, any
// change that disconnected blocks rewrites the file whole via temp and
// rename. Appends retry before escalating.
func (s *State) persist(cs database.ChangeSet) error {
	if s.storage == nil {
		return nil
	}

	if len(cs.Disconnected) > 0 {
		if err := s.retryIO(func() error {
			return s.storage.Rewrite(s.chain.ActiveBlocks(0))
		}); err != nil {
			return fmt.Errorf("state: persist: rewrite: %w", err)
		}
		return nil
	}

	for _, entry := range cs.Connected {
		block := entry.Block
		if err := s.retryIO(func() error {
			return s.storage.Append(block)
		}); err != nil {
			return fmt.Errorf("state: persist: append blk[%s]: %w", block.Hash(), err)
		}
	}

	return nil
}

// retryIO runs the operation, retrying persistRetries times.
func (s *State) retryIO(op func() error) error {
	var err error
	for attempt := 0; attempt <= persistRetries; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		s.evHandler("state: persist: attempt[%d]: ERROR: %s", attempt, err)
	}
	return err
}
