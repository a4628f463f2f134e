package state

import (
	"errors"

	"github.com/ferrumchain/ferrum/foundation/blockchain/database"
)

// SubmitTransaction accepts a transaction from a wallet or a peer for
// inclusion in the mempool. Admitted transactions are shared with the
// network, excluding the origin session.
func (s *State) SubmitTransaction(tx database.Tx, origin string) error {
	s.evHandler("state: SubmitTransaction: started: tx[%s]", tx.Hash())

	s.mu.Lock()
	err := s.mempool.Admit(tx, s.utxo.Resolve, s.chain.Height(), s.genesis.CoinbaseMaturity)
	count := s.mempool.Count()
	s.mu.Unlock()

	if err != nil {
		if errors.Is(err, database.ErrAlreadyKnown) {
			return err
		}
		s.evHandler("state: SubmitTransaction: REJECTED: tx[%s]: %s", tx.Hash(), err)
		return err
	}

	s.evHandler("state: SubmitTransaction: admitted: tx[%s]: mempool[%d]", tx.Hash(), count)

	if s.Worker != nil {
		s.Worker.SignalShareTx(tx, origin)
	}

	return nil
}
