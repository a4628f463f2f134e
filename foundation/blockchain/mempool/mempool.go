// Package mempool maintains the pool of validated transactions waiting
// for inclusion in a block, consistent with the UTXO set at the tip.
package mempool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/ferrumchain/ferrum/foundation/blockchain/database"
	"github.com/ferrumchain/ferrum/foundation/blockchain/mempool/selector"
	"github.com/ferrumchain/ferrum/foundation/blockchain/signature"
)

// ErrMempoolFull is returned when admission cannot free enough space by
// evicting cheaper transactions.
var ErrMempoolFull = errors.New("mempool byte limit reached")

// Resolver looks up an unspent output at the current tip. The consensus
// engine passes its UTXO set view while holding its lock.
type Resolver func(database.OutPoint) (database.UTXO, bool)

// entry is one pooled transaction with its admission bookkeeping.
type entry struct {
	tx    database.Tx
	fee   uint64
	size  int
	order uint64
	added time.Time
}

// Mempool represents a cache of pending transactions keyed by hash, with
// a second index from claimed outpoint to claiming transaction.
type Mempool struct {
	mu       sync.RWMutex
	pool     map[chainhash.Hash]*entry
	claims   map[database.OutPoint]chainhash.Hash
	bytes    int
	maxBytes int
	counter  uint64
	selectFn selector.Func
}

// New constructs a mempool with the specified byte bound and
// select strategy.
func New(maxBytes int, strategy string) (*Mempool, error) {
	selectFn, err := selector.Retrieve(strategy)
	if err != nil {
		return nil, err
	}

	mp := Mempool{
		pool:     make(map[chainhash.Hash]*entry),
		claims:   make(map[database.OutPoint]chainhash.Hash),
		maxBytes: maxBytes,
		selectFn: selectFn,
	}

	return &mp, nil
}

// Count returns the current number of transactions in the pool.
func (mp *Mempool) Count() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return len(mp.pool)
}

// SizeBytes returns the serialized size of everything in the pool.
func (mp *Mempool) SizeBytes() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return mp.bytes
}

// Contains reports whether the pool holds the transaction.
func (mp *Mempool) Contains(hash chainhash.Hash) bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	_, exists := mp.pool[hash]
	return exists
}

// Claimed reports whether any pooled transaction spends the outpoint.
// Wallet balance responses mark these outputs as unavailable.
func (mp *Mempool) Claimed(op database.OutPoint) bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	_, exists := mp.claims[op]
	return exists
}

// Admit validates the transaction against the tip UTXO set and the rest
// of the pool and inserts it. The error identifies the rejection reason
// from the closed consensus set, nil means admitted.
func (mp *Mempool) Admit(tx database.Tx, resolve Resolver, tipHeight uint64, maturity uint64) error {
	if err := tx.ValidateStructure(); err != nil {
		return err
	}

	if tx.IsCoinbase() {
		return fmt.Errorf("%w: coinbase outside a block", database.ErrStructuralInvalid)
	}

	hash := tx.Hash()

	mp.mu.Lock()
	defer mp.mu.Unlock()

	if _, exists := mp.pool[hash]; exists {
		return database.ErrAlreadyKnown
	}

	digest := tx.SigDigest()
	var inValue uint64

	for _, in := range tx.Inputs {
		if claimer, claimed := mp.claims[in.Previous]; claimed {
			return fmt.Errorf("%w: input %s claimed by %s", database.ErrDoubleSpend, in.Previous, claimer)
		}

		utxo, exists := resolve(in.Previous)
		if !exists {
			return fmt.Errorf("%w: %s", database.ErrUnknownInput, in.Previous)
		}

		if utxo.Coinbase && tipHeight-utxo.Height < maturity {
			return fmt.Errorf("%w: %s", database.ErrImmatureCoinbase, in.Previous)
		}

		if !signature.Verify(utxo.Output.Recipient, digest, in.Signature) {
			return fmt.Errorf("%w: input %s", database.ErrBadSignature, in.Previous)
		}

		inValue += utxo.Output.Value
	}

	outValue := tx.OutputValue()
	if inValue < outValue {
		return fmt.Errorf("%w: in %d, out %d", database.ErrInsufficientValue, inValue, outValue)
	}

	e := entry{
		tx:    tx,
		fee:   inValue - outValue,
		size:  tx.Size(),
		added: time.Now(),
	}

	if err := mp.makeRoom(&e); err != nil {
		return err
	}

	mp.counter++
	e.order = mp.counter

	mp.pool[hash] = &e
	mp.bytes += e.size
	for _, in := range tx.Inputs {
		mp.claims[in.Previous] = hash
	}

	return nil
}

// makeRoom evicts the cheapest entries until the candidate fits, but only
// entries paying a strictly lower fee rate than the candidate. It fails
// with ErrMempoolFull when the pool cannot yield enough space.
func (mp *Mempool) makeRoom(candidate *entry) error {
	if candidate.size > mp.maxBytes {
		return ErrMempoolFull
	}

	for mp.bytes+candidate.size > mp.maxBytes {
		victim := mp.cheapest()
		if victim == nil {
			return ErrMempoolFull
		}

		// fee/size comparison without division.
		if victim.fee*uint64(candidate.size) >= candidate.fee*uint64(victim.size) {
			return ErrMempoolFull
		}

		mp.remove(victim.tx.Hash())
	}

	return nil
}

// cheapest returns the entry with the lowest fee rate.
func (mp *Mempool) cheapest() *entry {
	var victim *entry
	for _, e := range mp.pool {
		if victim == nil {
			victim = e
			continue
		}
		if e.fee*uint64(victim.size) < victim.fee*uint64(e.size) {
			victim = e
		}
	}
	return victim
}

// remove drops an entry and releases its outpoint claims. Callers hold
// the write lock.
func (mp *Mempool) remove(hash chainhash.Hash) {
	e, exists := mp.pool[hash]
	if !exists {
		return
	}

	delete(mp.pool, hash)
	mp.bytes -= e.size
	for _, in := range e.tx.Inputs {
		delete(mp.claims, in.Previous)
	}
}

// RemoveMined evicts the transactions included in an accepted block and
// any pooled transaction that double spends one of their inputs.
func (mp *Mempool) RemoveMined(txs []database.Tx) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	for _, tx := range txs {
		mp.remove(tx.Hash())

		for _, in := range tx.Inputs {
			if claimer, claimed := mp.claims[in.Previous]; claimed {
				mp.remove(claimer)
			}
		}
	}
}

// SweepExpired drops transactions older than maxAge and returns how many
// went away.
func (mp *Mempool) SweepExpired(maxAge time.Duration) int {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)

	var expired []chainhash.Hash
	for hash, e := range mp.pool {
		if e.added.Before(cutoff) {
			expired = append(expired, hash)
		}
	}
	for _, hash := range expired {
		mp.remove(hash)
	}

	return len(expired)
}

// Truncate clears all the transactions from the pool.
func (mp *Mempool) Truncate() {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.pool = make(map[chainhash.Hash]*entry)
	mp.claims = make(map[database.OutPoint]chainhash.Hash)
	mp.bytes = 0
}

// PickBest uses the configured strategy to select transactions for the
// next block template. Passing -1 returns the full pool in strategy order.
func (mp *Mempool) PickBest(howMany int, maxBytes int) []database.Tx {
	mp.mu.RLock()
	items := make([]selector.Item, 0, len(mp.pool))
	for _, e := range mp.pool {
		items = append(items, selector.Item{
			Tx:         e.tx,
			Fee:        e.fee,
			Size:       e.size,
			AddedOrder: e.order,
		})
	}
	mp.mu.RUnlock()

	return mp.selectFn(items, howMany, maxBytes)
}

// All returns every pooled transaction in no particular order.
func (mp *Mempool) All() []database.Tx {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	txs := make([]database.Tx, 0, len(mp.pool))
	for _, e := range mp.pool {
		txs = append(txs, e.tx)
	}
	return txs
}
