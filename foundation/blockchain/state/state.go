// Package state is the core API for the blockchain node and implements
// all the consensus rules and processing. It is the single authoritative
// owner of the chain store, the UTXO set, and the mempool: every mutation
// passes through here under one exclusive lock.
package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ferrumchain/ferrum/foundation/blockchain/database"
	"github.com/ferrumchain/ferrum/foundation/blockchain/mempool"
	"github.com/ferrumchain/ferrum/foundation/blockchain/peer"
)

// ErrStaleTemplate is returned for a mined submission whose parent is no
// longer the chain tip.
var ErrStaleTemplate = errors.New("template parent is no longer the tip")

// ErrCorruptChain is returned when the persisted chain fails to replay.
// The node treats this as unrecoverable at load.
var ErrCorruptChain = errors.New("persisted chain is corrupt")

// persistRetries is how many times a failed append is retried before the
// failure escalates to fatal, since memory and disk have now diverged.
const persistRetries = 2

// =============================================================================

// EventHandler defines a function that is called when events occur in the
// processing of blocks and transactions.
type EventHandler func(v string, args ...any)

// Worker interface represents the behavior required to be implemented by
// any package providing support for gossip, template pushes, and peer
// maintenance.
type Worker interface {
	Shutdown()
	SignalNewTip(block database.Block, origin string)
	SignalShareTx(tx database.Tx, origin string)
}

// =============================================================================

// Config represents the configuration required to start the node state.
type Config struct {
	Genesis        database.Genesis
	Storage        database.Storage
	SelectStrategy string
	KnownPeers     *peer.PeerSet
	EvHandler      EventHandler
}

// State manages the blockchain database.
type State struct {
	mu sync.RWMutex

	genesis    database.Genesis
	utxo       *database.UTXOSet
	chain      *database.Chain
	mempool    *mempool.Mempool
	storage    database.Storage
	knownPeers *peer.PeerSet
	evHandler  EventHandler

	epoch uint64
	fatal chan error

	Worker Worker
}

// New constructs the state, replaying any persisted chain through the
// consensus rules. A replay failure is unrecoverable corruption.
func New(cfg Config) (*State, error) {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	strategy := cfg.SelectStrategy
	if strategy == "" {
		strategy = "feerate"
	}

	mp, err := mempool.New(cfg.Genesis.MempoolMaxBytes, strategy)
	if err != nil {
		return nil, err
	}

	utxo := database.NewUTXOSet()

	s := State{
		genesis:    cfg.Genesis,
		utxo:       utxo,
		chain:      database.NewChain(cfg.Genesis, utxo, ev),
		mempool:    mp,
		storage:    cfg.Storage,
		knownPeers: cfg.KnownPeers,
		evHandler:  ev,
		fatal:      make(chan error, 1),
	}

	if err := s.replay(); err != nil {
		return nil, err
	}

	// The Worker is not set here. The call to worker.Run will assign
	// itself and start everything up and running for the node.

	return &s, nil
}

// replay feeds the persisted blocks through the consensus engine. The
// first block on disk must be the hard coded genesis. A missing or empty
// file is a fresh node: the genesis block is written out so the file
// always replays from the start of the chain.
func (s *State) replay() error {
	if s.storage == nil {
		return nil
	}

	genesisHash := s.chain.Tip().Hash()
	first := true
	count := 0

	for it := s.storage.ForEach(); !it.Done(); {
		block, err := it.Next()
		if err != nil {
			return fmt.Errorf("%w: reading block %d: %s", ErrCorruptChain, count, err)
		}

		if first {
			first = false
			if block.Hash() != genesisHash {
				return fmt.Errorf("%w: genesis mismatch, got %s, exp %s", ErrCorruptChain, block.Hash(), genesisHash)
			}
			count++
			continue
		}

		cs, err := s.chain.Insert(block)
		if err != nil {
			return fmt.Errorf("%w: block %d [%s]: %s", ErrCorruptChain, count, block.Hash(), err)
		}
		if cs.Status != database.StatusExtended {
			return fmt.Errorf("%w: block %d [%s] did not extend the chain: %s", ErrCorruptChain, count, block.Hash(), cs.Status)
		}
		count++
	}

	if count == 0 {
		if err := s.storage.Append(s.genesis.Block()); err != nil {
			return fmt.Errorf("writing genesis: %w", err)
		}
	}

	s.evHandler("state: replay: loaded %d blocks, tip[%s] height[%d]", count, s.chain.Tip().Hash(), s.chain.Height())
	return nil
}

// Shutdown cleanly brings the node down.
func (s *State) Shutdown() error {
	defer func() {
		if s.storage != nil {
			s.storage.Close()
		}
	}()

	if s.Worker != nil {
		s.Worker.Shutdown()
	}

	return nil
}

// Fatal delivers at most one unrecoverable error, such as a persistence
// failure that survived its retries.
func (s *State) Fatal() <-chan error {
	return s.fatal
}

// Genesis returns the chain constants.
func (s *State) Genesis() database.Genesis {
	return s.genesis
}

// KnownPeers returns the peer set shared with the network layer.
func (s *State) KnownPeers() *peer.PeerSet {
	return s.knownPeers
}

// SweepMempool drops pooled transactions older than the configured age.
func (s *State) SweepMempool() {
	if n := s.mempool.SweepExpired(time.Duration(s.genesis.MaxTxAge) * time.Second); n > 0 {
		s.evHandler("state: SweepMempool: dropped %d expired transactions", n)
	}
}
