package database

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/holiman/uint256"

	"github.com/ferrumchain/ferrum/foundation/blockchain/signature"
)

// OrphanPoolSize bounds the number of blocks held while their parent is
// being fetched. The oldest is evicted on overflow.
const OrphanPoolSize = 256

// Status describes how an inserted block changed the chain.
type Status int

// The set of insert outcomes.
const (
	StatusRejected Status = iota
	StatusExtended
	StatusReorged
	StatusSideChain
	StatusOrphaned
	StatusAlreadyKnown
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusExtended:
		return "extended"
	case StatusReorged:
		return "reorged"
	case StatusSideChain:
		return "sidechain"
	case StatusOrphaned:
		return "orphaned"
	case StatusAlreadyKnown:
		return "already-known"
	}
	return "rejected"
}

// Entry is a block annotated with its position and cumulative work. The
// spend journal is captured while the entry is connected to the selected
// chain and is what makes a revert possible without replaying history.
type Entry struct {
	Block  Block
	Height uint64
	Work   *big.Int

	parent  *Entry
	journal []Spend
}

// Hash returns the entry's block hash.
func (e *Entry) Hash() chainhash.Hash {
	return e.Block.Hash()
}

// ChangeSet reports the chain mutations one insert produced, including any
// orphans that were promoted behind it. Connected entries are ordered
// oldest first, disconnected entries newest first.
type ChangeSet struct {
	Status       Status
	Connected    []*Entry
	Disconnected []*Entry
}

// =============================================================================

// Chain maintains the canonical chain plus every validated side block,
// indexed by hash and by height. It carries no lock of its own: the
// consensus engine serializes all access.
type Chain struct {
	genesis Genesis
	utxo    *UTXOSet
	byHash  map[chainhash.Hash]*Entry
	active  []*Entry
	orphans []Block
	now     func() time.Time
	ev      func(v string, args ...any)
}

// NewChain constructs a chain holding only the hard coded genesis block
// and primes the UTXO set with its coinbase.
func NewChain(genesis Genesis, utxo *UTXOSet, ev func(v string, args ...any)) *Chain {
	c := Chain{
		genesis: genesis,
		utxo:    utxo,
		byHash:  make(map[chainhash.Hash]*Entry),
		now:     time.Now,
		ev:      ev,
	}

	gb := genesis.Block()
	entry := Entry{
		Block:  gb,
		Height: 0,
		Work:   gb.Header.Work(),
	}

	hash := gb.Txs[0].Hash()
	for i, out := range gb.Txs[0].Outputs {
		utxo.Add(OutPoint{TxHash: hash, Index: uint32(i)}, UTXO{Output: out, Height: 0, Coinbase: true})
	}

	c.byHash[entry.Hash()] = &entry
	c.active = []*Entry{&entry}

	return &c
}

// SetClock overrides the wall clock used for the future timestamp bound.
func (c *Chain) SetClock(now func() time.Time) {
	c.now = now
}

// Tip returns the entry of the currently selected chain tip.
func (c *Chain) Tip() *Entry {
	return c.active[len(c.active)-1]
}

// Height returns the height of the tip.
func (c *Chain) Height() uint64 {
	return c.Tip().Height
}

// ByHash looks up any known block, selected or side chain.
func (c *Chain) ByHash(hash chainhash.Hash) (*Entry, bool) {
	entry, exists := c.byHash[hash]
	return entry, exists
}

// ByHeight looks up a block on the selected chain.
func (c *Chain) ByHeight(height uint64) (*Entry, bool) {
	if height >= uint64(len(c.active)) {
		return nil, false
	}
	return c.active[height], true
}

// ActiveBlocks returns the selected chain's blocks from the specified
// height, oldest first. Persistence uses this to rewrite its file.
func (c *Chain) ActiveBlocks(from uint64) []Block {
	if from >= uint64(len(c.active)) {
		return nil
	}

	blocks := make([]Block, 0, uint64(len(c.active))-from)
	for _, entry := range c.active[from:] {
		blocks = append(blocks, entry.Block)
	}
	return blocks
}

// HeadersAfter returns up to max selected chain headers strictly after
// the specified hash. An unknown or side chain hash restarts just past
// genesis, which every node already holds, so a peer stuck on a dead
// fork can still converge.
func (c *Chain) HeadersAfter(from chainhash.Hash, max int) []BlockHeader {
	start := uint64(1)
	if entry, exists := c.byHash[from]; exists && c.onActive(entry) {
		start = entry.Height + 1
	}

	var headers []BlockHeader
	for h := start; h < uint64(len(c.active)) && len(headers) < max; h++ {
		headers = append(headers, c.active[h].Block.Header)
	}
	return headers
}

// =============================================================================

// Insert validates a block and attaches it to the chain, extending the
// tip, storing a side chain, holding an orphan, or switching branches when
// the candidate carries more cumulative work. Ties keep the existing tip.
func (c *Chain) Insert(block Block) (ChangeSet, error) {
	hash := block.Hash()

	if _, known := c.byHash[hash]; known {
		return ChangeSet{Status: StatusAlreadyKnown}, nil
	}

	if err := block.ValidateStructure(c.genesis.MaxBlockBytes); err != nil {
		return ChangeSet{}, err
	}

	if !block.Header.PoWValid() {
		return ChangeSet{}, fmt.Errorf("%w: blk[%s]", ErrBadPoW, hash)
	}

	parent, exists := c.byHash[block.Header.PrevBlockHash]
	if !exists {
		c.addOrphan(block)
		return ChangeSet{Status: StatusOrphaned}, nil
	}

	if err := c.validateContext(block, parent); err != nil {
		return ChangeSet{}, err
	}

	entry := Entry{
		Block:  block,
		Height: parent.Height + 1,
		Work:   new(big.Int).Add(parent.Work, block.Header.Work()),
		parent: parent,
	}

	var cs ChangeSet

	switch {
	case parent == c.Tip():
		if err := c.connect(&entry); err != nil {
			return ChangeSet{}, err
		}
		c.byHash[hash] = &entry
		c.active = append(c.active, &entry)
		cs = ChangeSet{Status: StatusExtended, Connected: []*Entry{&entry}}

	case entry.Work.Cmp(c.Tip().Work) > 0:
		c.byHash[hash] = &entry
		var err error
		cs, err = c.reorg(&entry)
		if err != nil {
			return ChangeSet{}, err
		}

	default:
		c.byHash[hash] = &entry
		cs = ChangeSet{Status: StatusSideChain}
	}

	c.promoteOrphans(hash, &cs)

	return cs, nil
}

// validateContext checks the rules that need the parent: the timestamp
// bounds and the expected target for this height.
func (c *Chain) validateContext(block Block, parent *Entry) error {
	mtp := c.medianTimePast(parent)
	if block.Header.Timestamp <= mtp {
		return fmt.Errorf("%w: timestamp %d not after median %d", ErrBadTimestamp, block.Header.Timestamp, mtp)
	}

	limit := uint64(c.now().Add(maxClockSkew).Unix())
	if block.Header.Timestamp > limit {
		return fmt.Errorf("%w: timestamp %d too far in the future", ErrBadTimestamp, block.Header.Timestamp)
	}

	expected := c.ExpectedTarget(parent)
	if !block.Header.Target.Eq(&expected) {
		return fmt.Errorf("%w: blk[%s]", ErrBadTarget, block.Hash())
	}

	return nil
}

// maxClockSkew is how far ahead of the local wall clock a timestamp
// may claim to be.
const maxClockSkew = 2 * time.Hour

// medianTimeBlocks is the number of ancestors feeding the median
// timestamp rule.
const medianTimeBlocks = 11

// TipMedianTime returns the median time past at the current tip, the
// floor for the next block's timestamp.
func (c *Chain) TipMedianTime() uint64 {
	return c.medianTimePast(c.Tip())
}

// medianTimePast computes the median timestamp of the last
// medianTimeBlocks ancestors ending at the specified entry.
func (c *Chain) medianTimePast(entry *Entry) uint64 {
	timestamps := make([]uint64, 0, medianTimeBlocks)
	for e := entry; e != nil && len(timestamps) < medianTimeBlocks; e = c.parentOf(e) {
		timestamps = append(timestamps, e.Block.Header.Timestamp)
	}

	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })
	return timestamps[len(timestamps)/2]
}

// ExpectedTarget computes the deterministic target for the block that
// would follow the specified parent. Every DifficultyWindow blocks the
// target rescales by actual over expected elapsed time, clamped to a
// factor of four either way and never easier than the genesis target.
func (c *Chain) ExpectedTarget(parent *Entry) uint256.Int {
	height := parent.Height + 1
	window := c.genesis.DifficultyWindow

	if window == 0 || height%window != 0 {
		return parent.Block.Header.Target
	}

	first := c.ancestorAt(parent, height-window)

	actual := int64(parent.Block.Header.Timestamp) - int64(first.Block.Header.Timestamp)
	if actual < 1 {
		actual = 1
	}
	expected := int64(window * c.genesis.IdealBlockTime)

	prev := parent.Block.Header.Target.ToBig()
	next := new(big.Int).Mul(prev, big.NewInt(actual))
	next.Div(next, big.NewInt(expected))

	lower := new(big.Int).Div(prev, big.NewInt(4))
	upper := new(big.Int).Mul(prev, big.NewInt(4))
	if next.Cmp(lower) < 0 {
		next = lower
	}
	if next.Cmp(upper) > 0 {
		next = upper
	}

	initial := c.genesis.Target()
	if next.Cmp(initial.ToBig()) > 0 {
		return initial
	}

	var target uint256.Int
	target.SetFromBig(next)
	return target
}

// =============================================================================

// connect validates the block's transactions against the UTXO set as it
// applies them, capturing the spend journal. Any failure unwinds the
// partial application and leaves the set untouched.
func (c *Chain) connect(entry *Entry) error {
	block := entry.Block
	height := entry.Height

	var journal []Spend
	claimed := make(map[OutPoint]struct{})
	var fees uint64
	applied := 0

	fail := func(err error) error {
		c.unwind(block.Txs[1:1+applied], journal)
		return err
	}

	for ti := 1; ti < len(block.Txs); ti++ {
		tx := block.Txs[ti]
		digest := tx.SigDigest()

		var inValue uint64
		for _, in := range tx.Inputs {
			utxo, exists := c.utxo.Resolve(in.Previous)
			if !exists {
				if _, spent := claimed[in.Previous]; spent {
					return fail(fmt.Errorf("%w: %s claimed twice in blk[%s]", ErrDoubleSpend, in.Previous, block.Hash()))
				}
				return fail(fmt.Errorf("%w: %s", ErrUnknownInput, in.Previous))
			}

			if utxo.Coinbase && height-utxo.Height < c.genesis.CoinbaseMaturity {
				return fail(fmt.Errorf("%w: %s at height %d", ErrImmatureCoinbase, in.Previous, height))
			}

			if !signature.Verify(utxo.Output.Recipient, digest, in.Signature) {
				return fail(fmt.Errorf("%w: input %s", ErrBadSignature, in.Previous))
			}

			c.utxo.Spend(in.Previous)
			claimed[in.Previous] = struct{}{}
			journal = append(journal, Spend{Previous: in.Previous, Consumed: utxo})
			inValue += utxo.Output.Value
		}

		outValue := tx.OutputValue()
		if inValue < outValue {
			return fail(fmt.Errorf("%w: in %d, out %d", ErrInsufficientValue, inValue, outValue))
		}
		fees += inValue - outValue

		txHash := tx.Hash()
		for i, out := range tx.Outputs {
			c.utxo.Add(OutPoint{TxHash: txHash, Index: uint32(i)}, UTXO{Output: out, Height: height, Coinbase: false})
		}
		applied++
	}

	coinbase := block.Txs[0]
	if coinbase.OutputValue() > c.genesis.BlockReward(height)+fees {
		return fail(fmt.Errorf("%w: coinbase %d, reward %d, fees %d", ErrCoinbaseOverflow, coinbase.OutputValue(), c.genesis.BlockReward(height), fees))
	}

	cbHash := coinbase.Hash()
	for i, out := range coinbase.Outputs {
		c.utxo.Add(OutPoint{TxHash: cbHash, Index: uint32(i)}, UTXO{Output: out, Height: height, Coinbase: true})
	}

	entry.journal = journal
	return nil
}

// unwind removes the outputs the listed transactions created and restores
// the journaled spends.
func (c *Chain) unwind(txs []Tx, journal []Spend) {
	for _, spend := range journal {
		c.utxo.Add(spend.Previous, spend.Consumed)
	}

	for _, tx := range txs {
		txHash := tx.Hash()
		for i := range tx.Outputs {
			c.utxo.Remove(OutPoint{TxHash: txHash, Index: uint32(i)})
		}
	}
}

// revert inverts a connected entry using the block's own outputs and its
// spend journal.
func (c *Chain) revert(entry *Entry) {
	for _, spend := range entry.journal {
		c.utxo.Add(spend.Previous, spend.Consumed)
	}

	for _, tx := range entry.Block.Txs {
		txHash := tx.Hash()
		for i := range tx.Outputs {
			c.utxo.Remove(OutPoint{TxHash: txHash, Index: uint32(i)})
		}
	}

	entry.journal = nil
}

// reorg switches the selected chain to the branch ending at newTip. It
// walks back to the lowest common ancestor reverting blocks, then applies
// the new branch forward. Any forward failure fully restores the original
// tip and rejects the candidate branch.
func (c *Chain) reorg(newTip *Entry) (ChangeSet, error) {
	c.ev("database: reorg: started: newTip[%s] height[%d]", newTip.Hash(), newTip.Height)

	var branch []*Entry
	e := newTip
	for !c.onActive(e) {
		branch = append(branch, e)
		e = e.parent
	}
	lca := e

	// Reverse so the branch applies oldest first.
	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}

	var disconnected []*Entry
	for c.Tip() != lca {
		tip := c.Tip()
		c.revert(tip)
		c.active = c.active[:len(c.active)-1]
		disconnected = append(disconnected, tip)
	}

	var connected []*Entry
	for _, entry := range branch {
		if err := c.connect(entry); err != nil {

			// Restore the original branch exactly as it was.
			for i := len(connected) - 1; i >= 0; i-- {
				c.revert(connected[i])
				c.active = c.active[:len(c.active)-1]
			}
			for i := len(disconnected) - 1; i >= 0; i-- {
				if cerr := c.connect(disconnected[i]); cerr != nil {
					panic(fmt.Sprintf("database: reorg: restoring known good block %s: %v", disconnected[i].Hash(), cerr))
				}
				c.active = append(c.active, disconnected[i])
			}

			// Drop the invalid entry and its stored descendants on
			// this branch so the branch is not retried.
			for _, be := range branch {
				if be.Height >= entry.Height {
					delete(c.byHash, be.Hash())
				}
			}

			c.ev("database: reorg: REJECTED: blk[%s]: %s", entry.Hash(), err)
			return ChangeSet{}, err
		}

		c.active = append(c.active, entry)
		connected = append(connected, entry)
	}

	c.ev("database: reorg: completed: tip[%s] height[%d] reverted[%d] applied[%d]", c.Tip().Hash(), c.Height(), len(disconnected), len(connected))

	return ChangeSet{Status: StatusReorged, Connected: connected, Disconnected: disconnected}, nil
}

// =============================================================================

// addOrphan holds a block whose parent is unknown, evicting the oldest
// when the pool is full.
func (c *Chain) addOrphan(block Block) {
	hash := block.Hash()
	for _, orphan := range c.orphans {
		if orphan.Hash() == hash {
			return
		}
	}

	c.orphans = append(c.orphans, block)
	if len(c.orphans) > OrphanPoolSize {
		c.orphans = c.orphans[1:]
	}

	c.ev("database: orphan: held blk[%s] waiting on parent[%s]", hash, block.Header.PrevBlockHash)
}

// promoteOrphans re-inserts any held blocks whose parent just arrived,
// folding their chain mutations into the caller's change set.
func (c *Chain) promoteOrphans(parentHash chainhash.Hash, cs *ChangeSet) {
	var promoted []Block
	remaining := c.orphans[:0]
	for _, orphan := range c.orphans {
		if orphan.Header.PrevBlockHash == parentHash {
			promoted = append(promoted, orphan)
			continue
		}
		remaining = append(remaining, orphan)
	}
	c.orphans = remaining

	for _, block := range promoted {
		sub, err := c.Insert(block)
		if err != nil {
			c.ev("database: orphan: promote blk[%s]: %s", block.Hash(), err)
			continue
		}
		cs.Connected = append(cs.Connected, sub.Connected...)
		cs.Disconnected = append(cs.Disconnected, sub.Disconnected...)
	}
}

// =============================================================================

// onActive reports whether the entry sits on the selected chain.
func (c *Chain) onActive(entry *Entry) bool {
	return entry.Height < uint64(len(c.active)) && c.active[entry.Height] == entry
}

// parentOf follows the parent link, using the height index for selected
// chain entries that predate any fork.
func (c *Chain) parentOf(entry *Entry) *Entry {
	if entry.parent != nil {
		return entry.parent
	}
	if entry.Height == 0 {
		return nil
	}
	if c.onActive(entry) {
		return c.active[entry.Height-1]
	}
	return nil
}

// ancestorAt walks from the entry to its ancestor at the target height.
func (c *Chain) ancestorAt(entry *Entry, height uint64) *Entry {
	e := entry
	if c.onActive(e) {
		return c.active[height]
	}
	for e.Height > height {
		e = c.parentOf(e)
	}
	return e
}
