package database_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/ferrumchain/ferrum/foundation/blockchain/database"
	"github.com/ferrumchain/ferrum/foundation/blockchain/signature"
)

// testGenesis disables coinbase maturity and pushes the retarget window
// out of the way so blocks are cheap to craft.
func testGenesis() database.Genesis {
	g := database.DefaultGenesis()
	g.CoinbaseMaturity = 0
	g.DifficultyWindow = 1_000_000
	return g
}

type harness struct {
	t       *testing.T
	genesis database.Genesis
	utxo    *database.UTXOSet
	chain   *database.Chain
}

func newHarness(t *testing.T, genesis database.Genesis) *harness {
	t.Helper()

	utxo := database.NewUTXOSet()
	ev := func(v string, args ...any) {}

	return &harness{
		t:       t,
		genesis: genesis,
		utxo:    utxo,
		chain:   database.NewChain(genesis, utxo, ev),
	}
}

// grind iterates the nonce until the proof of work holds.
func grind(b *database.Block) {
	for !b.Header.PoWValid() {
		b.Header.Nonce++
	}
}

// mine crafts a valid block on the specified parent. The coinbase claims
// the subsidy plus claimFees.
func (h *harness) mine(parent *database.Entry, payTo signature.PublicKey, claimFees uint64, txs ...database.Tx) database.Block {
	h.t.Helper()

	coinbase := database.NewCoinbaseTx(payTo, h.genesis.BlockReward(parent.Height+1)+claimFees)
	all := append([]database.Tx{coinbase}, txs...)

	block := database.NewBlock(parent.Hash(), parent.Block.Header.Timestamp+1, h.chain.ExpectedTarget(parent), all)
	grind(&block)
	return block
}

// spend builds a signed transaction consuming the outpoints and paying
// the outputs.
func spend(t *testing.T, prv signature.PrivateKey, prevs []database.OutPoint, outs ...database.TxOutput) database.Tx {
	t.Helper()

	tx := database.Tx{Outputs: outs}
	for _, op := range prevs {
		tx.Inputs = append(tx.Inputs, database.TxInput{Previous: op})
	}
	require.NoError(t, tx.SignInputs(prv))
	return tx
}

func payout(value uint64, to signature.PublicKey) database.TxOutput {
	return database.TxOutput{Value: value, UniqueID: uuid.New(), Recipient: to}
}

// coinbaseOutpoint addresses the single output of a block's coinbase.
func coinbaseOutpoint(block database.Block) database.OutPoint {
	return database.OutPoint{TxHash: block.Txs[0].Hash(), Index: 0}
}

// =============================================================================

func TestExtendChain(t *testing.T) {
	h := newHarness(t, testGenesis())
	k := mustKey(t)

	b1 := h.mine(h.chain.Tip(), k.PublicKey(), 0)

	cs, err := h.chain.Insert(b1)
	require.NoError(t, err)
	require.Equal(t, database.StatusExtended, cs.Status)
	require.Len(t, cs.Connected, 1)

	require.Equal(t, uint64(1), h.chain.Height())
	require.Equal(t, b1.Hash(), h.chain.Tip().Hash())

	utxo, exists := h.utxo.Resolve(coinbaseOutpoint(b1))
	require.True(t, exists)
	require.Equal(t, h.genesis.BlockReward(1), utxo.Output.Value)
	require.True(t, utxo.Coinbase)
}

func TestAlreadyKnown(t *testing.T) {
	h := newHarness(t, testGenesis())

	b1 := h.mine(h.chain.Tip(), mustKey(t).PublicKey(), 0)

	_, err := h.chain.Insert(b1)
	require.NoError(t, err)

	cs, err := h.chain.Insert(b1)
	require.NoError(t, err)
	require.Equal(t, database.StatusAlreadyKnown, cs.Status)
}

func TestBadPoWRejected(t *testing.T) {
	h := newHarness(t, testGenesis())

	b1 := h.mine(h.chain.Tip(), mustKey(t).PublicKey(), 0)
	for b1.Header.PoWValid() {
		b1.Header.Nonce++
	}

	_, err := h.chain.Insert(b1)
	require.ErrorIs(t, err, database.ErrBadPoW)
	require.Equal(t, uint64(0), h.chain.Height())
}

func TestBadTimestampRejected(t *testing.T) {
	h := newHarness(t, testGenesis())
	k := mustKey(t)
	tip := h.chain.Tip()

	// Not after the median of previous timestamps.
	coinbase := database.NewCoinbaseTx(k.PublicKey(), h.genesis.BlockReward(1))
	stale := database.NewBlock(tip.Hash(), tip.Block.Header.Timestamp, h.chain.ExpectedTarget(tip), []database.Tx{coinbase})
	grind(&stale)

	_, err := h.chain.Insert(stale)
	require.ErrorIs(t, err, database.ErrBadTimestamp)

	// More than two hours past the wall clock.
	future := database.NewBlock(tip.Hash(), uint64(time.Now().Add(3*time.Hour).Unix()), h.chain.ExpectedTarget(tip), []database.Tx{database.NewCoinbaseTx(k.PublicKey(), h.genesis.BlockReward(1))})
	grind(&future)

	_, err = h.chain.Insert(future)
	require.ErrorIs(t, err, database.ErrBadTimestamp)
}

func TestBadTargetRejected(t *testing.T) {
	h := newHarness(t, testGenesis())
	tip := h.chain.Tip()

	wrong := h.chain.ExpectedTarget(tip)
	var halved uint256.Int
	halved.Rsh(&wrong, 1)

	coinbase := database.NewCoinbaseTx(mustKey(t).PublicKey(), h.genesis.BlockReward(1))
	block := database.NewBlock(tip.Hash(), tip.Block.Header.Timestamp+1, halved, []database.Tx{coinbase})
	grind(&block)

	_, err := h.chain.Insert(block)
	require.ErrorIs(t, err, database.ErrBadTarget)
}

func TestOrphanPromotion(t *testing.T) {
	h := newHarness(t, testGenesis())
	k := mustKey(t)

	b1 := h.mine(h.chain.Tip(), k.PublicKey(), 0)

	// Crafting b2 needs b1 connected, use a throwaway chain.
	scratch := newHarness(t, testGenesis())
	_, err := scratch.chain.Insert(b1)
	require.NoError(t, err)
	b2 := scratch.mine(scratch.chain.Tip(), k.PublicKey(), 0)

	// Child first: held as an orphan.
	cs, err := h.chain.Insert(b2)
	require.NoError(t, err)
	require.Equal(t, database.StatusOrphaned, cs.Status)
	require.Equal(t, uint64(0), h.chain.Height())

	// Parent arrives: the orphan is promoted behind it.
	cs, err = h.chain.Insert(b1)
	require.NoError(t, err)
	require.Equal(t, database.StatusExtended, cs.Status)
	require.Len(t, cs.Connected, 2)
	require.Equal(t, uint64(2), h.chain.Height())
	require.Equal(t, b2.Hash(), h.chain.Tip().Hash())
}

func TestFirstSeenWinsOnEqualWork(t *testing.T) {
	h := newHarness(t, testGenesis())
	genesis := h.chain.Tip()

	b1 := h.mine(genesis, mustKey(t).PublicKey(), 0)
	_, err := h.chain.Insert(b1)
	require.NoError(t, err)

	// A competing block at the same height carries the same work.
	f1 := h.mine(genesis, mustKey(t).PublicKey(), 0)
	cs, err := h.chain.Insert(f1)
	require.NoError(t, err)
	require.Equal(t, database.StatusSideChain, cs.Status)
	require.Equal(t, b1.Hash(), h.chain.Tip().Hash())
}

func TestReorgToHeavierBranch(t *testing.T) {
	h := newHarness(t, testGenesis())
	k := mustKey(t)
	genesis := h.chain.Tip()

	b1 := h.mine(genesis, k.PublicKey(), 0)
	_, err := h.chain.Insert(b1)
	require.NoError(t, err)
	b2 := h.mine(h.chain.Tip(), k.PublicKey(), 0)
	_, err = h.chain.Insert(b2)
	require.NoError(t, err)

	// Build the competing branch on a scratch chain so each block can
	// be crafted against a connected parent.
	scratch := newHarness(t, testGenesis())
	var fork []database.Block
	for i := 0; i < 3; i++ {
		f := scratch.mine(scratch.chain.Tip(), k.PublicKey(), 0)
		_, err := scratch.chain.Insert(f)
		require.NoError(t, err)
		fork = append(fork, f)
	}

	cs, err := h.chain.Insert(fork[0])
	require.NoError(t, err)
	require.Equal(t, database.StatusSideChain, cs.Status)

	cs, err = h.chain.Insert(fork[1])
	require.NoError(t, err)
	require.Equal(t, database.StatusSideChain, cs.Status)

	cs, err = h.chain.Insert(fork[2])
	require.NoError(t, err)
	require.Equal(t, database.StatusReorged, cs.Status)
	require.Len(t, cs.Disconnected, 2)
	require.Len(t, cs.Connected, 3)

	require.Equal(t, uint64(3), h.chain.Height())
	require.Equal(t, fork[2].Hash(), h.chain.Tip().Hash())

	// Supply conservation: with no fees in play the unspent value is
	// exactly the coinbase sum along the selected chain.
	expected := h.genesis.BlockReward(0) + h.genesis.BlockReward(1) + h.genesis.BlockReward(2) + h.genesis.BlockReward(3)
	require.Equal(t, expected, h.utxo.TotalValue())
}

func TestFailedReorgRestoresOriginalTip(t *testing.T) {
	h := newHarness(t, testGenesis())
	k := mustKey(t)

	b1 := h.mine(h.chain.Tip(), k.PublicKey(), 0)
	_, err := h.chain.Insert(b1)
	require.NoError(t, err)
	b2 := h.mine(h.chain.Tip(), k.PublicKey(), 0)
	_, err = h.chain.Insert(b2)
	require.NoError(t, err)

	snapshot := h.utxo.Clone()
	tipBefore := h.chain.Tip().Hash()

	// A heavier branch whose last block spends an output that does
	// not exist.
	scratch := newHarness(t, testGenesis())
	var fork []database.Block
	for i := 0; i < 2; i++ {
		f := scratch.mine(scratch.chain.Tip(), k.PublicKey(), 0)
		_, err := scratch.chain.Insert(f)
		require.NoError(t, err)
		fork = append(fork, f)
	}

	ghost := database.OutPoint{TxHash: database.NewCoinbaseTx(k.PublicKey(), 1).Hash(), Index: 0}
	badTx := spend(t, k, []database.OutPoint{ghost}, payout(1, k.PublicKey()))
	bad := scratch.mine(scratch.chain.Tip(), k.PublicKey(), 0, badTx)
	fork = append(fork, bad)

	for _, f := range fork[:2] {
		_, err := h.chain.Insert(f)
		require.NoError(t, err)
	}

	_, err = h.chain.Insert(fork[2])
	require.ErrorIs(t, err, database.ErrUnknownInput)

	// Fully restored: same tip, byte for byte the same UTXO set.
	require.Equal(t, tipBefore, h.chain.Tip().Hash())
	require.Equal(t, uint64(2), h.chain.Height())
	require.True(t, h.utxo.Equal(snapshot))
}

func TestSpendFlow(t *testing.T) {
	h := newHarness(t, testGenesis())
	k1 := mustKey(t)
	k2 := mustKey(t)

	b1 := h.mine(h.chain.Tip(), k1.PublicKey(), 0)
	_, err := h.chain.Insert(b1)
	require.NoError(t, err)

	reward := h.genesis.BlockReward(1)
	tx := spend(t, k1, []database.OutPoint{coinbaseOutpoint(b1)}, payout(reward, k2.PublicKey()))

	b2 := h.mine(h.chain.Tip(), k1.PublicKey(), 0, tx)
	_, err = h.chain.Insert(b2)
	require.NoError(t, err)

	_, exists := h.utxo.Resolve(coinbaseOutpoint(b1))
	require.False(t, exists)

	paid, exists := h.utxo.Resolve(database.OutPoint{TxHash: tx.Hash(), Index: 0})
	require.True(t, exists)
	require.Equal(t, k2.PublicKey(), paid.Output.Recipient)
	require.False(t, paid.Coinbase)
}

func TestFeesFlowToCoinbase(t *testing.T) {
	h := newHarness(t, testGenesis())
	k1 := mustKey(t)

	b1 := h.mine(h.chain.Tip(), k1.PublicKey(), 0)
	_, err := h.chain.Insert(b1)
	require.NoError(t, err)

	reward := h.genesis.BlockReward(1)
	const fee = 1_000
	tx := spend(t, k1, []database.OutPoint{coinbaseOutpoint(b1)}, payout(reward-fee, k1.PublicKey()))

	b2 := h.mine(h.chain.Tip(), k1.PublicKey(), fee, tx)
	_, err = h.chain.Insert(b2)
	require.NoError(t, err)

	utxo, exists := h.utxo.Resolve(coinbaseOutpoint(b2))
	require.True(t, exists)
	require.Equal(t, h.genesis.BlockReward(2)+fee, utxo.Output.Value)
}

func TestCoinbaseOverflowRejected(t *testing.T) {
	h := newHarness(t, testGenesis())
	k := mustKey(t)

	b1 := h.mine(h.chain.Tip(), k.PublicKey(), 1) // claims one unit beyond reward

	_, err := h.chain.Insert(b1)
	require.ErrorIs(t, err, database.ErrCoinbaseOverflow)
	require.Equal(t, uint64(0), h.chain.Height())
}

func TestIntraBlockDoubleSpendRejected(t *testing.T) {
	h := newHarness(t, testGenesis())
	k := mustKey(t)

	b1 := h.mine(h.chain.Tip(), k.PublicKey(), 0)
	_, err := h.chain.Insert(b1)
	require.NoError(t, err)

	snapshot := h.utxo.Clone()
	reward := h.genesis.BlockReward(1)
	op := coinbaseOutpoint(b1)

	txA := spend(t, k, []database.OutPoint{op}, payout(reward, k.PublicKey()))
	txB := spend(t, k, []database.OutPoint{op}, payout(reward-1, k.PublicKey()))

	b2 := h.mine(h.chain.Tip(), k.PublicKey(), 0, txA, txB)
	_, err = h.chain.Insert(b2)
	require.ErrorIs(t, err, database.ErrDoubleSpend)
	require.True(t, h.utxo.Equal(snapshot))
}

func TestBadSignatureRejected(t *testing.T) {
	h := newHarness(t, testGenesis())
	k := mustKey(t)
	thief := mustKey(t)

	b1 := h.mine(h.chain.Tip(), k.PublicKey(), 0)
	_, err := h.chain.Insert(b1)
	require.NoError(t, err)

	// The thief signs a spend of an output it does not own.
	tx := spend(t, thief, []database.OutPoint{coinbaseOutpoint(b1)}, payout(1, thief.PublicKey()))

	b2 := h.mine(h.chain.Tip(), k.PublicKey(), 0, tx)
	_, err = h.chain.Insert(b2)
	require.ErrorIs(t, err, database.ErrBadSignature)
}

func TestInsufficientValueRejected(t *testing.T) {
	h := newHarness(t, testGenesis())
	k := mustKey(t)

	b1 := h.mine(h.chain.Tip(), k.PublicKey(), 0)
	_, err := h.chain.Insert(b1)
	require.NoError(t, err)

	reward := h.genesis.BlockReward(1)
	tx := spend(t, k, []database.OutPoint{coinbaseOutpoint(b1)}, payout(reward+1, k.PublicKey()))

	b2 := h.mine(h.chain.Tip(), k.PublicKey(), 0, tx)
	_, err = h.chain.Insert(b2)
	require.ErrorIs(t, err, database.ErrInsufficientValue)
}

func TestImmatureCoinbaseRejected(t *testing.T) {
	genesis := testGenesis()
	genesis.CoinbaseMaturity = 5
	h := newHarness(t, genesis)
	k := mustKey(t)

	b1 := h.mine(h.chain.Tip(), k.PublicKey(), 0)
	_, err := h.chain.Insert(b1)
	require.NoError(t, err)

	tx := spend(t, k, []database.OutPoint{coinbaseOutpoint(b1)}, payout(1, k.PublicKey()))
	b2 := h.mine(h.chain.Tip(), k.PublicKey(), 0, tx)

	_, err = h.chain.Insert(b2)
	require.ErrorIs(t, err, database.ErrImmatureCoinbase)
}

func TestExpectedTargetRescale(t *testing.T) {
	genesis := testGenesis()
	genesis.DifficultyWindow = 4
	genesis.IdealBlockTime = 10
	h := newHarness(t, genesis)
	k := mustKey(t)

	// Blocks arrive one second apart, far faster than the ten second
	// ideal, so the target must clamp to a quarter.
	for i := 0; i < 3; i++ {
		b := h.mine(h.chain.Tip(), k.PublicKey(), 0)
		_, err := h.chain.Insert(b)
		require.NoError(t, err)
	}

	initial := genesis.Target()
	var quarter uint256.Int
	quarter.Rsh(&initial, 2)

	next := h.chain.ExpectedTarget(h.chain.Tip())
	require.True(t, next.Eq(&quarter), "got %s", next.Hex())
}

func TestExpectedTargetNeverEasierThanGenesis(t *testing.T) {
	genesis := testGenesis()
	genesis.DifficultyWindow = 4
	genesis.IdealBlockTime = 1
	h := newHarness(t, genesis)
	k := mustKey(t)

	// Blocks arrive far slower than the one second ideal. The rescale
	// wants to ease the target but the genesis target is the ceiling.
	for i := 0; i < 3; i++ {
		tip := h.chain.Tip()
		coinbase := database.NewCoinbaseTx(k.PublicKey(), genesis.BlockReward(tip.Height+1))
		b := database.NewBlock(tip.Hash(), tip.Block.Header.Timestamp+100, h.chain.ExpectedTarget(tip), []database.Tx{coinbase})
		grind(&b)

		_, err := h.chain.Insert(b)
		require.NoError(t, err)
	}

	initial := genesis.Target()
	next := h.chain.ExpectedTarget(h.chain.Tip())
	require.True(t, next.Eq(&initial))
}

func TestHeadersAfter(t *testing.T) {
	h := newHarness(t, testGenesis())
	k := mustKey(t)

	var hashes []database.Block
	for i := 0; i < 3; i++ {
		b := h.mine(h.chain.Tip(), k.PublicKey(), 0)
		_, err := h.chain.Insert(b)
		require.NoError(t, err)
		hashes = append(hashes, b)
	}

	genesisHash := h.genesis.Block().Hash()

	headers := h.chain.HeadersAfter(genesisHash, 10)
	require.Len(t, headers, 3)
	require.Equal(t, hashes[0].Hash(), headers[0].Hash())

	headers = h.chain.HeadersAfter(hashes[2].Hash(), 10)
	require.Empty(t, headers)

	// An unknown hash restarts just past genesis.
	headers = h.chain.HeadersAfter(database.NewCoinbaseTx(k.PublicKey(), 1).Hash(), 2)
	require.Len(t, headers, 2)
	require.Equal(t, hashes[0].Hash(), headers[0].Hash())
}
