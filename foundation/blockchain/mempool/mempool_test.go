package mempool_test

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ferrumchain/ferrum/foundation/blockchain/database"
	"github.com/ferrumchain/ferrum/foundation/blockchain/mempool"
	"github.com/ferrumchain/ferrum/foundation/blockchain/mempool/selector"
	"github.com/ferrumchain/ferrum/foundation/blockchain/signature"
)

// pool wraps a mempool with an in-memory UTXO view for admission.
type pool struct {
	t     *testing.T
	mp    *mempool.Mempool
	utxos map[database.OutPoint]database.UTXO
}

func newPool(t *testing.T, maxBytes int) *pool {
	t.Helper()

	mp, err := mempool.New(maxBytes, selector.StrategyFeeRate)
	require.NoError(t, err)

	return &pool{
		t:     t,
		mp:    mp,
		utxos: make(map[database.OutPoint]database.UTXO),
	}
}

func (p *pool) resolve(op database.OutPoint) (database.UTXO, bool) {
	utxo, exists := p.utxos[op]
	return utxo, exists
}

// fund creates a spendable output worth value owned by the key.
func (p *pool) fund(owner signature.PrivateKey, value uint64) database.OutPoint {
	p.t.Helper()

	op := database.OutPoint{TxHash: chainhash.HashH([]byte{byte(len(p.utxos))}), Index: 0}

	p.utxos[op] = database.UTXO{
		Output: database.TxOutput{Value: value, UniqueID: uuid.New(), Recipient: owner.PublicKey()},
		Height: 1,
	}
	return op
}

func (p *pool) admit(tx database.Tx) error {
	return p.mp.Admit(tx, p.resolve, 10, 0)
}

func signedSpend(t *testing.T, prv signature.PrivateKey, prevs []database.OutPoint, outValue uint64) database.Tx {
	t.Helper()

	tx := database.Tx{
		Outputs: []database.TxOutput{
			{Value: outValue, UniqueID: uuid.New(), Recipient: prv.PublicKey()},
		},
	}
	for _, op := range prevs {
		tx.Inputs = append(tx.Inputs, database.TxInput{Previous: op})
	}
	require.NoError(t, tx.SignInputs(prv))
	return tx
}

func key(t *testing.T) signature.PrivateKey {
	t.Helper()
	prv, err := signature.Generate()
	require.NoError(t, err)
	return prv
}

// =============================================================================

func TestAdmit(t *testing.T) {
	p := newPool(t, 1<<20)
	k := key(t)

	op := p.fund(k, 1_000)
	tx := signedSpend(t, k, []database.OutPoint{op}, 900)

	require.NoError(t, p.admit(tx))
	require.Equal(t, 1, p.mp.Count())
	require.True(t, p.mp.Contains(tx.Hash()))
	require.True(t, p.mp.Claimed(op))
}

func TestAdmitAlreadyKnown(t *testing.T) {
	p := newPool(t, 1<<20)
	k := key(t)

	tx := signedSpend(t, k, []database.OutPoint{p.fund(k, 1_000)}, 900)

	require.NoError(t, p.admit(tx))
	require.ErrorIs(t, p.admit(tx), database.ErrAlreadyKnown)
}

func TestAdmitUnknownInput(t *testing.T) {
	p := newPool(t, 1<<20)
	k := key(t)

	ghost := database.OutPoint{TxHash: chainhash.HashH([]byte("ghost")), Index: 0}
	tx := signedSpend(t, k, []database.OutPoint{ghost}, 1)

	require.ErrorIs(t, p.admit(tx), database.ErrUnknownInput)
}

func TestAdmitDoubleSpend(t *testing.T) {
	p := newPool(t, 1<<20)
	k := key(t)

	op := p.fund(k, 1_000)

	first := signedSpend(t, k, []database.OutPoint{op}, 900)
	second := signedSpend(t, k, []database.OutPoint{op}, 800)

	require.NoError(t, p.admit(first))
	require.ErrorIs(t, p.admit(second), database.ErrDoubleSpend)
	require.Equal(t, 1, p.mp.Count())
}

func TestAdmitBadSignature(t *testing.T) {
	p := newPool(t, 1<<20)
	k := key(t)
	thief := key(t)

	op := p.fund(k, 1_000)
	tx := signedSpend(t, thief, []database.OutPoint{op}, 900)

	require.ErrorIs(t, p.admit(tx), database.ErrBadSignature)
}

func TestAdmitInsufficientValue(t *testing.T) {
	p := newPool(t, 1<<20)
	k := key(t)

	op := p.fund(k, 100)
	tx := signedSpend(t, k, []database.OutPoint{op}, 200)

	require.ErrorIs(t, p.admit(tx), database.ErrInsufficientValue)
}

func TestAdmitRejectsCoinbase(t *testing.T) {
	p := newPool(t, 1<<20)
	k := key(t)

	coinbase := database.NewCoinbaseTx(k.PublicKey(), 100)
	require.ErrorIs(t, p.admit(coinbase), database.ErrStructuralInvalid)
}

func TestAdmitImmatureCoinbase(t *testing.T) {
	p := newPool(t, 1<<20)
	k := key(t)

	op := p.fund(k, 1_000)
	utxo := p.utxos[op]
	utxo.Coinbase = true
	utxo.Height = 8
	p.utxos[op] = utxo

	tx := signedSpend(t, k, []database.OutPoint{op}, 900)

	// Tip 10, created 8, maturity 20.
	require.ErrorIs(t, p.mp.Admit(tx, p.resolve, 10, 20), database.ErrImmatureCoinbase)
}

func TestRemoveMinedEvictsConflicts(t *testing.T) {
	p := newPool(t, 1<<20)
	k := key(t)

	op := p.fund(k, 1_000)
	pooled := signedSpend(t, k, []database.OutPoint{op}, 900)
	require.NoError(t, p.admit(pooled))

	// A block mined elsewhere spends the same output with a
	// different transaction.
	mined := signedSpend(t, k, []database.OutPoint{op}, 850)
	p.mp.RemoveMined([]database.Tx{mined})

	require.Equal(t, 0, p.mp.Count())
	require.False(t, p.mp.Claimed(op))
}

func TestPickBestPrefersFeeRate(t *testing.T) {
	p := newPool(t, 1<<20)
	k := key(t)

	cheap := signedSpend(t, k, []database.OutPoint{p.fund(k, 1_000)}, 999)
	rich := signedSpend(t, k, []database.OutPoint{p.fund(k, 1_000)}, 500)

	require.NoError(t, p.admit(cheap))
	require.NoError(t, p.admit(rich))

	picked := p.mp.PickBest(1, 0)
	require.Len(t, picked, 1)
	require.Equal(t, rich.Hash(), picked[0].Hash())

	all := p.mp.PickBest(-1, 0)
	require.Len(t, all, 2)
	require.Equal(t, rich.Hash(), all[0].Hash())
}

func TestEvictionPrefersIncomingHigherFeeRate(t *testing.T) {
	k := key(t)

	// Size the pool so only one transaction fits.
	probe := signedSpend(t, k, []database.OutPoint{{TxHash: chainhash.HashH([]byte("p")), Index: 0}}, 1)
	limit := probe.Size() + probe.Size()/2

	p := newPool(t, limit)

	low := signedSpend(t, k, []database.OutPoint{p.fund(k, 1_000)}, 990)
	require.NoError(t, p.admit(low))

	// A better paying transaction evicts the cheaper resident.
	high := signedSpend(t, k, []database.OutPoint{p.fund(k, 1_000)}, 100)
	require.NoError(t, p.admit(high))

	require.False(t, p.mp.Contains(low.Hash()))
	require.True(t, p.mp.Contains(high.Hash()))

	// A worse paying transaction is turned away instead.
	worse := signedSpend(t, k, []database.OutPoint{p.fund(k, 1_000)}, 995)
	require.ErrorIs(t, p.admit(worse), mempool.ErrMempoolFull)
}

func TestSweepExpired(t *testing.T) {
	p := newPool(t, 1<<20)
	k := key(t)

	tx := signedSpend(t, k, []database.OutPoint{p.fund(k, 1_000)}, 900)
	require.NoError(t, p.admit(tx))

	require.Equal(t, 0, p.mp.SweepExpired(1<<40))
	require.Equal(t, 1, p.mp.SweepExpired(0))
	require.Equal(t, 0, p.mp.Count())
}
