package database

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/ferrumchain/ferrum/foundation/blockchain/signature"
)

// CoinUnit is the number of indivisible units per whole coin.
const CoinUnit = 100_000_000

// Genesis holds the chain constants. Every node on a network must agree on
// these, they feed the expected target schedule and the reward curve.
type Genesis struct {
	Date             time.Time `json:"date"`
	ChainID          uint16    `json:"chain_id"`
	InitialReward    uint64    `json:"initial_reward"`    // Whole coins paid per block before halving.
	HalvingInterval  uint64    `json:"halving_interval"`  // Blocks between reward halvings.
	DifficultyWindow uint64    `json:"difficulty_window"` // Blocks between target rescales.
	IdealBlockTime   uint64    `json:"ideal_block_time"`  // Seconds per block the schedule aims for.
	InitialTarget    string    `json:"initial_target"`    // Hex threshold for the genesis target.
	CoinbaseMaturity uint64    `json:"coinbase_maturity"` // Confirmations before a coinbase output spends.
	MaxBlockBytes    int       `json:"max_block_bytes"`
	MaxTemplateTxs   int       `json:"max_template_txs"`
	MempoolMaxBytes  int       `json:"mempool_max_bytes"`
	MaxTxAge         uint64    `json:"max_tx_age"` // Seconds before an unmined transaction is swept.
}

// DefaultGenesis returns the compiled in chain constants.
func DefaultGenesis() Genesis {
	return Genesis{
		Date:             time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
		ChainID:          1,
		InitialReward:    50,
		HalvingInterval:  210,
		DifficultyWindow: 144,
		IdealBlockTime:   10,
		InitialTarget:    "0x7fffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
		CoinbaseMaturity: 20,
		MaxBlockBytes:    1 << 20,
		MaxTemplateTxs:   500,
		MempoolMaxBytes:  32 << 20,
		MaxTxAge:         600,
	}
}

// LoadGenesis reads the genesis file, falling back to the compiled in
// constants when no file exists at the path.
func LoadGenesis(path string) (Genesis, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultGenesis(), nil
		}
		return Genesis{}, err
	}

	var genesis Genesis
	if err := json.Unmarshal(content, &genesis); err != nil {
		return Genesis{}, err
	}

	return genesis, nil
}

// Target parses the initial target threshold.
func (g Genesis) Target() uint256.Int {
	target, err := uint256.FromHex(g.InitialTarget)
	if err != nil {
		// A broken genesis file is a deployment error, not a runtime
		// condition to recover from.
		panic("genesis: invalid initial target: " + g.InitialTarget)
	}
	return *target
}

// BlockReward returns the subsidy for a block at the specified height,
// halving every HalvingInterval blocks.
func (g Genesis) BlockReward(height uint64) uint64 {
	halvings := height / g.HalvingInterval
	if halvings >= 64 {
		return 0
	}
	return (g.InitialReward * CoinUnit) >> halvings
}

// Block constructs the hard coded genesis block. It is fully deterministic:
// same constants, same bytes, same hash on every node. Its single coinbase
// output pays an unspendable zero key.
func (g Genesis) Block() Block {
	coinbase := Tx{
		Outputs: []TxOutput{
			{
				Value:     g.BlockReward(0),
				UniqueID:  uuid.Nil,
				Recipient: signature.PublicKey{},
			},
		},
	}

	return NewBlock(chainhash.Hash{}, uint64(g.Date.Unix()), g.Target(), []Tx{coinbase})
}
