// Package selector provides the strategies that pick which pending
// transactions go into the next block template.
package selector

import (
	"fmt"
	"sort"

	"github.com/ferrumchain/ferrum/foundation/blockchain/database"
)

// List of select strategies.
const (
	StrategyFeeRate = "feerate"
	StrategyOldest  = "oldest"
)

// Map of select strategies with functions.
var strategies = map[string]Func{
	StrategyFeeRate: feeRateSelect,
	StrategyOldest:  oldestSelect,
}

// Item is one pending transaction with the bookkeeping the strategies
// order by. AddedOrder is a monotonic admission counter.
type Item struct {
	Tx         database.Tx
	Fee        uint64
	Size       int
	AddedOrder uint64
}

// Func takes the pool's items and selects up to howMany of them, staying
// within maxBytes of serialized transactions. Receiving -1 for howMany
// returns everything in the strategy's order.
type Func func(items []Item, howMany int, maxBytes int) []database.Tx

// Retrieve returns the specified select strategy function.
func Retrieve(strategy string) (Func, error) {
	fn, exists := strategies[strategy]
	if !exists {
		return nil, fmt.Errorf("strategy %q does not exist", strategy)
	}
	return fn, nil
}

// =============================================================================

// take applies the howMany and maxBytes bounds to an ordered item list.
func take(items []Item, howMany int, maxBytes int) []database.Tx {
	if howMany == -1 {
		howMany = len(items)
	}

	var txs []database.Tx
	var bytes int
	for _, item := range items {
		if len(txs) == howMany {
			break
		}
		if maxBytes > 0 && bytes+item.Size > maxBytes {
			continue
		}
		txs = append(txs, item.Tx)
		bytes += item.Size
	}

	return txs
}

// feeRateSelect orders by fee per byte, best paying first. Ties go to the
// earlier admission so the ordering is stable across nodes.
var feeRateSelect = func(items []Item, howMany int, maxBytes int) []database.Tx {
	sorted := make([]Item, len(items))
	copy(sorted, items)

	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		ra := a.Fee * uint64(b.Size)
		rb := b.Fee * uint64(a.Size)
		if ra != rb {
			return ra > rb
		}
		return a.AddedOrder < b.AddedOrder
	})

	return take(sorted, howMany, maxBytes)
}

// oldestSelect orders by admission, first come first served.
var oldestSelect = func(items []Item, howMany int, maxBytes int) []database.Tx {
	sorted := make([]Item, len(items))
	copy(sorted, items)

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].AddedOrder < sorted[j].AddedOrder
	})

	return take(sorted, howMany, maxBytes)
}
