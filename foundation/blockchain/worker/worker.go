// Package worker implements the background operations of the node:
// gossip fan out of accepted blocks and transactions, template pushes to
// miners, peer discovery, and mempool maintenance.
package worker

import (
	"sync"
	"time"

	"github.com/ferrumchain/ferrum/foundation/blockchain/database"
	"github.com/ferrumchain/ferrum/foundation/blockchain/state"
)

// maintenanceInterval drives peer discovery and the mempool sweep.
const maintenanceInterval = time.Minute

// maxShareRequests bounds the pending gossip queues. If a queue fills,
// further signals are dropped and that item is not broadcast.
const maxShareRequests = 100

// Net is the behavior the worker needs from the network layer.
type Net interface {
	BroadcastBlock(block database.Block, origin string)
	BroadcastTx(tx database.Tx, origin string)
	PushTemplates()
	RequestPeers()
	ConnectKnown()
}

// =============================================================================

type tipShare struct {
	block  database.Block
	origin string
}

type txShare struct {
	tx     database.Tx
	origin string
}

// Worker runs the background goroutines for the node and implements the
// state.Worker interface.
type Worker struct {
	state      *state.State
	net        Net
	wg         sync.WaitGroup
	ticker     *time.Ticker
	shut       chan struct{}
	tipSharing chan tipShare
	txSharing  chan txShare
	evHandler  state.EventHandler
}

// Run creates a worker, registers it with the state package, and starts
// up all the background processes.
func Run(st *state.State, net Net, evHandler state.EventHandler) *Worker {
	w := Worker{
		state:      st,
		net:        net,
		ticker:     time.NewTicker(maintenanceInterval),
		shut:       make(chan struct{}),
		tipSharing: make(chan tipShare, maxShareRequests),
		txSharing:  make(chan txShare, maxShareRequests),
		evHandler:  evHandler,
	}

	// Register this worker with the state package.
	st.Worker = &w

	// Load the set of operations we need to run.
	operations := []func(){
		w.shareTipOperations,
		w.shareTxOperations,
		w.maintenanceOperations,
	}

	// Set waitgroup to match the number of G's we need for the set
	// of operations we have.
	g := len(operations)
	w.wg.Add(g)

	// We don't want to return until we know all the G's are up and running.
	hasStarted := make(chan bool)

	for _, op := range operations {
		go func(op func()) {
			defer w.wg.Done()
			hasStarted <- true
			op()
		}(op)
	}

	for i := 0; i < g; i++ {
		<-hasStarted
	}

	return &w
}

// =============================================================================
// These methods implement the state.Worker interface.

// Shutdown terminates the goroutines performing work.
func (w *Worker) Shutdown() {
	w.evHandler("worker: shutdown: started")
	defer w.evHandler("worker: shutdown: completed")

	w.ticker.Stop()
	close(w.shut)
	w.wg.Wait()
}

// SignalNewTip queues the gossip and template work for a newly accepted
// tip. If the queue is full the signal is dropped.
func (w *Worker) SignalNewTip(block database.Block, origin string) {
	select {
	case w.tipSharing <- tipShare{block: block, origin: origin}:
		w.evHandler("worker: SignalNewTip: tip share signaled: blk[%s]", block.Hash())
	default:
		w.evHandler("worker: SignalNewTip: queue full, tip won't be shared")
	}
}

// SignalShareTx queues an admitted transaction for flooding. If the queue
// is full the signal is dropped.
func (w *Worker) SignalShareTx(tx database.Tx, origin string) {
	select {
	case w.txSharing <- txShare{tx: tx, origin: origin}:
		w.evHandler("worker: SignalShareTx: share tx signaled: tx[%s]", tx.Hash())
	default:
		w.evHandler("worker: SignalShareTx: queue full, transaction won't be shared")
	}
}

// =============================================================================

// shareTipOperations handles flooding accepted blocks and refreshing
// miner templates.
func (w *Worker) shareTipOperations() {
	w.evHandler("worker: shareTipOperations: G started")
	defer w.evHandler("worker: shareTipOperations: G completed")

	for {
		select {
		case share := <-w.tipSharing:
			if !w.isShutdown() {
				w.net.BroadcastBlock(share.block, share.origin)
				w.net.PushTemplates()
			}
		case <-w.shut:
			w.evHandler("worker: shareTipOperations: received shut signal")
			return
		}
	}
}

// shareTxOperations handles flooding admitted transactions.
func (w *Worker) shareTxOperations() {
	w.evHandler("worker: shareTxOperations: G started")
	defer w.evHandler("worker: shareTxOperations: G completed")

	for {
		select {
		case share := <-w.txSharing:
			if !w.isShutdown() {
				w.net.BroadcastTx(share.tx, share.origin)
			}
		case <-w.shut:
			w.evHandler("worker: shareTxOperations: received shut signal")
			return
		}
	}
}

// maintenanceOperations handles peer discovery and mempool upkeep on
// the ticker.
func (w *Worker) maintenanceOperations() {
	w.evHandler("worker: maintenanceOperations: G started")
	defer w.evHandler("worker: maintenanceOperations: G completed")

	for {
		select {
		case <-w.ticker.C:
			if !w.isShutdown() {
				w.runMaintenanceOperation()
			}
		case <-w.shut:
			w.evHandler("worker: maintenanceOperations: received shut signal")
			return
		}
	}
}

// runMaintenanceOperation reconnects known peers, asks the network for
// new ones, and sweeps expired transactions.
func (w *Worker) runMaintenanceOperation() {
	w.evHandler("worker: runMaintenanceOperation: started")
	defer w.evHandler("worker: runMaintenanceOperation: completed")

	w.net.ConnectKnown()
	w.net.RequestPeers()
	w.state.SweepMempool()
}

// isShutdown is used to test if a shutdown has been signaled.
func (w *Worker) isShutdown() bool {
	select {
	case <-w.shut:
		return true
	default:
		return false
	}
}
