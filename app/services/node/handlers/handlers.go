// Package handlers binds the node's read only HTTP surface: a status
// endpoint for operators and a websocket stream of node events for
// viewers. Consensus traffic never travels here, that is the peer
// protocol's job.
package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"

	"github.com/dimfeld/httptreemux/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ferrumchain/ferrum/foundation/blockchain/state"
	"github.com/ferrumchain/ferrum/foundation/events"
)

// MuxConfig contains all the mandatory systems required by handlers.
type MuxConfig struct {
	Shutdown chan os.Signal
	Log      *zap.SugaredLogger
	State    *state.State
	Evts     *events.Events
}

// PublicMux constructs a mux with all the public routes.
func PublicMux(cfg MuxConfig) http.Handler {
	mux := httptreemux.NewContextMux()

	hdl := handlers{
		log:   cfg.Log,
		state: cfg.State,
		evts:  cfg.Evts,
	}

	mux.Handle(http.MethodGet, "/v1/node/status", hdl.status)
	mux.Handle(http.MethodGet, "/v1/node/block/:height", hdl.blockByHeight)
	mux.Handle(http.MethodGet, "/v1/events", hdl.eventStream)

	return mux
}

// =============================================================================

type handlers struct {
	log   *zap.SugaredLogger
	state *state.State
	evts  *events.Events
}

// status reports the tip, the mempool, and the UTXO set size.
func (h handlers) status(w http.ResponseWriter, r *http.Request) {
	traceID := uuid.NewString()
	tip := h.state.Tip()

	resp := struct {
		TraceID     string `json:"trace_id"`
		TipHash     string `json:"tip_hash"`
		TipHeight   uint64 `json:"tip_height"`
		TotalWork   string `json:"total_work"`
		MempoolTxs  int    `json:"mempool_txs"`
		UnspentOuts int    `json:"unspent_outputs"`
		Epoch       uint64 `json:"template_epoch"`
	}{
		TraceID:     traceID,
		TipHash:     tip.Hash.String(),
		TipHeight:   tip.Height,
		TotalWork:   tip.Work.String(),
		MempoolTxs:  h.state.QueryMempoolLength(),
		UnspentOuts: h.state.UTXOCount(),
		Epoch:       h.state.Epoch(),
	}

	h.log.Infow("status", "traceid", traceID, "tip", resp.TipHash, "height", resp.TipHeight)
	respond(w, http.StatusOK, resp)
}

// blockByHeight returns a summary of one selected chain block.
func (h handlers) blockByHeight(w http.ResponseWriter, r *http.Request) {
	params := httptreemux.ContextParams(r.Context())

	height, err := strconv.ParseUint(params["height"], 10, 64)
	if err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": "height must be a number"})
		return
	}

	block, exists := h.state.QueryBlockByHeight(height)
	if !exists {
		respond(w, http.StatusNotFound, map[string]string{"error": "no block at that height"})
		return
	}

	resp := struct {
		Hash       string `json:"hash"`
		PrevHash   string `json:"prev_hash"`
		MerkleRoot string `json:"merkle_root"`
		Timestamp  uint64 `json:"timestamp"`
		Nonce      uint64 `json:"nonce"`
		TxCount    int    `json:"tx_count"`
	}{
		Hash:       block.Hash().String(),
		PrevHash:   block.Header.PrevBlockHash.String(),
		MerkleRoot: block.Header.MerkleRoot.String(),
		Timestamp:  block.Header.Timestamp,
		Nonce:      block.Header.Nonce,
		TxCount:    len(block.Txs),
	}

	respond(w, http.StatusOK, resp)
}

// eventStream upgrades to a websocket and relays node events until the
// client goes away.
func (h handlers) eventStream(w http.ResponseWriter, r *http.Request) {
	var upgrader websocket.Upgrader

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Errorw("events", "ERROR", err)
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	ch := h.evts.Acquire(id)
	defer h.evts.Release(id)

	h.log.Infow("events", "status", "viewer connected", "id", id)

	for msg := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return
		}
	}
}

// respond writes a JSON payload.
func respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
