package p2p

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/ferrumchain/ferrum/foundation/blockchain/database"
	"github.com/ferrumchain/ferrum/foundation/blockchain/peer"
	"github.com/ferrumchain/ferrum/foundation/blockchain/signature"
	"github.com/ferrumchain/ferrum/foundation/blockchain/state"
	"github.com/ferrumchain/ferrum/foundation/blockchain/wire"
)

// Session timeouts and bounds.
const (
	handshakeTimeout = 10 * time.Second
	requestTimeout   = 30 * time.Second
	pingInterval     = 60 * time.Second
	pongTimeout      = 120 * time.Second
	writeTimeout     = 30 * time.Second
	outQueueSize     = 1024
	inventorySize    = 1024
	headerWindow     = 512
	maxHeadersPerMsg = 2000
)

// Session protocol errors.
var (
	ErrProtocolViolation = errors.New("protocol violation")
	ErrVersionMismatch   = errors.New("protocol version mismatch")
)

// SessionStatus tracks a connection through its lifecycle.
type SessionStatus int

// The session state machine.
const (
	StatusConnecting SessionStatus = iota
	StatusHandshaking
	StatusReady
	StatusClosed
)

// String implements fmt.Stringer.
func (ss SessionStatus) String() string {
	switch ss {
	case StatusConnecting:
		return "connecting"
	case StatusHandshaking:
		return "handshaking"
	case StatusReady:
		return "ready"
	}
	return "closed"
}

// =============================================================================

// Session owns one peer connection: a read loop dispatching messages into
// the consensus engine, a write loop draining a bounded outbound queue,
// and a pinger. It never holds the consensus lock across a network wait.
type Session struct {
	srv        *Server
	conn       net.Conn
	inbound    bool
	dialedHost string
	id         string

	mu              sync.Mutex
	status          SessionStatus
	remoteID        chainhash.Hash
	remoteTipHash   chainhash.Hash
	remoteTipHeight uint64
	minerKey        *signature.PublicKey

	inv       *peer.InventoryRing
	out       chan []byte
	headersCh chan []database.BlockHeader
	done      chan struct{}
	closeOnce sync.Once
	syncing   atomic.Bool
	pingNonce atomic.Uint64
}

func newSession(srv *Server, conn net.Conn, inbound bool, dialedHost string) *Session {
	return &Session{
		srv:        srv,
		conn:       conn,
		inbound:    inbound,
		dialedHost: dialedHost,
		id:         conn.RemoteAddr().String(),
		status:     StatusConnecting,
		inv:        peer.NewInventoryRing(inventorySize),
		out:        make(chan []byte, outQueueSize),
		headersCh:  make(chan []database.BlockHeader, 1),
		done:       make(chan struct{}),
	}
}

// ID identifies the session for origin exclusion in gossip.
func (s *Session) ID() string {
	return s.id
}

// Status returns the lifecycle state.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// RemoteHeight returns the peer's last advertised tip height.
func (s *Session) RemoteHeight() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteTipHeight
}

// run drives the session to completion. It executes on its own goroutine.
func (s *Session) run() {
	defer s.Close()

	go s.writeLoop()
	go s.pinger()

	if err := s.handshake(); err != nil {
		s.srv.ev("p2p: session %s: handshake: %s", s.id, err)
		return
	}

	s.srv.ev("p2p: session %s: ready: remote tip[%s] height[%d]", s.id, s.remoteTipHash, s.remoteTipHeight)

	s.maybeStartSync()
	s.readLoop()
}

// handshake exchanges HELLO messages within the handshake deadline.
func (s *Session) handshake() error {
	s.mu.Lock()
	s.status = StatusHandshaking
	s.mu.Unlock()

	tip := s.srv.state.Tip()
	s.Send(&MsgHello{
		Version:   ProtocolVersion,
		NodeID:    s.srv.nodeID,
		TipHash:   tip.Hash,
		TipHeight: tip.Height,
	})

	if err := s.conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return err
	}

	payload, err := wire.ReadFrame(s.conn)
	if err != nil {
		return err
	}

	msg, err := DecodeMessage(payload)
	if err != nil {
		return err
	}

	hello, ok := msg.(*MsgHello)
	if !ok {
		return fmt.Errorf("%w: expected HELLO, got tag %#02x", ErrProtocolViolation, msg.Tag())
	}

	if hello.Version != ProtocolVersion {
		return fmt.Errorf("%w: got %d, exp %d", ErrVersionMismatch, hello.Version, ProtocolVersion)
	}

	if hello.NodeID == s.srv.nodeID {
		return fmt.Errorf("%w: connected to self", ErrProtocolViolation)
	}

	s.mu.Lock()
	s.status = StatusReady
	s.remoteID = hello.NodeID
	s.remoteTipHash = hello.TipHash
	s.remoteTipHeight = hello.TipHeight
	s.mu.Unlock()

	return nil
}

// readLoop decodes frames and dispatches until the connection dies. The
// rolling read deadline doubles as the missed pong detector: any traffic
// proves liveness, and the pinger guarantees traffic is solicited.
func (s *Session) readLoop() {
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(pongTimeout)); err != nil {
			return
		}

		payload, err := wire.ReadFrame(s.conn)
		if err != nil {
			s.srv.ev("p2p: session %s: read: %s", s.id, err)
			return
		}

		msg, err := DecodeMessage(payload)
		if err != nil {

			// Decoding errors close the offending session but never
			// destabilize the engine.
			s.srv.ev("p2p: session %s: decode: %s", s.id, err)
			return
		}

		if !s.dispatch(msg) {
			return
		}
	}
}

// writeLoop drains the outbound queue onto the connection.
func (s *Session) writeLoop() {
	for {
		select {
		case frame := <-s.out:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				s.Close()
				return
			}
			if err := wire.WriteFrame(s.conn, frame); err != nil {
				s.srv.ev("p2p: session %s: write: %s", s.id, err)
				s.Close()
				return
			}

		case <-s.done:
			return
		}
	}
}

// pinger probes liveness on the ping interval.
func (s *Session) pinger() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.Status() == StatusReady {
				s.Send(&MsgPing{Nonce: s.pingNonce.Add(1)})
			}
		case <-s.done:
			return
		}
	}
}

// Send queues a message. A full queue means the peer cannot keep up and
// the session closes rather than buffer without bound.
func (s *Session) Send(msg Message) bool {
	return s.send(EncodeMessage(msg))
}

func (s *Session) send(frame []byte) bool {
	select {
	case s.out <- frame:
		return true
	case <-s.done:
		return false
	default:
		s.srv.ev("p2p: session %s: outbound queue overflow, closing", s.id)
		s.Close()
		return false
	}
}

// Close tears the session down exactly once. In-flight consensus work
// completes on its own, it does not depend on this connection.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.status = StatusClosed
		s.mu.Unlock()

		close(s.done)
		s.conn.Close()
		s.srv.unregister(s)
		s.srv.ev("p2p: session %s: closed", s.id)
	})
}

// =============================================================================

// dispatch handles one decoded message. Returning false closes
// the session.
func (s *Session) dispatch(msg Message) bool {
	switch m := msg.(type) {

	case *MsgHello:
		s.srv.ev("p2p: session %s: HELLO after handshake", s.id)
		return false

	case *MsgPing:
		s.Send(&MsgPong{Nonce: m.Nonce})

	case *MsgPong:
		// Liveness already accounted by the read deadline.

	case *MsgGetBlock:
		if block, exists := s.srv.state.QueryBlockByHash(m.Hash); exists {
			s.inv.Add(m.Hash)
			s.Send(&MsgBlock{Block: block})
		}

	case *MsgBlock:
		s.handleBlock(m.Block)

	case *MsgGetHeaders:
		max := int(m.Max)
		if max <= 0 || max > maxHeadersPerMsg {
			max = maxHeadersPerMsg
		}
		s.Send(&MsgHeaders{Headers: s.srv.state.QueryHeadersAfter(m.From, max)})

	case *MsgHeaders:
		select {
		case s.headersCh <- m.Headers:
		default:
			// Unsolicited, drop.
		}

	case *MsgTx:
		s.handleTx(m.Tx)

	case *MsgGetMempool:
		for _, tx := range s.srv.state.QueryMempool() {
			s.Send(&MsgTx{Tx: tx})
		}

	case *MsgTemplateReq:
		s.registerMiner(m.PayTo)
		s.pushTemplate()

	case *MsgSubmit:
		s.handleSubmit(m.Block)

	case *MsgGetPeers:
		s.Send(&MsgPeers{Hosts: s.srv.knownHosts()})

	case *MsgPeers:
		s.srv.mergePeers(m.Hosts)

	case *MsgGetUTXOs:
		owned := s.srv.state.QueryUTXOsByOwner(m.Owner)
		entries := make([]UTXOEntry, len(owned))
		for i, o := range owned {
			entries[i] = UTXOEntry{Previous: o.Previous, Output: o.Output, Height: o.Height, Claimed: o.Claimed}
		}
		s.Send(&MsgUTXOs{Entries: entries})

	default:
		// TEMPLATE and UTXOS travel node to client only.
		s.srv.ev("p2p: session %s: client bound tag %#02x from peer", s.id, msg.Tag())
		return false
	}

	return true
}

// handleBlock feeds a received block through consensus. Rejections are
// logged but leave the session open. An orphan triggers a pull for the
// missing parent from the peer that sent the child.
func (s *Session) handleBlock(block database.Block) {
	hash := block.Hash()
	s.inv.Add(hash)

	status, err := s.srv.state.SubmitBlock(block, s.id)
	if err != nil {
		s.srv.ev("p2p: session %s: block[%s] rejected: %s", s.id, hash, err)
		return
	}

	if status == database.StatusOrphaned {
		s.Send(&MsgGetBlock{Hash: block.Header.PrevBlockHash})
	}
}

// handleTx admits a flooded transaction. Duplicates and rejects are soft,
// the flood dedupes through the inventory ring and the pool itself.
func (s *Session) handleTx(tx database.Tx) {
	hash := tx.Hash()
	s.inv.Add(hash)

	if s.srv.state.MempoolContains(hash) {
		return
	}

	if err := s.srv.state.SubmitTransaction(tx, s.id); err != nil {
		if !errors.Is(err, database.ErrAlreadyKnown) {
			s.srv.ev("p2p: session %s: tx[%s] rejected: %s", s.id, hash, err)
		}
	}
}

// handleSubmit runs a mined candidate through the stale check and the
// normal consensus path. A stale submission earns the miner an immediate
// fresh template.
func (s *Session) handleSubmit(block database.Block) {
	_, err := s.srv.state.SubmitMined(block, s.id)
	if err != nil {
		s.srv.ev("p2p: session %s: submit[%s]: %s", s.id, block.Hash(), err)

		if errors.Is(err, state.ErrStaleTemplate) {
			s.pushTemplate()
		}
		return
	}

	s.inv.Add(block.Hash())
}

// registerMiner marks this session as a template subscriber.
func (s *Session) registerMiner(payTo signature.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := payTo
	s.minerKey = &key
}

// MinerKey returns the subscribed payout key, if any.
func (s *Session) MinerKey() (signature.PublicKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.minerKey == nil {
		return signature.PublicKey{}, false
	}
	return *s.minerKey, true
}

// pushTemplate builds and sends a fresh template to a subscribed miner.
func (s *Session) pushTemplate() {
	key, subscribed := s.MinerKey()
	if !subscribed {
		return
	}

	block, epoch, err := s.srv.state.BuildTemplate(key)
	if err != nil {
		s.srv.ev("p2p: session %s: template: %s", s.id, err)
		return
	}

	s.srv.ev("p2p: session %s: pushing template: epoch[%d] height from parent[%s]", s.id, epoch, block.Header.PrevBlockHash)
	s.Send(&MsgTemplate{Block: block})
}
