package p2p

import (
	"crypto/rand"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/ferrumchain/ferrum/foundation/blockchain/database"
	"github.com/ferrumchain/ferrum/foundation/blockchain/peer"
	"github.com/ferrumchain/ferrum/foundation/blockchain/state"
)

// dialTimeout bounds an outbound connection attempt.
const dialTimeout = 10 * time.Second

// Config represents the configuration required to start the peer server.
type Config struct {
	ListenAddr string
	State      *state.State
	KnownPeers *peer.PeerSet
	EvHandler  state.EventHandler
}

// Server owns the TCP listener and the set of live sessions. It is the
// network side of gossip: the worker hands it accepted blocks and
// transactions to fan out, sessions hand it discovered peer addresses.
type Server struct {
	listenAddr string
	state      *state.State
	knownPeers *peer.PeerSet
	ev         state.EventHandler
	nodeID     chainhash.Hash

	listener net.Listener
	mu       sync.RWMutex
	sessions map[string]*Session
	byHost   map[string]string // dialed host -> session id
	wg       sync.WaitGroup
	shut     chan struct{}
}

// New constructs the peer server with a random node identity.
func New(cfg Config) (*Server, error) {
	var nodeID chainhash.Hash
	if _, err := rand.Read(nodeID[:]); err != nil {
		return nil, err
	}

	ev := cfg.EvHandler
	if ev == nil {
		ev = func(v string, args ...any) {}
	}

	srv := Server{
		listenAddr: cfg.ListenAddr,
		state:      cfg.State,
		knownPeers: cfg.KnownPeers,
		ev:         ev,
		nodeID:     nodeID,
		sessions:   make(map[string]*Session),
		byHost:     make(map[string]string),
		shut:       make(chan struct{}),
	}

	return &srv, nil
}

// Start binds the listener and begins accepting sessions, then dials the
// initially known peers in the background.
func (srv *Server) Start() error {
	listener, err := net.Listen("tcp", srv.listenAddr)
	if err != nil {
		return err
	}
	srv.listener = listener

	srv.ev("p2p: server: listening on %s", srv.listenAddr)

	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		srv.acceptLoop()
	}()

	go srv.ConnectKnown()

	return nil
}

// acceptLoop turns inbound connections into sessions until shutdown.
func (srv *Server) acceptLoop() {
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			select {
			case <-srv.shut:
				return
			default:
				srv.ev("p2p: server: accept: %s", err)
				continue
			}
		}

		srv.startSession(conn, true, "")
	}
}

// Dial opens an outbound session to the specified host unless one is
// already up.
func (srv *Server) Dial(host string) {
	if host == srv.listenAddr {
		return
	}

	srv.mu.RLock()
	_, connected := srv.byHost[host]
	srv.mu.RUnlock()
	if connected {
		return
	}

	conn, err := net.DialTimeout("tcp", host, dialTimeout)
	if err != nil {
		srv.ev("p2p: server: dial %s: %s", host, err)
		return
	}

	srv.knownPeers.Add(peer.New(host))
	srv.startSession(conn, false, host)
}

// startSession registers and runs a session on its own goroutine.
func (srv *Server) startSession(conn net.Conn, inbound bool, dialedHost string) {
	sess := newSession(srv, conn, inbound, dialedHost)

	srv.mu.Lock()
	srv.sessions[sess.id] = sess
	if dialedHost != "" {
		srv.byHost[dialedHost] = sess.id
	}
	srv.mu.Unlock()

	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		sess.run()
	}()
}

// unregister removes a finished session.
func (srv *Server) unregister(sess *Session) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	delete(srv.sessions, sess.id)
	if sess.dialedHost != "" && srv.byHost[sess.dialedHost] == sess.id {
		delete(srv.byHost, sess.dialedHost)
	}
}

// Shutdown drains the server: stop accepting, close every session, wait.
func (srv *Server) Shutdown() {
	close(srv.shut)
	if srv.listener != nil {
		srv.listener.Close()
	}

	srv.mu.RLock()
	sessions := make([]*Session, 0, len(srv.sessions))
	for _, sess := range srv.sessions {
		sessions = append(sessions, sess)
	}
	srv.mu.RUnlock()

	for _, sess := range sessions {
		sess.Close()
	}

	srv.wg.Wait()
}

// =============================================================================

// ready snapshots the sessions currently in the Ready state.
func (srv *Server) ready() []*Session {
	srv.mu.RLock()
	defer srv.mu.RUnlock()

	sessions := make([]*Session, 0, len(srv.sessions))
	for _, sess := range srv.sessions {
		if sess.Status() == StatusReady {
			sessions = append(sessions, sess)
		}
	}
	return sessions
}

// BroadcastBlock offers a block to every ready session except the origin,
// skipping peers whose inventory already carries it.
func (srv *Server) BroadcastBlock(block database.Block, origin string) {
	hash := block.Hash()
	frame := EncodeMessage(&MsgBlock{Block: block})

	for _, sess := range srv.ready() {
		if sess.id == origin {
			continue
		}
		if !sess.inv.Add(hash) {
			continue
		}
		sess.send(frame)
	}
}

// BroadcastTx floods a transaction to every ready session except
// the origin.
func (srv *Server) BroadcastTx(tx database.Tx, origin string) {
	hash := tx.Hash()
	frame := EncodeMessage(&MsgTx{Tx: tx})

	for _, sess := range srv.ready() {
		if sess.id == origin {
			continue
		}
		if !sess.inv.Add(hash) {
			continue
		}
		sess.send(frame)
	}
}

// PushTemplates rebuilds and pushes a fresh template to every subscribed
// miner. Called whenever the tip moves so stale work is abandoned.
func (srv *Server) PushTemplates() {
	for _, sess := range srv.ready() {
		sess.pushTemplate()
	}
}

// RequestPeers asks every ready session for its peer list.
func (srv *Server) RequestPeers() {
	msg := EncodeMessage(&MsgGetPeers{})
	for _, sess := range srv.ready() {
		sess.send(msg)
	}
}

// ConnectKnown dials every known peer that has no live session.
func (srv *Server) ConnectKnown() {
	for _, pr := range srv.knownPeers.Copy(srv.listenAddr) {
		srv.Dial(pr.Host)
	}
}

// knownHosts returns the known peer addresses for a PEERS reply.
func (srv *Server) knownHosts() []string {
	peers := srv.knownPeers.Copy(srv.listenAddr)
	hosts := make([]string, len(peers))
	for i, pr := range peers {
		hosts[i] = pr.Host
	}
	return hosts
}

// mergePeers folds discovered addresses into the known set and dials
// the new ones.
func (srv *Server) mergePeers(hosts []string) {
	for _, host := range hosts {
		if host == srv.listenAddr {
			continue
		}
		if srv.knownPeers.Add(peer.New(host)) {
			srv.ev("p2p: server: discovered peer %s", host)
			go srv.Dial(host)
		}
	}
}

// Addr returns the bound listen address once Start has succeeded, which
// matters when the configured port was 0.
func (srv *Server) Addr() string {
	if srv.listener == nil {
		return srv.listenAddr
	}
	return srv.listener.Addr().String()
}

// SessionCount returns the number of live sessions.
func (srv *Server) SessionCount() int {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return len(srv.sessions)
}

// ReadyCount returns the number of sessions past the handshake.
func (srv *Server) ReadyCount() int {
	return len(srv.ready())
}
