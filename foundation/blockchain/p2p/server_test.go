package p2p_test

import (
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ferrumchain/ferrum/foundation/blockchain/database"
	"github.com/ferrumchain/ferrum/foundation/blockchain/p2p"
	"github.com/ferrumchain/ferrum/foundation/blockchain/peer"
	"github.com/ferrumchain/ferrum/foundation/blockchain/signature"
	"github.com/ferrumchain/ferrum/foundation/blockchain/state"
	"github.com/ferrumchain/ferrum/foundation/blockchain/wire"
	"github.com/ferrumchain/ferrum/foundation/blockchain/worker"
)

const (
	waitFor = 5 * time.Second
	tick    = 50 * time.Millisecond
)

func testGenesis() database.Genesis {
	g := database.DefaultGenesis()
	g.CoinbaseMaturity = 0
	g.DifficultyWindow = 1_000_000
	return g
}

// newNode wires a full node: state, peer server, and worker, listening on
// a loopback port the kernel picks.
func newNode(t *testing.T) (*state.State, *p2p.Server) {
	t.Helper()

	noop := func(v string, args ...any) {}

	st, err := state.New(state.Config{
		Genesis:    testGenesis(),
		KnownPeers: peer.NewPeerSet(),
	})
	require.NoError(t, err)

	srv, err := p2p.New(p2p.Config{
		ListenAddr: "127.0.0.1:0",
		State:      st,
		KnownPeers: peer.NewPeerSet(),
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	worker.Run(st, srv, noop)

	t.Cleanup(func() {
		srv.Shutdown()
		st.Shutdown()
	})

	return st, srv
}

func mustKey(t *testing.T) signature.PrivateKey {
	t.Helper()
	prv, err := signature.Generate()
	require.NoError(t, err)
	return prv
}

func mineOn(t *testing.T, s *state.State, payTo signature.PublicKey) database.Block {
	t.Helper()

	block, _, err := s.BuildTemplate(payTo)
	require.NoError(t, err)
	for !block.Header.PoWValid() {
		block.Header.Nonce++
	}
	return block
}

func sameTip(a, b *state.State) func() bool {
	return func() bool {
		return a.Tip().Hash == b.Tip().Hash
	}
}

// =============================================================================

func TestHandshakeAndBlockGossip(t *testing.T) {
	s1, srv1 := newNode(t)
	s2, srv2 := newNode(t)

	srv1.Dial(srv2.Addr())

	require.Eventually(t, func() bool {
		return srv1.ReadyCount() == 1 && srv2.ReadyCount() == 1
	}, waitFor, tick, "sessions never reached ready")

	// A block accepted on node one floods to node two.
	block := mineOn(t, s1, mustKey(t).PublicKey())
	_, err := s1.SubmitBlock(block, "")
	require.NoError(t, err)

	require.Eventually(t, sameTip(s1, s2), waitFor, tick, "tips never converged")
	require.Equal(t, uint64(1), s2.Tip().Height)
}

func TestTxGossip(t *testing.T) {
	s1, srv1 := newNode(t)
	s2, srv2 := newNode(t)
	k := mustKey(t)

	srv1.Dial(srv2.Addr())
	require.Eventually(t, func() bool {
		return srv1.ReadyCount() == 1 && srv2.ReadyCount() == 1
	}, waitFor, tick)

	// Both nodes need the block whose coinbase the transaction spends.
	block := mineOn(t, s1, k.PublicKey())
	_, err := s1.SubmitBlock(block, "")
	require.NoError(t, err)
	require.Eventually(t, sameTip(s1, s2), waitFor, tick)

	tx := database.Tx{
		Inputs: []database.TxInput{
			{Previous: database.OutPoint{TxHash: block.Txs[0].Hash(), Index: 0}},
		},
		Outputs: []database.TxOutput{
			{Value: s1.Genesis().BlockReward(1), UniqueID: uuid.New(), Recipient: k.PublicKey()},
		},
	}
	require.NoError(t, tx.SignInputs(k))

	require.NoError(t, s1.SubmitTransaction(tx, ""))

	require.Eventually(t, func() bool {
		return s2.MempoolContains(tx.Hash())
	}, waitFor, tick, "transaction never flooded")
}

func TestInitialBlockSync(t *testing.T) {
	s1, srv1 := newNode(t)
	k := mustKey(t)

	// Node one builds a chain before node two ever connects, so the
	// newcomer has to catch up through the header sync path.
	for i := 0; i < 4; i++ {
		block := mineOn(t, s1, k.PublicKey())
		_, err := s1.SubmitBlock(block, "")
		require.NoError(t, err)
	}

	s2, srv2 := newNode(t)
	srv2.Dial(srv1.Addr())

	require.Eventually(t, sameTip(s1, s2), waitFor, tick, "sync never completed")
	require.Equal(t, uint64(4), s2.Tip().Height)
}

func TestVersionMismatchClosesSession(t *testing.T) {
	_, srv := newNode(t)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	// The server leads with its HELLO.
	readMessage(t, conn)

	var nodeID chainhash.Hash
	_, err = rand.Read(nodeID[:])
	require.NoError(t, err)

	writeMessage(t, conn, &p2p.MsgHello{Version: p2p.ProtocolVersion + 1, NodeID: nodeID})

	// The session must drop the connection rather than proceed.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, err = wire.ReadFrame(conn)
	require.Error(t, err)
}

func TestMinerTemplateFlow(t *testing.T) {
	s, srv := newNode(t)
	minerKey := mustKey(t)

	conn := handshakeClient(t, srv.Addr())
	defer conn.Close()

	writeMessage(t, conn, &p2p.MsgTemplateReq{PayTo: minerKey.PublicKey()})

	tmpl := awaitTemplate(t, conn)
	require.Equal(t, s.Tip().Hash, tmpl.Header.PrevBlockHash)
	require.Equal(t, minerKey.PublicKey(), tmpl.Txs[0].Outputs[0].Recipient)

	// Keep the first template around to submit stale later.
	stale := tmpl

	// Mine and submit. The accepted block moves the tip and earns the
	// subscribed miner a pushed template for the new parent.
	mined := tmpl
	for !mined.Header.PoWValid() {
		mined.Header.Nonce++
	}
	writeMessage(t, conn, &p2p.MsgSubmit{Block: mined})

	require.Eventually(t, func() bool {
		return s.Tip().Height == 1
	}, waitFor, tick, "submission never accepted")

	next := awaitTemplate(t, conn)
	require.Equal(t, mined.Hash(), next.Header.PrevBlockHash)

	// A submission referencing the old parent is stale. The node keeps
	// the session open and answers with a fresh template.
	for !stale.Header.PoWValid() || stale.Hash() == mined.Hash() {
		stale.Header.Nonce++
	}
	writeMessage(t, conn, &p2p.MsgSubmit{Block: stale})

	again := awaitTemplate(t, conn)
	require.Equal(t, mined.Hash(), again.Header.PrevBlockHash)
	require.Equal(t, uint64(1), s.Tip().Height)
}

// =============================================================================

// handshakeClient opens a raw protocol connection, completing the HELLO
// exchange so the server marks the session ready.
func handshakeClient(t *testing.T, addr string) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	hello := readMessage(t, conn)
	require.Equal(t, p2p.TagHello, hello.Tag())

	var nodeID chainhash.Hash
	_, err = rand.Read(nodeID[:])
	require.NoError(t, err)

	writeMessage(t, conn, &p2p.MsgHello{Version: p2p.ProtocolVersion, NodeID: nodeID})

	return conn
}

func writeMessage(t *testing.T, conn net.Conn, msg p2p.Message) {
	t.Helper()
	require.NoError(t, wire.WriteFrame(conn, p2p.EncodeMessage(msg)))
}

func readMessage(t *testing.T, conn net.Conn) p2p.Message {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	payload, err := wire.ReadFrame(conn)
	require.NoError(t, err)

	msg, err := p2p.DecodeMessage(payload)
	require.NoError(t, err)
	return msg
}

// awaitTemplate reads messages until a TEMPLATE arrives, skipping any
// interleaved traffic such as pings.
func awaitTemplate(t *testing.T, conn net.Conn) database.Block {
	t.Helper()

	for {
		msg := readMessage(t, conn)
		if tmpl, ok := msg.(*p2p.MsgTemplate); ok {
			return tmpl.Block
		}
	}
}
