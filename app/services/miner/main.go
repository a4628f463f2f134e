// The miner is the external mining worker. It holds a session to one
// node, subscribes for block templates paying its key, grinds nonces, and
// submits solved candidates. A pushed template means the tip moved and
// any work in flight is stale, so it is abandoned on the spot.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/ardanlabs/conf/v3"
	"go.uber.org/zap"

	"github.com/ferrumchain/ferrum/foundation/blockchain/database"
	"github.com/ferrumchain/ferrum/foundation/blockchain/p2p"
	"github.com/ferrumchain/ferrum/foundation/blockchain/signature"
	"github.com/ferrumchain/ferrum/foundation/blockchain/wire"
	"github.com/ferrumchain/ferrum/foundation/logger"
)

// build is the git version of this program. It is set using build flags
// in the makefile.
var build = "develop"

func main() {
	log, err := logger.New("MINER")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	cfg := struct {
		conf.Version
		Miner struct {
			NodeAddr string `conf:"default:localhost:9000"`
			KeyFile  string `conf:"default:zblock/accounts/miner.key"`
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "blockchain mining worker",
		},
	}

	const prefix = "MINER"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	// =========================================================================
	// Session

	payTo, err := signature.LoadPublicKey(cfg.Miner.KeyFile)
	if err != nil {
		return fmt.Errorf("unable to load payout key: %w", err)
	}

	m := miner{
		log:   log,
		payTo: payTo,
	}

	return m.run(cfg.Miner.NodeAddr)
}

// =============================================================================

type miner struct {
	log    *zap.SugaredLogger
	payTo  signature.PublicKey
	conn   net.Conn
	sendMu sync.Mutex
	cancel context.CancelFunc
}

// run dials the node, handshakes, subscribes for templates, and mines
// until the connection dies.
func (m *miner) run(nodeAddr string) error {
	conn, err := net.Dial("tcp", nodeAddr)
	if err != nil {
		return fmt.Errorf("unable to reach node %s: %w", nodeAddr, err)
	}
	defer conn.Close()
	m.conn = conn

	if err := m.handshake(); err != nil {
		return err
	}

	m.log.Infow("session", "status", "ready", "node", nodeAddr, "payto", m.payTo)

	if err := m.send(&p2p.MsgTemplateReq{PayTo: m.payTo}); err != nil {
		return err
	}

	for {
		payload, err := wire.ReadFrame(m.conn)
		if err != nil {
			return fmt.Errorf("node connection lost: %w", err)
		}

		msg, err := p2p.DecodeMessage(payload)
		if err != nil {
			return fmt.Errorf("bad message from node: %w", err)
		}

		switch msg := msg.(type) {
		case *p2p.MsgPing:
			if err := m.send(&p2p.MsgPong{Nonce: msg.Nonce}); err != nil {
				return err
			}

		case *p2p.MsgTemplate:
			m.startMining(msg.Block)

		default:
			// Gossip the node relays to every session. Not our concern.
		}
	}
}

// handshake performs the HELLO exchange. A miner advertises an empty tip,
// it never serves blocks.
func (m *miner) handshake() error {
	hello := p2p.MsgHello{Version: p2p.ProtocolVersion}
	if err := m.send(&hello); err != nil {
		return err
	}

	payload, err := wire.ReadFrame(m.conn)
	if err != nil {
		return err
	}

	msg, err := p2p.DecodeMessage(payload)
	if err != nil {
		return err
	}

	reply, ok := msg.(*p2p.MsgHello)
	if !ok {
		return errors.New("node did not say hello")
	}
	if reply.Version != p2p.ProtocolVersion {
		return fmt.Errorf("protocol version mismatch: got %d, exp %d", reply.Version, p2p.ProtocolVersion)
	}

	return nil
}

// startMining abandons any in flight work and grinds the new template on
// its own goroutine.
func (m *miner) startMining(template database.Block) {
	if m.cancel != nil {
		m.cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.log.Infow("mining", "status", "new template", "parent", template.Header.PrevBlockHash, "txs", len(template.Txs))

	go func() {
		block := template

		ev := func(v string, args ...any) {
			m.log.Infof(v, args...)
		}

		if err := database.POW(ctx, &block, ev); err != nil {
			// Cancelled, a fresher template took over.
			return
		}

		m.log.Infow("mining", "status", "solved", "block", block.Hash(), "nonce", block.Header.Nonce)

		if err := m.send(&p2p.MsgSubmit{Block: block}); err != nil {
			m.log.Errorw("mining", "status", "submit failed", "ERROR", err)
		}
	}()
}

// send serializes one message onto the wire. The read loop and the mining
// goroutine both write, hence the lock.
func (m *miner) send(msg p2p.Message) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	return wire.WriteFrame(m.conn, p2p.EncodeMessage(msg))
}
