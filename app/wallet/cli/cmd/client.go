package cmd

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ferrumchain/ferrum/foundation/blockchain/p2p"
	"github.com/ferrumchain/ferrum/foundation/blockchain/wire"
)

// requestTimeout bounds every exchange with the node.
const requestTimeout = 30 * time.Second

// client is a minimal node session for wallet use: handshake, one or two
// requests, close.
type client struct {
	conn net.Conn
}

// dialNode opens a session to the configured node and handshakes.
func dialNode(addr string) (*client, error) {
	conn, err := net.DialTimeout("tcp", addr, requestTimeout)
	if err != nil {
		return nil, fmt.Errorf("unable to reach node %s: %w", addr, err)
	}

	c := client{conn: conn}

	if err := c.send(&p2p.MsgHello{Version: p2p.ProtocolVersion}); err != nil {
		conn.Close()
		return nil, err
	}

	msg, err := c.recv()
	if err != nil {
		conn.Close()
		return nil, err
	}

	hello, ok := msg.(*p2p.MsgHello)
	if !ok {
		conn.Close()
		return nil, errors.New("node did not say hello")
	}
	if hello.Version != p2p.ProtocolVersion {
		conn.Close()
		return nil, fmt.Errorf("protocol version mismatch: got %d, exp %d", hello.Version, p2p.ProtocolVersion)
	}

	return &c, nil
}

// close tears the session down.
func (c *client) close() {
	c.conn.Close()
}

// send writes one message.
func (c *client) send(msg p2p.Message) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(requestTimeout)); err != nil {
		return err
	}
	return wire.WriteFrame(c.conn, p2p.EncodeMessage(msg))
}

// recv reads one message.
func (c *client) recv() (p2p.Message, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(requestTimeout)); err != nil {
		return nil, err
	}

	payload, err := wire.ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}

	return p2p.DecodeMessage(payload)
}

// recvUTXOs reads messages until the UTXO response arrives, skipping any
// gossip the node relays in between.
func (c *client) recvUTXOs() (*p2p.MsgUTXOs, error) {
	deadline := time.Now().Add(requestTimeout)
	for time.Now().Before(deadline) {
		msg, err := c.recv()
		if err != nil {
			return nil, err
		}
		if utxos, ok := msg.(*p2p.MsgUTXOs); ok {
			return utxos, nil
		}
	}
	return nil, errors.New("node did not answer the balance query")
}
