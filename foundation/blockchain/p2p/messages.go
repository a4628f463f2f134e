// Package p2p implements the peer protocol: the tagged message set, the
// per connection session state machine, gossip, and pull based chain sync.
package p2p

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/ferrumchain/ferrum/foundation/blockchain/database"
	"github.com/ferrumchain/ferrum/foundation/blockchain/signature"
	"github.com/ferrumchain/ferrum/foundation/blockchain/wire"
)

// ProtocolVersion is the handshake version constant. A mismatch closes
// the session immediately.
const ProtocolVersion = 1

// The message discriminants.
const (
	TagHello uint8 = iota + 1
	TagGetBlock
	TagBlock
	TagGetHeaders
	TagHeaders
	TagTx
	TagGetMempool
	TagTemplateReq
	TagTemplate
	TagSubmit
	TagPing
	TagPong
	TagGetPeers
	TagPeers
	TagGetUTXOs
	TagUTXOs
)

// Message is one protocol message. The concrete type determines the
// discriminant byte that leads its encoding.
type Message interface {
	wire.Marshaler
	Tag() uint8
}

// EncodeMessage returns the canonical bytes of a tagged message.
func EncodeMessage(msg Message) []byte {
	var w wire.Writer
	w.Uint8(msg.Tag())
	msg.MarshalInto(&w)
	return w.Bytes()
}

// DecodeMessage parses a single tagged message, rejecting unknown
// discriminants and trailing bytes.
func DecodeMessage(data []byte) (Message, error) {
	r := wire.NewReader(data)

	tag, err := r.Uint8()
	if err != nil {
		return nil, err
	}

	var msg Message
	switch tag {
	case TagHello:
		msg = &MsgHello{}
	case TagGetBlock:
		msg = &MsgGetBlock{}
	case TagBlock:
		msg = &MsgBlock{}
	case TagGetHeaders:
		msg = &MsgGetHeaders{}
	case TagHeaders:
		msg = &MsgHeaders{}
	case TagTx:
		msg = &MsgTx{}
	case TagGetMempool:
		msg = &MsgGetMempool{}
	case TagTemplateReq:
		msg = &MsgTemplateReq{}
	case TagTemplate:
		msg = &MsgTemplate{}
	case TagSubmit:
		msg = &MsgSubmit{}
	case TagPing:
		msg = &MsgPing{}
	case TagPong:
		msg = &MsgPong{}
	case TagGetPeers:
		msg = &MsgGetPeers{}
	case TagPeers:
		msg = &MsgPeers{}
	case TagGetUTXOs:
		msg = &MsgGetUTXOs{}
	case TagUTXOs:
		msg = &MsgUTXOs{}
	default:
		return nil, fmt.Errorf("%w: message tag %#02x", wire.ErrUnknownTag, tag)
	}

	if err := msg.(wire.Unmarshaler).UnmarshalFrom(r); err != nil {
		return nil, err
	}
	if err := r.ExpectEOF(); err != nil {
		return nil, err
	}

	return msg, nil
}

// =============================================================================

// MsgHello opens every session in both directions.
type MsgHello struct {
	Version   uint32
	NodeID    chainhash.Hash
	TipHash   chainhash.Hash
	TipHeight uint64
}

// Tag implements Message.
func (*MsgHello) Tag() uint8 { return TagHello }

// MarshalInto implements wire.Marshaler.
func (m *MsgHello) MarshalInto(w *wire.Writer) {
	w.Uint32(m.Version)
	w.Fixed(m.NodeID[:])
	w.Fixed(m.TipHash[:])
	w.Uint64(m.TipHeight)
}

// UnmarshalFrom implements wire.Unmarshaler.
func (m *MsgHello) UnmarshalFrom(r *wire.Reader) error {
	version, err := r.Uint32()
	if err != nil {
		return err
	}
	m.Version = version

	if err := r.Fixed(m.NodeID[:]); err != nil {
		return err
	}
	if err := r.Fixed(m.TipHash[:]); err != nil {
		return err
	}

	height, err := r.Uint64()
	if err != nil {
		return err
	}
	m.TipHeight = height

	return nil
}

// MsgGetBlock requests a specific block by hash.
type MsgGetBlock struct {
	Hash chainhash.Hash
}

// Tag implements Message.
func (*MsgGetBlock) Tag() uint8 { return TagGetBlock }

// MarshalInto implements wire.Marshaler.
func (m *MsgGetBlock) MarshalInto(w *wire.Writer) {
	w.Fixed(m.Hash[:])
}

// UnmarshalFrom implements wire.Unmarshaler.
func (m *MsgGetBlock) UnmarshalFrom(r *wire.Reader) error {
	return r.Fixed(m.Hash[:])
}

// MsgBlock advertises a block or answers a MsgGetBlock.
type MsgBlock struct {
	Block database.Block
}

// Tag implements Message.
func (*MsgBlock) Tag() uint8 { return TagBlock }

// MarshalInto implements wire.Marshaler.
func (m *MsgBlock) MarshalInto(w *wire.Writer) {
	m.Block.MarshalInto(w)
}

// UnmarshalFrom implements wire.Unmarshaler.
func (m *MsgBlock) UnmarshalFrom(r *wire.Reader) error {
	return m.Block.UnmarshalFrom(r)
}

// MsgGetHeaders asks for selected chain headers after a hash.
type MsgGetHeaders struct {
	From chainhash.Hash
	Max  uint32
}

// Tag implements Message.
func (*MsgGetHeaders) Tag() uint8 { return TagGetHeaders }

// MarshalInto implements wire.Marshaler.
func (m *MsgGetHeaders) MarshalInto(w *wire.Writer) {
	w.Fixed(m.From[:])
	w.Uint32(m.Max)
}

// UnmarshalFrom implements wire.Unmarshaler.
func (m *MsgGetHeaders) UnmarshalFrom(r *wire.Reader) error {
	if err := r.Fixed(m.From[:]); err != nil {
		return err
	}

	max, err := r.Uint32()
	if err != nil {
		return err
	}
	m.Max = max

	return nil
}

// MsgHeaders answers a MsgGetHeaders.
type MsgHeaders struct {
	Headers []database.BlockHeader
}

// Tag implements Message.
func (*MsgHeaders) Tag() uint8 { return TagHeaders }

// MarshalInto implements wire.Marshaler.
func (m *MsgHeaders) MarshalInto(w *wire.Writer) {
	w.Count(len(m.Headers))
	for _, header := range m.Headers {
		header.MarshalInto(w)
	}
}

// UnmarshalFrom implements wire.Unmarshaler.
func (m *MsgHeaders) UnmarshalFrom(r *wire.Reader) error {
	n, err := r.Count(112) // serialized header size
	if err != nil {
		return err
	}

	m.Headers = make([]database.BlockHeader, n)
	for i := range m.Headers {
		if err := m.Headers[i].UnmarshalFrom(r); err != nil {
			return err
		}
	}

	return nil
}

// MsgTx floods a pending transaction.
type MsgTx struct {
	Tx database.Tx
}

// Tag implements Message.
func (*MsgTx) Tag() uint8 { return TagTx }

// MarshalInto implements wire.Marshaler.
func (m *MsgTx) MarshalInto(w *wire.Writer) {
	m.Tx.MarshalInto(w)
}

// UnmarshalFrom implements wire.Unmarshaler.
func (m *MsgTx) UnmarshalFrom(r *wire.Reader) error {
	return m.Tx.UnmarshalFrom(r)
}

// MsgGetMempool asks a peer to stream its full mempool as MsgTx messages.
type MsgGetMempool struct{}

// Tag implements Message.
func (*MsgGetMempool) Tag() uint8 { return TagGetMempool }

// MarshalInto implements wire.Marshaler.
func (m *MsgGetMempool) MarshalInto(w *wire.Writer) {}

// UnmarshalFrom implements wire.Unmarshaler.
func (m *MsgGetMempool) UnmarshalFrom(r *wire.Reader) error { return nil }

// MsgTemplateReq asks the node for a mining template paying the key.
type MsgTemplateReq struct {
	PayTo signature.PublicKey
}

// Tag implements Message.
func (*MsgTemplateReq) Tag() uint8 { return TagTemplateReq }

// MarshalInto implements wire.Marshaler.
func (m *MsgTemplateReq) MarshalInto(w *wire.Writer) {
	w.Fixed(m.PayTo[:])
}

// UnmarshalFrom implements wire.Unmarshaler.
func (m *MsgTemplateReq) UnmarshalFrom(r *wire.Reader) error {
	return r.Fixed(m.PayTo[:])
}

// MsgTemplate carries the current candidate block to a miner.
type MsgTemplate struct {
	Block database.Block
}

// Tag implements Message.
func (*MsgTemplate) Tag() uint8 { return TagTemplate }

// MarshalInto implements wire.Marshaler.
func (m *MsgTemplate) MarshalInto(w *wire.Writer) {
	m.Block.MarshalInto(w)
}

// UnmarshalFrom implements wire.Unmarshaler.
func (m *MsgTemplate) UnmarshalFrom(r *wire.Reader) error {
	return m.Block.UnmarshalFrom(r)
}

// MsgSubmit carries a mined candidate back to the node.
type MsgSubmit struct {
	Block database.Block
}

// Tag implements Message.
func (*MsgSubmit) Tag() uint8 { return TagSubmit }

// MarshalInto implements wire.Marshaler.
func (m *MsgSubmit) MarshalInto(w *wire.Writer) {
	m.Block.MarshalInto(w)
}

// UnmarshalFrom implements wire.Unmarshaler.
func (m *MsgSubmit) UnmarshalFrom(r *wire.Reader) error {
	return m.Block.UnmarshalFrom(r)
}

// MsgPing probes liveness.
type MsgPing struct {
	Nonce uint64
}

// Tag implements Message.
func (*MsgPing) Tag() uint8 { return TagPing }

// MarshalInto implements wire.Marshaler.
func (m *MsgPing) MarshalInto(w *wire.Writer) {
	w.Uint64(m.Nonce)
}

// UnmarshalFrom implements wire.Unmarshaler.
func (m *MsgPing) UnmarshalFrom(r *wire.Reader) error {
	nonce, err := r.Uint64()
	if err != nil {
		return err
	}
	m.Nonce = nonce
	return nil
}

// MsgPong answers a MsgPing with the same nonce.
type MsgPong struct {
	Nonce uint64
}

// Tag implements Message.
func (*MsgPong) Tag() uint8 { return TagPong }

// MarshalInto implements wire.Marshaler.
func (m *MsgPong) MarshalInto(w *wire.Writer) {
	w.Uint64(m.Nonce)
}

// UnmarshalFrom implements wire.Unmarshaler.
func (m *MsgPong) UnmarshalFrom(r *wire.Reader) error {
	nonce, err := r.Uint64()
	if err != nil {
		return err
	}
	m.Nonce = nonce
	return nil
}

// MsgGetPeers asks for the peer's known node addresses.
type MsgGetPeers struct{}

// Tag implements Message.
func (*MsgGetPeers) Tag() uint8 { return TagGetPeers }

// MarshalInto implements wire.Marshaler.
func (m *MsgGetPeers) MarshalInto(w *wire.Writer) {}

// UnmarshalFrom implements wire.Unmarshaler.
func (m *MsgGetPeers) UnmarshalFrom(r *wire.Reader) error { return nil }

// MsgPeers answers a MsgGetPeers with listen addresses.
type MsgPeers struct {
	Hosts []string
}

// Tag implements Message.
func (*MsgPeers) Tag() uint8 { return TagPeers }

// MarshalInto implements wire.Marshaler.
func (m *MsgPeers) MarshalInto(w *wire.Writer) {
	w.Count(len(m.Hosts))
	for _, host := range m.Hosts {
		w.String(host)
	}
}

// UnmarshalFrom implements wire.Unmarshaler.
func (m *MsgPeers) UnmarshalFrom(r *wire.Reader) error {
	n, err := r.Count(4)
	if err != nil {
		return err
	}

	m.Hosts = make([]string, n)
	for i := range m.Hosts {
		host, err := r.String()
		if err != nil {
			return err
		}
		m.Hosts[i] = host
	}

	return nil
}

// MsgGetUTXOs asks for the unspent outputs paying a key.
type MsgGetUTXOs struct {
	Owner signature.PublicKey
}

// Tag implements Message.
func (*MsgGetUTXOs) Tag() uint8 { return TagGetUTXOs }

// MarshalInto implements wire.Marshaler.
func (m *MsgGetUTXOs) MarshalInto(w *wire.Writer) {
	w.Fixed(m.Owner[:])
}

// UnmarshalFrom implements wire.Unmarshaler.
func (m *MsgGetUTXOs) UnmarshalFrom(r *wire.Reader) error {
	return r.Fixed(m.Owner[:])
}

// UTXOEntry is one unspent output in a MsgUTXOs response. Claimed marks
// outputs a pending mempool transaction already spends.
type UTXOEntry struct {
	Previous database.OutPoint
	Output   database.TxOutput
	Height   uint64
	Claimed  bool
}

// MarshalInto implements wire.Marshaler.
func (e UTXOEntry) MarshalInto(w *wire.Writer) {
	e.Previous.MarshalInto(w)
	e.Output.MarshalInto(w)
	w.Uint64(e.Height)
	w.Bool(e.Claimed)
}

// UnmarshalFrom implements wire.Unmarshaler.
func (e *UTXOEntry) UnmarshalFrom(r *wire.Reader) error {
	if err := e.Previous.UnmarshalFrom(r); err != nil {
		return err
	}
	if err := e.Output.UnmarshalFrom(r); err != nil {
		return err
	}

	height, err := r.Uint64()
	if err != nil {
		return err
	}
	e.Height = height

	claimed, err := r.Bool()
	if err != nil {
		return err
	}
	e.Claimed = claimed

	return nil
}

// MsgUTXOs answers a MsgGetUTXOs.
type MsgUTXOs struct {
	Entries []UTXOEntry
}

// Tag implements Message.
func (*MsgUTXOs) Tag() uint8 { return TagUTXOs }

// MarshalInto implements wire.Marshaler.
func (m *MsgUTXOs) MarshalInto(w *wire.Writer) {
	w.Count(len(m.Entries))
	for _, entry := range m.Entries {
		entry.MarshalInto(w)
	}
}

// UnmarshalFrom implements wire.Unmarshaler.
func (m *MsgUTXOs) UnmarshalFrom(r *wire.Reader) error {
	n, err := r.Count(36 + 57 + 8 + 1)
	if err != nil {
		return err
	}

	m.Entries = make([]UTXOEntry, n)
	for i := range m.Entries {
		if err := m.Entries[i].UnmarshalFrom(r); err != nil {
			return err
		}
	}

	return nil
}
