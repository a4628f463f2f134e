// Package peer maintains the set of known peers and the per connection
// inventory bookkeeping that keeps gossip from looping.
package peer

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Peer represents information about a node in the network.
type Peer struct {
	Host string
}

// New constructs a new peer value.
func New(host string) Peer {
	return Peer{
		Host: host,
	}
}

// Match validates if the specified host matches this peer.
func (p Peer) Match(host string) bool {
	return p.Host == host
}

// =============================================================================

// PeerSet maintains the set of known peers.
type PeerSet struct {
	mu  sync.RWMutex
	set map[Peer]struct{}
}

// NewPeerSet constructs a set to manage node peer information.
func NewPeerSet() *PeerSet {
	return &PeerSet{
		set: make(map[Peer]struct{}),
	}
}

// Add adds a new peer to the set, reporting whether it was unknown.
func (ps *PeerSet) Add(peer Peer) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if _, exists := ps.set[peer]; !exists {
		ps.set[peer] = struct{}{}
		return true
	}

	return false
}

// Remove removes a peer from the set.
func (ps *PeerSet) Remove(peer Peer) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	delete(ps.set, peer)
}

// Copy returns a list of the known peers, excluding the specified host.
func (ps *PeerSet) Copy(host string) []Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	peers := make([]Peer, 0, len(ps.set))
	for peer := range ps.set {
		if !peer.Match(host) {
			peers = append(peers, peer)
		}
	}

	return peers
}

// Count returns the number of known peers.
func (ps *PeerSet) Count() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	return len(ps.set)
}

// =============================================================================

// InventoryRing remembers the most recent block and transaction hashes a
// connection has seen or sent, so the same item is not offered back. Old
// hashes fall out as new ones arrive.
type InventoryRing struct {
	mu    sync.Mutex
	ring  []chainhash.Hash
	index map[chainhash.Hash]struct{}
	next  int
}

// NewInventoryRing constructs a ring holding up to size hashes.
func NewInventoryRing(size int) *InventoryRing {
	return &InventoryRing{
		ring:  make([]chainhash.Hash, size),
		index: make(map[chainhash.Hash]struct{}, size),
	}
}

// Add records a hash, evicting the oldest slot. Reports whether the hash
// was new to the ring.
func (ir *InventoryRing) Add(hash chainhash.Hash) bool {
	ir.mu.Lock()
	defer ir.mu.Unlock()

	if _, exists := ir.index[hash]; exists {
		return false
	}

	old := ir.ring[ir.next]
	if old != (chainhash.Hash{}) {
		delete(ir.index, old)
	}

	ir.ring[ir.next] = hash
	ir.index[hash] = struct{}{}
	ir.next = (ir.next + 1) % len(ir.ring)

	return true
}

// Contains reports whether the hash is still in the ring.
func (ir *InventoryRing) Contains(hash chainhash.Hash) bool {
	ir.mu.Lock()
	defer ir.mu.Unlock()

	_, exists := ir.index[hash]
	return exists
}
