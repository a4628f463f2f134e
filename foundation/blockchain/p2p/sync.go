package p2p

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/ferrumchain/ferrum/foundation/blockchain/database"
)

// maybeStartSync decides how to catch up with a freshly handshaked peer.
// A peer more than one block ahead gets a background header sync. A peer
// at comparable height on a different tip gets a single block pull, which
// is enough for orphan promotion to walk back to the fork point.
func (s *Session) maybeStartSync() {
	local := s.srv.state.Tip()

	s.mu.Lock()
	remoteHash := s.remoteTipHash
	remoteHeight := s.remoteTipHeight
	s.mu.Unlock()

	switch {
	case remoteHeight > local.Height+1:
		go s.headerSync()

	case remoteHash != local.Hash && remoteHeight >= local.Height:
		s.Send(&MsgGetBlock{Hash: remoteHash})
	}
}

// headerSync pulls headers in windows, validates the PoW and parent links
// of each window, then requests the full blocks in order. The blocks flow
// through the normal consensus path as they arrive.
func (s *Session) headerSync() {
	if !s.syncing.CompareAndSwap(false, true) {
		return
	}
	defer s.syncing.Store(false)

	s.srv.ev("p2p: session %s: header sync: started: remote height[%d]", s.id, s.RemoteHeight())
	defer s.srv.ev("p2p: session %s: header sync: completed", s.id)

	for {
		local := s.srv.state.Tip()
		if s.RemoteHeight() <= local.Height {
			return
		}

		if !s.Send(&MsgGetHeaders{From: local.Hash, Max: headerWindow}) {
			return
		}

		select {
		case headers := <-s.headersCh:
			if len(headers) == 0 {
				return
			}

			if !s.validHeaderChain(headers) {
				s.srv.ev("p2p: session %s: header sync: invalid header chain, closing", s.id)
				s.Close()
				return
			}

			for _, header := range headers {
				if !s.Send(&MsgGetBlock{Hash: header.Hash()}) {
					return
				}
			}

			// The requested blocks arrive asynchronously. Wait for the
			// tip to move before asking for the next window so the
			// request pipeline stays bounded.
			if !s.waitTipAdvance(local.Height) {
				s.srv.ev("p2p: session %s: header sync: no progress within request timeout, closing", s.id)
				s.Close()
				return
			}

		case <-time.After(requestTimeout):
			s.srv.ev("p2p: session %s: header sync: HEADERS timeout, closing", s.id)
			s.Close()
			return

		case <-s.done:
			return
		}
	}
}

// validHeaderChain checks a header window: the first header must attach
// to a block we know, every later header must link to the one before it,
// and each must carry valid proof of work.
func (s *Session) validHeaderChain(headers []database.BlockHeader) bool {
	if _, known := s.srv.state.QueryBlockByHash(headers[0].PrevBlockHash); !known {
		return false
	}

	var prev chainhash.Hash
	for i, header := range headers {
		if i > 0 && header.PrevBlockHash != prev {
			return false
		}
		if !header.PoWValid() {
			return false
		}
		prev = header.Hash()
	}

	return true
}

// waitTipAdvance polls until the selected tip passes the specified height
// or the request timeout expires.
func (s *Session) waitTipAdvance(height uint64) bool {
	deadline := time.Now().Add(requestTimeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.srv.state.Tip().Height > height {
				return true
			}
			if time.Now().After(deadline) {
				return false
			}
		case <-s.done:
			return false
		}
	}
}
