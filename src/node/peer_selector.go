package node

import (
	"sort"
)

// syncPeer is the node's view of an active peer.
type syncPeer struct {
	id              uint64
	addr            string
	startHeight     int32
	protocolVersion uint32
	sendHeaders     bool
	inFlight        int
}

// PeerSelector picks the peers that requests are sent to.
type PeerSelector interface {
	// Next returns the peer a block request should go to, or nil when every
	// candidate is excluded or busy.
	Next(exclude map[uint64]bool) *syncPeer
	// Headers returns the peer headers should be requested from.
	Headers(exclude map[uint64]bool) *syncPeer
}

// LeastLoadedSelector prefers peers with fewer requests in flight, then with
// a lower penalty score.
type LeastLoadedSelector struct {
	peers       map[uint64]*syncPeer
	penalty     func(uint64) int
	maxInFlight int
}

// NewLeastLoadedSelector ...
func NewLeastLoadedSelector(peers map[uint64]*syncPeer, penalty func(uint64) int, maxInFlight int) *LeastLoadedSelector {
	return &LeastLoadedSelector{
		peers:       peers,
		penalty:     penalty,
		maxInFlight: maxInFlight,
	}
}

func (ps *LeastLoadedSelector) candidates(exclude map[uint64]bool) []*syncPeer {
	res := make([]*syncPeer, 0, len(ps.peers))
	for id, p := range ps.peers {
		if exclude[id] {
			continue
		}
		res = append(res, p)
	}
	return res
}

// Next ...
func (ps *LeastLoadedSelector) Next(exclude map[uint64]bool) *syncPeer {
	cands := ps.candidates(exclude)
	var (
		best        *syncPeer
		bestPenalty int
	)
	for _, p := range cands {
		if p.inFlight >= ps.maxInFlight {
			continue
		}
		pen := ps.penalty(p.id)
		switch {
		case best == nil,
			p.inFlight < best.inFlight,
			p.inFlight == best.inFlight && pen < bestPenalty,
			p.inFlight == best.inFlight && pen == bestPenalty && p.id < best.id:
			best, bestPenalty = p, pen
		}
	}
	return best
}

// Headers prefers the peer announcing the highest start height.
func (ps *LeastLoadedSelector) Headers(exclude map[uint64]bool) *syncPeer {
	cands := ps.candidates(exclude)
	if len(cands) == 0 {
		return nil
	}
	sort.Slice(cands, func(i, j int) bool {
		pi, pj := ps.penalty(cands[i].id), ps.penalty(cands[j].id)
		if pi != pj {
			return pi < pj
		}
		if cands[i].startHeight != cands[j].startHeight {
			return cands[i].startHeight > cands[j].startHeight
		}
		return cands[i].id < cands[j].id
	})
	return cands[0]
}
