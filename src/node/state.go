package node

import (
	"sync/atomic"
)

// State captures the synchronisation state of a node: Bootstrapping,
// HeadersSync, BlocksSync, Synced, or Shutdown
type State uint32

const (
	// Bootstrapping waits for a first active peer.
	Bootstrapping State = iota
	// HeadersSync downloads headers from one peer.
	HeadersSync
	// BlocksSync downloads the blocks of main chain headers.
	BlocksSync
	// Synced follows announcements from peers.
	Synced
	// Shutdown is final.
	Shutdown
)

// String ...
func (s State) String() string {
	switch s {
	case Bootstrapping:
		return "Bootstrapping"
	case HeadersSync:
		return "HeadersSync"
	case BlocksSync:
		return "BlocksSync"
	case Synced:
		return "Synced"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

type state struct {
	state State
}

func (b *state) getState() State {
	stateAddr := (*uint32)(&b.state)
	return State(atomic.LoadUint32(stateAddr))
}

func (b *state) setState(s State) {
	stateAddr := (*uint32)(&b.state)
	atomic.StoreUint32(stateAddr, uint32(s))
}
