package node

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mosaicnetworks/btcnode/src/chain"
	"github.com/mosaicnetworks/btcnode/src/peers"
	"github.com/mosaicnetworks/btcnode/src/wire"
	"github.com/sirupsen/logrus"
)

// PeerManager is the part of peers.Manager the node drives.
type PeerManager interface {
	SendTo(id uint64, msg wire.Message) error
	Broadcast(msg wire.Message, skip func(id uint64) bool) int
	Inbound() <-chan peers.Inbound
	Events() <-chan peers.Event
	Penalize(id uint64, points int, reason string) int
	Penalty(id uint64) int
	AddCandidates(addrs []string) int
	PeerInfo(id uint64) (peers.PeerInfo, bool)
}

// Penalty points charged to peers.
const (
	penaltyInvalid     = 50
	penaltyUnconnected = 10
	penaltyTimeout     = 10
	penaltyBadTx       = 10
)

type blockRequest struct {
	peer     uint64
	deadline time.Time
	tried    map[uint64]bool
}

// Node drives chain synchronisation. All of its state is owned by the
// goroutine executing Run; other goroutines only read the counters exposed
// by GetStats.
type Node struct {
	state

	conf    *Config
	chain   *chain.Chain
	manager PeerManager
	logger  *logrus.Entry

	peers    map[uint64]*syncPeer
	selector PeerSelector

	inFlight   map[chainhash.Hash]*blockRequest
	attempts   map[chainhash.Hash]int
	stalled    map[chainhash.Hash]bool
	txInFlight map[chainhash.Hash]time.Time

	headersPeer     uint64
	headersDeadline time.Time
	// headersFrom is the last header of the previous full batch, sent first
	// in the follow-up locator so that side branches keep extending.
	headersFrom     chainhash.Hash
	headersTried    map[uint64]bool
	headersPending  bool

	// everSynced enables block announcements once the initial download is
	// over.
	everSynced bool

	controlTimer *ControlTimer

	start           time.Time
	headersAccepted int64
	blocksAccepted  int64
	txsAccepted     int64
	reorgs          int64
	stalledTotal    int64
	numInFlight     int64
	numStalled      int64
	numPeers        int64

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewNode is a factory method that returns a Node instance
func NewNode(conf *Config, chain *chain.Chain, manager PeerManager, logger *logrus.Entry) *Node {
	n := &Node{
		conf:         conf,
		chain:        chain,
		manager:      manager,
		logger:       logger,
		peers:        make(map[uint64]*syncPeer),
		inFlight:     make(map[chainhash.Hash]*blockRequest),
		attempts:     make(map[chainhash.Hash]int),
		stalled:      make(map[chainhash.Hash]bool),
		txInFlight:   make(map[chainhash.Hash]time.Time),
		controlTimer: NewResyncTimer(),
		shutdownCh:   make(chan struct{}),
		start:        time.Now(),
	}
	n.selector = NewLeastLoadedSelector(n.peers, manager.Penalty, conf.MaxInFlightPerPeer)
	return n
}

// State returns the current synchronisation state.
func (n *Node) State() State {
	return n.getState()
}

// Run invokes the main loop of the node. It returns nil when ctx is done or
// Shutdown is called, and the error of the chain store when it fails.
func (n *Node) Run(ctx context.Context) error {
	// The ControlTimer triggers a header resync after the node has been idle
	// in Synced for ResyncInterval.
	go n.controlTimer.Run(0)
	defer n.controlTimer.Shutdown()

	ticker := time.NewTicker(n.tickInterval())
	defer ticker.Stop()

	var statsCh <-chan time.Time
	if n.conf.StatsInterval > 0 {
		statsTicker := time.NewTicker(n.conf.StatsInterval)
		defer statsTicker.Stop()
		statsCh = statsTicker.C
	}

	tip := n.chain.BestTip()
	n.logger.WithFields(logrus.Fields{
		"tip":    tip.Hash,
		"height": tip.Height,
	}).Info("Starting chain sync")

	for {
		var err error
		select {
		case ev := <-n.manager.Events():
			err = n.handleEvent(ev)
		case in := <-n.manager.Inbound():
			err = n.handleMessage(in)
		case now := <-ticker.C:
			err = n.checkTimeouts(now)
		case <-n.controlTimer.tickCh:
			err = n.resync()
		case <-statsCh:
			n.logStats()
		case <-ctx.Done():
			n.setState(Shutdown)
			return nil
		case <-n.shutdownCh:
			n.setState(Shutdown)
			return nil
		}

		if err != nil {
			n.logger.WithError(err).Error("Chain store failure")
			n.setState(Shutdown)
			return err
		}
		n.updateGauges()
	}
}

// Shutdown stops Run.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		n.logger.Debug("Shutting down node")
		close(n.shutdownCh)
	})
}

func (n *Node) tickInterval() time.Duration {
	d := n.conf.BlockTimeout / 4
	if h := n.conf.HeadersTimeout / 4; h < d {
		d = h
	}
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	if d > time.Second {
		d = time.Second
	}
	return d
}

func (n *Node) transition(s State) {
	old := n.getState()
	if old == s {
		return
	}
	n.setState(s)
	n.updateGauges()

	tip := n.chain.BestTip()
	n.logger.WithFields(logrus.Fields{
		"from":   old.String(),
		"to":     s.String(),
		"tip":    tip.Hash,
		"height": tip.Height,
	}).Info("Sync state changed")

	if s == Synced {
		n.everSynced = true
		n.headersTried = nil
		n.controlTimer.Reset(n.conf.ResyncInterval)
	} else if old == Synced {
		n.controlTimer.Stop()
	}
}

func (n *Node) handleEvent(ev peers.Event) error {
	switch ev.Type {
	case peers.PeerConnected:
		_, err := n.addPeer(ev.PeerID, ev.Addr, ev.StartHeight, ev.ProtocolVersion)
		return err
	case peers.PeerDisconnected:
		return n.removePeer(ev.PeerID)
	}
	return nil
}

// ensurePeer returns the peer a message came from, registering it if its
// connection event has not been processed yet. Messages from peers that are
// already gone yield nil.
func (n *Node) ensurePeer(id uint64) (*syncPeer, error) {
	if p, ok := n.peers[id]; ok {
		return p, nil
	}
	info, ok := n.manager.PeerInfo(id)
	if !ok {
		return nil, nil
	}
	return n.addPeer(id, info.Addr, info.StartHeight, info.ProtocolVersion)
}

func (n *Node) addPeer(id uint64, addr string, startHeight int32, pver uint32) (*syncPeer, error) {
	if p, ok := n.peers[id]; ok {
		return p, nil
	}

	p := &syncPeer{
		id:              id,
		addr:            addr,
		startHeight:     startHeight,
		protocolVersion: pver,
	}
	n.peers[id] = p

	n.logger.WithFields(logrus.Fields{
		"peer_id":      id,
		"addr":         addr,
		"start_height": startHeight,
	}).Debug("Sync peer added")

	if !n.conf.ClientOnly && pver >= wire.SendHeadersVersion {
		if err := n.manager.SendTo(id, &wire.MsgSendHeaders{}); err != nil {
			n.logger.WithError(err).WithField("peer_id", id).Debug("Failed to send sendheaders")
		}
	}

	switch n.getState() {
	case Bootstrapping:
		n.startHeadersSync(p)
	case Synced:
		if startHeight > n.chain.BestTip().Height {
			n.startHeadersSync(p)
		}
	case BlocksSync:
		return p, n.fillRequests()
	}
	return p, nil
}

func (n *Node) removePeer(id uint64) error {
	p, ok := n.peers[id]
	if !ok {
		return nil
	}
	delete(n.peers, id)

	n.logger.WithFields(logrus.Fields{
		"peer_id":   id,
		"addr":      p.addr,
		"in_flight": p.inFlight,
	}).Debug("Sync peer removed")

	for hash, req := range n.inFlight {
		if req.peer == id {
			n.release(hash)
			n.reassign(hash, req, "peer disconnected")
		}
	}

	if len(n.peers) == 0 {
		n.headersPeer = 0
		if n.getState() != Synced {
			n.transition(Bootstrapping)
		}
		return nil
	}

	if n.getState() == HeadersSync && n.headersPeer == id {
		n.startHeadersSync(nil)
	}
	return n.fillRequests()
}

func (n *Node) resync() error {
	switch n.getState() {
	case Synced:
		n.logger.WithField("stalled", len(n.stalled)).Info("Periodic resync")
		n.stalled = make(map[chainhash.Hash]bool)
		n.startHeadersSync(nil)
	case Bootstrapping:
		if len(n.peers) > 0 {
			n.startHeadersSync(nil)
		}
	}
	return nil
}

func (n *Node) updateGauges() {
	atomic.StoreInt64(&n.numInFlight, int64(len(n.inFlight)))
	atomic.StoreInt64(&n.numStalled, int64(len(n.stalled)))
	atomic.StoreInt64(&n.numPeers, int64(len(n.peers)))
}

// GetStats returns a snapshot of the synchronisation progress.
func (n *Node) GetStats() map[string]string {
	tip := n.chain.BestTip()

	s := map[string]string{
		"state":                 n.getState().String(),
		"tip_hash":              tip.Hash.String(),
		"tip_height":            strconv.Itoa(int(tip.Height)),
		"headers_accepted":      strconv.FormatInt(atomic.LoadInt64(&n.headersAccepted), 10),
		"blocks_accepted":       strconv.FormatInt(atomic.LoadInt64(&n.blocksAccepted), 10),
		"transactions_accepted": strconv.FormatInt(atomic.LoadInt64(&n.txsAccepted), 10),
		"reorgs":                strconv.FormatInt(atomic.LoadInt64(&n.reorgs), 10),
		"blocks_in_flight":      strconv.FormatInt(atomic.LoadInt64(&n.numInFlight), 10),
		"blocks_stalled":        strconv.FormatInt(atomic.LoadInt64(&n.numStalled), 10),
		"stalled_total":         strconv.FormatInt(atomic.LoadInt64(&n.stalledTotal), 10),
		"num_peers":             strconv.FormatInt(atomic.LoadInt64(&n.numPeers), 10),
		"uptime":                time.Since(n.start).Round(time.Second).String(),
	}
	return s
}

func (n *Node) logStats() {
	fields := logrus.Fields{}
	for k, v := range n.GetStats() {
		fields[k] = v
	}
	n.logger.WithFields(fields).Info("Stats")
}
