package peers

import (
	"context"
	"errors"
	"fmt"
	gonet "net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mosaicnetworks/btcnode/src/net"
	"github.com/mosaicnetworks/btcnode/src/wire"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownPeer is returned for a peer id that is not connected.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrShutdown is returned by NextInbound once the Manager is stopped.
	ErrShutdown = errors.New("peer manager shut down")
)

// Config configures a Manager.
type Config struct {
	// Peer is handed to every connection.
	Peer *net.PeerConfig

	// Seeds are DNS seeds or literal addresses, resolved with Resolver.
	Seeds []string

	// Addresses are dialed as they are, without resolution.
	Addresses []string

	// DefaultPort completes seeds without a port.
	DefaultPort uint16

	// TargetPeers bounds outbound connections, and inbound connections
	// separately unless ClientOnly is set.
	TargetPeers int

	// ClientOnly disables the accept loop.
	ClientOnly bool

	DialTimeout     time.Duration
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration

	// MaxPenalty is the score at which a peer is disconnected.
	MaxPenalty int

	// InboundBuffer is the capacity of the shared inbound channel.
	InboundBuffer int

	// DataDir holds peers.json. Empty disables persistence.
	DataDir string

	// Resolver defaults to DNSResolver.
	Resolver Resolver
}

// Inbound is a message received from a peer.
type Inbound struct {
	PeerID uint64
	Msg    wire.Message
}

// EventType ...
type EventType int

const (
	// PeerConnected is emitted once a peer completes its handshake, before
	// any of its messages.
	PeerConnected EventType = iota
	// PeerDisconnected is emitted after the last message of a peer.
	PeerDisconnected
)

// String ...
func (t EventType) String() string {
	switch t {
	case PeerConnected:
		return "PeerConnected"
	case PeerDisconnected:
		return "PeerDisconnected"
	default:
		return "Unknown"
	}
}

// Event reports a change in the set of active peers.
type Event struct {
	Type            EventType
	PeerID          uint64
	Addr            string
	Inbound         bool
	ProtocolVersion uint32
	StartHeight     int32
	Services        wire.ServiceFlag
	Reason          net.DisconnectReason
	Err             error
}

// PeerInfo describes a connection.
type PeerInfo struct {
	ID              uint64           `json:"id"`
	Addr            string           `json:"addr"`
	Inbound         bool             `json:"inbound"`
	State           string           `json:"state"`
	ProtocolVersion uint32           `json:"protocol_version"`
	UserAgent       string           `json:"user_agent"`
	Services        wire.ServiceFlag `json:"services"`
	StartHeight     int32            `json:"start_height"`
	Penalty         int              `json:"penalty"`
	PingLatency     time.Duration    `json:"ping_latency"`
	ConnectedAt     time.Time        `json:"connected_at"`
	LastRecv        time.Time        `json:"last_recv"`
}

type managedPeer struct {
	peer    *net.Peer
	penalty int
	active  bool
}

// Manager owns the connections of a node. It dials candidates up to the
// target count, accepts inbound connections, and fans the messages of all
// active peers into a single channel.
//
// Each active peer has a forwarding goroutine blocked on the shared channel,
// so a slow consumer serves peers in turn while the per-peer queue of a
// noisy peer fills up until that peer is dropped with ReasonOverflow.
type Manager struct {
	conf   *Config
	stream net.StreamLayer
	book   *AddressBook
	store  *JSONPeers
	logger *logrus.Entry

	nextID uint64

	mtx     sync.RWMutex
	peers   map[uint64]*managedPeer
	byAddr  map[string]uint64
	dialing map[string]bool
	seeded  time.Time

	inCh      chan Inbound
	eventCh   chan Event
	connectCh chan struct{}

	ctx        context.Context
	cancel     context.CancelFunc
	shutdown   bool
	shutdownCh chan struct{}
	once       sync.Once
	wg         sync.WaitGroup
}

// NewManager creates a Manager on top of stream.
func NewManager(conf *Config, stream net.StreamLayer, logger *logrus.Entry) *Manager {
	m := &Manager{
		conf:       conf,
		stream:     stream,
		book:       NewAddressBook(conf.RetryBackoff, conf.MaxRetryBackoff),
		logger:     logger,
		peers:      make(map[uint64]*managedPeer),
		byAddr:     make(map[string]uint64),
		dialing:    make(map[string]bool),
		inCh:       make(chan Inbound, conf.InboundBuffer),
		eventCh:    make(chan Event, 64),
		connectCh:  make(chan struct{}, 1),
		shutdownCh: make(chan struct{}),
	}
	if conf.DataDir != "" {
		m.store = NewJSONPeers(conf.DataDir)
	}
	return m
}

// Start loads the address book and launches the dial and accept loops.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	if m.store != nil {
		addrs, err := m.store.Read()
		if err != nil {
			m.logger.WithError(err).WithField("path", m.store.Path()).Warn("Failed to read address book")
		} else if len(addrs) > 0 {
			m.book.Add(addrs...)
			m.logger.WithField("addresses", len(addrs)).Debug("Loaded address book")
		}
	}

	for _, a := range m.conf.Addresses {
		m.book.Add(&Address{NetAddr: a})
	}

	if !m.conf.ClientOnly {
		m.wg.Add(1)
		go m.acceptLoop()
	}

	m.wg.Add(1)
	go m.dialLoop()

	return nil
}

// Inbound returns the shared message channel.
func (m *Manager) Inbound() <-chan Inbound {
	return m.inCh
}

// NextInbound blocks until a message is available.
func (m *Manager) NextInbound(ctx context.Context) (Inbound, error) {
	select {
	case in := <-m.inCh:
		return in, nil
	case <-ctx.Done():
		return Inbound{}, ctx.Err()
	case <-m.shutdownCh:
		return Inbound{}, ErrShutdown
	}
}

// Events returns the connection events channel.
func (m *Manager) Events() <-chan Event {
	return m.eventCh
}

// Broadcast sends msg to every active peer for which skip, when set, returns
// false, and returns how many accepted it. skip runs on the caller's
// goroutine.
func (m *Manager) Broadcast(msg wire.Message, skip func(id uint64) bool) int {
	m.mtx.RLock()
	targets := make([]*net.Peer, 0, len(m.peers))
	for _, mp := range m.peers {
		if mp.active {
			targets = append(targets, mp.peer)
		}
	}
	m.mtx.RUnlock()

	if skip != nil {
		kept := targets[:0]
		for _, p := range targets {
			if !skip(p.ID()) {
				kept = append(kept, p)
			}
		}
		targets = kept
	}

	sent := 0
	for _, p := range targets {
		if err := p.Send(msg); err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{
				"peer_id": p.ID(),
				"command": msg.Command(),
			}).Debug("Broadcast skipped peer")
			continue
		}
		sent++
	}
	return sent
}

// SendTo sends msg to one active peer.
func (m *Manager) SendTo(id uint64, msg wire.Message) error {
	m.mtx.RLock()
	mp, ok := m.peers[id]
	m.mtx.RUnlock()
	if !ok || !mp.active {
		return ErrUnknownPeer
	}
	return mp.peer.Send(msg)
}

// Penalize adds points to the score of a peer and disconnects it once the
// score reaches MaxPenalty. It returns the new score.
func (m *Manager) Penalize(id uint64, points int, reason string) int {
	m.mtx.Lock()
	mp, ok := m.peers[id]
	if !ok {
		m.mtx.Unlock()
		return 0
	}
	mp.penalty += points
	score := mp.penalty
	m.mtx.Unlock()

	entry := m.logger.WithFields(logrus.Fields{
		"peer_id": id,
		"addr":    mp.peer.Addr(),
		"penalty": score,
		"reason":  reason,
	})
	if score >= m.conf.MaxPenalty {
		entry.Warn("Disconnecting misbehaving peer")
		mp.peer.Disconnect(net.ReasonPenalized, fmt.Errorf("penalized: %s", reason))
	} else {
		entry.Debug("Peer penalized")
	}
	return score
}

// Penalty returns the score of a peer.
func (m *Manager) Penalty(id uint64) int {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	if mp, ok := m.peers[id]; ok {
		return mp.penalty
	}
	return 0
}

// AddCandidates adds addresses learned from the network.
func (m *Manager) AddCandidates(addrs []string) int {
	batch := make([]*Address, 0, len(addrs))
	for _, a := range addrs {
		batch = append(batch, &Address{NetAddr: a})
	}
	added := m.book.Add(batch...)
	if added > 0 {
		m.signal()
	}
	return added
}

// PeerInfo returns the description of one active peer.
func (m *Manager) PeerInfo(id uint64) (PeerInfo, bool) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	mp, ok := m.peers[id]
	if !ok || !mp.active {
		return PeerInfo{}, false
	}
	return peerInfo(mp), true
}

// Peers returns the active peers ordered by id.
func (m *Manager) Peers() []PeerInfo {
	m.mtx.RLock()
	res := make([]PeerInfo, 0, len(m.peers))
	for _, mp := range m.peers {
		if mp.active {
			res = append(res, peerInfo(mp))
		}
	}
	m.mtx.RUnlock()

	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

func peerInfo(mp *managedPeer) PeerInfo {
	p := mp.peer
	rv := p.RemoteVersion()
	return PeerInfo{
		ID:              p.ID(),
		Addr:            p.Addr(),
		Inbound:         p.IsInbound(),
		State:           p.State().String(),
		ProtocolVersion: p.ProtocolVersion(),
		UserAgent:       rv.UserAgent,
		Services:        rv.Services,
		StartHeight:     rv.LastBlock,
		Penalty:         mp.penalty,
		PingLatency:     p.PingLatency(),
		ConnectedAt:     p.ConnectedAt(),
		LastRecv:        p.LastRecv(),
	}
}

// Shutdown stops the loops, disconnects every peer and saves the address
// book.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		m.logger.Debug("Shutting down peer manager")

		m.mtx.Lock()
		m.shutdown = true
		close(m.shutdownCh)
		all := make([]*net.Peer, 0, len(m.peers))
		for _, mp := range m.peers {
			all = append(all, mp.peer)
		}
		m.mtx.Unlock()

		if m.cancel != nil {
			m.cancel()
		}
		m.stream.Close()

		for _, p := range all {
			p.Disconnect(net.ReasonShutdown, nil)
		}
		m.wg.Wait()
		for _, p := range all {
			p.WaitForShutdown()
		}

		m.saveBook()
	})
}

func (m *Manager) saveBook() {
	if m.store == nil {
		return
	}
	if err := m.store.Write(m.book.Known()); err != nil {
		m.logger.WithError(err).Error("Failed to write address book")
	}
}

func (m *Manager) signal() {
	select {
	case m.connectCh <- struct{}{}:
	default:
	}
}

func (m *Manager) counts() (outbound, inbound int) {
	for _, mp := range m.peers {
		if mp.peer.IsInbound() {
			inbound++
		} else {
			outbound++
		}
	}
	return outbound + len(m.dialing), inbound
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()

	for {
		conn, err := m.stream.Accept()
		if err != nil {
			if errors.Is(err, gonet.ErrClosed) || errors.Is(err, net.ErrNoListener) {
				return
			}
			select {
			case <-m.shutdownCh:
				return
			case <-time.After(100 * time.Millisecond):
			}
			m.logger.WithError(err).Warn("Accept failed")
			continue
		}

		m.mtx.RLock()
		_, inbound := m.counts()
		m.mtx.RUnlock()
		if inbound >= m.conf.TargetPeers {
			m.logger.WithField("addr", conn.RemoteAddr().String()).Debug("Refusing inbound connection, target reached")
			conn.Close()
			continue
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runPeer(conn, conn.RemoteAddr().String(), true)
		}()
	}
}

func (m *Manager) dialLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.conf.RetryBackoff)
	defer ticker.Stop()

	for {
		m.fillOutbound()
		select {
		case <-ticker.C:
		case <-m.connectCh:
		case <-m.ctx.Done():
			return
		}
	}
}

// fillOutbound dials as many candidates as needed to reach the target.
func (m *Manager) fillOutbound() {
	m.mtx.RLock()
	outbound, _ := m.counts()
	m.mtx.RUnlock()

	need := m.conf.TargetPeers - outbound
	if need <= 0 {
		return
	}

	now := time.Now()
	cands := m.book.Select(now, need, m.busy)
	if len(cands) < need && m.shouldReseed(now) {
		m.reseed()
		cands = m.book.Select(now, need, m.busy)
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.shutdown {
		return
	}
	for _, addr := range cands {
		m.dialing[addr] = true
		m.wg.Add(1)
		go m.dial(addr)
	}
}

// busy excludes addresses already connected or being dialed, and ourselves.
func (m *Manager) busy(addr string) bool {
	if addr == m.stream.AdvertiseAddr() {
		return true
	}
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	if m.dialing[addr] {
		return true
	}
	_, ok := m.byAddr[addr]
	return ok
}

func (m *Manager) shouldReseed(now time.Time) bool {
	if len(m.conf.Seeds) == 0 {
		return false
	}
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.seeded.IsZero() || now.Sub(m.seeded) >= m.conf.MaxRetryBackoff
}

func (m *Manager) reseed() {
	m.mtx.Lock()
	m.seeded = time.Now()
	m.mtx.Unlock()

	for _, seed := range m.conf.Seeds {
		addrs, err := ResolveSeed(m.ctx, seed, m.conf.DefaultPort, m.conf.Resolver)
		if err != nil {
			m.logger.WithError(err).WithField("seed", seed).Warn("Failed to resolve seed")
			continue
		}
		batch := make([]*Address, 0, len(addrs))
		for _, a := range addrs {
			batch = append(batch, &Address{NetAddr: a})
		}
		added := m.book.Add(batch...)
		m.logger.WithFields(logrus.Fields{
			"seed":      seed,
			"addresses": len(addrs),
			"new":       added,
		}).Debug("Resolved seed")
	}
}

func (m *Manager) dial(addr string) {
	defer m.wg.Done()

	conn, err := m.stream.Dial(addr, m.conf.DialTimeout)

	m.mtx.Lock()
	delete(m.dialing, addr)
	m.mtx.Unlock()

	if err != nil {
		delay := m.book.MarkFailed(addr, time.Now())
		m.logger.WithError(err).WithFields(logrus.Fields{
			"addr":  addr,
			"retry": delay,
		}).Debug("Dial failed")
		return
	}

	m.runPeer(conn, addr, false)
}

// runPeer performs the handshake and forwards the messages of the peer
// until it disconnects.
func (m *Manager) runPeer(conn gonet.Conn, addr string, inbound bool) {
	id := atomic.AddUint64(&m.nextID, 1)
	p := net.NewPeer(id, conn, addr, inbound, m.conf.Peer, m.logger)

	m.mtx.Lock()
	if m.shutdown {
		m.mtx.Unlock()
		conn.Close()
		return
	}
	m.peers[id] = &managedPeer{peer: p}
	if !inbound {
		m.byAddr[addr] = id
	}
	m.mtx.Unlock()

	if err := p.Start(); err != nil {
		p.WaitForShutdown()
		m.removePeer(p)
		if !inbound {
			m.book.MarkFailed(addr, time.Now())
		}
		m.signal()
		return
	}

	rv := p.RemoteVersion()
	if !inbound {
		m.book.MarkGood(addr, rv.Services, time.Now())
		m.saveBook()
	}

	m.mtx.Lock()
	if mp, ok := m.peers[id]; ok {
		mp.active = true
	}
	m.mtx.Unlock()

	m.emit(Event{
		Type:            PeerConnected,
		PeerID:          id,
		Addr:            addr,
		Inbound:         inbound,
		ProtocolVersion: p.ProtocolVersion(),
		StartHeight:     rv.LastBlock,
		Services:        rv.Services,
	})

	m.forward(p)

	p.WaitForShutdown()
	m.removePeer(p)
	m.emit(Event{
		Type:    PeerDisconnected,
		PeerID:  id,
		Addr:    addr,
		Inbound: inbound,
		Reason:  p.Reason(),
		Err:     p.Err(),
	})
	m.signal()
}

// forward stops at disconnection. Messages still queued at that point are
// dropped.
func (m *Manager) forward(p *net.Peer) {
	for msg := range p.Messages() {
		select {
		case m.inCh <- Inbound{PeerID: p.ID(), Msg: msg}:
		case <-p.Done():
			return
		case <-m.shutdownCh:
			p.Disconnect(net.ReasonShutdown, nil)
			return
		}
	}
}

func (m *Manager) removePeer(p *net.Peer) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.peers, p.ID())
	if id, ok := m.byAddr[p.Addr()]; ok && id == p.ID() {
		delete(m.byAddr, p.Addr())
	}
}

func (m *Manager) emit(e Event) {
	select {
	case m.eventCh <- e:
	case <-m.shutdownCh:
	}
}
