package net

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mosaicnetworks/btcnode/src/wire"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotConnected is returned by Send once a peer is disconnected.
	ErrNotConnected = errors.New("peer not connected")

	// ErrSendQueueFull is returned by Send when the outbound queue is full.
	ErrSendQueueFull = errors.New("peer send queue full")

	// ErrHandshakeTimeout ...
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrPingTimeout ...
	ErrPingTimeout = errors.New("pong not received in time")

	// ErrSelfConnection ...
	ErrSelfConnection = errors.New("connected to self")
)

// PeerConfig holds the local side of the handshake and the connection
// limits.
type PeerConfig struct {
	// Codec frames messages for the node's network.
	Codec *wire.Codec

	// ProtocolVersion is the version we announce.
	ProtocolVersion uint32

	// MinProtocolVersion is the lowest remote version we accept.
	MinProtocolVersion uint32

	// Services are the service flags we announce.
	Services wire.ServiceFlag

	// UserAgent is announced in our version message.
	UserAgent string

	// DisableRelayTx asks peers not to announce transactions.
	DisableRelayTx bool

	// BestHeight reports our best tip height for the version message.
	BestHeight func() int32

	// Nonces is shared by all peers of a node to detect self connections.
	Nonces *NonceSet

	// HandshakeTimeout bounds the time from Start to Active.
	HandshakeTimeout time.Duration

	// PingInterval is the time between pings on an Active connection.
	PingInterval time.Duration

	// PingTimeout is how long a pong may take.
	PingTimeout time.Duration

	// WriteTimeout bounds a single message write.
	WriteTimeout time.Duration

	// SendQueueSize is the capacity of the outbound queue.
	SendQueueSize int

	// InboundQueueSize is the number of decoded messages buffered for the
	// consumer before the peer is dropped with ReasonOverflow.
	InboundQueueSize int
}

// Peer is one connection to a remote node.
type Peer struct {
	id      uint64
	addr    string
	inbound bool
	conn    net.Conn
	conf    *PeerConfig
	logger  *logrus.Entry

	state      uint32
	localNonce uint64
	lastRecv   int64
	lastPing   int64
	connected  time.Time

	// Only touched by inHandler.
	gotVersion bool
	gotVerAck  bool

	mtx             sync.RWMutex
	remoteVersion   wire.MsgVersion
	protocolVersion uint32
	reason          DisconnectReason
	err             error

	sendCh        chan wire.Message
	inCh          chan wire.Message
	pongCh        chan uint64
	handshakeDone chan struct{}
	quit          chan struct{}
	closeOnce     sync.Once
	wg            sync.WaitGroup
}

// NewPeer wraps conn. Nothing is sent until Start is called.
func NewPeer(id uint64, conn net.Conn, addr string, inbound bool, conf *PeerConfig, logger *logrus.Entry) *Peer {
	if addr == "" {
		addr = conn.RemoteAddr().String()
	}
	p := &Peer{
		id:            id,
		addr:          addr,
		inbound:       inbound,
		conn:          conn,
		conf:          conf,
		localNonce:    conf.Nonces.New(),
		connected:     time.Now(),
		sendCh:        make(chan wire.Message, conf.SendQueueSize),
		inCh:          make(chan wire.Message, conf.InboundQueueSize),
		pongCh:        make(chan uint64, 1),
		handshakeDone: make(chan struct{}),
		quit:          make(chan struct{}),
	}
	p.logger = logger.WithFields(logrus.Fields{
		"peer_id": id,
		"addr":    addr,
		"inbound": inbound,
	})
	return p
}

// ID is the identifier assigned by the owner of the peer.
func (p *Peer) ID() uint64 { return p.id }

// Addr is the remote address.
func (p *Peer) Addr() string { return p.addr }

// IsInbound returns true for accepted connections.
func (p *Peer) IsInbound() bool { return p.inbound }

// ConnectedAt returns the time the connection was created.
func (p *Peer) ConnectedAt() time.Time { return p.connected }

// State returns the current protocol state.
func (p *Peer) State() PeerState {
	return PeerState(atomic.LoadUint32(&p.state))
}

// LastRecv returns the time of the last message received.
func (p *Peer) LastRecv() time.Time {
	return time.Unix(0, atomic.LoadInt64(&p.lastRecv))
}

// PingLatency returns the round trip time of the last answered ping.
func (p *Peer) PingLatency() time.Duration {
	return time.Duration(atomic.LoadInt64(&p.lastPing))
}

// ProtocolVersion returns the negotiated protocol version, the lower of ours
// and the remote's.
func (p *Peer) ProtocolVersion() uint32 {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.protocolVersion
}

// RemoteVersion returns the version message received from the peer.
func (p *Peer) RemoteVersion() wire.MsgVersion {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.remoteVersion
}

// Reason returns why the peer was disconnected, or ReasonNone.
func (p *Peer) Reason() DisconnectReason {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.reason
}

// Err returns the error that caused the disconnection, if any.
func (p *Peer) Err() error {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.err
}

// Messages returns the inbound message stream. It is closed when the peer
// disconnects and may be consumed by successive readers.
func (p *Peer) Messages() <-chan wire.Message {
	return p.inCh
}

// Done is closed on disconnection.
func (p *Peer) Done() <-chan struct{} {
	return p.quit
}

// WaitForShutdown blocks until every goroutine of the peer has returned.
func (p *Peer) WaitForShutdown() {
	p.wg.Wait()
}

// transition moves to s unless the peer is already disconnected.
func (p *Peer) transition(s PeerState) bool {
	for {
		cur := atomic.LoadUint32(&p.state)
		if PeerState(cur) == Disconnected {
			return false
		}
		if atomic.CompareAndSwapUint32(&p.state, cur, uint32(s)) {
			return true
		}
	}
}

func (p *Peer) transitionFrom(from, to PeerState) bool {
	return atomic.CompareAndSwapUint32(&p.state, uint32(from), uint32(to))
}

// Start runs the handshake. It returns nil once the connection is Active, or
// the error that disconnected it.
func (p *Peer) Start() error {
	p.wg.Add(2)
	go p.outHandler()
	go p.inHandler()

	if !p.inbound {
		p.pushVersion()
		p.transitionFrom(Connecting, VersionSent)
	}

	timer := time.NewTimer(p.conf.HandshakeTimeout)
	defer timer.Stop()

	select {
	case <-p.handshakeDone:
	case <-timer.C:
		p.Disconnect(ReasonTimeout, ErrHandshakeTimeout)
		return ErrHandshakeTimeout
	case <-p.quit:
		if err := p.Err(); err != nil {
			return err
		}
		return ErrNotConnected
	}

	p.wg.Add(1)
	go p.pingHandler()

	rv := p.RemoteVersion()
	p.logger.WithFields(logrus.Fields{
		"protocol_version": p.ProtocolVersion(),
		"user_agent":       rv.UserAgent,
		"services":         rv.Services,
		"start_height":     rv.LastBlock,
	}).Info("Connection established")
	return nil
}

// Send queues msg without blocking.
func (p *Peer) Send(msg wire.Message) error {
	select {
	case <-p.quit:
		return ErrNotConnected
	default:
	}
	select {
	case p.sendCh <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Disconnect closes the connection and records the reason. Only the first
// call has any effect.
func (p *Peer) Disconnect(reason DisconnectReason, err error) {
	p.closeOnce.Do(func() {
		handshaked := false
		select {
		case <-p.handshakeDone:
			handshaked = true
		default:
		}

		atomic.StoreUint32(&p.state, uint32(Disconnected))
		p.mtx.Lock()
		p.reason = reason
		p.err = err
		p.mtx.Unlock()

		close(p.quit)
		p.conn.Close()
		p.conf.Nonces.Remove(p.localNonce)

		entry := p.logger.WithField("reason", reason)
		if err != nil {
			entry = entry.WithError(err)
		}
		switch {
		case reason == ReasonShutdown:
			entry.Debug("Connection closed")
		case !handshaked:
			entry.Warn("Handshake failed")
		case reason.Misbehaving():
			entry.Warn("Connection lost")
		default:
			entry.Info("Connection lost")
		}
	})
}

func (p *Peer) pushVersion() {
	local := ""
	if la := p.conn.LocalAddr(); la != nil {
		local = la.String()
	}
	var height int32
	if p.conf.BestHeight != nil {
		height = p.conf.BestHeight()
	}
	p.Send(&wire.MsgVersion{
		ProtocolVersion: int32(p.conf.ProtocolVersion),
		Services:        p.conf.Services,
		Timestamp:       time.Unix(time.Now().Unix(), 0),
		AddrYou:         *wire.NewNetAddressFromString(p.addr, 0),
		AddrMe:          *wire.NewNetAddressFromString(local, p.conf.Services),
		Nonce:           p.localNonce,
		UserAgent:       p.conf.UserAgent,
		LastBlock:       height,
		DisableRelayTx:  p.conf.DisableRelayTx,
	})
}

func (p *Peer) inHandler() {
	defer p.wg.Done()
	defer close(p.inCh)

	r := bufio.NewReader(p.conn)
	for {
		msg, err := p.conf.Codec.ReadMessage(r)
		if err != nil {
			if wire.IsMalformed(err) {
				p.Disconnect(ReasonFraming, err)
			} else {
				p.Disconnect(ReasonTransport, err)
			}
			return
		}
		atomic.StoreInt64(&p.lastRecv, time.Now().UnixNano())

		if !p.handleMessage(msg) {
			return
		}
	}
}

// handleMessage returns false when the connection must stop reading.
func (p *Peer) handleMessage(msg wire.Message) bool {
	switch m := msg.(type) {
	case *wire.MsgVersion:
		return p.handleVersion(m)
	case *wire.MsgVerAck:
		return p.handleVerAck()
	}

	if !p.gotVersion {
		p.Disconnect(ReasonProtocolViolation, fmt.Errorf("%s received before version", msg.Command()))
		return false
	}

	switch m := msg.(type) {
	case *wire.MsgPing:
		if err := p.Send(&wire.MsgPong{Nonce: m.Nonce}); err != nil {
			p.logger.WithError(err).Debug("Failed to answer ping")
		}
		return true
	case *wire.MsgPong:
		select {
		case p.pongCh <- m.Nonce:
		default:
		}
		return true
	}

	select {
	case p.inCh <- msg:
		return true
	default:
		p.Disconnect(ReasonOverflow, fmt.Errorf("inbound queue full (%d messages)", cap(p.inCh)))
		return false
	}
}

func (p *Peer) handleVersion(m *wire.MsgVersion) bool {
	if p.gotVersion {
		p.Disconnect(ReasonProtocolViolation, errors.New("duplicate version message"))
		return false
	}
	p.gotVersion = true

	if p.conf.Nonces.Contains(m.Nonce) {
		p.Disconnect(ReasonSelfConnection, ErrSelfConnection)
		return false
	}
	if m.ProtocolVersion < 0 || uint32(m.ProtocolVersion) < p.conf.MinProtocolVersion {
		p.Disconnect(ReasonVersionTooLow, fmt.Errorf("protocol version %d is below the minimum %d",
			m.ProtocolVersion, p.conf.MinProtocolVersion))
		return false
	}

	negotiated := p.conf.ProtocolVersion
	if uint32(m.ProtocolVersion) < negotiated {
		negotiated = uint32(m.ProtocolVersion)
	}
	p.mtx.Lock()
	p.remoteVersion = *m
	p.protocolVersion = negotiated
	p.mtx.Unlock()

	p.transition(VersionReceived)
	if p.inbound {
		p.pushVersion()
	}
	p.Send(&wire.MsgVerAck{})
	return true
}

func (p *Peer) handleVerAck() bool {
	if !p.gotVersion {
		p.Disconnect(ReasonProtocolViolation, errors.New("verack received before version"))
		return false
	}
	if p.gotVerAck {
		p.Disconnect(ReasonProtocolViolation, errors.New("duplicate verack message"))
		return false
	}
	p.gotVerAck = true

	p.transition(Handshaked)
	if p.transition(Active) {
		close(p.handshakeDone)
	}
	return true
}

func (p *Peer) outHandler() {
	defer p.wg.Done()

	for {
		select {
		case msg := <-p.sendCh:
			b, err := p.conf.Codec.Encode(msg)
			if err != nil {
				p.logger.WithError(err).WithField("command", msg.Command()).Error("Failed to encode message")
				continue
			}
			if p.conf.WriteTimeout > 0 {
				p.conn.SetWriteDeadline(time.Now().Add(p.conf.WriteTimeout))
			}
			if _, err := p.conn.Write(b); err != nil {
				p.Disconnect(ReasonTransport, err)
				return
			}
		case <-p.quit:
			return
		}
	}
}

func (p *Peer) pingHandler() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.conf.PingInterval)
	defer ticker.Stop()

	var (
		pending uint64
		sentAt  time.Time
		timer   *time.Timer
		timeout <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ticker.C:
			if pending != 0 {
				continue
			}
			nonce := randomUint64() | 1
			if err := p.Send(&wire.MsgPing{Nonce: nonce}); err != nil {
				p.logger.WithError(err).Debug("Failed to send ping")
				continue
			}
			pending, sentAt = nonce, time.Now()
			p.transitionFrom(Active, AwaitingPong)
			timer = time.NewTimer(p.conf.PingTimeout)
			timeout = timer.C
		case nonce := <-p.pongCh:
			if pending == 0 || nonce != pending {
				continue
			}
			atomic.StoreInt64(&p.lastPing, int64(time.Since(sentAt)))
			pending = 0
			timer.Stop()
			timeout = nil
			p.transitionFrom(AwaitingPong, Active)
		case <-timeout:
			p.Disconnect(ReasonTimeout, ErrPingTimeout)
			return
		case <-p.quit:
			return
		}
	}
}
