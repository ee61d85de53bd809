package net

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// PeerState is the protocol state of a connection.
type PeerState uint32

const (
	// Connecting is a transport that has not exchanged a version yet.
	Connecting PeerState = iota
	// VersionSent is an outbound connection waiting for the remote version.
	VersionSent
	// VersionReceived is a connection waiting for the remote verack.
	VersionReceived
	// Handshaked is reached on verack and immediately followed by Active.
	Handshaked
	// Active accepts arbitrary messages.
	Active
	// AwaitingPong is Active with an unanswered ping outstanding.
	AwaitingPong
	// Disconnected is final.
	Disconnected
)

// String ...
func (s PeerState) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case VersionSent:
		return "VersionSent"
	case VersionReceived:
		return "VersionReceived"
	case Handshaked:
		return "Handshaked"
	case Active:
		return "Active"
	case AwaitingPong:
		return "AwaitingPong"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// DisconnectReason records why a connection ended.
type DisconnectReason uint32

const (
	// ReasonNone is the reason of a connection that is still up.
	ReasonNone DisconnectReason = iota
	// ReasonTransport is a read or write failure of the underlying stream.
	ReasonTransport
	// ReasonFraming is a malformed message.
	ReasonFraming
	// ReasonProtocolViolation is a well-formed message sent out of order.
	ReasonProtocolViolation
	// ReasonVersionTooLow is a remote protocol version below the floor.
	ReasonVersionTooLow
	// ReasonSelfConnection is a version echoing one of our own nonces.
	ReasonSelfConnection
	// ReasonTimeout is a handshake or pong that did not arrive in time.
	ReasonTimeout
	// ReasonOverflow is a peer outpacing the consumer of its messages.
	ReasonOverflow
	// ReasonPenalized is a peer dropped for misbehaviour.
	ReasonPenalized
	// ReasonShutdown is a local shutdown.
	ReasonShutdown
)

// String ...
func (r DisconnectReason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case ReasonTransport:
		return "TransportError"
	case ReasonFraming:
		return "FramingError"
	case ReasonProtocolViolation:
		return "ProtocolViolation"
	case ReasonVersionTooLow:
		return "VersionTooLow"
	case ReasonSelfConnection:
		return "SelfConnection"
	case ReasonTimeout:
		return "Timeout"
	case ReasonOverflow:
		return "Overflow"
	case ReasonPenalized:
		return "Penalized"
	case ReasonShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// Misbehaving returns true for reasons caused by the remote side breaking the
// protocol.
func (r DisconnectReason) Misbehaving() bool {
	switch r {
	case ReasonFraming, ReasonProtocolViolation, ReasonOverflow, ReasonPenalized:
		return true
	}
	return false
}

// NonceSet tracks the version nonces of our own live connections so that a
// connection to ourselves can be recognised. It is shared by all peers of a
// node.
type NonceSet struct {
	mtx    sync.Mutex
	nonces map[uint64]struct{}
}

// NewNonceSet ...
func NewNonceSet() *NonceSet {
	return &NonceSet{nonces: make(map[uint64]struct{})}
}

// New generates and records a fresh non-zero nonce.
func (s *NonceSet) New() uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for {
		n := randomUint64()
		if _, ok := s.nonces[n]; n != 0 && !ok {
			s.nonces[n] = struct{}{}
			return n
		}
	}
}

// Contains ...
func (s *NonceSet) Contains(n uint64) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	_, ok := s.nonces[n]
	return ok
}

// Remove ...
func (s *NonceSet) Remove(n uint64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.nonces, n)
}

func randomUint64() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return binary.LittleEndian.Uint64(b[:])
}
