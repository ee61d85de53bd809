package net

import (
	"errors"
	"net"
	"time"
)

// ErrNoListener is returned by Accept on a stream layer that only dials.
var ErrNoListener = errors.New("stream layer does not accept connections")

// StreamLayer provides the raw connections peers run over: outbound dials
// and, unless the node is client-only, accepted inbound connections.
type StreamLayer interface {
	net.Listener

	// Dial is used to create a new outgoing connection
	Dial(address string, timeout time.Duration) (net.Conn, error)

	// AdvertiseAddr returns the publicly-reachable address of the stream
	AdvertiseAddr() string
}
