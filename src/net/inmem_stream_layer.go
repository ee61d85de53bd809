package net

import (
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"
)

// NewInmemAddr returns a new in-memory addr with
// a randomly generate UUID as the ID.
func NewInmemAddr() string {
	return generateUUID()
}

// generateUUID is used to generate a random UUID.
func generateUUID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Errorf("failed to read random bytes: %v", err))
	}

	return fmt.Sprintf("%08x-%04x-%04x-%04x-%12x",
		buf[0:4],
		buf[4:6],
		buf[6:8],
		buf[8:10],
		buf[10:16])
}

type inmemAddr string

func (a inmemAddr) Network() string { return "inmem" }
func (a inmemAddr) String() string  { return string(a) }

type inmemConn struct {
	net.Conn
	local  inmemAddr
	remote inmemAddr
}

func (c *inmemConn) LocalAddr() net.Addr  { return c.local }
func (c *inmemConn) RemoteAddr() net.Addr { return c.remote }

var inmemLayers = struct {
	sync.Mutex
	byAddr map[string]*InmemStreamLayer
}{byAddr: make(map[string]*InmemStreamLayer)}

// InmemStreamLayer implements the StreamLayer interface with synchronous
// in-process pipes, to allow nodes to be tested in-memory without going over
// a network.
type InmemStreamLayer struct {
	addr         string
	acceptCh     chan net.Conn
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewInmemStreamLayer registers a layer under addr, generating a random
// address if none is specified.
func NewInmemStreamLayer(addr string) *InmemStreamLayer {
	if addr == "" {
		addr = NewInmemAddr()
	}
	layer := &InmemStreamLayer{
		addr:       addr,
		acceptCh:   make(chan net.Conn, 16),
		shutdownCh: make(chan struct{}),
	}
	inmemLayers.Lock()
	inmemLayers.byAddr[addr] = layer
	inmemLayers.Unlock()
	return layer
}

// Dial implements the StreamLayer interface.
func (i *InmemStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	inmemLayers.Lock()
	target, ok := inmemLayers.byAddr[address]
	inmemLayers.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial %s: connection refused", address)
	}

	client, server := net.Pipe()
	serverConn := &inmemConn{Conn: server, local: inmemAddr(address), remote: inmemAddr(i.addr)}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case target.acceptCh <- serverConn:
		return &inmemConn{Conn: client, local: inmemAddr(i.addr), remote: inmemAddr(address)}, nil
	case <-target.shutdownCh:
	case <-timer.C:
	}
	client.Close()
	server.Close()
	return nil, fmt.Errorf("dial %s: connection refused", address)
}

// Accept implements the net.Listener interface.
func (i *InmemStreamLayer) Accept() (net.Conn, error) {
	select {
	case conn := <-i.acceptCh:
		return conn, nil
	case <-i.shutdownCh:
		return nil, net.ErrClosed
	}
}

// Close implements the net.Listener interface. Pending connections are
// refused.
func (i *InmemStreamLayer) Close() error {
	i.shutdownOnce.Do(func() {
		inmemLayers.Lock()
		delete(inmemLayers.byAddr, i.addr)
		inmemLayers.Unlock()
		close(i.shutdownCh)
		for {
			select {
			case conn := <-i.acceptCh:
				conn.Close()
			default:
				return
			}
		}
	})
	return nil
}

// Addr implements the net.Listener interface.
func (i *InmemStreamLayer) Addr() net.Addr {
	return inmemAddr(i.addr)
}

// AdvertiseAddr implements the StreamLayer interface.
func (i *InmemStreamLayer) AdvertiseAddr() string {
	return i.addr
}
