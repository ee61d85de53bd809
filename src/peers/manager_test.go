package peers

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mosaicnetworks/btcnode/src/common"
	"github.com/mosaicnetworks/btcnode/src/net"
	"github.com/mosaicnetworks/btcnode/src/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testPeerConfig() *net.PeerConfig {
	return &net.PeerConfig{
		Codec:              wire.NewCodec(0xdab5bffa, wire.ProtocolVersion, 1024*1024),
		ProtocolVersion:    wire.ProtocolVersion,
		MinProtocolVersion: wire.DefaultMinProtocolVersion,
		Services:           wire.SFNodeNetwork,
		UserAgent:          "/btcnode-test/",
		Nonces:             net.NewNonceSet(),
		HandshakeTimeout:   2 * time.Second,
		PingInterval:       time.Hour,
		PingTimeout:        time.Second,
		WriteTimeout:       time.Second,
		SendQueueSize:      64,
		InboundQueueSize:   16,
	}
}

func testConfig(addrs ...string) *Config {
	return &Config{
		Peer:            testPeerConfig(),
		Addresses:       addrs,
		TargetPeers:     2,
		DialTimeout:     time.Second,
		RetryBackoff:    20 * time.Millisecond,
		MaxRetryBackoff: 200 * time.Millisecond,
		MaxPenalty:      100,
		InboundBuffer:   16,
	}
}

func newTestManager(t *testing.T, conf *Config, name string) (*Manager, *net.InmemStreamLayer) {
	stream := net.NewInmemStreamLayer("")
	m := NewManager(conf, stream, common.NewTestEntry(t, name))
	require.NoError(t, m.Start(context.Background()))
	return m, stream
}

func waitEvent(t *testing.T, m *Manager, typ EventType) Event {
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-m.Events():
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func invMsg(b byte) *wire.MsgInv {
	return &wire.MsgInv{InvList: []*wire.InvVect{wire.NewInvVect(wire.InvTypeBlock, chainhash.Hash{b})}}
}

func TestManagerConnect(t *testing.T) {
	a, streamA := newTestManager(t, testConfig(), "a")
	defer a.Shutdown()
	b, _ := newTestManager(t, testConfig(streamA.AdvertiseAddr()), "b")

	evB := waitEvent(t, b, PeerConnected)
	evA := waitEvent(t, a, PeerConnected)
	assert.False(t, evB.Inbound)
	assert.True(t, evA.Inbound)
	assert.Equal(t, wire.ProtocolVersion, evA.ProtocolVersion)

	peersB := b.Peers()
	require.Len(t, peersB, 1)
	assert.Equal(t, streamA.AdvertiseAddr(), peersB[0].Addr)
	assert.Equal(t, "Active", peersB[0].State)
	assert.Equal(t, "/btcnode-test/", peersB[0].UserAgent)

	assert.Equal(t, 0, b.Broadcast(invMsg(1), func(uint64) bool { return true }))
	assert.Equal(t, 1, b.Broadcast(invMsg(1), nil))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	in, err := a.NextInbound(ctx)
	require.NoError(t, err)
	assert.Equal(t, evA.PeerID, in.PeerID)
	assert.Equal(t, invMsg(1), in.Msg)

	require.NoError(t, a.SendTo(evA.PeerID, invMsg(2)))
	in, err = b.NextInbound(ctx)
	require.NoError(t, err)
	assert.Equal(t, evB.PeerID, in.PeerID)
	assert.Equal(t, invMsg(2), in.Msg)

	assert.ErrorIs(t, a.SendTo(999, invMsg(3)), ErrUnknownPeer)

	b.Shutdown()
	ev := waitEvent(t, a, PeerDisconnected)
	assert.Equal(t, evA.PeerID, ev.PeerID)
	assert.Equal(t, net.ReasonTransport, ev.Reason)
	assert.Empty(t, a.Peers())

	_, err = b.NextInbound(ctx)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestManagerPenalize(t *testing.T) {
	a, streamA := newTestManager(t, testConfig(), "a")
	defer a.Shutdown()
	b, _ := newTestManager(t, testConfig(streamA.AdvertiseAddr()), "b")
	defer b.Shutdown()

	ev := waitEvent(t, a, PeerConnected)

	assert.Equal(t, 60, a.Penalize(ev.PeerID, 60, "invalid header"))
	assert.Equal(t, 60, a.Penalty(ev.PeerID))
	info, ok := a.PeerInfo(ev.PeerID)
	require.True(t, ok)
	assert.Equal(t, 60, info.Penalty)

	a.Penalize(ev.PeerID, 60, "invalid header")
	dis := waitEvent(t, a, PeerDisconnected)
	assert.Equal(t, ev.PeerID, dis.PeerID)
	assert.Equal(t, net.ReasonPenalized, dis.Reason)
	assert.Equal(t, 0, a.Penalty(ev.PeerID))

	// the peer is not banned and reconnects with a fresh score
	again := waitEvent(t, a, PeerConnected)
	assert.NotEqual(t, ev.PeerID, again.PeerID)
	assert.Equal(t, 0, a.Penalty(again.PeerID))
}

func TestManagerOverflow(t *testing.T) {
	confA := testConfig()
	confA.InboundBuffer = 1
	confA.Peer.InboundQueueSize = 4
	a, streamA := newTestManager(t, confA, "a")
	defer a.Shutdown()
	b, _ := newTestManager(t, testConfig(streamA.AdvertiseAddr()), "b")
	defer b.Shutdown()

	ev := waitEvent(t, a, PeerConnected)
	waitEvent(t, b, PeerConnected)

	// nothing consumes the inbound messages of a
	for i := 0; i < 20; i++ {
		b.Broadcast(invMsg(byte(i)), nil)
	}

	dis := waitEvent(t, a, PeerDisconnected)
	assert.Equal(t, ev.PeerID, dis.PeerID)
	assert.Equal(t, net.ReasonOverflow, dis.Reason)
}

func TestManagerInboundLimit(t *testing.T) {
	confA := testConfig()
	confA.TargetPeers = 1
	a, streamA := newTestManager(t, confA, "a")
	defer a.Shutdown()

	b, _ := newTestManager(t, testConfig(streamA.AdvertiseAddr()), "b")
	defer b.Shutdown()
	waitEvent(t, a, PeerConnected)

	c, _ := newTestManager(t, testConfig(streamA.AdvertiseAddr()), "c")
	defer c.Shutdown()

	time.Sleep(200 * time.Millisecond)
	assert.Len(t, a.Peers(), 1)
	assert.Empty(t, c.Peers())
}

func TestManagerSeeds(t *testing.T) {
	a, streamA := newTestManager(t, testConfig(), "a")
	defer a.Shutdown()

	conf := testConfig()
	conf.Seeds = []string{"seed.test"}
	resolved := make(chan string, 1)
	conf.Resolver = func(ctx context.Context, host string) ([]string, error) {
		select {
		case resolved <- host:
		default:
		}
		return nil, nil
	}
	b, _ := newTestManager(t, conf, "b")
	defer b.Shutdown()

	select {
	case host := <-resolved:
		assert.Equal(t, "seed.test", host)
	case <-time.After(3 * time.Second):
		t.Fatal("seed not resolved")
	}

	assert.Equal(t, 1, b.AddCandidates([]string{streamA.AdvertiseAddr()}))
	assert.Equal(t, 0, b.AddCandidates([]string{streamA.AdvertiseAddr()}))
	waitEvent(t, b, PeerConnected)
}

func TestManagerAddressBookPersistence(t *testing.T) {
	dir := t.TempDir()

	a, streamA := newTestManager(t, testConfig(), "a")
	defer a.Shutdown()

	conf := testConfig(streamA.AdvertiseAddr())
	conf.DataDir = dir
	b, _ := newTestManager(t, conf, "b")
	waitEvent(t, b, PeerConnected)
	b.Shutdown()

	addrs, err := NewJSONPeers(dir).Read()
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, streamA.AdvertiseAddr(), addrs[0].NetAddr)
	assert.Equal(t, wire.SFNodeNetwork, addrs[0].Services)

	// a restarted manager dials the saved address without configuration
	conf2 := testConfig()
	conf2.DataDir = dir
	b2, _ := newTestManager(t, conf2, "b2")
	defer b2.Shutdown()
	waitEvent(t, b2, PeerConnected)
}
