package btcnode

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mosaicnetworks/btcnode/src/chain"
	"github.com/mosaicnetworks/btcnode/src/common"
	"github.com/mosaicnetworks/btcnode/src/config"
	btcnet "github.com/mosaicnetworks/btcnode/src/net"
	"github.com/mosaicnetworks/btcnode/src/node"
	"github.com/mosaicnetworks/btcnode/src/wire"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seededStore returns an in-memory store holding n blocks on top of the
// regtest genesis.
func seededStore(t *testing.T, n int) (chain.Store, []*wire.MsgBlock) {
	params, err := chain.ParamsForNetwork("regtest")
	require.NoError(t, err)

	store := chain.NewInmemStore()
	c, err := chain.NewChain(store, params, 100, common.NewTestEntry(t, "seed"))
	require.NoError(t, err)

	blocks := chain.NewTestBlocks(&params.Genesis.Header, n, 1)
	for _, b := range blocks {
		_, err := c.AppendBlock(b)
		require.NoError(t, err)
	}
	return store, blocks
}

func newTestEngine(t *testing.T, store chain.Store, connect ...string) *BTCNode {
	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.Connect = connect

	engine := NewBTCNode(conf)
	engine.Store = store
	engine.Stream = btcnet.NewInmemStreamLayer("")
	require.NoError(t, engine.Init())
	return engine
}

func runEngine(t *testing.T, engine *BTCNode) chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.Run(context.Background())
	}()
	return errCh
}

func TestEnginesSync(t *testing.T) {
	store, blocks := seededStore(t, 5)

	server := newTestEngine(t, store)
	serverErr := runEngine(t, server)

	client := newTestEngine(t, nil, server.Stream.AdvertiseAddr())
	clientErr := runEngine(t, client)

	tip := blocks[len(blocks)-1].BlockHash()

	require.Eventually(t, func() bool {
		return client.Node.State() == node.Synced && client.Chain.BestTip().Hash == tip
	}, 10*time.Second, 20*time.Millisecond)

	for _, b := range blocks {
		assert.True(t, client.Chain.HasBlock(b.BlockHash()), "block %s", b.BlockHash())
	}
	assert.Equal(t, "5", client.Node.GetStats()["blocks_accepted"])
	assert.Len(t, client.Peers.Peers(), 1)

	client.Shutdown()
	server.Shutdown()

	assert.NoError(t, <-clientErr)
	assert.NoError(t, <-serverErr)
	assert.Equal(t, node.Shutdown, client.Node.State())
}

func TestEngineContextCancel(t *testing.T) {
	engine := newTestEngine(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.Run(ctx)
	}()

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// A second Shutdown is a no-op.
	engine.Shutdown()
}

func TestEngineBadgerReopen(t *testing.T) {
	dir := t.TempDir()

	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.Store = true
	conf.SetDataDir(dir)
	conf.DatabaseDir = dir + "/db"

	engine := NewBTCNode(conf)
	engine.Stream = btcnet.NewInmemStreamLayer("")
	require.NoError(t, engine.Init())

	blocks := chain.NewTestBlocks(&engine.Params.Genesis.Header, 3, 1)
	for _, b := range blocks {
		_, err := engine.Chain.AppendBlock(b)
		require.NoError(t, err)
	}
	engine.Shutdown()

	reopened := NewBTCNode(conf)
	reopened.Stream = btcnet.NewInmemStreamLayer("")
	require.NoError(t, reopened.Init())
	defer reopened.Shutdown()

	assert.Equal(t, blocks[2].BlockHash(), reopened.Chain.BestTip().Hash)
	assert.EqualValues(t, 3, reopened.Chain.BestTip().Height)
	assert.True(t, reopened.Chain.HasBlock(blocks[1].BlockHash()))
}

func TestEngineDefaultStore(t *testing.T) {
	dir := t.TempDir()

	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.Store = config.DefaultStore
	conf.DatabaseDir = filepath.Join(dir, config.DefaultBadgerFile)

	engine := NewBTCNode(conf)
	engine.Stream = btcnet.NewInmemStreamLayer("")
	require.NoError(t, engine.Init())
	defer engine.Shutdown()

	assert.IsType(t, &chain.BadgerStore{}, engine.Store)
	assert.DirExists(t, conf.DatabaseDir)
}

func TestEngineConfigs(t *testing.T) {
	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.ClientOnly = true
	conf.BlocksSince = 1231006505

	engine := NewBTCNode(conf)
	engine.Stream = btcnet.NewInmemStreamLayer("")
	require.NoError(t, engine.Init())
	defer engine.Shutdown()

	pc := engine.PeerConfig()
	assert.Equal(t, wire.ServiceFlag(0), pc.Services)
	assert.Equal(t, engine.Params.Net, pc.Codec.Net)
	assert.EqualValues(t, 0, pc.BestHeight())

	mc, err := engine.ManagerConfig()
	require.NoError(t, err)
	assert.EqualValues(t, 18444, mc.DefaultPort)
	assert.True(t, mc.ClientOnly)

	nc := engine.NodeConfig()
	assert.True(t, nc.ClientOnly)
	assert.EqualValues(t, 1231006505, nc.BlocksSince)
}

func TestEngineUnknownNetwork(t *testing.T) {
	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.Network = "nonet"

	engine := NewBTCNode(conf)
	assert.Error(t, engine.Init())
	engine.Shutdown()
}
