package btcnode

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/mosaicnetworks/btcnode/src/chain"
	"github.com/mosaicnetworks/btcnode/src/config"
	btcnet "github.com/mosaicnetworks/btcnode/src/net"
	"github.com/mosaicnetworks/btcnode/src/node"
	"github.com/mosaicnetworks/btcnode/src/peers"
	"github.com/mosaicnetworks/btcnode/src/service"
	"github.com/mosaicnetworks/btcnode/src/wire"
	"github.com/sirupsen/logrus"
)

// BTCNode is the top-level object. It wires the chain store, the peer
// manager, the sync coordinator and the optional HTTP service together from a
// Config.
type BTCNode struct {
	Config  *config.Config
	Params  *chain.Params
	Store   chain.Store
	Chain   *chain.Chain
	Stream  btcnet.StreamLayer
	Peers   *peers.Manager
	Node    *node.Node
	Service *service.Service

	logger       *logrus.Entry
	mtx          sync.Mutex
	runDone      chan struct{}
	shutdownOnce sync.Once
}

// NewBTCNode instantiates a new BTCNode from a Config. Store and Stream may be
// set before Init to bypass their creation from the Config.
func NewBTCNode(conf *config.Config) *BTCNode {
	engine := &BTCNode{
		Config: conf,
	}

	return engine
}

func (b *BTCNode) initParams() error {
	params, err := chain.ParamsForNetwork(b.Config.Network)
	if err != nil {
		return err
	}

	b.Params = params

	return nil
}

func (b *BTCNode) initStore() error {
	if b.Store != nil {
		return nil
	}

	if !b.Config.Store {
		b.Store = chain.NewInmemStore()

		b.logger.Debug("created new in-mem store")
	} else {
		var err error

		b.logger.WithField("path", b.Config.DatabaseDir).Debug("Attempting to load or create database")

		b.Store, err = chain.NewBadgerStore(b.Config.DatabaseDir)

		if err != nil {
			return err
		}
	}

	return nil
}

func (b *BTCNode) initChain() error {
	c, err := chain.NewChain(b.Store, b.Params, b.Config.CacheSize, b.logger.WithField("prefix", "chain"))
	if err != nil {
		return err
	}

	tip := c.BestTip()
	b.logger.WithFields(logrus.Fields{
		"network": b.Params.Name,
		"tip":     tip.Hash,
		"height":  tip.Height,
	}).Info("Loaded chain")

	b.Chain = c

	return nil
}

func (b *BTCNode) initStream() error {
	if b.Stream != nil {
		return nil
	}

	if b.Config.ClientOnly {
		b.Stream = btcnet.NewTCPDialer()
		return nil
	}

	bindAddr := b.Config.BindAddr
	if bindAddr == "" {
		bindAddr = net.JoinHostPort("", b.Params.DefaultPort)
	}

	stream, err := btcnet.NewTCPStreamLayer(bindAddr, b.Config.AdvertiseAddr)
	if err != nil {
		return err
	}

	b.Stream = stream

	return nil
}

// PeerConfig returns the configuration shared by every connection.
func (b *BTCNode) PeerConfig() *btcnet.PeerConfig {
	services := wire.SFNodeNetwork
	if b.Config.ClientOnly {
		services = 0
	}

	return &btcnet.PeerConfig{
		Codec:              wire.NewCodec(b.Params.Net, b.Config.ProtocolVersion, b.Config.MaxPayload),
		ProtocolVersion:    b.Config.ProtocolVersion,
		MinProtocolVersion: b.Config.MinProtocolVersion,
		Services:           services,
		UserAgent:          b.Config.UserAgent,
		BestHeight:         func() int32 { return b.Chain.BestTip().Height },
		Nonces:             btcnet.NewNonceSet(),
		HandshakeTimeout:   b.Config.HandshakeTimeout,
		PingInterval:       b.Config.PingInterval,
		PingTimeout:        b.Config.PingTimeout,
		WriteTimeout:       config.DefaultWriteTimeout,
		SendQueueSize:      config.DefaultSendQueueSize,
		InboundQueueSize:   b.Config.InboundBuffer,
	}
}

// ManagerConfig returns the configuration of the peer manager. Without
// explicit seeds or addresses, the network's DNS seeds are used.
func (b *BTCNode) ManagerConfig() (*peers.Config, error) {
	port, err := strconv.ParseUint(b.Params.DefaultPort, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid default port %q: %v", b.Params.DefaultPort, err)
	}

	seeds := b.Config.Seeds
	if len(seeds) == 0 && len(b.Config.Connect) == 0 {
		seeds = b.Params.DNSSeeds
	}

	return &peers.Config{
		Peer:            b.PeerConfig(),
		Seeds:           seeds,
		Addresses:       b.Config.Connect,
		DefaultPort:     uint16(port),
		TargetPeers:     b.Config.TargetPeers,
		ClientOnly:      b.Config.ClientOnly,
		DialTimeout:     b.Config.DialTimeout,
		RetryBackoff:    b.Config.RetryBackoff,
		MaxRetryBackoff: b.Config.MaxRetryBackoff,
		MaxPenalty:      b.Config.MaxPenalty,
		InboundBuffer:   b.Config.InboundBuffer,
		DataDir:         b.Config.DataDir,
	}, nil
}

// NodeConfig returns the configuration of the sync coordinator.
func (b *BTCNode) NodeConfig() *node.Config {
	var since uint32
	if b.Config.BlocksSince > 0 {
		since = uint32(b.Config.BlocksSince)
	}

	return &node.Config{
		ClientOnly:         b.Config.ClientOnly,
		BlockTimeout:       b.Config.BlockTimeout,
		HeadersTimeout:     b.Config.HeadersTimeout,
		ResyncInterval:     b.Config.ResyncInterval,
		MaxBlockRetries:    b.Config.MaxBlockRetries,
		MaxInFlightPerPeer: b.Config.MaxInFlightPerPeer,
		BlocksSince:        since,
		StatsInterval:      b.Config.StatsInterval,
	}
}

func (b *BTCNode) initPeers() error {
	conf, err := b.ManagerConfig()
	if err != nil {
		return err
	}

	b.Peers = peers.NewManager(conf, b.Stream, b.logger.WithField("prefix", "peers"))

	return nil
}

func (b *BTCNode) initNode() error {
	b.Node = node.NewNode(b.NodeConfig(), b.Chain, b.Peers, b.logger.WithField("prefix", "node"))

	return nil
}

func (b *BTCNode) initService() error {
	if !b.Config.NoService && b.Config.ServiceAddr != "" {
		b.Service = service.NewService(b.Config.ServiceAddr, b.Node, b.Chain, b.Peers, b.logger.WithField("prefix", "service"))
	}
	return nil
}

// Init initialises the components in dependency order.
func (b *BTCNode) Init() error {
	b.logger = b.Config.Logger()

	if err := b.initParams(); err != nil {
		return err
	}

	if err := b.initStore(); err != nil {
		return err
	}

	if err := b.initChain(); err != nil {
		return err
	}

	if err := b.initStream(); err != nil {
		return err
	}

	if err := b.initPeers(); err != nil {
		return err
	}

	if err := b.initNode(); err != nil {
		return err
	}

	if err := b.initService(); err != nil {
		return err
	}

	return nil
}

// Run starts the peer manager and the service, and blocks in the sync loop
// until ctx is done, Shutdown is called, or the chain store fails. Everything
// is shut down before Run returns.
func (b *BTCNode) Run(ctx context.Context) error {
	done := make(chan struct{})
	b.mtx.Lock()
	b.runDone = done
	b.mtx.Unlock()

	if b.Service != nil {
		go func() {
			if err := b.Service.Serve(); err != nil {
				b.logger.WithError(err).Error("API service stopped")
			}
		}()
	}

	if err := b.Peers.Start(ctx); err != nil {
		close(done)
		b.Shutdown()
		return err
	}

	err := b.Node.Run(ctx)
	close(done)
	b.Shutdown()

	return err
}

// Shutdown stops every component and closes the store. It is safe to call
// more than once.
func (b *BTCNode) Shutdown() {
	b.shutdownOnce.Do(func() {
		if b.logger == nil {
			b.logger = b.Config.Logger()
		}
		b.logger.Info("Shutting down")

		if b.Node != nil {
			b.Node.Shutdown()

			b.mtx.Lock()
			done := b.runDone
			b.mtx.Unlock()
			if done != nil {
				<-done
			}
		}

		if b.Service != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := b.Service.Shutdown(ctx); err != nil {
				b.logger.WithError(err).Warn("API service shutdown")
			}
			cancel()
		}

		if b.Peers != nil {
			b.Peers.Shutdown()
		} else if b.Stream != nil {
			b.Stream.Close()
		}

		if b.Chain != nil {
			if err := b.Chain.Close(); err != nil {
				b.logger.WithError(err).Error("Closing chain store")
			}
		} else if b.Store != nil {
			b.Store.Close()
		}

		b.Config.CloseLogger()
	})
}
