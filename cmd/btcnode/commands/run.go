package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mosaicnetworks/btcnode/src/btcnode"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

//NewRunCmd returns the command that starts a btcnode
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runNode,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runNode(cmd *cobra.Command, args []string) error {
	engine := btcnode.NewBTCNode(&_config.Node)

	if err := engine.Init(); err != nil {
		_config.Node.Logger().WithError(err).Error("Cannot initialize engine")
		engine.Shutdown()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return engine.Run(ctx)
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.Node.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.Node.LogLevel, "trace, debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.Node.LogFile, "Also write JSON logs to this file (relative to datadir)")

	// Network
	cmd.Flags().StringP("network", "n", _config.Node.Network, "mainnet, testnet3, regtest, signet or simnet")
	cmd.Flags().StringSlice("seed", _config.Node.Seeds, "DNS seed or host[:port] (repeatable, defaults to the network seeds)")
	cmd.Flags().StringSliceP("connect", "c", _config.Node.Connect, "host:port to dial without resolution (repeatable)")
	cmd.Flags().StringP("listen", "l", _config.Node.BindAddr, "Listen IP:Port for peer connections")
	cmd.Flags().StringP("advertise", "a", _config.Node.AdvertiseAddr, "Advertise IP:Port for peer connections")
	cmd.Flags().Int("target-peers", _config.Node.TargetPeers, "Number of outbound peers to maintain")
	cmd.Flags().Bool("client-only", _config.Node.ClientOnly, "Do not listen, serve or relay")
	cmd.Flags().Duration("dial-timeout", _config.Node.DialTimeout, "Outbound connection timeout")
	cmd.Flags().Duration("retry-backoff", _config.Node.RetryBackoff, "First delay before redialing a failed address")
	cmd.Flags().Duration("max-retry-backoff", _config.Node.MaxRetryBackoff, "Maximum delay before redialing a failed address")
	cmd.Flags().Int("max-penalty", _config.Node.MaxPenalty, "Misbehaviour score at which a peer is dropped")

	// Protocol
	cmd.Flags().Uint32("protocol-version", _config.Node.ProtocolVersion, "Protocol version announced to peers")
	cmd.Flags().Uint32("min-protocol-version", _config.Node.MinProtocolVersion, "Lowest protocol version accepted from peers")
	cmd.Flags().String("user-agent", _config.Node.UserAgent, "User agent announced to peers")
	cmd.Flags().Duration("handshake-timeout", _config.Node.HandshakeTimeout, "Version handshake timeout")
	cmd.Flags().Duration("ping-interval", _config.Node.PingInterval, "Time between keep-alive pings")
	cmd.Flags().Duration("ping-timeout", _config.Node.PingTimeout, "Time allowed for a pong")
	cmd.Flags().Int("inbound-buffer", _config.Node.InboundBuffer, "Messages buffered per peer before it is dropped")
	cmd.Flags().Uint32("max-payload", _config.Node.MaxPayload, "Largest accepted message payload in bytes")

	// Service
	cmd.Flags().StringP("service-listen", "s", _config.Node.ServiceAddr, "Listen IP:Port for HTTP service")
	cmd.Flags().Bool("no-service", _config.Node.NoService, "Disable the HTTP service")

	// Store
	cmd.Flags().Bool("store", _config.Node.Store, "Persist the chain in badgerDB (--store=false keeps it in memory)")
	cmd.Flags().String("db", _config.Node.DatabaseDir, "Dabatabase directory")
	cmd.Flags().Int("cache-size", _config.Node.CacheSize, "Number of chain entries in the LRU cache")

	// Sync
	cmd.Flags().Duration("block-timeout", _config.Node.BlockTimeout, "Time allowed for a block request")
	cmd.Flags().Duration("headers-timeout", _config.Node.HeadersTimeout, "Time allowed for a getheaders round trip")
	cmd.Flags().Duration("resync-interval", _config.Node.ResyncInterval, "Idle time after which a synced node asks for headers (0 disables)")
	cmd.Flags().Int("max-block-retries", _config.Node.MaxBlockRetries, "Reassignments before a block is marked stalled")
	cmd.Flags().Int("max-inflight-per-peer", _config.Node.MaxInFlightPerPeer, "Block requests outstanding at one peer")
	cmd.Flags().Int64("blocks-since", _config.Node.BlocksSince, "Unix time; blocks of older headers are not downloaded")
	cmd.Flags().Duration("stats-interval", _config.Node.StatsInterval, "Period of the stats log line (0 disables)")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.Node.SetDataDir(_config.Node.DataDir)

	logFields := logrus.Fields{
		"DataDir":       _config.Node.DataDir,
		"Network":       _config.Node.Network,
		"Seeds":         _config.Node.Seeds,
		"Connect":       _config.Node.Connect,
		"BindAddr":      _config.Node.BindAddr,
		"AdvertiseAddr": _config.Node.AdvertiseAddr,
		"TargetPeers":   _config.Node.TargetPeers,
		"ClientOnly":    _config.Node.ClientOnly,
		"ServiceAddr":   _config.Node.ServiceAddr,
		"NoService":     _config.Node.NoService,
		"Store":         _config.Node.Store,
		"LogLevel":      _config.Node.LogLevel,
		"LogFile":       _config.Node.LogFilePath(),
		"BlockTimeout":  _config.Node.BlockTimeout,
		"CacheSize":     _config.Node.CacheSize,
		"BlocksSince":   _config.Node.BlocksSince,
	}

	if _config.Node.Store {
		logFields["DatabaseDir"] = _config.Node.DatabaseDir
	}

	_config.Node.Logger().WithFields(logFields).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/btcnode.toml (.json, .yaml also work)
	viper.SetConfigName("btcnode")            // name of config file (without extension)
	viper.AddConfigPath(_config.Node.DataDir) // search root directory

	// If a config file is found, read it in. The logger is only created after
	// the second unmarshal so that it picks up log settings from the file.
	configFile := ""
	if err := viper.ReadInConfig(); err == nil {
		configFile = viper.ConfigFileUsed()
	} else if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
		return err
	}

	// second unmarshal to read from config file
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	if configFile != "" {
		_config.Node.Logger().Debugf("Using config file: %s", configFile)
	} else {
		_config.Node.Logger().Debugf("No config file found in: %s", _config.Node.DataDir)
	}

	return nil
}
