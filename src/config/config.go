package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/mosaicnetworks/btcnode/src/common"
	"github.com/mosaicnetworks/btcnode/src/version"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultBadgerFile is the default name of the folder containing the Badger
	// database
	DefaultBadgerFile = "badger_db"

	// DefaultLogFile is the default name of the JSON log file when file
	// logging is enabled without an explicit path.
	DefaultLogFile = "btcnode.log"
)

// Default configuration values.
const (
	DefaultLogLevel           = "info"
	DefaultNetwork            = "mainnet"
	DefaultServiceAddr        = "127.0.0.1:8000"
	DefaultProtocolVersion    = 70015
	DefaultMinProtocolVersion = 70001
	DefaultTargetPeers        = 8
	DefaultClientOnly         = false
	DefaultStore              = true
	DefaultCacheSize          = 10000
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultPingInterval       = 2 * time.Minute
	DefaultPingTimeout        = 30 * time.Second
	DefaultBlockTimeout       = 20 * time.Second
	DefaultHeadersTimeout     = 30 * time.Second
	DefaultResyncInterval     = 10 * time.Minute
	DefaultMaxBlockRetries    = 3
	DefaultMaxInFlightPerPeer = 16
	DefaultInboundBuffer      = 1024
	DefaultMaxPayload         = 32 * 1024 * 1024
	DefaultDialTimeout        = 10 * time.Second
	DefaultRetryBackoff       = 5 * time.Second
	DefaultMaxRetryBackoff    = 10 * time.Minute
	DefaultMaxPenalty         = 100
	DefaultStatsInterval      = time.Minute
	DefaultLogBuffer          = 4096
	DefaultWriteTimeout       = 2 * time.Minute
	DefaultSendQueueSize      = 256
)

// Config contains all the configuration properties of a btcnode.
type Config struct {
	// DataDir is the top-level directory containing the database, the
	// address book (peers.json) and the log file.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, receives a JSON copy of every log entry.
	LogFile string `mapstructure:"log-file"`

	// Network selects the chain parameters: mainnet, testnet3, regtest,
	// signet or simnet.
	Network string `mapstructure:"network"`

	// Seeds are DNS seeds or literal host:port addresses. Empty means the
	// network's default DNS seeds.
	Seeds []string `mapstructure:"seed"`

	// Connect lists addresses dialed without resolution.
	Connect []string `mapstructure:"connect"`

	// ProtocolVersion is the version announced to peers.
	ProtocolVersion uint32 `mapstructure:"protocol-version"`

	// MinProtocolVersion is the lowest remote version accepted.
	MinProtocolVersion uint32 `mapstructure:"min-protocol-version"`

	// BindAddr is the local address:port where this node accepts
	// connections. Empty means all interfaces on the network's default port.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is the address announced to peers, when different from
	// BindAddr.
	AdvertiseAddr string `mapstructure:"advertise"`

	// TargetPeers is the number of outbound connections maintained.
	TargetPeers int `mapstructure:"target-peers"`

	// ClientOnly nodes do not listen, serve data or relay blocks.
	ClientOnly bool `mapstructure:"client-only"`

	// Store selects the badger database at DatabaseDir. When false the chain
	// lives in memory and is lost on exit.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing the database files.
	DatabaseDir string `mapstructure:"db"`

	// CacheSize is the number of chain entries kept in memory.
	CacheSize int `mapstructure:"cache-size"`

	// HandshakeTimeout bounds the version/verack exchange.
	HandshakeTimeout time.Duration `mapstructure:"handshake-timeout"`

	// PingInterval is the time between keep-alive pings.
	PingInterval time.Duration `mapstructure:"ping-interval"`

	// PingTimeout is how long a pong may take.
	PingTimeout time.Duration `mapstructure:"ping-timeout"`

	// BlockTimeout bounds a single block request.
	BlockTimeout time.Duration `mapstructure:"block-timeout"`

	// HeadersTimeout bounds a getheaders round trip.
	HeadersTimeout time.Duration `mapstructure:"headers-timeout"`

	// ResyncInterval is the idle time after which a synced node asks for
	// headers again. Zero disables it.
	ResyncInterval time.Duration `mapstructure:"resync-interval"`

	// MaxBlockRetries is the number of reassignments before a block is
	// marked stalled.
	MaxBlockRetries int `mapstructure:"max-block-retries"`

	// MaxInFlightPerPeer bounds the block requests outstanding at one peer.
	MaxInFlightPerPeer int `mapstructure:"max-inflight-per-peer"`

	// InboundBuffer is the capacity of each peer's inbound queue.
	InboundBuffer int `mapstructure:"inbound-buffer"`

	// MaxPayload bounds the declared length of a message payload.
	MaxPayload uint32 `mapstructure:"max-payload"`

	// BlocksSince is a unix timestamp. Blocks of older headers are not
	// downloaded.
	BlocksSince int64 `mapstructure:"blocks-since"`

	// UserAgent is announced in the version message.
	UserAgent string `mapstructure:"user-agent"`

	// ServiceAddr is the address:port of the optional HTTP service.
	ServiceAddr string `mapstructure:"service-listen"`

	// NoService disables the HTTP service.
	NoService bool `mapstructure:"no-service"`

	// DialTimeout bounds an outbound connection attempt.
	DialTimeout time.Duration `mapstructure:"dial-timeout"`

	// RetryBackoff is the first delay before redialing a failed address.
	RetryBackoff time.Duration `mapstructure:"retry-backoff"`

	// MaxRetryBackoff caps the redial delay.
	MaxRetryBackoff time.Duration `mapstructure:"max-retry-backoff"`

	// MaxPenalty is the misbehaviour score at which a peer is dropped.
	MaxPenalty int `mapstructure:"max-penalty"`

	// StatsInterval is the period of the stats log line.
	StatsInterval time.Duration `mapstructure:"stats-interval"`

	logger  *logrus.Logger
	logHook *AsyncHook
}

// NewDefaultConfig returns the a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:            DefaultDataDir(),
		LogLevel:           DefaultLogLevel,
		Network:            DefaultNetwork,
		ProtocolVersion:    DefaultProtocolVersion,
		MinProtocolVersion: DefaultMinProtocolVersion,
		TargetPeers:        DefaultTargetPeers,
		ClientOnly:         DefaultClientOnly,
		Store:              DefaultStore,
		DatabaseDir:        DefaultDatabaseDir(),
		CacheSize:          DefaultCacheSize,
		HandshakeTimeout:   DefaultHandshakeTimeout,
		PingInterval:       DefaultPingInterval,
		PingTimeout:        DefaultPingTimeout,
		BlockTimeout:       DefaultBlockTimeout,
		HeadersTimeout:     DefaultHeadersTimeout,
		ResyncInterval:     DefaultResyncInterval,
		MaxBlockRetries:    DefaultMaxBlockRetries,
		MaxInFlightPerPeer: DefaultMaxInFlightPerPeer,
		InboundBuffer:      DefaultInboundBuffer,
		MaxPayload:         DefaultMaxPayload,
		UserAgent:          version.UserAgent(),
		ServiceAddr:        DefaultServiceAddr,
		DialTimeout:        DefaultDialTimeout,
		RetryBackoff:       DefaultRetryBackoff,
		MaxRetryBackoff:    DefaultMaxRetryBackoff,
		MaxPenalty:         DefaultMaxPenalty,
		StatsInterval:      DefaultStatsInterval,
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger. the logger forces formatting and colors even when there is no tty
// attached, which makes for more readable logs. The logger also provides info
// about the calling function.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.Network = "regtest"
	config.DataDir = ""
	config.DatabaseDir = ""
	config.Store = false
	config.NoService = true
	config.StatsInterval = 0
	config.HandshakeTimeout = time.Second
	config.BlockTimeout = 200 * time.Millisecond
	config.HeadersTimeout = 500 * time.Millisecond
	config.ResyncInterval = 0
	config.DialTimeout = time.Second
	config.RetryBackoff = 50 * time.Millisecond
	config.MaxRetryBackoff = 500 * time.Millisecond
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level data directory, and updates the location of
// the database directory if it is currently set to the default value.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// LogFilePath returns the absolute path of the JSON log file, or an empty
// string when file logging is disabled. Relative paths are taken from DataDir.
func (c *Config) LogFilePath() string {
	if c.LogFile == "" {
		return ""
	}
	if filepath.IsAbs(c.LogFile) || c.DataDir == "" {
		return c.LogFile
	}
	return filepath.Join(c.DataDir, c.LogFile)
}

// Logger returns a formatted logrus Entry, with prefix set to "btcnode". When
// LogFile is set, entries are also written to it as JSON by a background
// hook.
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if path := c.LogFilePath(); path != "" {
			if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
				c.logger.WithError(err).Warn("Cannot create log directory")
			} else {
				c.logHook = NewFileHook(path, DefaultLogBuffer)
				c.logger.AddHook(c.logHook)
			}
		}
	}
	return c.logger.WithField("prefix", "btcnode")
}

// CloseLogger flushes and detaches the file hook, if any.
func (c *Config) CloseLogger() {
	if c.logHook != nil {
		c.logHook.Close()
		c.logHook = nil
	}
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir return the default directory name for top-level btcnode
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".BTCNode")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "BTCNode")
		} else {
			return filepath.Join(home, ".btcnode")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
