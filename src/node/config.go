package node

import (
	"testing"
	"time"

	"github.com/mosaicnetworks/btcnode/src/common"
	"github.com/sirupsen/logrus"
)

// Config contains the parameters of the synchronisation state machine.
type Config struct {
	// ClientOnly nodes neither serve data nor announce blocks.
	ClientOnly bool

	// BlockTimeout bounds a single block request.
	BlockTimeout time.Duration

	// HeadersTimeout bounds a getheaders round trip.
	HeadersTimeout time.Duration

	// ResyncInterval is the idle time in Synced after which headers are
	// requested again. Zero disables it.
	ResyncInterval time.Duration

	// MaxBlockRetries is the number of times a block request is reassigned
	// before the block is marked stalled.
	MaxBlockRetries int

	// MaxInFlightPerPeer bounds the block requests outstanding at one peer.
	MaxInFlightPerPeer int

	// BlocksSince skips the blocks of headers with an older timestamp.
	BlocksSince uint32

	// StatsInterval is the period of the stats log line. Zero disables it.
	StatsInterval time.Duration
}

// DefaultConfig ...
func DefaultConfig() *Config {
	return &Config{
		BlockTimeout:       20 * time.Second,
		HeadersTimeout:     30 * time.Second,
		ResyncInterval:     10 * time.Minute,
		MaxBlockRetries:    3,
		MaxInFlightPerPeer: 16,
		StatsInterval:      time.Minute,
	}
}

// TestConfig returns a configuration with short timeouts and a logger writing
// to t.
func TestConfig(t testing.TB) (*Config, *logrus.Entry) {
	conf := DefaultConfig()
	conf.BlockTimeout = 200 * time.Millisecond
	conf.HeadersTimeout = 500 * time.Millisecond
	conf.ResyncInterval = 0
	conf.StatsInterval = 0
	return conf, common.NewTestEntry(t, "node")
}
