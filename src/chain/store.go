package chain

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mosaicnetworks/btcnode/src/wire"
)

// Store provides persistence for the chain. Lookups of absent keys return a
// common.StoreErr of type KeyNotFound.
type Store interface {
	// GetEntry returns the header entry with the given hash.
	GetEntry(chainhash.Hash) (*Entry, error)
	// CommitEntry stores an entry and, when setTip is true, makes it the tip
	// in the same atomic write.
	CommitEntry(e *Entry, setTip bool) error
	// Tip returns the hash of the current tip, or an Empty StoreErr.
	Tip() (chainhash.Hash, error)
	// GetBlock returns the block with the given hash.
	GetBlock(chainhash.Hash) (*wire.MsgBlock, error)
	// HasBlock returns true if the block is stored.
	HasBlock(chainhash.Hash) (bool, error)
	// PutBlock stores a block.
	PutBlock(*wire.MsgBlock) error
	// GetTx returns the transaction with the given hash.
	GetTx(chainhash.Hash) (*wire.MsgTx, error)
	// HasTx returns true if the transaction is stored.
	HasTx(chainhash.Hash) (bool, error)
	// PutTx stores a transaction.
	PutTx(*wire.MsgTx) error
	// Close flushes pending writes and releases resources.
	Close() error
	// StorePath returns the location of the database, if any.
	StorePath() string
}
