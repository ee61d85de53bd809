package chain

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mosaicnetworks/btcnode/src/common"
	"github.com/mosaicnetworks/btcnode/src/wire"
)

// InmemStore implements the Store interface with maps. It is used in tests and
// when persistence is disabled.
type InmemStore struct {
	sync.RWMutex
	entries map[chainhash.Hash]*Entry
	blocks  map[chainhash.Hash]*wire.MsgBlock
	txs     map[chainhash.Hash]*wire.MsgTx
	tip     *chainhash.Hash
}

// NewInmemStore ...
func NewInmemStore() *InmemStore {
	return &InmemStore{
		entries: make(map[chainhash.Hash]*Entry),
		blocks:  make(map[chainhash.Hash]*wire.MsgBlock),
		txs:     make(map[chainhash.Hash]*wire.MsgTx),
	}
}

// GetEntry implements the Store interface.
func (s *InmemStore) GetEntry(hash chainhash.Hash) (*Entry, error) {
	s.RLock()
	defer s.RUnlock()
	e, ok := s.entries[hash]
	if !ok {
		return nil, common.NewStoreErr("Entry", common.KeyNotFound, hash.String())
	}
	return e, nil
}

// CommitEntry implements the Store interface.
func (s *InmemStore) CommitEntry(e *Entry, setTip bool) error {
	s.Lock()
	defer s.Unlock()
	s.entries[e.Hash] = e
	if setTip {
		h := e.Hash
		s.tip = &h
	}
	return nil
}

// Tip implements the Store interface.
func (s *InmemStore) Tip() (chainhash.Hash, error) {
	s.RLock()
	defer s.RUnlock()
	if s.tip == nil {
		return chainhash.Hash{}, common.NewStoreErr("Tip", common.Empty, "")
	}
	return *s.tip, nil
}

// GetBlock implements the Store interface.
func (s *InmemStore) GetBlock(hash chainhash.Hash) (*wire.MsgBlock, error) {
	s.RLock()
	defer s.RUnlock()
	b, ok := s.blocks[hash]
	if !ok {
		return nil, common.NewStoreErr("Block", common.KeyNotFound, hash.String())
	}
	return b, nil
}

// HasBlock implements the Store interface.
func (s *InmemStore) HasBlock(hash chainhash.Hash) (bool, error) {
	s.RLock()
	defer s.RUnlock()
	_, ok := s.blocks[hash]
	return ok, nil
}

// PutBlock implements the Store interface.
func (s *InmemStore) PutBlock(b *wire.MsgBlock) error {
	s.Lock()
	defer s.Unlock()
	s.blocks[b.BlockHash()] = b
	return nil
}

// GetTx implements the Store interface.
func (s *InmemStore) GetTx(hash chainhash.Hash) (*wire.MsgTx, error) {
	s.RLock()
	defer s.RUnlock()
	tx, ok := s.txs[hash]
	if !ok {
		return nil, common.NewStoreErr("Tx", common.KeyNotFound, hash.String())
	}
	return tx, nil
}

// HasTx implements the Store interface.
func (s *InmemStore) HasTx(hash chainhash.Hash) (bool, error) {
	s.RLock()
	defer s.RUnlock()
	_, ok := s.txs[hash]
	return ok, nil
}

// PutTx implements the Store interface.
func (s *InmemStore) PutTx(tx *wire.MsgTx) error {
	s.Lock()
	defer s.Unlock()
	s.txs[tx.TxHash()] = tx
	return nil
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	return nil
}

// StorePath implements the Store interface.
func (s *InmemStore) StorePath() string {
	return ""
}
