package chain

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dgraph-io/badger/v4"
	cm "github.com/mosaicnetworks/btcnode/src/common"
	"github.com/mosaicnetworks/btcnode/src/wire"
)

const (
	entryPrefix = "entry"
	blockPrefix = "block"
	txPrefix    = "tx"
	tipKey      = "tip"
)

// BadgerStore implements the Store interface on top of a Badger database.
// Writes are synced to disk before they return.
type BadgerStore struct {
	db   *badger.DB
	path string
}

// NewBadgerStore opens the database at path, creating it if needed.
func NewBadgerStore(path string) (*BadgerStore, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}
	opts := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithLogger(nil)
	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{
		db:   handle,
		path: path,
	}, nil
}

//==============================================================================
//Keys

func entryKey(hash chainhash.Hash) []byte {
	return []byte(fmt.Sprintf("%s_%s", entryPrefix, hash))
}

func blockKey(hash chainhash.Hash) []byte {
	return []byte(fmt.Sprintf("%s_%s", blockPrefix, hash))
}

func txKey(hash chainhash.Hash) []byte {
	return []byte(fmt.Sprintf("%s_%s", txPrefix, hash))
}

//==============================================================================
//Implement the Store interface

// GetEntry implements the Store interface.
func (s *BadgerStore) GetEntry(hash chainhash.Hash) (*Entry, error) {
	val, err := s.dbGet(entryKey(hash))
	if err != nil {
		return nil, mapError(err, "Entry", hash.String())
	}
	entry := new(Entry)
	if err := entry.Unmarshal(val); err != nil {
		return nil, cm.NewStoreErr("Entry", cm.Corrupted, hash.String())
	}
	return entry, nil
}

// CommitEntry implements the Store interface.
func (s *BadgerStore) CommitEntry(e *Entry, setTip bool) error {
	val, err := e.Marshal()
	if err != nil {
		return err
	}

	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	//insert [entry_hash] => [entry record]
	if err := tx.Set(entryKey(e.Hash), val); err != nil {
		return err
	}
	if setTip {
		//insert [tip] => [hash]
		if err := tx.Set([]byte(tipKey), e.Hash[:]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Tip implements the Store interface.
func (s *BadgerStore) Tip() (chainhash.Hash, error) {
	var tip chainhash.Hash
	val, err := s.dbGet([]byte(tipKey))
	if err != nil {
		if isDBKeyNotFound(err) {
			return tip, cm.NewStoreErr("Tip", cm.Empty, "")
		}
		return tip, err
	}
	if len(val) != chainhash.HashSize {
		return tip, cm.NewStoreErr("Tip", cm.Corrupted, fmt.Sprintf("%x", val))
	}
	copy(tip[:], val)
	return tip, nil
}

// GetBlock implements the Store interface.
func (s *BadgerStore) GetBlock(hash chainhash.Hash) (*wire.MsgBlock, error) {
	val, err := s.dbGet(blockKey(hash))
	if err != nil {
		return nil, mapError(err, "Block", hash.String())
	}
	block := new(wire.MsgBlock)
	if err := block.Deserialize(bytes.NewReader(val)); err != nil {
		return nil, cm.NewStoreErr("Block", cm.Corrupted, hash.String())
	}
	return block, nil
}

// HasBlock implements the Store interface.
func (s *BadgerStore) HasBlock(hash chainhash.Hash) (bool, error) {
	return s.dbHas(blockKey(hash))
}

// PutBlock implements the Store interface.
func (s *BadgerStore) PutBlock(b *wire.MsgBlock) error {
	buf := bytes.NewBuffer(make([]byte, 0, b.SerializeSize()))
	if err := b.Serialize(buf); err != nil {
		return err
	}
	return s.dbSet(blockKey(b.BlockHash()), buf.Bytes())
}

// GetTx implements the Store interface.
func (s *BadgerStore) GetTx(hash chainhash.Hash) (*wire.MsgTx, error) {
	val, err := s.dbGet(txKey(hash))
	if err != nil {
		return nil, mapError(err, "Tx", hash.String())
	}
	tx := new(wire.MsgTx)
	if err := tx.Deserialize(bytes.NewReader(val)); err != nil {
		return nil, cm.NewStoreErr("Tx", cm.Corrupted, hash.String())
	}
	return tx, nil
}

// HasTx implements the Store interface.
func (s *BadgerStore) HasTx(hash chainhash.Hash) (bool, error) {
	return s.dbHas(txKey(hash))
}

// PutTx implements the Store interface.
func (s *BadgerStore) PutTx(t *wire.MsgTx) error {
	buf := bytes.NewBuffer(make([]byte, 0, t.SerializeSize()))
	if err := t.Serialize(buf); err != nil {
		return err
	}
	return s.dbSet(txKey(t.TxHash()), buf.Bytes())
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// StorePath implements the Store interface.
func (s *BadgerStore) StorePath() string {
	return s.path
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++
//DB Methods

func (s *BadgerStore) dbGet(key []byte) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	return val, err
}

func (s *BadgerStore) dbHas(key []byte) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if err != nil {
		if isDBKeyNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *BadgerStore) dbSet(key, val []byte) error {
	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	if err := tx.Set(key, val); err != nil {
		return err
	}
	return tx.Commit()
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++

func isDBKeyNotFound(err error) bool {
	return errors.Is(err, badger.ErrKeyNotFound)
}

func mapError(err error, name, key string) error {
	if err != nil {
		if isDBKeyNotFound(err) {
			return cm.NewStoreErr(name, cm.KeyNotFound, key)
		}
	}
	return err
}
