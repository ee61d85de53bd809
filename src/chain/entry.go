package chain

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mosaicnetworks/btcnode/src/wire"
	"github.com/ugorji/go/codec"
)

// Entry is a header in the arena. Entries are immutable once stored.
type Entry struct {
	Header wire.BlockHeader
	Hash   chainhash.Hash
	Height int32

	// Work is the cumulative proof-of-work from genesis up to and including
	// this header.
	Work *big.Int
}

type entryRecord struct {
	Header []byte
	Height int32
	Work   []byte
}

var msgpackHandle = &codec.MsgpackHandle{}

// Marshal encodes the entry for storage.
func (e *Entry) Marshal() ([]byte, error) {
	var hdr bytes.Buffer
	if err := e.Header.Serialize(&hdr); err != nil {
		return nil, err
	}
	rec := entryRecord{
		Header: hdr.Bytes(),
		Height: e.Height,
		Work:   e.Work.Bytes(),
	}
	var b []byte
	enc := codec.NewEncoderBytes(&b, msgpackHandle)
	if err := enc.Encode(rec); err != nil {
		return nil, err
	}
	return b, nil
}

// Unmarshal decodes an entry produced by Marshal. The hash is recomputed
// from the header.
func (e *Entry) Unmarshal(data []byte) error {
	var rec entryRecord
	dec := codec.NewDecoderBytes(data, msgpackHandle)
	if err := dec.Decode(&rec); err != nil {
		return err
	}
	if len(rec.Header) != wire.BlockHeaderLen {
		return fmt.Errorf("header record is %d bytes", len(rec.Header))
	}
	if err := e.Header.Deserialize(bytes.NewReader(rec.Header)); err != nil {
		return err
	}
	e.Hash = e.Header.BlockHash()
	e.Height = rec.Height
	e.Work = new(big.Int).SetBytes(rec.Work)
	return nil
}
