package chain

import (
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mosaicnetworks/btcnode/src/wire"
)

// RegtestBits is the easiest target of the regression test network. Roughly
// every other nonce satisfies it.
const RegtestBits uint32 = 0x207fffff

// Solve increments the header nonce until its hash meets the declared target.
func Solve(h *wire.BlockHeader) {
	target := blockchain.CompactToBig(h.Bits)
	for {
		hash := h.BlockHash()
		if blockchain.HashToBig(&hash).Cmp(target) <= 0 {
			return
		}
		h.Nonce++
	}
}

// NewTestBlocks mines n regtest blocks on top of parent. Each block holds a
// single coinbase-like transaction tagged with tag and its height offset, so
// different tags build distinct branches.
func NewTestBlocks(parent *wire.BlockHeader, n int, tag uint32) []*wire.MsgBlock {
	blocks := make([]*wire.MsgBlock, 0, n)
	prev := *parent
	for i := 0; i < n; i++ {
		tx := &wire.MsgTx{
			Version: 1,
			TxIn: []*wire.TxIn{{
				PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{}, Index: 0xffffffff},
				SignatureScript:  []byte{byte(tag), byte(tag >> 8), byte(i), byte(i >> 8)},
				Sequence:         0xffffffff,
			}},
			TxOut: []*wire.TxOut{{Value: 50 * 1e8, PkScript: []byte{0x51}}},
		}
		b := &wire.MsgBlock{
			Header: wire.BlockHeader{
				Version:    1,
				PrevBlock:  prev.BlockHash(),
				MerkleRoot: tx.TxHash(),
				Timestamp:  prev.Timestamp.Add(10 * time.Minute),
				Bits:       RegtestBits,
			},
			Transactions: []*wire.MsgTx{tx},
		}
		Solve(&b.Header)
		blocks = append(blocks, b)
		prev = b.Header
	}
	return blocks
}

// Headers returns pointers to the headers of blocks.
func Headers(blocks []*wire.MsgBlock) []*wire.BlockHeader {
	headers := make([]*wire.BlockHeader, len(blocks))
	for i, b := range blocks {
		h := b.Header
		headers[i] = &h
	}
	return headers
}
