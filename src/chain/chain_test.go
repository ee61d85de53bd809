package chain

import (
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mosaicnetworks/btcnode/src/common"
	"github.com/mosaicnetworks/btcnode/src/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams(t testing.TB) *Params {
	p, err := ParamsForNetwork("regtest")
	require.NoError(t, err)
	return p
}

func newTestChain(t testing.TB) *Chain {
	c, err := NewChain(NewInmemStore(), testParams(t), 100, common.NewTestEntry(t, "chain"))
	require.NoError(t, err)
	return c
}

func appendHeaders(t testing.TB, c *Chain, blocks []*wire.MsgBlock) {
	for _, b := range blocks {
		_, err := c.AppendHeader(&b.Header)
		require.NoError(t, err)
	}
}

func TestGenesis(t *testing.T) {
	c := newTestChain(t)
	params := c.Params()

	tip := c.BestTip()
	assert.Equal(t, params.GenesisHash, tip.Hash)
	assert.Equal(t, int32(0), tip.Height)
	assert.Equal(t, 0, tip.Work.Cmp(blockchain.CalcWork(params.Genesis.Header.Bits)))
	assert.Equal(t, []chainhash.Hash{params.GenesisHash}, c.Locator())
	assert.True(t, c.HasBlock(params.GenesisHash))
}

func TestParamsForNetwork(t *testing.T) {
	for _, name := range []string{"mainnet", "testnet3", "regtest", "signet"} {
		p, err := ParamsForNetwork(name)
		require.NoError(t, err, name)
		assert.Equal(t, p.GenesisHash, p.Genesis.BlockHash())
		assert.NotZero(t, p.Net)
	}
	_, err := ParamsForNetwork("moonnet")
	assert.Error(t, err)
}

func TestAppendHeaders(t *testing.T) {
	c := newTestChain(t)
	blocks := NewTestBlocks(&c.Params().Genesis.Header, 20, 1)

	var prevWork *big.Int = c.BestTip().Work
	for i, b := range blocks {
		res, err := c.AppendHeader(&b.Header)
		require.NoError(t, err)
		assert.False(t, res.Duplicate)
		assert.True(t, res.TipChanged)
		assert.Nil(t, res.Reorg)
		assert.Equal(t, int32(i+1), res.Entry.Height)
		assert.Equal(t, 1, res.Entry.Work.Cmp(prevWork))
		prevWork = res.Entry.Work
	}

	tip := c.BestTip()
	assert.Equal(t, blocks[19].BlockHash(), tip.Hash)
	assert.Equal(t, int32(20), tip.Height)

	e, err := c.GetHeader(blocks[5].BlockHash())
	require.NoError(t, err)
	assert.Equal(t, blocks[5].Header, e.Header)
	assert.Equal(t, int32(6), e.Height)
}

func TestAppendHeaderDuplicate(t *testing.T) {
	c := newTestChain(t)
	blocks := NewTestBlocks(&c.Params().Genesis.Header, 3, 1)
	appendHeaders(t, c, blocks)

	res, err := c.AppendHeader(&blocks[1].Header)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.False(t, res.TipChanged)
	assert.Equal(t, blocks[2].BlockHash(), c.BestTip().Hash)
}

func TestAppendHeaderUnknownParent(t *testing.T) {
	c := newTestChain(t)
	blocks := NewTestBlocks(&c.Params().Genesis.Header, 3, 1)

	_, err := c.AppendHeader(&blocks[1].Header)
	require.Error(t, err)
	assert.True(t, IsValidation(err, UnknownParent), "got %v", err)
	assert.False(t, c.HasHeader(blocks[1].BlockHash()))
	assert.Equal(t, c.Params().GenesisHash, c.BestTip().Hash)
}

func TestAppendHeaderInvalidProofOfWork(t *testing.T) {
	c := newTestChain(t)
	good := NewTestBlocks(&c.Params().Genesis.Header, 1, 1)[0].Header

	// find a nonce whose hash misses the target
	bad := good
	target := blockchain.CompactToBig(bad.Bits)
	for {
		h := bad.BlockHash()
		if blockchain.HashToBig(&h).Cmp(target) > 0 {
			break
		}
		bad.Nonce++
	}
	_, err := c.AppendHeader(&bad)
	assert.True(t, IsValidation(err, InvalidProofOfWork), "got %v", err)

	// a target easier than the network allows is refused too
	easy := good
	easy.Bits = 0x2100ffff
	Solve(&easy)
	_, err = c.AppendHeader(&easy)
	assert.True(t, IsValidation(err, InvalidProofOfWork), "got %v", err)

	assert.Equal(t, c.Params().GenesisHash, c.BestTip().Hash)
}

func TestReorg(t *testing.T) {
	c := newTestChain(t)
	genesis := &c.Params().Genesis.Header

	a := NewTestBlocks(genesis, 3, 1)
	appendHeaders(t, c, a)
	require.Equal(t, a[2].BlockHash(), c.BestTip().Hash)

	// b forks after a[0]
	b := NewTestBlocks(&a[0].Header, 3, 2)

	res, err := c.AppendHeader(&b[0].Header)
	require.NoError(t, err)
	assert.False(t, res.TipChanged)

	// equal work keeps the first seen tip
	res, err = c.AppendHeader(&b[1].Header)
	require.NoError(t, err)
	assert.False(t, res.TipChanged)
	assert.Equal(t, a[2].BlockHash(), c.BestTip().Hash)

	res, err = c.AppendHeader(&b[2].Header)
	require.NoError(t, err)
	require.True(t, res.TipChanged)
	require.NotNil(t, res.Reorg)
	assert.Equal(t, a[2].BlockHash(), res.Reorg.OldTip.Hash)
	assert.Equal(t, b[2].BlockHash(), res.Reorg.NewTip.Hash)
	assert.Equal(t, a[0].BlockHash(), res.Reorg.CommonAncestor.Hash)

	tip := c.BestTip()
	assert.Equal(t, b[2].BlockHash(), tip.Hash)
	assert.Equal(t, int32(4), tip.Height)

	// the abandoned branch stays queryable but is off the main chain
	for _, blk := range a[1:] {
		assert.True(t, c.HasHeader(blk.BlockHash()))
		assert.False(t, c.IsMainChain(blk.BlockHash()))
	}
	for _, blk := range b {
		assert.True(t, c.IsMainChain(blk.BlockHash()))
	}
	assert.True(t, c.IsMainChain(a[0].BlockHash()))

	e, err := c.HeaderByHeight(2)
	require.NoError(t, err)
	assert.Equal(t, b[0].BlockHash(), e.Hash)
}

func TestLocator(t *testing.T) {
	c := newTestChain(t)
	blocks := NewTestBlocks(&c.Params().Genesis.Header, 40, 1)
	appendHeaders(t, c, blocks)

	locator := c.Locator()
	require.True(t, len(locator) > 10)
	assert.Equal(t, c.BestTip().Hash, locator[0])
	assert.Equal(t, c.Params().GenesisHash, locator[len(locator)-1])

	// ten most recent heights are dense
	for i := 0; i < 10; i++ {
		assert.Equal(t, blocks[39-i].BlockHash(), locator[i])
	}

	prev := int32(41)
	for _, h := range locator {
		e, err := c.GetHeader(h)
		require.NoError(t, err)
		assert.True(t, c.IsMainChain(h))
		assert.Less(t, e.Height, prev)
		prev = e.Height
	}
}

func TestLocateHeaders(t *testing.T) {
	c := newTestChain(t)
	blocks := NewTestBlocks(&c.Params().Genesis.Header, 30, 1)
	appendHeaders(t, c, blocks)

	headers := c.LocateHeaders([]chainhash.Hash{blocks[9].BlockHash()}, chainhash.Hash{}, 5)
	require.Len(t, headers, 5)
	for i, h := range headers {
		assert.Equal(t, blocks[10+i].Header, *h)
	}

	headers = c.LocateHeaders([]chainhash.Hash{blocks[9].BlockHash()}, blocks[11].BlockHash(), 2000)
	require.Len(t, headers, 2)
	assert.Equal(t, blocks[11].BlockHash(), headers[1].BlockHash())

	var unknown chainhash.Hash
	unknown[0] = 0xaa
	headers = c.LocateHeaders([]chainhash.Hash{unknown}, chainhash.Hash{}, 3)
	require.Len(t, headers, 3)
	assert.Equal(t, blocks[0].Header, *headers[0])

	headers = c.LocateHeaders([]chainhash.Hash{blocks[29].BlockHash()}, chainhash.Hash{}, 2000)
	assert.Empty(t, headers)
}

func TestAppendBlock(t *testing.T) {
	c := newTestChain(t)
	blocks := NewTestBlocks(&c.Params().Genesis.Header, 3, 1)
	appendHeaders(t, c, blocks[:1])

	res, err := c.AppendBlock(blocks[0])
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.True(t, c.HasBlock(blocks[0].BlockHash()))

	stored, err := c.GetBlock(blocks[0].BlockHash())
	require.NoError(t, err)
	assert.Equal(t, blocks[0], stored)

	res, err = c.AppendBlock(blocks[0])
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	// a block whose header is new extends the header chain as well
	_, err = c.AppendBlock(blocks[2])
	require.Error(t, err)
	assert.True(t, IsValidation(err, UnknownParent))

	_, err = c.AppendBlock(blocks[1])
	require.NoError(t, err)
	res, err = c.AppendBlock(blocks[2])
	require.NoError(t, err)
	assert.True(t, res.TipChanged)
	assert.Equal(t, blocks[2].BlockHash(), c.BestTip().Hash)
}

func TestAppendBlockBadMerkleRoot(t *testing.T) {
	c := newTestChain(t)
	blocks := NewTestBlocks(&c.Params().Genesis.Header, 1, 1)
	appendHeaders(t, c, blocks)

	tampered := &wire.MsgBlock{
		Header:       blocks[0].Header,
		Transactions: []*wire.MsgTx{NewTestBlocks(&c.Params().Genesis.Header, 1, 9)[0].Transactions[0]},
	}
	_, err := c.AppendBlock(tampered)
	assert.True(t, IsValidation(err, BadMerkleRoot), "got %v", err)
	assert.False(t, c.HasBlock(blocks[0].BlockHash()))

	empty := &wire.MsgBlock{Header: blocks[0].Header}
	_, err = c.AppendBlock(empty)
	assert.True(t, IsValidation(err, BadTransaction), "got %v", err)
}

func TestMissingBlocks(t *testing.T) {
	c := newTestChain(t)
	blocks := NewTestBlocks(&c.Params().Genesis.Header, 6, 1)
	appendHeaders(t, c, blocks)

	for _, b := range []*wire.MsgBlock{blocks[0], blocks[1], blocks[3]} {
		_, err := c.AppendBlock(b)
		require.NoError(t, err)
	}

	missing, err := c.MissingBlocks(0, 10)
	require.NoError(t, err)
	assert.Equal(t, []chainhash.Hash{blocks[2].BlockHash(), blocks[4].BlockHash(), blocks[5].BlockHash()}, missing)

	missing, err = c.MissingBlocks(0, 2)
	require.NoError(t, err)
	assert.Equal(t, []chainhash.Hash{blocks[2].BlockHash(), blocks[4].BlockHash()}, missing)

	missing, err = c.MissingBlocks(uint32(blocks[4].Header.Timestamp.Unix()), 10)
	require.NoError(t, err)
	assert.Equal(t, []chainhash.Hash{blocks[4].BlockHash(), blocks[5].BlockHash()}, missing)

	for _, b := range blocks {
		_, err := c.AppendBlock(b)
		require.NoError(t, err)
	}
	missing, err = c.MissingBlocks(0, 10)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestMissingBlocksAfterReorg(t *testing.T) {
	c := newTestChain(t)
	genesis := &c.Params().Genesis.Header
	a := NewTestBlocks(genesis, 2, 1)
	for _, b := range a {
		_, err := c.AppendBlock(b)
		require.NoError(t, err)
	}
	missing, err := c.MissingBlocks(0, 10)
	require.NoError(t, err)
	require.Empty(t, missing)

	b := NewTestBlocks(genesis, 3, 2)
	appendHeaders(t, c, b)

	missing, err = c.MissingBlocks(0, 10)
	require.NoError(t, err)
	assert.Equal(t, []chainhash.Hash{b[0].BlockHash(), b[1].BlockHash(), b[2].BlockHash()}, missing)
}

func TestTransactions(t *testing.T) {
	c := newTestChain(t)
	tx := NewTestBlocks(&c.Params().Genesis.Header, 1, 1)[0].Transactions[0]

	require.NoError(t, c.PutTx(tx))
	assert.True(t, c.HasTx(tx.TxHash()))
	stored, err := c.GetTx(tx.TxHash())
	require.NoError(t, err)
	assert.Equal(t, tx, stored)

	err = c.PutTx(&wire.MsgTx{Version: 1})
	assert.True(t, IsValidation(err, BadTransaction))
}
