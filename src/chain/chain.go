package chain

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mosaicnetworks/btcnode/src/common"
	"github.com/mosaicnetworks/btcnode/src/wire"
	"github.com/sirupsen/logrus"
)

// AppendResult describes the effect of a successful append.
type AppendResult struct {
	// Entry is the header entry that was appended or already present.
	Entry *Entry

	// Duplicate is true when the object was already stored and nothing
	// changed.
	Duplicate bool

	// TipChanged is true when the append moved the best tip.
	TipChanged bool

	// Reorg is set when the new tip does not extend the previous one.
	Reorg *Reorg
}

// Reorg records a switch of the best tip to another branch.
type Reorg struct {
	OldTip         *Entry
	NewTip         *Entry
	CommonAncestor *Entry
}

// Chain validates and indexes headers and blocks over a Store. Appends are
// serialised; reads may run concurrently with them.
type Chain struct {
	store  Store
	params *Params
	cache  *lru.Cache[chainhash.Hash, *Entry]
	logger *logrus.Entry

	// writeLock serialises appends.
	writeLock sync.Mutex

	// mtx guards the fields below.
	mtx       sync.RWMutex
	tip       *Entry
	mainChain []chainhash.Hash
	// blockCursor is a height below which every main chain block is stored
	// or older than cursorSince.
	blockCursor int32
	cursorSince uint32
}

// NewChain loads the chain from store, initialising it with the network's
// genesis block when the store is empty.
func NewChain(store Store, params *Params, cacheSize int, logger *logrus.Entry) (*Chain, error) {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	cache, err := lru.New[chainhash.Hash, *Entry](cacheSize)
	if err != nil {
		return nil, err
	}

	c := &Chain{
		store:  store,
		params: params,
		cache:  cache,
		logger: logger,
	}

	tipHash, err := store.Tip()
	switch {
	case common.IsStore(err, common.Empty):
		if err := c.initGenesis(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		start := time.Now()
		if err := c.loadMainChain(tipHash); err != nil {
			return nil, err
		}
		c.logger.WithFields(logrus.Fields{
			"tip":      c.tip.Hash,
			"height":   c.tip.Height,
			"duration": time.Since(start),
		}).Info("Loaded chain")
	}

	return c, nil
}

func (c *Chain) initGenesis() error {
	genesis := c.params.Genesis
	entry := &Entry{
		Header: genesis.Header,
		Hash:   c.params.GenesisHash,
		Height: 0,
		Work:   blockchain.CalcWork(genesis.Header.Bits),
	}
	if err := c.store.CommitEntry(entry, true); err != nil {
		return err
	}
	if err := c.store.PutBlock(genesis); err != nil {
		return err
	}
	c.cache.Add(entry.Hash, entry)
	c.tip = entry
	c.mainChain = []chainhash.Hash{entry.Hash}
	c.blockCursor = 1
	c.logger.WithField("genesis", entry.Hash).Info("Initialised chain")
	return nil
}

// loadMainChain walks parent links from the stored tip back to genesis.
func (c *Chain) loadMainChain(tipHash chainhash.Hash) error {
	tip, err := c.getEntry(tipHash)
	if err != nil {
		return fmt.Errorf("loading tip %s: %w", tipHash, err)
	}

	mainChain := make([]chainhash.Hash, tip.Height+1)
	e := tip
	for {
		mainChain[e.Height] = e.Hash
		if e.Height == 0 {
			break
		}
		parent, err := c.store.GetEntry(e.Header.PrevBlock)
		if err != nil {
			return fmt.Errorf("loading ancestor of %s at height %d: %w", e.Hash, e.Height, err)
		}
		if parent.Height != e.Height-1 {
			return common.NewStoreErr("Entry", common.Corrupted, parent.Hash.String())
		}
		e = parent
	}
	if e.Hash != c.params.GenesisHash {
		return fmt.Errorf("store belongs to another network: genesis %s, expected %s",
			e.Hash, c.params.GenesisHash)
	}

	c.tip = tip
	c.mainChain = mainChain
	c.blockCursor = 1
	return nil
}

// Params returns the network parameters.
func (c *Chain) Params() *Params {
	return c.params
}

// AppendHeader validates a header and adds it to the arena. A header that is
// already present yields a Duplicate result and no error. Errors that are not
// ValidationErrs come from the store.
func (c *Chain) AppendHeader(h *wire.BlockHeader) (*AppendResult, error) {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	return c.appendHeader(h)
}

func (c *Chain) appendHeader(h *wire.BlockHeader) (*AppendResult, error) {
	hash := h.BlockHash()

	existing, err := c.getEntry(hash)
	if err == nil {
		return &AppendResult{Entry: existing, Duplicate: true}, nil
	}
	if !common.IsStore(err, common.KeyNotFound) {
		return nil, err
	}

	parent, err := c.getEntry(h.PrevBlock)
	if err != nil {
		if common.IsStore(err, common.KeyNotFound) {
			return nil, NewValidationErr(UnknownParent, hash, "parent "+h.PrevBlock.String())
		}
		return nil, err
	}

	if err := c.checkProofOfWork(h, hash); err != nil {
		return nil, err
	}

	entry := &Entry{
		Header: *h,
		Hash:   hash,
		Height: parent.Height + 1,
		Work:   new(big.Int).Add(parent.Work, blockchain.CalcWork(h.Bits)),
	}

	oldTip := c.BestTip()
	setTip := entry.Work.Cmp(oldTip.Work) > 0

	var (
		path []chainhash.Hash
		fork *Entry
	)
	if setTip {
		if path, fork, err = c.branchPath(entry); err != nil {
			return nil, err
		}
	}

	if err := c.store.CommitEntry(entry, setTip); err != nil {
		return nil, err
	}
	c.cache.Add(hash, entry)

	res := &AppendResult{Entry: entry}
	if !setTip {
		c.logger.WithFields(logrus.Fields{
			"hash":   hash,
			"height": entry.Height,
		}).Debug("Header accepted on side branch")
		return res, nil
	}

	c.mtx.Lock()
	c.mainChain = append(c.mainChain[:fork.Height+1], path...)
	c.tip = entry
	if c.blockCursor > fork.Height+1 {
		c.blockCursor = fork.Height + 1
	}
	c.mtx.Unlock()

	res.TipChanged = true
	if fork.Hash != oldTip.Hash {
		res.Reorg = &Reorg{
			OldTip:         oldTip,
			NewTip:         entry,
			CommonAncestor: fork,
		}
		c.logger.WithFields(logrus.Fields{
			"old_tip":         oldTip.Hash,
			"new_tip":         entry.Hash,
			"common_ancestor": fork.Hash,
			"depth":           oldTip.Height - fork.Height,
		}).Warn("Reorg")
	}
	c.logger.WithFields(logrus.Fields{
		"hash":   hash,
		"height": entry.Height,
	}).Debug("Header accepted")

	return res, nil
}

// branchPath returns the hashes from the fork point (exclusive) to e
// (inclusive) in ascending height, and the fork point itself.
func (c *Chain) branchPath(e *Entry) ([]chainhash.Hash, *Entry, error) {
	var rev []chainhash.Hash
	n := e
	for !c.IsMainChain(n.Hash) {
		rev = append(rev, n.Hash)
		parent, err := c.getEntry(n.Header.PrevBlock)
		if err != nil {
			return nil, nil, err
		}
		n = parent
	}
	path := make([]chainhash.Hash, len(rev))
	for i, h := range rev {
		path[len(rev)-1-i] = h
	}
	return path, n, nil
}

func (c *Chain) checkProofOfWork(h *wire.BlockHeader, hash chainhash.Hash) error {
	target := blockchain.CompactToBig(h.Bits)
	if target.Sign() <= 0 {
		return NewValidationErr(InvalidProofOfWork, hash,
			fmt.Sprintf("target 0x%08x is not positive", h.Bits))
	}
	if target.Cmp(c.params.PowLimit) > 0 {
		return NewValidationErr(InvalidProofOfWork, hash,
			fmt.Sprintf("target 0x%08x is above the network limit", h.Bits))
	}
	if blockchain.HashToBig(&hash).Cmp(target) > 0 {
		return NewValidationErr(InvalidProofOfWork, hash,
			fmt.Sprintf("hash is above target 0x%064x", target))
	}
	return nil
}

// AppendBlock validates a block and stores it next to its header, appending
// the header first if needed. Storing a block never moves the tip unless its
// header does.
func (c *Chain) AppendBlock(b *wire.MsgBlock) (*AppendResult, error) {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	hash := b.BlockHash()
	if len(b.Transactions) == 0 {
		return nil, NewValidationErr(BadTransaction, hash, "block has no transactions")
	}
	if root := blockchain.CalcMerkleRoot(btcutil.NewBlock(b).Transactions(), false); root != b.Header.MerkleRoot {
		return nil, NewValidationErr(BadMerkleRoot, hash,
			fmt.Sprintf("computed %s, header commits to %s", root, b.Header.MerkleRoot))
	}

	res, err := c.appendHeader(&b.Header)
	if err != nil {
		return nil, err
	}

	has, err := c.store.HasBlock(hash)
	if err != nil {
		return nil, err
	}
	if has {
		return &AppendResult{Entry: res.Entry, Duplicate: true}, nil
	}
	if err := c.store.PutBlock(b); err != nil {
		return nil, err
	}
	res.Duplicate = false

	c.logger.WithFields(logrus.Fields{
		"hash":   hash,
		"height": res.Entry.Height,
		"txs":    len(b.Transactions),
	}).Debug("Block accepted")

	return res, nil
}

func (c *Chain) getEntry(hash chainhash.Hash) (*Entry, error) {
	if e, ok := c.cache.Get(hash); ok {
		return e, nil
	}
	e, err := c.store.GetEntry(hash)
	if err != nil {
		return nil, err
	}
	c.cache.Add(hash, e)
	return e, nil
}

// GetHeader returns the arena entry for hash, on any branch.
func (c *Chain) GetHeader(hash chainhash.Hash) (*Entry, error) {
	return c.getEntry(hash)
}

// HasHeader returns true if hash is in the arena.
func (c *Chain) HasHeader(hash chainhash.Hash) bool {
	_, err := c.getEntry(hash)
	return err == nil
}

// GetBlock returns the stored block for hash.
func (c *Chain) GetBlock(hash chainhash.Hash) (*wire.MsgBlock, error) {
	return c.store.GetBlock(hash)
}

// HasBlock returns true if the block for hash is stored.
func (c *Chain) HasBlock(hash chainhash.Hash) bool {
	has, err := c.store.HasBlock(hash)
	return err == nil && has
}

// BestTip returns the entry with the most cumulative work.
func (c *Chain) BestTip() *Entry {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.tip
}

// IsMainChain returns true if hash is an ancestor of, or equal to, the best
// tip.
func (c *Chain) IsMainChain(hash chainhash.Hash) bool {
	e, err := c.getEntry(hash)
	if err != nil {
		return false
	}
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return int(e.Height) < len(c.mainChain) && c.mainChain[e.Height] == hash
}

// HeaderByHeight returns the main chain entry at height.
func (c *Chain) HeaderByHeight(height int32) (*Entry, error) {
	c.mtx.RLock()
	if height < 0 || int(height) >= len(c.mainChain) {
		c.mtx.RUnlock()
		return nil, common.NewStoreErr("Height", common.KeyNotFound, fmt.Sprint(height))
	}
	hash := c.mainChain[height]
	c.mtx.RUnlock()
	return c.getEntry(hash)
}

// Locator returns main chain hashes starting at the tip, dense for the ten
// most recent heights and then exponentially spaced, ending with genesis.
func (c *Chain) Locator() []chainhash.Hash {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	height := int32(len(c.mainChain) - 1)
	locator := make([]chainhash.Hash, 0, 32)
	step := int32(1)
	for {
		locator = append(locator, c.mainChain[height])
		if height == 0 {
			break
		}
		if len(locator) >= 10 {
			step *= 2
		}
		height -= step
		if height < 0 {
			height = 0
		}
	}
	return locator
}

// LocateHeaders returns up to limit main chain headers following the first
// locator hash found on the main chain, stopping after hashStop. When no
// locator hash is known the headers start after genesis.
func (c *Chain) LocateHeaders(locator []chainhash.Hash, hashStop chainhash.Hash, limit int) []*wire.BlockHeader {
	start := int32(1)
	for _, h := range locator {
		if c.IsMainChain(h) {
			e, _ := c.getEntry(h)
			start = e.Height + 1
			break
		}
	}

	var headers []*wire.BlockHeader
	for height := start; len(headers) < limit; height++ {
		e, err := c.HeaderByHeight(height)
		if err != nil {
			break
		}
		hdr := e.Header
		headers = append(headers, &hdr)
		if e.Hash == hashStop {
			break
		}
	}
	return headers
}

// MissingBlocks returns up to limit main chain hashes, in ascending height,
// whose headers are known but whose blocks are not stored. Headers with a
// timestamp before since are skipped.
func (c *Chain) MissingBlocks(since uint32, limit int) ([]chainhash.Hash, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if since != c.cursorSince {
		c.blockCursor = 1
		c.cursorSince = since
	}

	var missing []chainhash.Hash
	contiguous := true
	for height := c.blockCursor; int(height) < len(c.mainChain) && len(missing) < limit; height++ {
		hash := c.mainChain[height]
		e, err := c.getEntry(hash)
		if err != nil {
			return nil, err
		}
		skip := uint32(e.Header.Timestamp.Unix()) < since
		if !skip {
			has, err := c.store.HasBlock(hash)
			if err != nil {
				return nil, err
			}
			skip = has
		}
		if skip {
			if contiguous {
				c.blockCursor = height + 1
			}
			continue
		}
		contiguous = false
		missing = append(missing, hash)
	}
	return missing, nil
}

// PutTx stores a transaction after the context-free sanity checks. Scripts are
// never evaluated.
func (c *Chain) PutTx(tx *wire.MsgTx) error {
	if err := blockchain.CheckTransactionSanity(btcutil.NewTx(tx)); err != nil {
		return NewValidationErr(BadTransaction, tx.TxHash(), err.Error())
	}
	return c.store.PutTx(tx)
}

// GetTx returns a stored transaction.
func (c *Chain) GetTx(hash chainhash.Hash) (*wire.MsgTx, error) {
	return c.store.GetTx(hash)
}

// HasTx returns true if the transaction is stored.
func (c *Chain) HasTx(hash chainhash.Hash) bool {
	has, err := c.store.HasTx(hash)
	return err == nil && has
}

// Close closes the underlying store.
func (c *Chain) Close() error {
	return c.store.Close()
}
