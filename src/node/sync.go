package node

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mosaicnetworks/btcnode/src/chain"
	"github.com/mosaicnetworks/btcnode/src/wire"
	"github.com/sirupsen/logrus"
)

// startHeadersSync enters HeadersSync with p, or with the best peer not
// tried yet when p is nil.
func (n *Node) startHeadersSync(p *syncPeer) {
	if p == nil {
		p = n.selector.Headers(n.headersTried)
		if p == nil {
			n.headersTried = nil
			p = n.selector.Headers(nil)
		}
	}
	if p == nil {
		n.headersPeer = 0
		n.transition(Bootstrapping)
		return
	}
	n.transition(HeadersSync)
	n.requestHeaders(p, nil)
}

// requestHeaders sends getheaders built from the main chain locator. from,
// when set, is the last header of the previous batch and goes first: it may
// sit on a side branch the main chain locator does not name.
func (n *Node) requestHeaders(p *syncPeer, from *chainhash.Hash) {
	locator := n.chain.Locator()
	n.headersFrom = chainhash.Hash{}
	if from != nil {
		n.headersFrom = *from
		if *from != locator[0] {
			locator = append([]chainhash.Hash{*from}, locator...)
		}
	}
	if len(locator) > wire.MaxBlockLocatorsPerMsg {
		locator = locator[:wire.MaxBlockLocatorsPerMsg]
	}
	n.headersPeer = p.id
	n.headersDeadline = time.Now().Add(n.conf.HeadersTimeout)

	n.logger.WithFields(logrus.Fields{
		"peer_id":  p.id,
		"from":     locator[0],
		"locators": len(locator),
	}).Debug("Requesting headers")

	msg := &wire.MsgGetHeaders{ProtocolVersion: p.protocolVersion}
	for i := range locator {
		// Cannot fail, the locator is bounded above.
		_ = msg.AddBlockLocatorHash(&locator[i])
	}
	if err := n.manager.SendTo(p.id, msg); err != nil {
		n.logger.WithError(err).WithField("peer_id", p.id).Debug("Failed to send getheaders")
	}
}

func (n *Node) handleHeaders(p *syncPeer, msg *wire.MsgHeaders) error {
	var (
		added       int
		unconnected bool
		invalid     error
	)
	for _, h := range msg.Headers {
		res, err := n.chain.AppendHeader(h)
		if err != nil {
			if !chain.IsValidationErr(err) {
				return fmt.Errorf("append header %s: %w", h.BlockHash(), err)
			}
			entry := n.logger.WithError(err).WithFields(logrus.Fields{
				"peer_id": p.id,
				"hash":    h.BlockHash(),
			})
			if chain.IsValidation(err, chain.UnknownParent) {
				unconnected = true
				entry.Debug("Header rejected")
			} else {
				invalid = err
				entry.Warn("Header rejected")
			}
			break
		}
		if res.Duplicate {
			continue
		}
		added++
		atomic.AddInt64(&n.headersAccepted, 1)
		if res.Reorg != nil {
			atomic.AddInt64(&n.reorgs, 1)
		}
	}

	if invalid != nil {
		n.manager.Penalize(p.id, penaltyInvalid, invalid.Error())
	}

	state := n.getState()
	fromSyncPeer := state == HeadersSync && p.id == n.headersPeer

	switch {
	case fromSyncPeer && (invalid != nil || (unconnected && added == 0)):
		if unconnected {
			n.manager.Penalize(p.id, penaltyUnconnected, "headers do not connect to locator")
		}
		n.markHeadersTried(p.id)
		n.startHeadersSync(nil)
		return nil
	case fromSyncPeer:
		// A full batch means the peer may have more. Continuing from its
		// last header also covers batches made only of headers we already
		// had, as long as the peer moves forward.
		if len(msg.Headers) == wire.MaxHeadersPerMsg && !unconnected {
			last := msg.Headers[len(msg.Headers)-1].BlockHash()
			if last != n.headersFrom {
				n.requestHeaders(p, &last)
				return nil
			}
		}
		n.headersPeer = 0
		return n.enterBlocksSync()
	case unconnected:
		// An announcement building on a tip we do not know.
		if state != HeadersSync {
			n.logger.WithField("peer_id", p.id).Info("Unconnected header announced, resyncing")
			n.startHeadersSync(p)
		}
		return nil
	case added > 0 && state == Synced:
		return n.enterBlocksSync()
	case added > 0 && state == BlocksSync:
		return n.fillRequests()
	}
	return nil
}

func (n *Node) markHeadersTried(id uint64) {
	if n.headersTried == nil {
		n.headersTried = make(map[uint64]bool)
	}
	n.headersTried[id] = true
}

func (n *Node) enterBlocksSync() error {
	n.transition(BlocksSync)
	return n.fillRequests()
}

// fillRequests requests the missing blocks of the main chain up to the
// capacity of the peers, and moves to Synced once nothing is left to fetch.
func (n *Node) fillRequests() error {
	state := n.getState()
	if state != BlocksSync && state != Synced {
		return nil
	}

	capacity := 0
	for _, p := range n.peers {
		if c := n.conf.MaxInFlightPerPeer - p.inFlight; c > 0 {
			capacity += c
		}
	}

	var hashes []chainhash.Hash
	if limit := len(n.inFlight) + len(n.stalled) + capacity; limit > 0 {
		var err error
		hashes, err = n.chain.MissingBlocks(n.conf.BlocksSince, limit)
		if err != nil {
			return fmt.Errorf("missing blocks: %w", err)
		}
	}

	now := time.Now()
	pending := 0
	batches := make(map[uint64][]*wire.InvVect)
	for _, h := range hashes {
		if n.stalled[h] {
			continue
		}
		pending++
		if _, ok := n.inFlight[h]; ok {
			continue
		}
		p := n.selector.Next(nil)
		if p == nil {
			continue
		}
		n.track(h, p, nil, now)
		batches[p.id] = append(batches[p.id], wire.NewInvVect(wire.InvTypeBlock, h))
	}
	for id, invs := range batches {
		n.sendGetData(id, invs)
	}

	if state == BlocksSync && pending == 0 && len(n.inFlight) == 0 && len(n.peers) > 0 {
		n.transition(Synced)
		if n.headersPending {
			n.headersPending = false
			n.startHeadersSync(nil)
		}
	}
	return nil
}

func (n *Node) track(hash chainhash.Hash, p *syncPeer, tried map[uint64]bool, now time.Time) {
	if tried == nil {
		tried = make(map[uint64]bool)
	}
	tried[p.id] = true
	n.inFlight[hash] = &blockRequest{
		peer:     p.id,
		deadline: now.Add(n.conf.BlockTimeout),
		tried:    tried,
	}
	n.attempts[hash]++
	p.inFlight++
}

func (n *Node) release(hash chainhash.Hash) (*blockRequest, bool) {
	req, ok := n.inFlight[hash]
	if !ok {
		return nil, false
	}
	delete(n.inFlight, hash)
	if p, ok := n.peers[req.peer]; ok {
		p.inFlight--
	}
	return req, true
}

// reassign sends a released request to another peer, or marks the block
// stalled once it has been requested MaxBlockRetries+1 times.
func (n *Node) reassign(hash chainhash.Hash, req *blockRequest, reason string) {
	if n.attempts[hash] > n.conf.MaxBlockRetries {
		delete(n.attempts, hash)
		n.stalled[hash] = true
		atomic.AddInt64(&n.stalledTotal, 1)
		n.logger.WithFields(logrus.Fields{
			"hash":    hash,
			"peer_id": req.peer,
			"reason":  reason,
			"retries": n.conf.MaxBlockRetries,
		}).Warn("Block stalled")
		return
	}

	p := n.selector.Next(req.tried)
	if p == nil {
		p = n.selector.Next(map[uint64]bool{req.peer: true})
	}
	if p == nil {
		// fillRequests picks it up again once a peer has capacity
		return
	}

	n.track(hash, p, req.tried, time.Now())
	n.logger.WithFields(logrus.Fields{
		"hash":    hash,
		"from":    req.peer,
		"to":      p.id,
		"reason":  reason,
		"attempt": n.attempts[hash],
	}).Debug("Block request reassigned")
	n.sendGetData(p.id, []*wire.InvVect{wire.NewInvVect(wire.InvTypeBlock, hash)})
}

func (n *Node) sendGetData(id uint64, invs []*wire.InvVect) {
	for len(invs) > 0 {
		batch := invs
		if len(batch) > wire.MaxInvPerMsg {
			batch = batch[:wire.MaxInvPerMsg]
		}
		invs = invs[len(batch):]
		if err := n.manager.SendTo(id, &wire.MsgGetData{InvList: batch}); err != nil {
			n.logger.WithError(err).WithField("peer_id", id).Debug("Failed to send getdata")
			return
		}
	}
}

func (n *Node) checkTimeouts(now time.Time) error {
	var expired []chainhash.Hash
	for hash, req := range n.inFlight {
		if now.After(req.deadline) {
			expired = append(expired, hash)
		}
	}
	for _, hash := range expired {
		req, _ := n.release(hash)
		n.logger.WithFields(logrus.Fields{
			"hash":    hash,
			"peer_id": req.peer,
		}).Info("Request timeout")
		n.manager.Penalize(req.peer, penaltyTimeout, "block request timeout")
		n.reassign(hash, req, "timeout")
	}

	for hash, deadline := range n.txInFlight {
		if now.After(deadline) {
			delete(n.txInFlight, hash)
		}
	}

	if n.getState() == HeadersSync && n.headersPeer != 0 && now.After(n.headersDeadline) {
		n.logger.WithField("peer_id", n.headersPeer).Info("Headers request timeout")
		n.manager.Penalize(n.headersPeer, penaltyTimeout, "headers request timeout")
		n.markHeadersTried(n.headersPeer)
		n.startHeadersSync(nil)
	}

	return n.fillRequests()
}

func (n *Node) handleBlock(p *syncPeer, msg *wire.MsgBlock) error {
	hash := msg.BlockHash()
	req, requested := n.release(hash)

	res, err := n.chain.AppendBlock(msg)
	if err != nil {
		if !chain.IsValidationErr(err) {
			return fmt.Errorf("append block %s: %w", hash, err)
		}
		entry := n.logger.WithError(err).WithFields(logrus.Fields{
			"peer_id": p.id,
			"hash":    hash,
		})
		if chain.IsValidation(err, chain.UnknownParent) {
			entry.Debug("Block rejected")
			delete(n.attempts, hash)
			if n.getState() != HeadersSync {
				n.startHeadersSync(p)
			}
			return nil
		}
		entry.Warn("Block rejected")
		n.manager.Penalize(p.id, penaltyInvalid, err.Error())
		if requested {
			n.reassign(hash, req, "invalid block")
		}
		return nil
	}

	delete(n.attempts, hash)
	delete(n.stalled, hash)

	if !res.Duplicate {
		atomic.AddInt64(&n.blocksAccepted, 1)
		if res.Reorg != nil {
			atomic.AddInt64(&n.reorgs, 1)
		}

		entry := n.logger.WithFields(logrus.Fields{
			"peer_id": p.id,
			"hash":    hash,
			"height":  res.Entry.Height,
			"txs":     len(msg.Transactions),
		})
		if n.getState() == Synced {
			entry.Info("Block accepted")
		} else {
			entry.Debug("Block accepted")
		}

		if n.everSynced && n.chain.BestTip().Hash == hash {
			n.announce(res.Entry, p.id)
		}
	}

	return n.fillRequests()
}

// announce relays a new tip to every peer except the one it came from, as a
// header to peers that asked for sendheaders and as an inv to the others.
func (n *Node) announce(e *chain.Entry, from uint64) {
	if n.conf.ClientOnly {
		return
	}
	wantsHeaders := func(id uint64) bool {
		p, ok := n.peers[id]
		return ok && p.sendHeaders
	}

	hdr := e.Header
	headers := n.manager.Broadcast(&wire.MsgHeaders{Headers: []*wire.BlockHeader{&hdr}}, func(id uint64) bool {
		return id == from || !wantsHeaders(id)
	})
	invs := n.manager.Broadcast(&wire.MsgInv{InvList: []*wire.InvVect{wire.NewInvVect(wire.InvTypeBlock, e.Hash)}}, func(id uint64) bool {
		return id == from || wantsHeaders(id)
	})

	n.logger.WithFields(logrus.Fields{
		"hash":    e.Hash,
		"headers": headers,
		"invs":    invs,
	}).Debug("Block announced")
}

func (n *Node) handleInv(p *syncPeer, msg *wire.MsgInv) {
	state := n.getState()
	now := time.Now()

	var req []*wire.InvVect
	for _, iv := range msg.InvList {
		switch iv.Type {
		case wire.InvTypeBlock:
			if n.chain.HasBlock(iv.Hash) {
				continue
			}
			if state != Synced {
				if state == BlocksSync && !n.chain.HasHeader(iv.Hash) {
					n.headersPending = true
				}
				continue
			}
			if _, ok := n.inFlight[iv.Hash]; ok || n.stalled[iv.Hash] {
				continue
			}
			n.track(iv.Hash, p, nil, now)
			req = append(req, iv)
		case wire.InvTypeTx:
			if state != Synced || n.chain.HasTx(iv.Hash) {
				continue
			}
			if _, ok := n.txInFlight[iv.Hash]; ok {
				continue
			}
			n.txInFlight[iv.Hash] = now.Add(n.conf.BlockTimeout)
			req = append(req, iv)
		}
	}

	if len(req) > 0 {
		n.logger.WithFields(logrus.Fields{
			"peer_id": p.id,
			"items":   len(req),
		}).Debug("Requesting announced inventory")
		n.sendGetData(p.id, req)
	}
}

func (n *Node) handleNotFound(p *syncPeer, msg *wire.MsgNotFound) {
	for _, iv := range msg.InvList {
		switch iv.Type {
		case wire.InvTypeBlock:
			if req, ok := n.inFlight[iv.Hash]; !ok || req.peer != p.id {
				continue
			}
			req, _ := n.release(iv.Hash)
			n.reassign(iv.Hash, req, "notfound")
		case wire.InvTypeTx:
			delete(n.txInFlight, iv.Hash)
		}
	}
}

func (n *Node) handleTx(p *syncPeer, tx *wire.MsgTx) error {
	hash := tx.TxHash()
	delete(n.txInFlight, hash)

	if n.chain.HasTx(hash) {
		return nil
	}
	if err := n.chain.PutTx(tx); err != nil {
		if chain.IsValidationErr(err) {
			n.logger.WithError(err).WithFields(logrus.Fields{
				"peer_id": p.id,
				"hash":    hash,
			}).Debug("Transaction rejected")
			n.manager.Penalize(p.id, penaltyBadTx, err.Error())
			return nil
		}
		return fmt.Errorf("store tx %s: %w", hash, err)
	}

	atomic.AddInt64(&n.txsAccepted, 1)
	n.logger.WithFields(logrus.Fields{
		"peer_id": p.id,
		"hash":    hash,
	}).Debug("Transaction accepted")
	return nil
}
