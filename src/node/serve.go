package node

import (
	"net"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mosaicnetworks/btcnode/src/peers"
	"github.com/mosaicnetworks/btcnode/src/wire"
	"github.com/sirupsen/logrus"
)

func (n *Node) handleMessage(in peers.Inbound) error {
	p, err := n.ensurePeer(in.PeerID)
	if err != nil || p == nil {
		return err
	}

	switch m := in.Msg.(type) {
	case *wire.MsgHeaders:
		return n.handleHeaders(p, m)
	case *wire.MsgBlock:
		return n.handleBlock(p, m)
	case *wire.MsgTx:
		return n.handleTx(p, m)
	case *wire.MsgInv:
		n.handleInv(p, m)
	case *wire.MsgNotFound:
		n.handleNotFound(p, m)
	case *wire.MsgGetHeaders:
		n.serveHeaders(p, m)
	case *wire.MsgGetData:
		n.serveData(p, m)
	case *wire.MsgSendHeaders:
		p.sendHeaders = true
	case *wire.MsgAddr:
		n.handleAddr(p, m)
	case *wire.MsgReject:
		n.logger.WithFields(logrus.Fields{
			"peer_id": p.id,
			"command": m.Cmd,
			"code":    m.Code,
			"reason":  m.Reason,
			"hash":    m.Hash,
		}).Warn("Reject received")
	default:
		n.logger.WithFields(logrus.Fields{
			"peer_id": p.id,
			"command": in.Msg.Command(),
		}).Debug("Ignoring message")
	}
	return nil
}

// serveHeaders answers getheaders with up to MaxHeadersPerMsg main chain
// headers. Client-only nodes do not serve.
func (n *Node) serveHeaders(p *syncPeer, msg *wire.MsgGetHeaders) {
	if n.conf.ClientOnly {
		return
	}
	locator := make([]chainhash.Hash, len(msg.BlockLocatorHashes))
	for i, h := range msg.BlockLocatorHashes {
		locator[i] = *h
	}
	headers := n.chain.LocateHeaders(locator, msg.HashStop, wire.MaxHeadersPerMsg)
	if err := n.manager.SendTo(p.id, &wire.MsgHeaders{Headers: headers}); err != nil {
		n.logger.WithError(err).WithField("peer_id", p.id).Debug("Failed to send headers")
	}
}

// serveData sends the requested blocks and transactions, and a single
// notfound listing the items we do not have.
func (n *Node) serveData(p *syncPeer, msg *wire.MsgGetData) {
	if n.conf.ClientOnly {
		return
	}

	var missing []*wire.InvVect
	for _, iv := range msg.InvList {
		var reply wire.Message
		switch iv.Type {
		case wire.InvTypeBlock:
			if b, err := n.chain.GetBlock(iv.Hash); err == nil {
				reply = b
			}
		case wire.InvTypeTx:
			if tx, err := n.chain.GetTx(iv.Hash); err == nil {
				reply = tx
			}
		}
		if reply == nil {
			missing = append(missing, iv)
			continue
		}
		if err := n.manager.SendTo(p.id, reply); err != nil {
			n.logger.WithError(err).WithField("peer_id", p.id).Debug("Failed to serve data")
			return
		}
	}

	if len(missing) > 0 {
		if err := n.manager.SendTo(p.id, &wire.MsgNotFound{InvList: missing}); err != nil {
			n.logger.WithError(err).WithField("peer_id", p.id).Debug("Failed to send notfound")
		}
	}
}

func (n *Node) handleAddr(p *syncPeer, msg *wire.MsgAddr) {
	addrs := make([]string, 0, len(msg.AddrList))
	for _, na := range msg.AddrList {
		if na.Port == 0 || na.IP.IsUnspecified() {
			continue
		}
		addrs = append(addrs, net.JoinHostPort(na.IP.String(), strconv.Itoa(int(na.Port))))
	}
	added := n.manager.AddCandidates(addrs)
	n.logger.WithFields(logrus.Fields{
		"peer_id": p.id,
		"addrs":   len(msg.AddrList),
		"new":     added,
	}).Debug("Addresses received")
}
