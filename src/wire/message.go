package wire

import (
	"io"
	"net"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Message is a payload that can be carried in an envelope. BtcEncode and
// BtcDecode handle the payload only; framing belongs to Codec.
type Message = wire.Message

// Payload types understood by the node.
type (
	BlockHeader    = wire.BlockHeader
	MsgBlock       = wire.MsgBlock
	MsgTx          = wire.MsgTx
	TxIn           = wire.TxIn
	TxOut          = wire.TxOut
	OutPoint       = wire.OutPoint
	MsgVersion     = wire.MsgVersion
	MsgVerAck      = wire.MsgVerAck
	MsgPing        = wire.MsgPing
	MsgPong        = wire.MsgPong
	MsgGetHeaders  = wire.MsgGetHeaders
	MsgHeaders     = wire.MsgHeaders
	MsgInv         = wire.MsgInv
	MsgGetData     = wire.MsgGetData
	MsgNotFound    = wire.MsgNotFound
	MsgAddr        = wire.MsgAddr
	MsgReject      = wire.MsgReject
	MsgSendHeaders = wire.MsgSendHeaders
	InvVect        = wire.InvVect
	NetAddress     = wire.NetAddress
)

func makeEmptyMessage(command string) Message {
	switch command {
	case CmdVersion:
		return &MsgVersion{}
	case CmdVerAck:
		return &MsgVerAck{}
	case CmdPing:
		return &MsgPing{}
	case CmdPong:
		return &MsgPong{}
	case CmdGetHeaders:
		return &MsgGetHeaders{}
	case CmdHeaders:
		return &MsgHeaders{}
	case CmdInv:
		return &MsgInv{}
	case CmdGetData:
		return &MsgGetData{}
	case CmdNotFound:
		return &MsgNotFound{}
	case CmdBlock:
		return &MsgBlock{}
	case CmdTx:
		return &MsgTx{}
	case CmdAddr:
		return &MsgAddr{}
	case CmdReject:
		return &MsgReject{}
	case CmdSendHeaders:
		return &MsgSendHeaders{}
	}
	return nil
}

// NewInvVect ...
func NewInvVect(typ InvType, hash chainhash.Hash) *InvVect {
	return wire.NewInvVect(typ, &hash)
}

// NewNetAddressFromString parses a host:port string. Hosts that are not IP
// literals yield an all-zero address.
func NewNetAddressFromString(hostport string, services ServiceFlag) *NetAddress {
	ip := make(net.IP, net.IPv6len)
	var port uint16

	if host, p, err := net.SplitHostPort(hostport); err == nil {
		if parsed := net.ParseIP(host); parsed != nil {
			ip = parsed.To16()
		}
		if v, err := strconv.ParseUint(p, 10, 16); err == nil {
			port = uint16(v)
		}
	}

	return wire.NewNetAddressIPPort(ip, port, services)
}

// MsgUnknown carries the raw payload of a command this package does not
// interpret.
type MsgUnknown struct {
	Cmd     string
	Payload []byte
}

// Command implements the Message interface.
func (msg *MsgUnknown) Command() string { return msg.Cmd }

// BtcDecode implements the Message interface.
func (msg *MsgUnknown) BtcDecode(r io.Reader, pver uint32, enc wire.MessageEncoding) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	msg.Payload = b
	return nil
}

// BtcEncode implements the Message interface.
func (msg *MsgUnknown) BtcEncode(w io.Writer, pver uint32, enc wire.MessageEncoding) error {
	_, err := w.Write(msg.Payload)
	return err
}

// MaxPayloadLength implements the Message interface.
func (msg *MsgUnknown) MaxPayloadLength(pver uint32) uint32 {
	return MaxMessagePayload
}
