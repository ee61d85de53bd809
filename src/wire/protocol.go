package wire

import (
	"github.com/btcsuite/btcd/wire"
)

const (
	// ProtocolVersion is the latest protocol version this node speaks.
	ProtocolVersion uint32 = 70015

	// SendHeadersVersion is the protocol version which added the sendheaders
	// message.
	SendHeadersVersion = wire.SendHeadersVersion

	// DefaultMinProtocolVersion is the lowest protocol version accepted from a
	// remote peer unless configured otherwise.
	DefaultMinProtocolVersion uint32 = 70001
)

const (
	// CommandSize is the fixed size of the command field of a message header.
	CommandSize = wire.CommandSize

	// BlockHeaderLen is the serialized size of a block header.
	BlockHeaderLen = wire.MaxBlockHeaderPayload

	// MessageHeaderSize is the number of bytes in a message envelope.
	MessageHeaderSize = wire.MessageHeaderSize

	// MaxMessagePayload is the default upper bound on a payload length.
	MaxMessagePayload = wire.MaxMessagePayload

	// MaxHeadersPerMsg is the maximum number of headers in a headers message.
	MaxHeadersPerMsg = wire.MaxBlockHeadersPerMsg

	// MaxInvPerMsg is the maximum number of inventory vectors in an inv,
	// getdata or notfound message.
	MaxInvPerMsg = wire.MaxInvPerMsg

	// MaxAddrPerMsg is the maximum number of addresses in an addr message.
	MaxAddrPerMsg = wire.MaxAddrPerMsg

	// MaxBlockLocatorsPerMsg is the maximum number of locator hashes allowed
	// in a getheaders message.
	MaxBlockLocatorsPerMsg = wire.MaxBlockLocatorsPerMsg
)

// Commands used in message headers.
const (
	CmdVersion     = wire.CmdVersion
	CmdVerAck      = wire.CmdVerAck
	CmdPing        = wire.CmdPing
	CmdPong        = wire.CmdPong
	CmdGetHeaders  = wire.CmdGetHeaders
	CmdHeaders     = wire.CmdHeaders
	CmdInv         = wire.CmdInv
	CmdGetData     = wire.CmdGetData
	CmdNotFound    = wire.CmdNotFound
	CmdBlock       = wire.CmdBlock
	CmdTx          = wire.CmdTx
	CmdAddr        = wire.CmdAddr
	CmdReject      = wire.CmdReject
	CmdSendHeaders = wire.CmdSendHeaders
)

// ServiceFlag identifies services supported by a peer.
type ServiceFlag = wire.ServiceFlag

// Service flags announced in version messages and addresses.
const (
	SFNodeNetwork = wire.SFNodeNetwork
	SFNodeBloom   = wire.SFNodeBloom
	SFNodeWitness = wire.SFNodeWitness
)

// InvType identifies the kind of object an inventory vector refers to.
type InvType = wire.InvType

// Inventory types.
const (
	InvTypeError         = wire.InvTypeError
	InvTypeTx            = wire.InvTypeTx
	InvTypeBlock         = wire.InvTypeBlock
	InvTypeFilteredBlock = wire.InvTypeFilteredBlock
)

// RejectCode classifies the reason of a reject message.
type RejectCode = wire.RejectCode

// Reject codes.
const (
	RejectMalformed = wire.RejectMalformed
	RejectInvalid   = wire.RejectInvalid
	RejectObsolete  = wire.RejectObsolete
	RejectDuplicate = wire.RejectDuplicate
)
