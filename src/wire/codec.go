package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Codec frames messages for one network. It holds no mutable state and is
// safe for concurrent use.
type Codec struct {
	// Net is the network magic, written little endian at the start of every
	// envelope.
	Net uint32

	// ProtocolVersion is passed to payload encoders and decoders.
	ProtocolVersion uint32

	// Encoding selects the transaction serialization. NewCodec sets the
	// witness encoding, which also reads legacy transactions.
	Encoding wire.MessageEncoding

	// MaxPayload bounds the declared payload length. Zero means
	// MaxMessagePayload.
	MaxPayload uint32
}

// NewCodec ...
func NewCodec(net uint32, pver uint32, maxPayload uint32) *Codec {
	return &Codec{
		Net:             net,
		ProtocolVersion: pver,
		Encoding:        wire.LatestEncoding,
		MaxPayload:      maxPayload,
	}
}

func (c *Codec) maxPayload() uint32 {
	if c.MaxPayload == 0 {
		return MaxMessagePayload
	}
	return c.MaxPayload
}

type messageHeader struct {
	command  string
	length   uint32
	checksum [4]byte
}

// Encode serializes msg with its envelope.
func (c *Codec) Encode(msg Message) ([]byte, error) {
	cmd := msg.Command()
	if len(cmd) > CommandSize {
		return nil, fmt.Errorf("command %q is longer than %d bytes", cmd, CommandSize)
	}

	var payload bytes.Buffer
	if err := msg.BtcEncode(&payload, c.ProtocolVersion, c.Encoding); err != nil {
		return nil, err
	}
	if uint32(payload.Len()) > c.maxPayload() {
		return nil, NewMessageErr(PayloadTooLarge, cmd,
			fmt.Sprintf("payload is %d bytes, max %d", payload.Len(), c.maxPayload()))
	}

	buf := make([]byte, MessageHeaderSize+payload.Len())
	binary.LittleEndian.PutUint32(buf[0:4], c.Net)
	copy(buf[4:4+CommandSize], cmd)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(payload.Len()))
	copy(buf[20:24], chainhash.DoubleHashB(payload.Bytes())[:4])
	copy(buf[MessageHeaderSize:], payload.Bytes())
	return buf, nil
}

// Decode parses one message from the front of buf and returns it with the
// number of bytes consumed. It returns ErrIncomplete when buf holds only part
// of a message, and a MessageErr when the message is malformed.
func (c *Codec) Decode(buf []byte) (Message, int, error) {
	if len(buf) < MessageHeaderSize {
		return nil, 0, ErrIncomplete
	}
	hdr, err := c.parseHeader(buf[:MessageHeaderSize])
	if err != nil {
		return nil, 0, err
	}
	total := MessageHeaderSize + int(hdr.length)
	if len(buf) < total {
		return nil, 0, ErrIncomplete
	}
	msg, err := c.decodePayload(hdr, buf[MessageHeaderSize:total])
	if err != nil {
		return nil, 0, err
	}
	return msg, total, nil
}

// ReadMessage reads exactly one message from r. Transport errors are returned
// unchanged; a stream ending inside a message yields io.ErrUnexpectedEOF.
func (c *Codec) ReadMessage(r io.Reader) (Message, error) {
	var hb [MessageHeaderSize]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return nil, err
	}
	hdr, err := c.parseHeader(hb[:])
	if err != nil {
		return nil, err
	}
	buf := make([]byte, MessageHeaderSize+int(hdr.length))
	copy(buf, hb[:])
	if _, err := io.ReadFull(r, buf[MessageHeaderSize:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	msg, _, err := c.Decode(buf)
	return msg, err
}

// WriteMessage encodes msg and writes it to w in a single call.
func (c *Codec) WriteMessage(w io.Writer, msg Message) error {
	b, err := c.Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func (c *Codec) parseHeader(b []byte) (*messageHeader, error) {
	magic := binary.LittleEndian.Uint32(b[0:4])
	if magic != c.Net {
		return nil, NewMessageErr(BadMagic, "",
			fmt.Sprintf("got 0x%08x, expected 0x%08x", magic, c.Net))
	}

	cmd, err := parseCommand(b[4 : 4+CommandSize])
	if err != nil {
		return nil, err
	}

	hdr := &messageHeader{
		command: cmd,
		length:  binary.LittleEndian.Uint32(b[16:20]),
	}
	if hdr.length > c.maxPayload() {
		return nil, NewMessageErr(PayloadTooLarge, cmd,
			fmt.Sprintf("declared length %d, max %d", hdr.length, c.maxPayload()))
	}
	copy(hdr.checksum[:], b[20:24])
	return hdr, nil
}

func parseCommand(b []byte) (string, error) {
	end := bytes.IndexByte(b, 0)
	if end < 0 {
		end = len(b)
	}
	for _, ch := range b[end:] {
		if ch != 0 {
			return "", NewMessageErr(BadCommand, "", "non-NUL byte after command terminator")
		}
	}
	if end == 0 {
		return "", NewMessageErr(BadCommand, "", "empty command")
	}
	for _, ch := range b[:end] {
		if ch < 0x20 || ch > 0x7e {
			return "", NewMessageErr(BadCommand, "", fmt.Sprintf("non-printable byte 0x%02x", ch))
		}
	}
	return string(b[:end]), nil
}

func (c *Codec) decodePayload(hdr *messageHeader, payload []byte) (Message, error) {
	sum := chainhash.DoubleHashB(payload)
	if !bytes.Equal(sum[:4], hdr.checksum[:]) {
		return nil, NewMessageErr(BadChecksum, hdr.command,
			fmt.Sprintf("got %x, expected %x", hdr.checksum, sum[:4]))
	}

	msg := makeEmptyMessage(hdr.command)
	if msg == nil {
		p := make([]byte, len(payload))
		copy(p, payload)
		return &MsgUnknown{Cmd: hdr.command, Payload: p}, nil
	}

	// version decoding needs a *bytes.Buffer to detect its optional fields.
	r := bytes.NewBuffer(payload)
	if err := msg.BtcDecode(r, c.ProtocolVersion, c.Encoding); err != nil {
		return nil, NewMessageErr(BadPayload, hdr.command, err.Error())
	}
	// Later protocol versions append fields to version; everything else must
	// be consumed exactly.
	if r.Len() > 0 && hdr.command != CmdVersion {
		return nil, NewMessageErr(BadPayload, hdr.command,
			fmt.Sprintf("%d unexpected trailing bytes", r.Len()))
	}
	return msg, nil
}
