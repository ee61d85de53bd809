package wire

import (
	"errors"
	"fmt"
)

// ErrIncomplete is returned by Codec.Decode when the buffer does not yet hold a
// whole message. It is not a protocol error; the caller should read more bytes
// and try again.
var ErrIncomplete = errors.New("incomplete message")

// MessageErrType enumerates the ways a message can be malformed.
type MessageErrType uint32

const (
	// BadMagic is a header carrying another network's magic.
	BadMagic MessageErrType = iota
	// BadCommand is a command field that is not NUL padded printable ASCII.
	BadCommand
	// PayloadTooLarge is a declared length above the configured maximum.
	PayloadTooLarge
	// BadChecksum is a payload whose hash does not match the header.
	BadChecksum
	// BadPayload is a payload that does not parse for its command.
	BadPayload
)

// MessageErr describes a malformed message. Connections receiving one should
// be dropped.
type MessageErr struct {
	errType MessageErrType
	command string
	detail  string
}

// NewMessageErr ...
func NewMessageErr(errType MessageErrType, command string, detail string) MessageErr {
	return MessageErr{
		errType: errType,
		command: command,
		detail:  detail,
	}
}

// Type returns the kind of malformation.
func (e MessageErr) Type() MessageErrType {
	return e.errType
}

// Error ...
func (e MessageErr) Error() string {
	m := ""
	switch e.errType {
	case BadMagic:
		m = "Bad Magic"
	case BadCommand:
		m = "Bad Command"
	case PayloadTooLarge:
		m = "Payload Too Large"
	case BadChecksum:
		m = "Bad Checksum"
	case BadPayload:
		m = "Bad Payload"
	}
	if e.command == "" {
		return fmt.Sprintf("malformed message, %s: %s", m, e.detail)
	}
	return fmt.Sprintf("malformed %s message, %s: %s", e.command, m, e.detail)
}

// IsMessageErr checks that an error is a MessageErr of the given type.
func IsMessageErr(err error, t MessageErrType) bool {
	var me MessageErr
	return errors.As(err, &me) && me.errType == t
}

// IsMalformed reports whether err describes a malformed message of any kind.
func IsMalformed(err error) bool {
	var me MessageErr
	return errors.As(err, &me)
}
