// Package wire implements the Bitcoin peer-to-peer message format.
//
// Every message travels inside a 24-byte envelope:
//
//	magic (4, LE) | command (12, NUL padded ASCII) | length (4, LE) | checksum (4)
//
// followed by length bytes of payload. The checksum is the first four bytes of
// the double SHA-256 of the payload. A Codec binds the envelope to a network
// magic and a maximum payload size, and converts between raw bytes and typed
// Message values.
//
// Payload types are the btcd wire messages, re-exported under their usual
// names. Their BtcEncode and BtcDecode methods serialize the payload; this
// package only adds the envelope, the per-command size checks and the error
// classification.
//
// Decoding distinguishes between input that is merely too short (ErrIncomplete,
// the caller should buffer more bytes and retry) and input that can never
// become a valid message (a MessageErr, see IsMalformed). Commands that are not
// understood decode into MsgUnknown so that callers can skip them.
package wire
