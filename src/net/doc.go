// Package net implements a single connection to a remote Bitcoin peer.
//
// A Peer wraps a net.Conn obtained from a StreamLayer and runs the version
// handshake, answers and emits pings, and exposes the decoded inbound message
// stream on a bounded channel. Each Peer owns three goroutines: a reader, a
// writer draining the bounded send queue, and, once the handshake completes,
// a keep-alive loop. They all exit when the Peer is disconnected, for
// whatever reason, and the reason is recorded.
//
//	Connecting -> VersionSent -> VersionReceived -> Handshaked -> Active <-> AwaitingPong
//	                                       (any state) -> Disconnected
package net
