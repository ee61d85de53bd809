// Package peers manages the connections of a node.
//
// A Manager keeps up to a target number of outbound connections, dialing
// candidates from an AddressBook that is filled from the configured seeds,
// static addresses, addresses announced by the network and the peers.json
// file of the data directory. Unless the node is client-only it also accepts
// inbound connections, up to the same target.
//
// Messages from every active peer are fanned into a single channel consumed
// through NextInbound or Inbound. Each peer has a bounded queue; a peer whose
// queue fills up because the consumer cannot keep up is disconnected with
// ReasonOverflow rather than slowing down the others.
//
// Misbehaving peers accumulate a penalty and are disconnected once it reaches
// the configured maximum. Penalties are not remembered across connections.
package peers
