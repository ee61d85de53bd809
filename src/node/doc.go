// Package node implements the synchronisation state machine of a node.
//
// A Node consumes the messages and connection events of a peer manager in a
// single goroutine and drives the chain through four states:
//
//	Bootstrapping -> HeadersSync -> BlocksSync -> Synced
//
// In HeadersSync, getheaders requests built from the chain locator are sent to
// one peer. Each headers reply is appended to the chain; a full batch of 2000
// headers is followed by another request, anything shorter means the peer has
// nothing more to offer.
//
// In BlocksSync, the blocks of main chain headers that are not stored yet are
// requested with getdata, spreading the requests over the least loaded peers.
// A request that times out, is answered with notfound, or whose peer
// disconnects is reassigned to another peer. After MaxBlockRetries
// reassignments the block is marked stalled and left for the next resync.
//
// In Synced, inv announcements trigger targeted getdata requests for unknown
// blocks and transactions, and headers that do not connect to a known block
// send the node back to HeadersSync. A node that stays idle in Synced for
// ResyncInterval requests headers again.
//
// Unless the node is client-only, it also answers getheaders and getdata, and
// relays new tips to its peers, as headers to those that sent sendheaders and
// as inv to the others.
//
// Validation failures are charged to the peer that sent the data. Any other
// error from the chain is a storage failure and stops the node.
package node
