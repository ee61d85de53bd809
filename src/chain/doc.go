// Package chain maintains the header tree and the blocks attached to it.
//
// Headers are kept in an arena keyed by hash. Every entry records its height
// and the cumulative proof-of-work of its ancestry. The best tip is the entry
// with the most cumulative work; moving it to another branch is a pointer
// update, so entries of abandoned branches stay queryable. Blocks are stored
// next to the headers they belong to and never change the tip by themselves.
//
// Chain serialises all writes. Persistence is delegated to a Store, either
// InmemStore or BadgerStore.
package chain
