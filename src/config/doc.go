// Package config defines the configuration for a btcnode.
//
// Regardless of how the node is started, directly from Go code or as a
// standalone process from the command line, it uses the Config object defined
// in this package to store and forward configuration options. On top of these
// options, the node relies on a data directory, defined by Config.DataDir,
// where it keeps a few additional files:
//
//  badger_db/   // the chain database, when Config.Store is set.
//  peers.json   // the address book, rewritten as peers are found and tried.
//  btcnode.log  // (optional, cf. Config.LogFile) JSON copy of the log output.
package config
