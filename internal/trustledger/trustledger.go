// Package trustledger implements a hash-chained notarization log for voter
// content hashes.
//
// The chain begins with a well-known genesis entry whose Hash equals GenesisHash
// (64 hex zeros). Every subsequent entry records the SHA-256 of its predecessor,
// making any tampering detectable via Verify. Each voter ID can be anchored at
// most once.
//
// Two implementations of the Ledger interface are provided:
//   - MemoryLedger: in-process, for testing and development.
//   - PostgresLedger: durable, for single-node deployments without an
//     external chain.
//
// Backend adapts either one to notary.Ledger.
package trustledger
