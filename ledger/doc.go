// Package ledger holds the authoritative game history: an append-only chain
// of quorum-certified FinalizedRecords, each linked to its predecessor by
// hash.
//
// # Core Components
//
// Chain: the in-memory record chain. Appends are validated against the
// current head; readers take a read lock and may run concurrently.
//
// Store: the persistence collaborator. Persist is called once per newly
// finalized record and LoadChain once at startup. FileStore keeps the chain
// as JSON lines on disk, MemoryStore keeps it in memory.
//
// # Security Properties
//
// The chain provides:
//   - Immutability: records are only appended, or cut back by an explicit fork rollback
//   - Verifiability: Verify replays every hash link and every signature check
//   - Tamper detection: any modification breaks the hash chain
package ledger
