// Package ledger provides the type-safe Go definitions shared by every Cairn
// component. The ledger is the system's shared vocabulary: proposer processes,
// the miner process, and the CLI all exchange proposals, votes, blocks and
// tier assignments using the data structures defined here.
//
// Nothing in this package touches the filesystem. Durable representations
// live behind the store and mailbox packages; this package owns validation,
// identity derivation, and the hash discipline for blocks.
//
// # Identity
//
// A proposal's identity is derived from its content (kind and source key), so
// the same logical proposal submitted by two proposers, or resubmitted after
// a restart, resolves to the same record. Blocks are identified by their
// position and hash-linked to their predecessor; votes are identified by the
// (proposal, proposer) pair.
//
// # Error taxonomy
//
// The sentinel errors in this package are the protocol-level failure modes.
// Callers match them with errors.Is:
//
//	ErrConflict     - an equivalent proposal already committed
//	ErrNotFound     - operating on an unknown or resolved proposal
//	ErrOutOfOrder   - a block append violates chain sequencing
//	ErrLockTimeout  - exclusive store access could not be acquired in time
//	ErrChainCorrupt - the persisted chain fails hash-link verification (fatal)
package ledger
