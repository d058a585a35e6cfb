package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict indicates a proposal whose effect has already been
	// committed, e.g. an ADD for a key that is already an active source.
	ErrConflict = errors.New("proposal conflicts with committed state")

	// ErrNotFound indicates an operation on an unknown or already resolved
	// proposal.
	ErrNotFound = errors.New("proposal not found or already resolved")

	// ErrOutOfOrder indicates a block append whose index or previous-hash
	// reference does not match the current chain tip.
	ErrOutOfOrder = errors.New("block append out of order")

	// ErrLockTimeout indicates the exclusive state lock could not be
	// acquired within the configured bound.
	ErrLockTimeout = errors.New("state lock acquisition timed out")

	// ErrChainCorrupt indicates the persisted chain failed hash-link
	// verification on load. This is fatal: the miner must halt rather than
	// attempt automatic repair.
	ErrChainCorrupt = errors.New("chain hash-link verification failed")
)

// EvaluationError wraps a failure reported by the evaluator collaborator.
// The core treats it as "proposal not yet ready", never as a proposal-kind
// error; retry policy belongs to the evaluator itself.
type EvaluationError struct {
	URL string
	Err error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation of %s failed: %v", e.URL, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is the not-found sentinel.
// Mirrors the shape callers use for the other sentinels via errors.Is.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is the conflict sentinel.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
