package types

import "errors"

// Semantic error kinds shared across layers. Lower layers wrap these with
// context via fmt.Errorf("...: %w", ...); the HTTP layer maps them to
// status codes with errors.Is.
var (
	// ErrValidation means the input failed a shape or range check.
	ErrValidation = errors.New("validation failed")

	// ErrCommitmentMismatch means the on-chain commitment is missing, not
	// ACTIVE, or its hash does not equal the hash of the revealed detail.
	ErrCommitmentMismatch = errors.New("commitment mismatch")

	// ErrNotFound means the referenced row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotOwner means a cancel was attempted by a non-owner.
	ErrNotOwner = errors.New("not order owner")

	// ErrOrderTerminal means the order is FILLED, CANCELLED or EXPIRED.
	ErrOrderTerminal = errors.New("order in terminal state")

	// ErrChannelFull means an engine intake channel rejected the enqueue.
	ErrChannelFull = errors.New("channel full")

	// ErrTimeout means an RPC or database call exceeded its deadline.
	ErrTimeout = errors.New("timed out")

	// ErrUnauthenticated means no active session key or cached token exists.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUnreachable means the remote endpoint could not be reached.
	ErrUnreachable = errors.New("unreachable")

	// ErrConsensusRejected means the clearing network returned an error frame.
	ErrConsensusRejected = errors.New("clearing network rejected request")

	// ErrProofGeneration means the prover failed to produce a proof.
	ErrProofGeneration = errors.New("proof generation failed")

	// ErrOnChainReverted means a submitted transaction reverted.
	ErrOnChainReverted = errors.New("transaction reverted")

	// ErrConflict means a conditional update lost a race (e.g. claim).
	ErrConflict = errors.New("conflicting update")
)
