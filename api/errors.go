/*
Package api defines the core public interfaces and data model for the
Rabia consensus engine. It provides the contracts that users of the
engine must implement and the primary interface for driving consensus.

# Mandatory user implementations

To use this engine, you must provide implementations for:

  - FSM: your application's state machine. The engine guarantees that
    committed batches are handed to the FSM in PhaseId order, exactly
    once each.

  - Transport: how replicas exchange protocol messages. A default
    gRPC-based implementation is provided in the
    github.com/rabia-rs/rabia/transport package.

  - Persister: how a replica durably records its recovery state.
    A default filesystem-based implementation is provided in the
    github.com/rabia-rs/rabia/storage package.
*/
package api

import "errors"

var (
	// ErrQuorumUnavailable is returned by Submit when fewer than a
	// strict majority of peers (including self) are reachable at
	// admission time.
	ErrQuorumUnavailable = errors.New("rabia: quorum unavailable")

	// ErrBatchRejected is returned by Coordinator.Submit, wrapping the
	// engine's error, when an engine refuses a batch for a reason
	// other than quorum loss or shutdown. The engine does not return
	// it: a batch that exhausts its retry budget after repeated V0
	// aborts is dropped from the pending map and only counted in
	// Statistics.BatchesRejected.
	ErrBatchRejected = errors.New("rabia: batch rejected after retry budget exhausted")

	// ErrInvalidOrdering names a commit of a phase ahead of
	// current_phase. The engine's phase store reports that case as the
	// InvalidOrdering commit outcome; no engine code returns this
	// error value.
	ErrInvalidOrdering = errors.New("rabia: invalid phase ordering")

	// ErrStalePhase names a vote or decision for a phase that has
	// already reached terminal state. The engine reports that case as
	// the StaleVote vote outcome; no engine code returns this error
	// value.
	ErrStalePhase = errors.New("rabia: stale phase")

	// ErrAlreadyCommitted names a commit of a phase already covered by
	// highest_committed. The engine's phase store reports that case as
	// the AlreadyCommitted commit outcome; no engine code returns this
	// error value.
	ErrAlreadyCommitted = errors.New("rabia: phase already committed")

	// ErrNotMember names a message whose sender is not part of the
	// configured cluster membership. Inbound validation drops such a
	// frame under the "not_a_member" reason; no code returns this
	// error value.
	ErrNotMember = errors.New("rabia: sender is not a cluster member")

	// ErrEngineStopped is returned by Submit once the engine has begun
	// or completed shutdown.
	ErrEngineStopped = errors.New("rabia: engine stopped")
)
