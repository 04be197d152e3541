package api

import "context"

// Engine is the public surface exposed by a single Rabia replica.
type Engine interface {
	// Submit enqueues a batch for consensus. It fails with
	// ErrQuorumUnavailable if fewer than a strict majority of peers
	// (including self) are reachable at admission time, and with
	// ErrEngineStopped once shutdown has begun.
	//
	// This call is non-blocking: it returns as soon as the batch is
	// admitted into the pending map, not once it is decided.
	Submit(ctx context.Context, batch *CommandBatch) error

	// Run drives the engine loop until Shutdown is called or ctx is
	// done, then returns after the final apply drain.
	Run(ctx context.Context) error

	// Shutdown requests graceful termination: in-flight phases are
	// allowed to reach a decision up to timing.shutdown_grace, then
	// abandoned.
	Shutdown() error

	// Statistics returns a snapshot of the engine's counters.
	Statistics() Statistics

	// ApplyResults exposes the apply pipeline's result stream:
	// one ApplyResult per phase as it reaches Applied or Aborted.
	// Consuming it is optional; results are dropped if nobody is
	// listening. Coordinator uses it to learn the outcome of a
	// submitted batch without a separate client-facing RPC surface.
	ApplyResults() <-chan ApplyResult
}

// Statistics is a point-in-time snapshot of engine counters, exposed
// for monitoring and tests.
type Statistics struct {
	CurrentPhase       PhaseId
	HighestCommitted   PhaseId
	PendingBatches     int
	ActivePeers        int
	HasQuorum          bool
	VotesCastRound1    uint64
	VotesCastRound2    uint64
	DecisionsCommitted uint64
	DecisionsAborted   uint64
	BatchesRetried     uint64
	BatchesRejected    uint64
	SyncRequestsServed uint64
	ValidationFailures map[string]uint64
}
