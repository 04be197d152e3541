package api

import "context"

// Coordinator is the client-facing front end for submitting batches.
// Unlike a leader-based system, Rabia has no durable leader to route
// through: a Coordinator tries any reachable node and retries on
// quorum/rejection errors.
type Coordinator interface {
	// Submit routes cmd to the cluster and blocks until the owning
	// phase reaches a terminal decision or ctx is done.
	Submit(ctx context.Context, cmd []byte) (PhaseId, StateValue, error)

	// Shutdown releases the coordinator's connections.
	Shutdown() error
}
