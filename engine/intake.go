package engine

import (
	"fmt"
	"time"

	"github.com/rabia-rs/rabia/api"
	"github.com/rabia-rs/rabia/pkg/logger"
	"github.com/rabia-rs/rabia/wire"
)

// admitBatch validates and inserts batch into the pending map, per
// spec §4.4: "validates size and checksum, checks reachable quorum,
// inserts into PendingBatch". The quorum check itself happens in
// Submit before admitBatch is called; this only validates and
// records proposer identity.
func (e *Engine) admitBatch(batch *api.CommandBatch, now time.Time) error {
	if err := wire.ValidateBatch(batch, e.cfg.Limits.MaxPendingBatches, 1<<20); err != nil {
		return fmt.Errorf("engine: batch rejected at admission: %w", err)
	}

	e.state.pendingMu.Lock()
	defer e.state.pendingMu.Unlock()
	if len(e.state.pending) >= e.cfg.Limits.MaxPendingBatches {
		return fmt.Errorf("%w: pending map full", api.ErrQuorumUnavailable)
	}
	e.state.pending[batch.Id] = &pendingBatch{
		batch:       batch,
		submittedAt: now,
	}
	return nil
}

func (s *EngineState) pendingCount() int {
	s.pendingMu.RLock()
	defer s.pendingMu.RUnlock()
	return len(s.pending)
}

// proposeBatch advances the phase counter, picks this node's initial
// proposal value, and broadcasts a Propose, per spec §4.4. The
// initial value is chosen uniformly between V0 and V1: neither a
// proposer preference nor batch content determines it, mirroring
// propose_batch in the Rabia reference implementation.
func (e *Engine) proposeBatch(batch *api.CommandBatch, now time.Time) {
	phase := e.state.advanceCurrentPhase()

	e.state.pendingMu.Lock()
	if pb, ok := e.state.pending[batch.Id]; ok {
		pb.phase = phase
	}
	e.state.pendingMu.Unlock()

	initial := api.V1
	if e.rng.bernoulli(0.5) {
		initial = api.V0
	}

	pd := e.state.getOrCreatePhase(phase, now)
	pd.mu.Lock()
	pd.batchId = batch.Id
	pd.batch = batch
	pd.proposer = e.self
	pd.mu.Unlock()

	env := &wire.Envelope{
		From:      e.self,
		Timestamp: now,
		Kind:      wire.KindPropose,
		Body: &wire.Propose{
			PhaseId: phase,
			BatchId: batch.Id,
			Value:   initial,
			Batch:   batch,
		},
	}
	e.broadcast(env)

	// A node votes on its own proposal exactly like it would on a
	// peer's: through the normal round-1 path, driven by the Propose
	// it just sent to itself in spirit (handleSelfPropose short-circuits
	// the network round-trip for the local vote).
	e.handleSelfPropose(phase, batch.Id, initial, now)
}

// retryBudgetExceeded reports whether pb has exhausted
// limits.max_retries (spec §4.4's "bounded retry count").
func (pb *pendingBatch) retryBudgetExceeded(max int) bool {
	return pb.retries >= max
}

// reproposeBatch re-submits an aborted batch on a fresh phase, up to
// the configured retry budget, per spec §4.4 and §4.7.
func (e *Engine) reproposeBatch(batchId api.BatchId, now time.Time) {
	e.state.pendingMu.Lock()
	pb, ok := e.state.pending[batchId]
	if !ok {
		e.state.pendingMu.Unlock()
		return
	}
	if pb.retryBudgetExceeded(e.cfg.Limits.MaxRetries) {
		delete(e.state.pending, batchId)
		e.state.pendingMu.Unlock()
		e.state.stats.batchesRejected.Add(1)
		e.logger.Warn("batch rejected after exhausting retry budget", "batch", batchId.String())
		return
	}
	pb.retries++
	pb.phase = api.NoPhase
	batch := pb.batch
	e.state.pendingMu.Unlock()

	e.state.stats.batchesRetried.Add(1)
	select {
	case e.submitCh <- batch:
	default:
		e.logger.Warn("dropped retry: submit queue full", "batch", batchId.String(), logger.ErrAttr(fmt.Errorf("queue full")))
	}
}
