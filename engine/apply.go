package engine

import (
	"context"
	"time"

	"github.com/rabia-rs/rabia/api"
	"github.com/rabia-rs/rabia/pkg/logger"
)

// applyLoop is the apply pipeline's dedicated goroutine (spec §4.7,
// §9's "task-based concurrency" note: one logical actor per
// responsibility, woken by a signal channel rather than polling).
func (e *Engine) applyLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.shutdownCh:
			e.drainApply()
			return
		case <-e.applySignal:
			e.drainApply()
		}
	}
}

// drainApply applies every contiguously-decided phase starting just
// after highest_committed, in order, stopping at the first phase that
// is not yet decided (spec §4.7: "out-of-order V1 decisions wait").
func (e *Engine) drainApply() {
	for {
		next := e.state.HighestCommitted() + 1
		pd, ok := e.state.lookupPhase(next)
		if !ok {
			return
		}

		pd.mu.Lock()
		if !pd.decided || pd.applied || pd.aborted {
			pd.mu.Unlock()
			return
		}
		decision := pd.decision
		batch := pd.batch
		batchId := pd.batchId
		pd.mu.Unlock()

		if decision == api.V1 {
			if batch == nil {
				// Decided V1 locally from round-2 votes alone, without
				// ever receiving the batch this phase carries (round-1
				// votes are unicast to the proposer only, so a
				// non-proposer can reach majority on round 2 having
				// never seen the Propose). Committing now would silently
				// skip ApplyCommands and permanently diverge from
				// replicas that did apply it, so this phase is left
				// pending until a late Propose, Decision, or sync
				// response (engine/sync.go's applyDecisionSuffix, which
				// carries batch bytes) fills pd.batch in and wakes the
				// apply loop again.
				return
			}
			if !e.applyCommitted(pd, next, batch, batchId) {
				return
			}
		} else if !e.applyAborted(pd, next, batchId) {
			return
		}
	}
}

// applyCommitted invokes the application SM under exclusive access,
// then atomically removes the pending entry and advances
// highest_committed, per spec §4.7. Callers must not invoke this
// with a nil batch; drainApply holds a decided V1 phase pending until
// its batch is known. It reports false when the commit was refused as
// an ordering violation and the engine was shut down.
func (e *Engine) applyCommitted(pd *phaseData, phase api.PhaseId, batch *api.CommandBatch, batchId api.BatchId) bool {
	e.fsmMu.Lock()
	results, appErr := e.fsm.ApplyCommands(batch.Commands)
	e.fsmMu.Unlock()
	if appErr != nil {
		// Application errors are recorded but never stop the
		// engine: the command sequence is consensus-decided, its
		// results are application-level (spec §7).
		e.logger.Warn("application SM returned an error", "phase", phase, logger.ErrAttr(appErr))
	}

	e.state.pendingMu.Lock()
	delete(e.state.pending, batchId)
	e.state.pendingMu.Unlock()

	outcome := e.state.commitPhase(phase)
	if outcome == InvalidOrdering {
		e.fatal("invariant violation: attempted to commit phase beyond current_phase", "phase", phase)
		return false
	}

	pd.mu.Lock()
	pd.applied = true
	pd.terminal = true
	pd.mu.Unlock()

	e.publishApplyResult(api.ApplyResult{Phase: phase, BatchId: batchId, Decision: api.V1, Results: results, Err: appErr})
	return true
}

// applyAborted records a V0 decision's effect on highest_committed
// without invoking the application SM, and triggers re-submission of
// the batch via intake (spec §4.7, §4.3). It reports false when the
// commit was refused as an ordering violation and the engine was shut
// down.
func (e *Engine) applyAborted(pd *phaseData, phase api.PhaseId, batchId api.BatchId) bool {
	outcome := e.state.commitPhase(phase)
	if outcome == InvalidOrdering {
		e.fatal("invariant violation: attempted to commit aborted phase beyond current_phase", "phase", phase)
		return false
	}

	pd.mu.Lock()
	pd.aborted = true
	pd.terminal = true
	pd.mu.Unlock()

	e.publishApplyResult(api.ApplyResult{Phase: phase, BatchId: batchId, Decision: api.V0})

	go e.reproposeBatch(batchId, time.Now())
	return true
}

// publishApplyResult fans results out to an optional observer channel
// (used by enginetest's porcupine-backed linearizability checks);
// never blocks the apply pipeline.
func (e *Engine) publishApplyResult(r api.ApplyResult) {
	select {
	case e.applyResult <- r:
	default:
	}
}

// ApplyResults exposes the apply pipeline's result stream to
// observers (tests, metrics). Consuming it is optional; results are
// dropped if nobody is listening.
func (e *Engine) ApplyResults() <-chan api.ApplyResult {
	return e.applyResult
}
