package engine

import (
	"time"

	"github.com/rabia-rs/rabia/api"
	"github.com/rabia-rs/rabia/pkg/logger"
	"github.com/rabia-rs/rabia/wire"
)

// handleSyncRequest serves a lagging peer's request for the decisions
// it is missing, per spec §4.5. When the gap from the requester's
// advertised phase exceeds limits.max_phase_history, it answers with
// an application snapshot taken at its highest_committed and no
// decision entries, instead of the full range (the snapshot-path
// threshold supplemented in SPEC_FULL.md item 4).
func (e *Engine) handleSyncRequest(from api.NodeId, req *wire.SyncRequest) {
	e.state.stats.syncRequestsServed.Add(1)

	localHC := e.state.HighestCommitted()
	if req.FromPhase >= localHC {
		return // requester is already caught up; nothing to send
	}

	gap := uint64(localHC - req.FromPhase)
	resp := &wire.SyncResponse{
		ResponderPhase:   e.state.CurrentPhase(),
		HighestCommitted: localHC,
	}

	if gap > e.cfg.Limits.MaxPhaseHistory {
		snap, err := e.fsm.Snapshot()
		if err != nil {
			e.logger.Warn("failed to produce snapshot for sync response", logger.ErrAttr(err))
			return
		}
		resp.Snapshot = snap
		resp.SnapshotBasePhase = localHC
		// A suffix is not attached: the snapshot already reflects
		// every decision up to localHC, and entries resume only past
		// it, which is empty here since localHC is the snapshot base.
	} else {
		resp.Entries = e.collectDecisionRange(req.FromPhase+1, localHC)
	}

	e.send(from, &wire.Envelope{
		From:      e.self,
		Timestamp: time.Now(),
		Kind:      wire.KindSyncResponse,
		Body:      resp,
	})
}

func (e *Engine) collectDecisionRange(from, to api.PhaseId) []wire.DecisionEntry {
	entries := make([]wire.DecisionEntry, 0, int(to-from+1))
	for p := from; p <= to; p++ {
		pd, ok := e.state.lookupPhase(p)
		if !ok {
			continue // already cleaned up; the requester must re-request via snapshot
		}
		pd.mu.Lock()
		if pd.decided {
			entries = append(entries, wire.DecisionEntry{
				PhaseId: p,
				BatchId: pd.batchId,
				Value:   pd.decision,
				Batch:   pd.batch,
			})
		}
		pd.mu.Unlock()
	}
	return entries
}

// handleSyncResponse buffers resp until responses from a quorum-sized
// number of peers are held (their contents are not compared), then
// resolves by applying the furthest-ahead response, mirroring resolve_sync in the Rabia
// reference implementation. Partial responses are idempotent: a gap
// left by a short response is closed by a later SyncRequest.
func (e *Engine) handleSyncResponse(from api.NodeId, resp *wire.SyncResponse) {
	e.state.syncMu.Lock()
	e.state.syncResponses[from] = syncResponseRecord{
		responderPhase:   resp.ResponderPhase,
		highestCommitted: resp.HighestCommitted,
		payload:          resp,
	}
	ready := len(e.state.syncResponses) >= e.state.quorumSize && !e.state.syncResolving
	if ready {
		e.state.syncResolving = true
	}
	e.state.syncMu.Unlock()

	if ready {
		e.resolveSync()
	}
}

func (e *Engine) resolveSync() {
	e.state.syncMu.Lock()
	var best syncResponseRecord
	for _, rec := range e.state.syncResponses {
		if rec.highestCommitted > best.highestCommitted {
			best = rec
		}
	}
	e.state.syncResponses = make(map[api.NodeId]syncResponseRecord)
	e.state.syncResolving = false
	e.state.syncMu.Unlock()

	resp, ok := best.payload.(*wire.SyncResponse)
	if !ok {
		return
	}

	// A sync that would regress highest_committed is rejected (spec
	// §4.5 failure semantics).
	if resp.HighestCommitted <= e.state.HighestCommitted() {
		return
	}

	if resp.Snapshot != nil {
		e.applySnapshot(resp)
		return
	}

	e.applyDecisionSuffix(resp.Entries)
}

// applySnapshot restores the application SM from a peer's snapshot
// and fast-forwards highest_committed to the snapshot's base phase.
// This bypasses the normal apply pipeline ordering check deliberately:
// the snapshot already encodes every V1-decided batch up to its base
// phase.
func (e *Engine) applySnapshot(resp *wire.SyncResponse) {
	e.fsmMu.Lock()
	err := e.fsm.Restore(resp.Snapshot)
	e.fsmMu.Unlock()
	if err != nil {
		e.logger.Error("failed to restore snapshot from sync", logger.ErrAttr(err))
		return
	}

	e.state.observeCurrentPhase(resp.SnapshotBasePhase)
	for {
		cur := e.state.highestCommitted.Load()
		if uint64(resp.SnapshotBasePhase) <= cur {
			break
		}
		if e.state.highestCommitted.CompareAndSwap(cur, uint64(resp.SnapshotBasePhase)) {
			break
		}
	}
	e.applyDecisionSuffix(resp.Entries)
}

// applyDecisionSuffix feeds a SyncResponse's decision entries into the
// normal phase store so the apply pipeline's ordering and at-most-once
// invariants are enforced identically to live decisions (spec §4.5:
// "must pass the same apply-time invariants as live decisions").
func (e *Engine) applyDecisionSuffix(entries []wire.DecisionEntry) {
	now := time.Now()
	for _, entry := range entries {
		e.state.observeCurrentPhase(entry.PhaseId)
		pd := e.state.getOrCreatePhase(entry.PhaseId, now)
		pd.mu.Lock()
		if !pd.terminal {
			if !pd.decided {
				pd.decided = true
				pd.decision = entry.Value
			}
			// Fill in the batch even if this phase was already decided
			// locally (e.g. from round-2 votes alone, without ever
			// having received the batch): sync entries carry it, which
			// is exactly the gap-closing path drainApply waits on.
			if pd.batch == nil && entry.Batch != nil {
				pd.batch = entry.Batch
				pd.batchId = entry.BatchId
			}
		}
		pd.mu.Unlock()
	}
	e.signalApply()
}

// restore recovers persisted state at startup (spec §6): load the
// last snapshot and recovery marker, restore the application SM, then
// rely on sync to close any remaining gap.
func (e *Engine) restore() error {
	state, found, err := e.persister.LoadState()
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	snap, err := e.persister.LoadSnapshot(state.SnapshotId)
	if err == nil && snap != nil {
		e.fsmMu.Lock()
		rerr := e.fsm.Restore(snap)
		e.fsmMu.Unlock()
		if rerr != nil {
			return rerr
		}
	}

	e.state.observeCurrentPhase(state.HighestCommitted)
	e.state.highestCommitted.Store(uint64(state.HighestCommitted))
	e.logger.Info("restored persisted state", "highest_committed", state.HighestCommitted)
	return nil
}
