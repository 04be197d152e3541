package engine

import (
	"context"
	"time"

	"github.com/rabia-rs/rabia/api"
	"github.com/rabia-rs/rabia/pkg/logger"
	"github.com/rabia-rs/rabia/wire"
)

func (e *Engine) broadcast(env *wire.Envelope) {
	frame, err := wire.Encode(env)
	if err != nil {
		e.logger.Error("failed to encode outbound frame", logger.ErrAttr(err), "kind", env.Kind.String())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timings.RPCTimeout)
	defer cancel()
	if err := e.transport.Broadcast(ctx, frame, e.self); err != nil {
		e.logger.Debug("broadcast failed, relying on retry via future protocol activity", logger.ErrAttr(err))
	}
}

func (e *Engine) send(to api.NodeId, env *wire.Envelope) {
	frame, err := wire.Encode(env)
	if err != nil {
		e.logger.Error("failed to encode outbound frame", logger.ErrAttr(err), "kind", env.Kind.String())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timings.RPCTimeout)
	defer cancel()
	if err := e.transport.Send(ctx, to, frame); err != nil {
		e.logger.Debug("send failed, relying on retry via future protocol activity", "to", to.String(), logger.ErrAttr(err))
	}
}

// handleInbound validates a raw frame end to end (spec §4.6) and
// dispatches it by message kind (spec §4.1's "demultiplexed by
// phase"). No validation error is fatal: failing any check drops the
// frame and increments a per-reason counter.
func (e *Engine) handleInbound(in api.InboundFrame) {
	vcfg := wire.ValidationConfig{
		MaxFrameBytes:    e.cfg.Limits.MaxFrameBytes,
		MaxClockSkew:     e.cfg.Limits.MaxClockSkew,
		BoundedLookahead: e.cfg.Limits.BoundedLookahead,
		Members:          e.state.members,
	}

	env, err := wire.ValidateFrame(in.Frame, vcfg)
	if err != nil {
		e.bumpValidationFailure(err)
		return
	}

	if err := wire.ValidateEnvelope(env, e.state.CurrentPhase(), vcfg, time.Now()); err != nil {
		e.bumpValidationFailure(err)
		return
	}

	e.state.markActive(env.From, time.Now())

	switch body := env.Body.(type) {
	case *wire.Propose:
		if err := e.checkProposalSequence(env.From, body.PhaseId); err != nil {
			e.bumpValidationFailure(err)
			return
		}
		e.handlePropose(env.From, body)
	case *wire.Vote:
		e.handleVote(env.From, body)
	case *wire.Decision:
		e.handleDecision(body)
	case *wire.Heartbeat:
		e.handleHeartbeat(env.From, body)
	case *wire.SyncRequest:
		e.handleSyncRequest(env.From, body)
	case *wire.SyncResponse:
		e.handleSyncResponse(env.From, body)
	}
}

func (e *Engine) bumpValidationFailure(err error) {
	reason := "unknown"
	if ve, ok := err.(*wire.ValidationError); ok {
		reason = string(ve.Reason)
	}
	e.state.stats.bumpValidation(reason)
	e.logger.Debug("dropped inbound frame", "reason", reason, logger.ErrAttr(err))
}

// checkProposalSequence enforces that a given proposer's successive
// Propose messages strictly advance, within the bounded lookahead,
// grounded on validate_message_sequence in
// original_source/rabia-core/src/validation.rs. It is scoped to
// Propose specifically rather than every phase-bearing kind: a
// proposer emits at most one Propose per phase it initiates, in
// strictly increasing order by construction (intake.go's
// advanceCurrentPhase), while Votes and Decisions legitimately repeat
// the same PhaseId multiple times from the same sender across a
// phase's two rounds.
func (e *Engine) checkProposalSequence(from api.NodeId, phase api.PhaseId) error {
	previous, seen := e.state.lastProposalPhase(from)
	if seen {
		if err := wire.ValidateSequence(previous, phase, e.cfg.Limits.BoundedLookahead); err != nil {
			return err
		}
	}
	e.state.recordProposalPhase(from, phase)
	return nil
}

// handlePropose is the peer-received path for a Propose message: it
// never broadcasts, it replies to the proposer only (spec §4.3's
// emitted-message order is per-node; a node only owes a round-1 vote
// to whoever it heard the proposal from).
func (e *Engine) handlePropose(from api.NodeId, p *wire.Propose) {
	e.state.observeCurrentPhase(p.PhaseId)
	now := time.Now()
	pd := e.state.getOrCreatePhase(p.PhaseId, now)

	pd.mu.Lock()
	filledBatch := false
	if pd.batch == nil && p.Batch != nil {
		pd.batch = p.Batch
		pd.batchId = p.BatchId
		pd.proposer = from
		filledBatch = true
	}
	alreadyDecided := pd.decided
	pd.mu.Unlock()

	vote := round1Vote(e.rng, pd, p.Value, e.cfg.Randomization)
	e.castRound1Vote(from, pd, p.BatchId, vote, now)

	if filledBatch && alreadyDecided {
		// This phase was already decided locally (via round-2 votes
		// alone) before its batch ever arrived; now that it has, wake
		// the apply pipeline so drainApply can commit it.
		e.signalApply()
	}
}

// handleSelfPropose drives this node's own round-1 vote on the batch
// it just proposed, without a network round-trip.
func (e *Engine) handleSelfPropose(phase api.PhaseId, batchId api.BatchId, value api.StateValue, now time.Time) {
	pd := e.state.getOrCreatePhase(phase, now)
	vote := round1Vote(e.rng, pd, value, e.cfg.Randomization)
	e.castRound1Vote(e.self, pd, batchId, vote, now)
}

// castRound1Vote records N's own round-1 vote locally and sends it to
// the recipient (the proposer, or self). Self-votes still flow
// through recordVote so majority detection sees them uniformly.
func (e *Engine) castRound1Vote(to api.NodeId, pd *phaseData, batchId api.BatchId, vote api.StateValue, now time.Time) {
	e.state.stats.votesRound1.Add(1)
	outcome := pd.recordVote(api.Round1, e.self, vote, e.state.quorumSize)
	e.maybeStartRound2(pd, outcome, now)

	if to != e.self {
		e.send(to, &wire.Envelope{
			From:      e.self,
			Timestamp: now,
			Kind:      wire.KindVote,
			Body: &wire.Vote{
				PhaseId: pd.phase,
				BatchId: batchId,
				Round:   api.Round1,
				Value:   vote,
			},
		})
	} else {
		e.handleVote(e.self, &wire.Vote{PhaseId: pd.phase, BatchId: batchId, Round: api.Round1, Value: vote})
	}
}

// handleVote records an inbound round-1 or round-2 vote and advances
// the phase state machine on reaching majority (spec §4.2, §4.8).
func (e *Engine) handleVote(from api.NodeId, v *wire.Vote) {
	now := time.Now()
	e.state.observeCurrentPhase(v.PhaseId)
	pd := e.state.getOrCreatePhase(v.PhaseId, now)

	if v.Round == api.Round1 {
		if from == e.self {
			// already recorded by castRound1Vote's direct call path
			return
		}
		e.state.stats.votesRound1.Add(1)
		outcome := pd.recordVote(api.Round1, from, v.Value, e.state.quorumSize)
		e.maybeStartRound2(pd, outcome, now)
		return
	}

	e.state.stats.votesRound2.Add(1)
	outcome := pd.recordVote(api.Round2, from, v.Value, e.state.quorumSize)
	if outcome == RecordedMajority {
		pd.mu.Lock()
		decision := pd.decision
		pd.mu.Unlock()
		e.makeDecision(pd, decision, now)
	}
}

// maybeStartRound2 transitions Round1Voting -> Round1Decided ->
// Round2Voting when round 1 reaches any majority (including V?, spec
// §4.2: "V? is never a decision value even if it reaches majority in
// round 1; it merely forces round 2").
func (e *Engine) maybeStartRound2(pd *phaseData, outcome VoteOutcome, now time.Time) {
	if outcome != RecordedMajority {
		return
	}

	pd.mu.Lock()
	round1Outcome := pd.round1Outcome
	alreadyVoted := false
	if _, ok := pd.round2Votes[e.self]; ok {
		alreadyVoted = true
	}
	tally := make(map[api.NodeId]api.StateValue, len(pd.round1Votes))
	for k, v := range pd.round1Votes {
		tally[k] = v
	}
	pd.mu.Unlock()

	if alreadyVoted {
		return
	}

	vote := round2Vote(e.rng, round1Outcome, tally, e.cfg.Randomization)

	e.state.stats.votesRound2.Add(1)
	selfOutcome := pd.recordVote(api.Round2, e.self, vote, e.state.quorumSize)

	env := &wire.Envelope{
		From:      e.self,
		Timestamp: now,
		Kind:      wire.KindVote,
		Body: &wire.Vote{
			PhaseId:     pd.phase,
			BatchId:     pd.batchId,
			Round:       api.Round2,
			Value:       vote,
			Round1Tally: tally,
		},
	}
	e.broadcast(env)

	if selfOutcome == RecordedMajority {
		pd.mu.Lock()
		decision := pd.decision
		pd.mu.Unlock()
		e.makeDecision(pd, decision, now)
	}
}

// makeDecision marks the phase decided, broadcasts a Decision, and
// wakes the apply pipeline for either value (spec §4.3's decision
// rule, §4.7). Idempotent: a phase already marked terminal is left
// alone, matching invariant 3 ("decision is a permanent function").
func (e *Engine) makeDecision(pd *phaseData, decision api.StateValue, now time.Time) {
	pd.mu.Lock()
	if pd.terminal {
		pd.mu.Unlock()
		return
	}
	pd.decided = true
	pd.decision = decision
	batch := pd.batch
	batchId := pd.batchId
	pd.mu.Unlock()

	if decision == api.V1 {
		e.state.stats.decisionsCommitted.Add(1)
	} else {
		e.state.stats.decisionsAborted.Add(1)
	}

	e.broadcast(&wire.Envelope{
		From:      e.self,
		Timestamp: now,
		Kind:      wire.KindDecision,
		Body: &wire.Decision{
			PhaseId: pd.phase,
			BatchId: batchId,
			Value:   decision,
			Batch:   batch,
		},
	})

	e.signalApply()
}

// handleDecision is the peer-received path for a broadcast Decision:
// it records the decision (guarding against duplicate application,
// spec §4.7's at-most-once requirement, by checking terminal rather
// than decided) and wakes the apply pipeline. A phase already decided
// locally from round-2 votes alone still lacks its batch until a
// Decision or Propose carrying it arrives; this still fills pd.batch
// in for that case as long as the phase has not yet been applied.
func (e *Engine) handleDecision(d *wire.Decision) {
	now := time.Now()
	e.state.observeCurrentPhase(d.PhaseId)
	pd := e.state.getOrCreatePhase(d.PhaseId, now)

	pd.mu.Lock()
	if pd.terminal {
		pd.mu.Unlock()
		return
	}
	pd.decided = true
	pd.decision = d.Value
	if pd.batch == nil {
		pd.batch = d.Batch
		pd.batchId = d.BatchId
	}
	pd.mu.Unlock()

	e.signalApply()
}

func (e *Engine) signalApply() {
	select {
	case e.applySignal <- struct{}{}:
	default:
	}
}

func (e *Engine) sendHeartbeat() {
	e.broadcast(&wire.Envelope{
		From:      e.self,
		Timestamp: time.Now(),
		Kind:      wire.KindHeartbeat,
		Body: &wire.Heartbeat{
			CurrentPhase:     e.state.CurrentPhase(),
			HighestCommitted: e.state.HighestCommitted(),
		},
	})
}

// handleHeartbeat implements the liveness half of spec §4.5: a node
// observing a peer with a higher highest_committed sends a
// SyncRequest.
func (e *Engine) handleHeartbeat(from api.NodeId, hb *wire.Heartbeat) {
	localHC := e.state.HighestCommitted()
	if hb.HighestCommitted > localHC {
		e.send(from, &wire.Envelope{
			From:      e.self,
			Timestamp: time.Now(),
			Kind:      wire.KindSyncRequest,
			Body:      &wire.SyncRequest{FromPhase: localHC},
		})
	}
}
