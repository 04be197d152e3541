package engine

import (
	"time"

	"github.com/rabia-rs/rabia/api"
)

// VoteOutcome is the result of recording a vote, mirroring spec
// §4.2's record_vote outcome enumeration.
type VoteOutcome int

const (
	RecordedNoMajority VoteOutcome = iota
	RecordedMajority
	DuplicateVote
	StaleVote
)

// CommitOutcome is the result of commit_phase, per spec §4.2.
type CommitOutcome int

const (
	Committed CommitOutcome = iota
	AlreadyCommitted
	InvalidOrdering
)

// advanceCurrentPhase increments current_phase with a CAS retry loop
// ("only increase"), per spec §4.2's atomicity rule, and returns the
// new value.
func (s *EngineState) advanceCurrentPhase() api.PhaseId {
	for {
		cur := s.currentPhase.Load()
		next := cur + 1
		if s.currentPhase.CompareAndSwap(cur, next) {
			return api.PhaseId(next)
		}
	}
}

// observeCurrentPhase ensures current_phase is at least p, used when
// a peer's message (propose/vote/decision) refers to a phase this
// node has not locally advanced to yet.
func (s *EngineState) observeCurrentPhase(p api.PhaseId) {
	for {
		cur := s.currentPhase.Load()
		if uint64(p) <= cur {
			return
		}
		if s.currentPhase.CompareAndSwap(cur, uint64(p)) {
			return
		}
	}
}

// getOrCreatePhase lazily inserts a phaseData record for p, per spec
// §4.2/§3 lifecycle: "created lazily on the first message referring
// to a phase".
func (s *EngineState) getOrCreatePhase(p api.PhaseId, now time.Time) *phaseData {
	s.phasesMu.RLock()
	pd, ok := s.phases[p]
	s.phasesMu.RUnlock()
	if ok {
		return pd
	}

	s.phasesMu.Lock()
	defer s.phasesMu.Unlock()
	if pd, ok = s.phases[p]; ok {
		return pd
	}
	pd = &phaseData{
		phase:       p,
		createdAt:   now,
		round1Votes: make(map[api.NodeId]api.StateValue),
		round2Votes: make(map[api.NodeId]api.StateValue),
	}
	s.phases[p] = pd
	return pd
}

func (s *EngineState) lookupPhase(p api.PhaseId) (*phaseData, bool) {
	s.phasesMu.RLock()
	defer s.phasesMu.RUnlock()
	pd, ok := s.phases[p]
	return pd, ok
}

// recordVote records voter's vote for round/value against pd and
// reports whether it newly reaches majority. Only V0 or V1 can be a
// final decision (round 2); V? may reach "majority" in round 1 but
// that only means round 1 was inconclusive, never a decision (spec
// §4.2 key algorithm).
func (pd *phaseData) recordVote(round api.Round, voter api.NodeId, value api.StateValue, quorum int) VoteOutcome {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	if pd.terminal {
		return StaleVote
	}

	tally := pd.round1Votes
	if round == api.Round2 {
		tally = pd.round2Votes
	}

	if existing, ok := tally[voter]; ok {
		if existing == value {
			return DuplicateVote
		}
		// A voter changing its vote for the same round never happens
		// under this protocol's honest execution; treat as the latest
		// write winning, matching a CRDT-free last-writer map.
	}
	tally[voter] = value

	if round == api.Round1 {
		if pd.round1Done {
			return RecordedNoMajority
		}
		if v, ok := majorityValue(tally, quorum); ok {
			pd.round1Done = true
			pd.round1Outcome = v
			return RecordedMajority
		}
		return RecordedNoMajority
	}

	if pd.decided {
		return RecordedNoMajority
	}
	if v, ok := decisiveMajorityValue(tally, quorum); ok {
		pd.decided = true
		pd.decision = v
		return RecordedMajority
	}
	return RecordedNoMajority
}

// majorityValue checks V0 then V1 then V? in that order, mirroring
// PhaseData::count_votes in the Rabia reference implementation.
func majorityValue(tally map[api.NodeId]api.StateValue, quorum int) (api.StateValue, bool) {
	counts := tallyCounts(tally)
	if counts[api.V0] >= quorum {
		return api.V0, true
	}
	if counts[api.V1] >= quorum {
		return api.V1, true
	}
	if counts[api.VUncertain] >= quorum {
		return api.VUncertain, true
	}
	return 0, false
}

// decisiveMajorityValue is majorityValue restricted to V0/V1: round 2
// is guaranteed to converge on one of them and must never report a V?
// decision (spec §4.3).
func decisiveMajorityValue(tally map[api.NodeId]api.StateValue, quorum int) (api.StateValue, bool) {
	counts := tallyCounts(tally)
	if counts[api.V0] >= quorum {
		return api.V0, true
	}
	if counts[api.V1] >= quorum {
		return api.V1, true
	}
	return 0, false
}

func tallyCounts(tally map[api.NodeId]api.StateValue) map[api.StateValue]int {
	counts := map[api.StateValue]int{api.V0: 0, api.V1: 0, api.VUncertain: 0}
	for _, v := range tally {
		counts[v]++
	}
	return counts
}

// commitPhase sets highest_committed to max(current, p), but only if
// p does not exceed current_phase (spec §4.2, invariant 5).
func (s *EngineState) commitPhase(p api.PhaseId) CommitOutcome {
	if uint64(p) > s.currentPhase.Load() {
		return InvalidOrdering
	}
	for {
		cur := s.highestCommitted.Load()
		if uint64(p) <= cur {
			return AlreadyCommitted
		}
		if s.highestCommitted.CompareAndSwap(cur, uint64(p)) {
			return Committed
		}
	}
}

// cleanup removes terminal phases whose creation time is older than
// before, per spec §4.2, respecting invariant 6 (never collect a
// phase while a later one within the retention window is still
// active — callers pass before = now - retention, and terminal-ness
// plus age together already guard this since terminal phases below
// the window are, by definition, not "still active").
func (s *EngineState) cleanup(before time.Time) int {
	s.phasesMu.Lock()
	defer s.phasesMu.Unlock()
	count := 0
	for p, pd := range s.phases {
		pd.mu.Lock()
		terminal := pd.terminal
		createdAt := pd.createdAt
		pd.mu.Unlock()
		if terminal && createdAt.Before(before) {
			delete(s.phases, p)
			count++
		}
	}
	return count
}

func (s *EngineState) phaseCount() int {
	s.phasesMu.RLock()
	defer s.phasesMu.RUnlock()
	return len(s.phases)
}
