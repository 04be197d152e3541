package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabia-rs/rabia/api"
)

// phaseData is the per-PhaseId record described in spec §3. It is
// mutated only through phaseStore operations; once it reaches a
// terminal decision it is never mutated again except by cleanup.
type phaseData struct {
	mu sync.Mutex

	phase     api.PhaseId
	batchId   api.BatchId
	batch     *api.CommandBatch
	proposer  api.NodeId
	createdAt time.Time

	round1Votes   map[api.NodeId]api.StateValue
	round1Value   settableValue // the value this phase was first proposed with
	round1Done    bool
	round1Outcome api.StateValue

	round2Votes map[api.NodeId]api.StateValue
	decided     bool
	decision    api.StateValue

	applied  bool
	aborted  bool
	terminal bool
}

// EngineState is the process-wide shared state described in spec §3:
// atomic counters plus lock-protected maps. The maps are not sharded:
// each is a single map guarded by its own mutex. No component
// owns it exclusively; it is exposed only through the narrow
// operation set in phases.go.
type EngineState struct {
	currentPhase     atomic.Uint64
	highestCommitted atomic.Uint64
	quorumSize       int
	members          map[api.NodeId]struct{}

	phasesMu sync.RWMutex
	phases   map[api.PhaseId]*phaseData

	pendingMu sync.RWMutex
	pending   map[api.BatchId]*pendingBatch

	activeMu sync.RWMutex
	active   map[api.NodeId]time.Time

	syncMu        sync.Mutex
	syncResponses map[api.NodeId]syncResponseRecord
	syncResolving bool

	snapshotMu sync.RWMutex
	snapshotId string

	proposalSeqMu sync.Mutex
	proposalSeq   map[api.NodeId]api.PhaseId

	stats statsCounters
}

// syncResponseRecord is one buffered sync response; sync.go populates
// payload with the *wire.SyncResponse it was built from.
type syncResponseRecord struct {
	responderPhase   api.PhaseId
	highestCommitted api.PhaseId
	payload          any
}

// pendingBatch is the BatchId-keyed record from spec §3: a batch
// awaiting proposal or re-proposal, tracked until its phase reaches a
// terminal state.
type pendingBatch struct {
	batch       *api.CommandBatch
	submittedAt time.Time
	phase       api.PhaseId // NoPhase until a phase is assigned
	retries     int
}

func newEngineState(members []api.NodeId) *EngineState {
	memberSet := make(map[api.NodeId]struct{}, len(members))
	for _, m := range members {
		memberSet[m] = struct{}{}
	}
	return &EngineState{
		quorumSize:    quorumSize(len(members)),
		members:       memberSet,
		phases:        make(map[api.PhaseId]*phaseData),
		pending:       make(map[api.BatchId]*pendingBatch),
		active:        make(map[api.NodeId]time.Time),
		syncResponses: make(map[api.NodeId]syncResponseRecord),
		proposalSeq:   make(map[api.NodeId]api.PhaseId),
	}
}

// lastProposalPhase returns the phase of the most recent Propose
// accepted from sender, if any (rpc.go's checkProposalSequence).
func (s *EngineState) lastProposalPhase(sender api.NodeId) (api.PhaseId, bool) {
	s.proposalSeqMu.Lock()
	defer s.proposalSeqMu.Unlock()
	p, ok := s.proposalSeq[sender]
	return p, ok
}

// recordProposalPhase advances sender's tracked proposal phase.
// Called only after checkProposalSequence accepts phase, so a
// rejected out-of-sequence Propose never becomes the new baseline.
func (s *EngineState) recordProposalPhase(sender api.NodeId, phase api.PhaseId) {
	s.proposalSeqMu.Lock()
	defer s.proposalSeqMu.Unlock()
	s.proposalSeq[sender] = phase
}

// quorumSize is the strict majority of a fixed membership of size n:
// floor(n/2) + 1 (2 of 3, 3 of 4, 3 of 5).
func quorumSize(n int) int {
	return n/2 + 1
}

func (s *EngineState) CurrentPhase() api.PhaseId {
	return api.PhaseId(s.currentPhase.Load())
}

func (s *EngineState) HighestCommitted() api.PhaseId {
	return api.PhaseId(s.highestCommitted.Load())
}

// hasQuorum reports whether the number of active peers (including
// self, which is always active) meets the strict-majority threshold.
func (s *EngineState) hasQuorum() bool {
	return s.countActive() >= s.quorumSize
}

func (s *EngineState) countActive() int {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()
	return len(s.active) + 1 // self
}

// markActive records that a peer was recently heard from, used by the
// sync subprotocol's liveness tracking (§9 supplemented feature:
// active-node/quorum tracking).
func (s *EngineState) markActive(peer api.NodeId, now time.Time) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	s.active[peer] = now
}

// pruneActive drops peers not heard from within staleAfter, keeping
// the quorum view honest without a synchronous liveness probe.
func (s *EngineState) pruneActive(now time.Time, staleAfter time.Duration) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	for peer, last := range s.active {
		if now.Sub(last) > staleAfter {
			delete(s.active, peer)
		}
	}
}

func (s *EngineState) activePeers() []api.NodeId {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()
	out := make([]api.NodeId, 0, len(s.active))
	for peer := range s.active {
		out = append(out, peer)
	}
	return out
}

type statsCounters struct {
	votesRound1        atomic.Uint64
	votesRound2        atomic.Uint64
	decisionsCommitted atomic.Uint64
	decisionsAborted   atomic.Uint64
	batchesRetried     atomic.Uint64
	batchesRejected    atomic.Uint64
	syncRequestsServed atomic.Uint64

	validationMu sync.Mutex
	validation   map[string]uint64
}

func (c *statsCounters) bumpValidation(reason string) {
	c.validationMu.Lock()
	defer c.validationMu.Unlock()
	if c.validation == nil {
		c.validation = make(map[string]uint64)
	}
	c.validation[reason]++
}

func (c *statsCounters) snapshotValidation() map[string]uint64 {
	c.validationMu.Lock()
	defer c.validationMu.Unlock()
	out := make(map[string]uint64, len(c.validation))
	for k, v := range c.validation {
		out[k] = v
	}
	return out
}
