// Package wire defines the Rabia protocol's logical message set and
// its canonical binary encoding, checksum, and validation contract.
package wire

import (
	"time"

	"github.com/rabia-rs/rabia/api"
)

// Kind identifies which logical message a Frame carries.
type Kind byte

const (
	KindPropose Kind = iota + 1
	KindVote
	KindDecision
	KindHeartbeat
	KindSyncRequest
	KindSyncResponse
)

func (k Kind) String() string {
	switch k {
	case KindPropose:
		return "Propose"
	case KindVote:
		return "Vote"
	case KindDecision:
		return "Decision"
	case KindHeartbeat:
		return "Heartbeat"
	case KindSyncRequest:
		return "SyncRequest"
	case KindSyncResponse:
		return "SyncResponse"
	default:
		return "Unknown"
	}
}

// Envelope carries the fields every wire message shares: sender
// identity, a monotonic timestamp, and a checksum over the canonical
// encoding of the body.
type Envelope struct {
	From      api.NodeId
	Timestamp time.Time
	Checksum  uint32
	Kind      Kind
	Body      any
}

type Propose struct {
	PhaseId api.PhaseId
	BatchId api.BatchId
	Value   api.StateValue
	Batch   *api.CommandBatch // only set when the proposer is announcing a new batch
}

type Vote struct {
	PhaseId api.PhaseId
	BatchId api.BatchId
	Round   api.Round
	Value   api.StateValue
	// Round1Tally is populated on every round-2 vote the engine casts,
	// with the sender's round-1 tally at the time it voted. The
	// receiving engine records only Value; it does not read the tally.
	Round1Tally map[api.NodeId]api.StateValue
}

type Decision struct {
	PhaseId api.PhaseId
	BatchId api.BatchId
	Value   api.StateValue // V0 or V1, never VUncertain
	Batch   *api.CommandBatch
}

type Heartbeat struct {
	CurrentPhase     api.PhaseId
	HighestCommitted api.PhaseId
}

type SyncRequest struct {
	FromPhase api.PhaseId
}

// DecisionEntry is one element of a SyncResponse's decision suffix.
type DecisionEntry struct {
	PhaseId api.PhaseId
	BatchId api.BatchId
	Value   api.StateValue
	Batch   *api.CommandBatch // present when Value == V1
}

type SyncResponse struct {
	ResponderPhase     api.PhaseId
	HighestCommitted   api.PhaseId
	Entries            []DecisionEntry
	Snapshot           []byte // non-nil only on the snapshot path
	SnapshotBasePhase   api.PhaseId
}
