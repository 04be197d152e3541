package api

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/google/uuid"
)

// NodeId is the opaque identity of a replica. Membership is fixed at
// engine start; total order over NodeIds is irrelevant except as a
// deterministic tie-breaker in logs and tests.
type NodeId uuid.UUID

func NewNodeId() NodeId { return NodeId(uuid.New()) }

func (id NodeId) String() string { return uuid.UUID(id).String() }

// BatchId is the opaque identity of a client-submitted batch.
type BatchId uuid.UUID

func NewBatchId() BatchId { return BatchId(uuid.New()) }

func (id BatchId) String() string { return uuid.UUID(id).String() }

// PhaseId is a monotonically increasing counter identifying one
// instance of the agreement procedure. 0 is reserved to mean "no phase".
type PhaseId uint64

const NoPhase PhaseId = 0

// StateValue is the consensus value domain: V1 commits a batch, V0
// forfeits it, VUncertain is a randomization sentinel used only
// during voting and is never a final decision.
type StateValue int

const (
	V0 StateValue = iota
	V1
	VUncertain
)

func (v StateValue) String() string {
	switch v {
	case V0:
		return "V0"
	case V1:
		return "V1"
	case VUncertain:
		return "V?"
	default:
		return "V(invalid)"
	}
}

// Round identifies which of the two voting sub-steps a vote belongs to.
type Round int

const (
	Round1 Round = 1
	Round2 Round = 2
)

// Command is the atomic unit of work inside a batch.
type Command struct {
	Id        uuid.UUID
	Data      []byte
	CreatedAt time.Time
}

// CommandBatch is an ordered sequence of Commands agreed upon as a
// single consensus value. Command order is part of the consensus
// value: two batches with the same commands in different order are
// distinct values. Checksum is stamped once at construction (see
// Stamp) and carried unchanged across the wire; Verify recomputes it
// from the current content and reports any mismatch.
type CommandBatch struct {
	Id        BatchId
	Commands  []Command
	Timestamp time.Time
	Checksum  uint32
}

// checksumPayload is the canonical, order-preserving shape hashed by
// computeChecksum. It excludes the checksum itself.
type checksumPayload struct {
	Id        uuid.UUID `json:"id"`
	Commands  []cmdJSON `json:"commands"`
	Timestamp int64     `json:"timestamp"`
}

type cmdJSON struct {
	Id        uuid.UUID `json:"id"`
	Data      []byte    `json:"data"`
	CreatedAt int64     `json:"created_at"`
}

// Stamp computes the batch's checksum from its current content and
// stores it in Checksum. Callers constructing a CommandBatch (client
// submission paths, test doubles) must call this before the batch is
// admitted; admitBatch's wire.ValidateBatch call rejects an unstamped
// or stale batch as a checksum mismatch.
func (b *CommandBatch) Stamp() error {
	sum, err := b.computeChecksum()
	if err != nil {
		return err
	}
	b.Checksum = sum
	return nil
}

// Verify reports whether Checksum matches the batch's current
// content, mirroring the round-trip law "checksum(msg) validates
// after encode→decode" applied to the CommandBatch data model item
// itself (spec §3: "CommandBatch ... + checksum").
func (b *CommandBatch) Verify() error {
	sum, err := b.computeChecksum()
	if err != nil {
		return err
	}
	if sum != b.Checksum {
		return fmt.Errorf("checksum mismatch: got %d, want %d", sum, b.Checksum)
	}
	return nil
}

// computeChecksum is a CRC32 (Castagnoli) checksum over the batch's
// canonical encoding, mirroring the per-message checksum carried on
// the wire (see wire.Encode).
func (b *CommandBatch) computeChecksum() (uint32, error) {
	payload := checksumPayload{
		Id:        uuid.UUID(b.Id),
		Timestamp: b.Timestamp.UnixNano(),
	}
	for _, c := range b.Commands {
		payload.Commands = append(payload.Commands, cmdJSON{
			Id:        c.Id,
			Data:      c.Data,
			CreatedAt: c.CreatedAt.UnixNano(),
		})
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	return crc32.Checksum(raw, crc32.MakeTable(crc32.Castagnoli)), nil
}
