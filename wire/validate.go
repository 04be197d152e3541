package wire

import (
	"fmt"
	"time"

	"github.com/rabia-rs/rabia/api"
)

// FailureReason names why a frame was dropped, used as the counter
// key in engine statistics (§4.6: "failing any check increments a
// per-reason counter").
type FailureReason string

const (
	ReasonTooLarge       FailureReason = "frame_too_large"
	ReasonMalformed      FailureReason = "malformed"
	ReasonChecksum       FailureReason = "checksum_mismatch"
	ReasonClockSkew      FailureReason = "clock_skew"
	ReasonNotMember      FailureReason = "not_a_member"
	ReasonPhaseOutOfRange FailureReason = "phase_out_of_range"
)

// ValidationError reports why a frame was rejected, carrying the
// reason so callers can bump the matching counter without string
// matching.
type ValidationError struct {
	Reason FailureReason
	Err    error
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %v", e.Reason, e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

func reject(reason FailureReason, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// ValidationConfig mirrors api.RabiaConfig's relevant fields so this
// package stays independent of the engine package (avoiding an import
// cycle: engine imports wire).
type ValidationConfig struct {
	MaxFrameBytes    int
	MaxClockSkew     time.Duration
	BoundedLookahead uint64
	Members          map[api.NodeId]struct{}
}

// ValidateFrame runs checks 1-3 of §4.6 against the raw frame bytes
// before it is even decoded into an Envelope: size, then (via Decode)
// parse strictness and checksum.
func ValidateFrame(raw []byte, cfg ValidationConfig) (*Envelope, error) {
	if len(raw) > cfg.MaxFrameBytes {
		return nil, reject(ReasonTooLarge, "frame of %d bytes exceeds max %d", len(raw), cfg.MaxFrameBytes)
	}
	env, err := Decode(raw)
	if err != nil {
		if err == ErrChecksum {
			return nil, reject(ReasonChecksum, "checksum mismatch")
		}
		return nil, reject(ReasonMalformed, "decode failed: %w", err)
	}
	return env, nil
}

// ValidateEnvelope runs checks 4-6 of §4.6 against an already-decoded
// envelope: clock skew, membership, and (for phase-bearing messages)
// PhaseId bounds.
func ValidateEnvelope(env *Envelope, currentPhase api.PhaseId, cfg ValidationConfig, now time.Time) error {
	skew := now.Sub(env.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > cfg.MaxClockSkew {
		return reject(ReasonClockSkew, "timestamp skew %s exceeds max %s", skew, cfg.MaxClockSkew)
	}

	if _, ok := cfg.Members[env.From]; !ok {
		return reject(ReasonNotMember, "sender %s is not a cluster member", env.From)
	}

	phase, hasPhase := phaseOf(env)
	if hasPhase {
		if phase == api.NoPhase || phase > currentPhase+api.PhaseId(cfg.BoundedLookahead) {
			return reject(ReasonPhaseOutOfRange, "phase %d out of range of current %d (lookahead %d)",
				phase, currentPhase, cfg.BoundedLookahead)
		}
	}
	return nil
}

func phaseOf(env *Envelope) (api.PhaseId, bool) {
	switch b := env.Body.(type) {
	case *Propose:
		return b.PhaseId, true
	case *Vote:
		return b.PhaseId, true
	case *Decision:
		return b.PhaseId, true
	default:
		return 0, false
	}
}

// ValidateBatch checks the §4.6-adjacent batch-level constraints
// (size, non-empty, per-command size) carried over from
// original_source/rabia-core/src/validation.rs's CommandBatch
// validation.
func ValidateBatch(b *api.CommandBatch, maxBatchSize, maxCommandSize int) error {
	if len(b.Commands) == 0 {
		return reject(ReasonMalformed, "batch %s is empty", b.Id)
	}
	if len(b.Commands) > maxBatchSize {
		return reject(ReasonMalformed, "batch %s has %d commands, exceeds max %d", b.Id, len(b.Commands), maxBatchSize)
	}
	for _, c := range b.Commands {
		if len(c.Data) == 0 {
			return reject(ReasonMalformed, "command %s in batch %s is empty", c.Id, b.Id)
		}
		if len(c.Data) > maxCommandSize {
			return reject(ReasonMalformed, "command %s in batch %s has %d bytes, exceeds max %d", c.Id, b.Id, len(c.Data), maxCommandSize)
		}
	}
	if err := b.Verify(); err != nil {
		return reject(ReasonChecksum, "batch %s: %v", b.Id, err)
	}
	return nil
}

// ValidateSequence rejects a non-monotonic or too-large phase jump,
// grounded on validate_message_sequence in
// original_source/rabia-core/src/validation.rs.
func ValidateSequence(previous, current api.PhaseId, maxJump uint64) error {
	if current <= previous {
		return reject(ReasonPhaseOutOfRange, "phase %d does not advance past previous %d", current, previous)
	}
	if uint64(current-previous) > maxJump {
		return reject(ReasonPhaseOutOfRange, "phase jump from %d to %d exceeds max %d", previous, current, maxJump)
	}
	return nil
}
