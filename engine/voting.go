package engine

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"

	"github.com/rabia-rs/rabia/api"
)

// voteRNG is the per-node randomization source used for rounds 1 and
// 2. Results need not be reproducible across nodes but must be
// independent (spec §4.3); tests may inject a deterministic seed via
// RandomizationCfg.Seed.
type voteRNG struct {
	r *rand.Rand
}

func newVoteRNG(seed *int64) *voteRNG {
	var s1, s2 uint64
	if seed != nil {
		s1 = uint64(*seed)
		s2 = uint64(*seed) ^ 0x9e3779b97f4a7c15
	} else {
		s1, s2 = osEntropySeed()
	}
	return &voteRNG{r: rand.New(rand.NewPCG(s1, s2))}
}

func osEntropySeed() (uint64, uint64) {
	var buf [16]byte
	if _, err := crand.Read(buf[:]); err != nil {
		// crypto/rand.Read on a real OS essentially never fails; fall
		// back to a fixed seed rather than leaving the engine unable
		// to start.
		return 1, 2
	}
	return binary.BigEndian.Uint64(buf[0:8]), binary.BigEndian.Uint64(buf[8:16])
}

func (v *voteRNG) bernoulli(p float64) bool {
	return v.r.Float64() < p
}

// round1Vote computes N's round-1 vote for proposal value v, applying
// the conflict rule first: if N already observed a different proposed
// value for this phase, it votes V? regardless of randomization (spec
// §4.3), matching determine_round1_vote in the Rabia reference
// implementation.
func round1Vote(rng *voteRNG, pd *phaseData, proposed api.StateValue, cfg api.RandomizationCfg) api.StateValue {
	pd.mu.Lock()
	if !pd.round1Value.isSet() {
		pd.round1Value = settable(proposed)
	} else if pd.round1Value.value != proposed {
		pd.mu.Unlock()
		return api.VUncertain
	}
	pd.mu.Unlock()

	return randomizedVote(rng, proposed, cfg)
}

// randomizedVote is the biased coin flip from spec §4.3: V1 echoes
// V1 with probability r1_bias_v1 (default 0.6), V0 echoes V0 with
// probability r1_bias_v0 (default 0.5), otherwise the vote is V?.
// V? always stays V?.
func randomizedVote(rng *voteRNG, v api.StateValue, cfg api.RandomizationCfg) api.StateValue {
	switch v {
	case api.V1:
		if rng.bernoulli(cfg.R1BiasV1) {
			return api.V1
		}
		return api.VUncertain
	case api.V0:
		if rng.bernoulli(cfg.R1BiasV0) {
			return api.V0
		}
		return api.VUncertain
	default:
		return api.VUncertain
	}
}

// round2Vote computes N's round-2 vote after observing round-1
// outcome and tally, per spec §4.3. A decisive round-1 outcome
// safety-forces the matching round-2 vote; an inconclusive (V?)
// outcome is resolved by biased randomization over the round-1 tally,
// matching determine_round2_vote_for_question in the Rabia reference
// implementation. The result is never V? (round 2 must converge).
func round2Vote(rng *voteRNG, round1Outcome api.StateValue, round1Tally map[api.NodeId]api.StateValue, cfg api.RandomizationCfg) api.StateValue {
	switch round1Outcome {
	case api.V0:
		return api.V0
	case api.V1:
		return api.V1
	default:
		counts := tallyCounts(round1Tally)
		v0, v1 := counts[api.V0], counts[api.V1]
		switch {
		case v1 > v0:
			if rng.bernoulli(cfg.R2LeadBiasMax) {
				return api.V1
			}
			return api.V0
		case v1 < v0:
			if rng.bernoulli(cfg.R2LeadBiasMin) {
				return api.V0
			}
			return api.V1
		default: // tie, including the all-V? case where v0 == v1 == 0
			if rng.bernoulli(cfg.R2TieBiasV1) {
				return api.V1
			}
			return api.V0
		}
	}
}

// settableValue lets phaseData distinguish "no proposal observed yet"
// from "observed V0", since V0 is also the zero value of StateValue.
type settableValue struct {
	value api.StateValue
	set   bool
}

func (s settableValue) isSet() bool { return s.set }

func settable(v api.StateValue) settableValue { return settableValue{value: v, set: true} }
