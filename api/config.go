package api

import (
	"time"

	"github.com/rabia-rs/rabia/pkg/logger"
)

// RabiaConfig is the full set of tunables recognized by the engine
// and its default collaborators.
type RabiaConfig struct {
	Log                LoggerCfg
	Cluster             ClusterCfg
	Timings             RabiaTimings
	Limits              LimitsCfg
	Batching            BatchingCfg
	Randomization       RandomizationCfg
	CBreaker            CircuitBreakerCfg
	HttpMonitoringAddr  string
	MessagesQueueSize   int
}

type LoggerCfg struct {
	Env logger.Enviroment
}

// ClusterCfg carries the fixed membership. Membership cannot change
// for the lifetime of an engine (dynamic reconfiguration is a
// non-goal).
type ClusterCfg struct {
	Nodes []NodeId
	Self  NodeId
}

type RabiaTimings struct {
	Heartbeat       time.Duration
	PhaseStall      time.Duration
	CleanupInterval time.Duration
	ShutdownGrace   time.Duration
	QuorumProbe     time.Duration
	RPCTimeout      time.Duration
}

type LimitsCfg struct {
	MaxPendingBatches int
	MaxPhaseHistory   uint64
	MaxFrameBytes     int
	MaxClockSkew      time.Duration
	BoundedLookahead  uint64
	MaxRetries        int
}

type BatchingCfg struct {
	MaxSize  int
	MaxDelay time.Duration
	Adaptive bool
}

// RandomizationCfg exposes the per-spec bias constants (§9 open
// question: any strictly-positive bias preserves safety, only
// liveness quality varies).
type RandomizationCfg struct {
	R1BiasV1      float64 // probability of echoing V1 in round 1
	R1BiasV0      float64 // probability of echoing V0 in round 1
	R2TieBiasV1   float64 // probability of choosing V1 on a round-1 tie
	R2LeadBiasMax float64 // probability of voting V1 when V1 led round 1
	R2LeadBiasMin float64 // probability of voting V0 when V0 led round 1
	Seed          *int64  // nil selects OS entropy; set for deterministic tests
}

type CircuitBreakerCfg struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
}

func DefaultConfig() *RabiaConfig {
	return &RabiaConfig{
		Log: LoggerCfg{Env: logger.Dev},
		Timings: RabiaTimings{
			Heartbeat:       150 * time.Millisecond,
			PhaseStall:      30 * time.Second,
			CleanupInterval: 10 * time.Second,
			ShutdownGrace:   10 * time.Second,
			QuorumProbe:     5 * time.Second,
			RPCTimeout:      100 * time.Millisecond,
		},
		Limits: LimitsCfg{
			MaxPendingBatches: 4096,
			MaxPhaseHistory:   3 * 30 * 10, // a multiple of phase_stall_timeout, per §9
			MaxFrameBytes:     16 * 1024 * 1024,
			MaxClockSkew:      30 * time.Second,
			BoundedLookahead:  1000,
			MaxRetries:        5,
		},
		Batching: BatchingCfg{
			MaxSize:  256,
			MaxDelay: 10 * time.Millisecond,
			Adaptive: false,
		},
		Randomization: RandomizationCfg{
			R1BiasV1:      0.6,
			R1BiasV0:      0.5,
			R2TieBiasV1:   0.6,
			R2LeadBiasMax: 0.8,
			R2LeadBiasMin: 0.7,
		},
		CBreaker: CircuitBreakerCfg{
			FailureThreshold: 6,
			SuccessThreshold: 4,
			ResetTimeout:     5 * time.Second,
		},
		MessagesQueueSize: 1024,
	}
}

func TestsConfig() *RabiaConfig {
	cfg := DefaultConfig()
	cfg.Timings.Heartbeat = 20 * time.Millisecond
	cfg.Timings.PhaseStall = 500 * time.Millisecond
	cfg.Timings.CleanupInterval = 200 * time.Millisecond
	cfg.Timings.ShutdownGrace = 1 * time.Second
	cfg.Timings.QuorumProbe = 200 * time.Millisecond
	cfg.Batching.MaxDelay = time.Millisecond
	seed := int64(42)
	cfg.Randomization.Seed = &seed
	return cfg
}
