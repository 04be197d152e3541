package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rabia-rs/rabia/api"
	"github.com/rabia-rs/rabia/internal/testutil/enginetest"
	"github.com/rabia-rs/rabia/pkg/logger"
	"github.com/rabia-rs/rabia/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCluster bundles N in-memory engines sharing one enginetest
// Network, for end-to-end scenarios (spec §8).
type testCluster struct {
	ids     []api.NodeId
	engines []api.Engine
	stores  []*enginetest.KVStore
	net     *enginetest.Network
	cancel  context.CancelFunc
}

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	net := enginetest.NewNetwork()
	tc := &testCluster{net: net, cancel: cancel}

	ids := make([]api.NodeId, n)
	for i := range ids {
		ids[i] = api.NewNodeId()
	}
	tc.ids = ids

	for i := 0; i < n; i++ {
		transport := net.NewTransport(ids[i])
		store := enginetest.NewKVStore()
		_, log := logger.NewTestLogger()

		seed := int64(1000 + i)
		cfg := api.TestsConfig()
		cfg.Randomization.Seed = &seed

		eng, err := NewNodeBuilder(ids[i], ids, transport, store).
			WithConfig(cfg).
			WithPersister(enginetest.NewMemPersister()).
			WithLogger(log).
			Build()
		require.NoError(t, err)

		tc.engines = append(tc.engines, eng)
		tc.stores = append(tc.stores, store)

		go func(e api.Engine) {
			_ = e.Run(ctx)
		}(eng)
	}
	return tc
}

// awaitQuorum blocks until every engine in the cluster reports a
// reachable strict majority, which only happens once heartbeats have
// circulated (spec §9's active-node tracking).
func (tc *testCluster) awaitQuorum(t *testing.T, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		allReady := true
		for _, eng := range tc.engines {
			if !eng.Statistics().HasQuorum {
				allReady = false
				break
			}
		}
		if allReady {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("cluster never reached quorum")
}

// awaitDecision drains eng's ApplyResults until it observes a terminal
// (V1) outcome for batchId, following any V0-then-retry detours
// transparently (spec §4.4's internal retry budget).
func awaitDecision(t *testing.T, eng api.Engine, batchId api.BatchId, timeout time.Duration) api.ApplyResult {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case r := <-eng.ApplyResults():
			if r.BatchId == batchId && r.Decision == api.V1 {
				return r
			}
		case <-deadline:
			t.Fatalf("batch %s never reached a V1 decision within %s", batchId, timeout)
		}
	}
}

func TestEngine_ThreeNodeHappyPath(t *testing.T) {
	tc := newTestCluster(t, 3)
	tc.awaitQuorum(t, time.Second)

	batch := enginetest.Batch(enginetest.SetCommand("x", "1"))
	require.NoError(t, tc.engines[0].Submit(context.Background(), batch))

	result := awaitDecision(t, tc.engines[0], batch.Id, 2*time.Second)
	assert.Equal(t, api.V1, result.Decision)

	require.Eventually(t, func() bool {
		v, ok := tc.stores[0].Get("x")
		return ok && v == "1"
	}, 2*time.Second, 10*time.Millisecond)

	for _, eng := range tc.engines {
		assert.NotZero(t, eng.Statistics().HighestCommitted)
	}
}

func TestEngine_CrashMidConsensus(t *testing.T) {
	tc := newTestCluster(t, 5)
	tc.awaitQuorum(t, time.Second)

	// Crash node 4: shut its engine down. The remaining 4 (still a
	// strict majority of 5) must carry on (spec §8 scenario 2).
	require.NoError(t, tc.engines[4].Shutdown())

	batch := enginetest.Batch(enginetest.SetCommand("y", "2"))
	require.NoError(t, tc.engines[0].Submit(context.Background(), batch))

	result := awaitDecision(t, tc.engines[0], batch.Id, 3*time.Second)
	assert.Equal(t, api.V1, result.Decision)

	require.Eventually(t, func() bool {
		v, ok := tc.stores[1].Get("y")
		return ok && v == "2"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestEngine_ConcurrentProposalsBothDecide(t *testing.T) {
	tc := newTestCluster(t, 3)
	tc.awaitQuorum(t, time.Second)

	batchA := enginetest.Batch(enginetest.SetCommand("a", "1"))
	batchB := enginetest.Batch(enginetest.SetCommand("b", "2"))

	require.NoError(t, tc.engines[0].Submit(context.Background(), batchA))
	// A short stagger lets node 1 observe node 0's phase-1 proposal
	// broadcast before proposing its own batch, so the two land on
	// distinct phases instead of racing for the same one (a proposer
	// never reserves a phase ahead of proposing into it).
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tc.engines[1].Submit(context.Background(), batchB))

	resA := awaitDecision(t, tc.engines[0], batchA.Id, 2*time.Second)
	resB := awaitDecision(t, tc.engines[1], batchB.Id, 2*time.Second)

	assert.NotEqual(t, resA.Phase, resB.Phase, "two distinct batches must not share a phase")

	require.Eventually(t, func() bool {
		va, oka := tc.stores[0].Get("a")
		vb, okb := tc.stores[0].Get("b")
		return oka && va == "1" && okb && vb == "2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngine_LaggingReplicaCatchesUpViaSync(t *testing.T) {
	tc := newTestCluster(t, 3)
	tc.awaitQuorum(t, time.Second)

	lagging := tc.ids[2]
	for i := 0; i < 2; i++ {
		transport := tc.net.Transport(tc.ids[i])
		transport.Partition(lagging)
	}

	batch := enginetest.Batch(enginetest.SetCommand("z", "3"))
	require.NoError(t, tc.engines[0].Submit(context.Background(), batch))
	awaitDecision(t, tc.engines[0], batch.Id, 2*time.Second)

	require.Eventually(t, func() bool {
		v, ok := tc.stores[0].Get("z")
		return ok && v == "3"
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := tc.stores[2].Get("z")
	assert.False(t, ok, "partitioned replica must not have the key yet")

	for i := 0; i < 2; i++ {
		transport := tc.net.Transport(tc.ids[i])
		transport.Heal(lagging)
	}

	require.Eventually(t, func() bool {
		v, ok := tc.stores[2].Get("z")
		return ok && v == "3"
	}, 3*time.Second, 10*time.Millisecond, "lagging replica should catch up via sync after healing")
}

func TestEngine_CorruptedInboundMessageIsDroppedNotFatal(t *testing.T) {
	tc := newTestCluster(t, 3)
	tc.awaitQuorum(t, time.Second)

	target := tc.net.Transport(tc.ids[0])
	env := &wire.Envelope{
		From:      tc.ids[1],
		Timestamp: time.Now(),
		Kind:      wire.KindHeartbeat,
		Body:      &wire.Heartbeat{CurrentPhase: 1, HighestCommitted: 0},
	}
	frame, err := wire.Encode(env)
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0xFF // flip one byte, per spec §8 scenario 6

	target.Inject(tc.ids[1], frame)

	require.Eventually(t, func() bool {
		return tc.engines[0].Statistics().ValidationFailures["checksum_mismatch"] > 0
	}, time.Second, 10*time.Millisecond)

	// The engine must still be able to make progress afterward.
	batch := enginetest.Batch(enginetest.SetCommand("still-alive", "yes"))
	require.NoError(t, tc.engines[0].Submit(context.Background(), batch))
	awaitDecision(t, tc.engines[0], batch.Id, 2*time.Second)
}
