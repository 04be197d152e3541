package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/rabia-rs/rabia/api"
	"github.com/rabia-rs/rabia/engine"
	"github.com/rabia-rs/rabia/internal/testutil/enginetest"
	"github.com/rabia-rs/rabia/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClusterEngines(t *testing.T, n int) ([]api.Engine, []*enginetest.KVStore) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	net := enginetest.NewNetwork()
	ids := make([]api.NodeId, n)
	for i := range ids {
		ids[i] = api.NewNodeId()
	}

	engines := make([]api.Engine, n)
	stores := make([]*enginetest.KVStore, n)
	for i := 0; i < n; i++ {
		transport := net.NewTransport(ids[i])
		store := enginetest.NewKVStore()
		_, log := logger.NewTestLogger()

		seed := int64(2000 + i)
		cfg := api.TestsConfig()
		cfg.Randomization.Seed = &seed

		eng, err := engine.NewNodeBuilder(ids[i], ids, transport, store).
			WithConfig(cfg).
			WithPersister(enginetest.NewMemPersister()).
			WithLogger(log).
			Build()
		require.NoError(t, err)

		engines[i] = eng
		stores[i] = store
		go func(e api.Engine) { _ = e.Run(ctx) }(eng)
	}

	require.Eventually(t, func() bool {
		for _, eng := range engines {
			if !eng.Statistics().HasQuorum {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond, "cluster never reached quorum")

	return engines, stores
}

func TestCoordinator_SubmitReachesDecision(t *testing.T) {
	engines, stores := newTestClusterEngines(t, 3)
	_, log := logger.NewTestLogger()

	coord, err := NewCoordinator(engines, log)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	phase, decision, err := coord.Submit(ctx, []byte(`{"type":"set","key":"k","value":"v"}`))
	require.NoError(t, err)
	assert.Equal(t, api.V1, decision)
	assert.NotZero(t, phase)

	require.Eventually(t, func() bool {
		for _, s := range stores {
			if v, ok := s.Get("k"); !ok || v != "v" {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCoordinator_RoundRobinsAcrossEngines(t *testing.T) {
	engines, _ := newTestClusterEngines(t, 3)
	_, log := logger.NewTestLogger()

	coord, err := NewCoordinator(engines, log)
	require.NoError(t, err)

	seen := make(map[api.Engine]bool)
	for i := 0; i < 3; i++ {
		coord.mu.Lock()
		seen[coord.engines[coord.next]] = true
		coord.mu.Unlock()
		coord.pickEngine()
	}
	assert.Len(t, seen, 3, "round robin should cycle through every engine")
}

func TestCoordinator_ConcurrentSubmitsDoNotStealResults(t *testing.T) {
	engines, _ := newTestClusterEngines(t, 3)
	_, log := logger.NewTestLogger()

	coord, err := NewCoordinator(engines, log)
	require.NoError(t, err)

	// Each submission is staggered slightly so this test isolates the
	// resultWatcher's per-batch dispatch (no caller stealing another
	// caller's decision off the shared ApplyResults channel) rather
	// than exercising true same-instant proposal collisions, which is
	// engine.go's concern, not coordinator's.
	const n = 5
	results := make(chan api.StateValue, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			time.Sleep(time.Duration(i) * 15 * time.Millisecond)
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_, decision, err := coord.Submit(ctx, []byte(`{"type":"set","key":"concurrent","value":"x"}`))
			errs <- err
			results <- decision
		}(i)
	}

	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
		assert.Equal(t, api.V1, <-results)
	}
}

func TestNewCoordinator_RequiresAtLeastOneEngine(t *testing.T) {
	_, log := logger.NewTestLogger()
	_, err := NewCoordinator(nil, log)
	assert.Error(t, err)
}
