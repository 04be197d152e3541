// Package coordinator provides a client-facing helper for submitting
// batches to a Rabia cluster without hand-rolling retry logic.
//
// Unlike the teacher's Raft coordinator, there is no leader to
// discover: Rabia's engines form a symmetric peer group (spec §1
// Non-goals excludes strong leader election), so Coordinator instead
// round-robins across whichever api.Engine handles it was given and
// retries on admission failure. Submission itself (the RPC surface a
// client process would use to reach a remote node) is named an
// external collaborator by spec §1 ("client-facing front ends"); this
// package covers the routing/retry policy on top of that surface and
// operates directly against api.Engine handles, which is exactly what
// a thin client-facing shim would call into.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rabia-rs/rabia/api"
	"github.com/rabia-rs/rabia/internal/retry"
	"github.com/rabia-rs/rabia/pkg/logger"
	"github.com/google/uuid"
)

var _ api.Coordinator = (*Coordinator)(nil)

// Coordinator is a thread-safe client for a Rabia cluster. It tries
// any reachable engine and retries on ErrQuorumUnavailable or
// ErrEngineStopped, per spec §4.4's "persistent failure surfaces to
// the submitter as BatchRejected" and the teacher's
// getLeader/invalidateLeader retry shape, adapted away from leader
// discovery to round-robin since Rabia has no leader.
type Coordinator struct {
	logger  *slog.Logger
	engines []api.Engine

	mu   sync.Mutex
	next int

	watchMu  sync.Mutex
	watchers map[api.Engine]*resultWatcher
}

// resultWatcher fans a single engine's ApplyResults stream out to
// whichever Submit calls are concurrently waiting on that engine, so
// two callers racing on the same engine each see their own batch's
// outcome instead of stealing each other's off the shared channel.
type resultWatcher struct {
	mu      sync.Mutex
	waiters map[api.BatchId]chan api.ApplyResult
}

func newResultWatcher(eng api.Engine) *resultWatcher {
	w := &resultWatcher{waiters: make(map[api.BatchId]chan api.ApplyResult)}
	go func() {
		for r := range eng.ApplyResults() {
			w.mu.Lock()
			ch, ok := w.waiters[r.BatchId]
			if ok {
				delete(w.waiters, r.BatchId)
			}
			w.mu.Unlock()
			if ok {
				ch <- r
			}
		}
	}()
	return w
}

func (w *resultWatcher) await(ctx context.Context, batchId api.BatchId) (api.PhaseId, api.StateValue, error) {
	ch := make(chan api.ApplyResult, 1)
	w.mu.Lock()
	w.waiters[batchId] = ch
	w.mu.Unlock()

	select {
	case r := <-ch:
		return r.Phase, r.Decision, nil
	case <-ctx.Done():
		w.mu.Lock()
		delete(w.waiters, batchId)
		w.mu.Unlock()
		return api.NoPhase, api.VUncertain, ctx.Err()
	}
}

// NewCoordinator builds a Coordinator over engines, tried in
// round-robin order starting from engines[0].
func NewCoordinator(engines []api.Engine, log *slog.Logger) (*Coordinator, error) {
	if len(engines) == 0 {
		return nil, errors.New("coordinator: at least one engine is required")
	}
	return &Coordinator{logger: log, engines: engines, watchers: make(map[api.Engine]*resultWatcher)}, nil
}

// watcherFor returns (creating if needed) the resultWatcher dispatching
// eng's ApplyResults stream to concurrent awaitDecision callers.
func (c *Coordinator) watcherFor(eng api.Engine) *resultWatcher {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	w, ok := c.watchers[eng]
	if !ok {
		w = newResultWatcher(eng)
		c.watchers[eng] = w
	}
	return w
}

// Submit wraps cmd in a single-command batch, submits it through any
// reachable engine, and blocks until the owning phase reaches a
// terminal decision or ctx is done.
func (c *Coordinator) Submit(ctx context.Context, cmd []byte) (api.PhaseId, api.StateValue, error) {
	batch := &api.CommandBatch{
		Id:        api.NewBatchId(),
		Timestamp: time.Now(),
		Commands: []api.Command{{
			Id:        uuid.New(),
			Data:      cmd,
			CreatedAt: time.Now(),
		}},
	}
	if err := batch.Stamp(); err != nil {
		return api.NoPhase, api.VUncertain, fmt.Errorf("coordinator: failed to checksum batch: %w", err)
	}

	var phase api.PhaseId
	var decision api.StateValue

	err := retry.Do(ctx, func(ctx context.Context) error {
		eng := c.pickEngine()

		if err := eng.Submit(ctx, batch); err != nil {
			if errors.Is(err, api.ErrQuorumUnavailable) || errors.Is(err, api.ErrEngineStopped) {
				c.logger.Debug("engine unavailable for submission, trying next", logger.ErrAttr(err))
				return err
			}
			return fmt.Errorf("%w: %w", api.ErrBatchRejected, err)
		}

		p, d, err := c.watcherFor(eng).await(ctx, batch.Id)
		if err != nil {
			return err
		}
		phase, decision = p, d
		return nil
	})
	if err != nil {
		return api.NoPhase, api.VUncertain, err
	}
	return phase, decision, nil
}

// pickEngine advances the round-robin cursor and returns the next
// engine to try.
func (c *Coordinator) pickEngine() api.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	eng := c.engines[c.next]
	c.next = (c.next + 1) % len(c.engines)
	return eng
}

// Shutdown is a no-op: Coordinator does not own the engines it was
// constructed with, so it has nothing of its own to release.
func (c *Coordinator) Shutdown() error { return nil }
