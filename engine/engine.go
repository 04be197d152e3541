// Package engine implements the Rabia consensus engine: the
// phase-indexed state machine that drives batches of client
// operations through two-round randomized agreement and applies
// decided batches to an application-defined state machine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabia-rs/rabia/api"
	"github.com/rabia-rs/rabia/pkg/logger"
)

// Engine drives a single replica's participation in the Rabia
// protocol. It is the concrete implementation of api.Engine.
type Engine struct {
	self    api.NodeId
	members []api.NodeId
	cfg     *api.RabiaConfig
	logger  *slog.Logger

	transport api.Transport
	persister api.Persister
	fsm       api.FSM

	state *EngineState
	rng   *voteRNG

	submitCh chan *api.CommandBatch

	applySignal chan struct{}
	applyResult chan api.ApplyResult // optional fan-out for tests/observers, never blocks the pipeline

	dead       atomic.Bool
	shutdownCh chan struct{}
	runDone    chan struct{}

	fsmMu sync.Mutex // exclusive application-SM gate, spec §5

	wg sync.WaitGroup

	monitoringServer *http.Server
}

var _ api.Engine = (*Engine)(nil)

func newEngine(
	self api.NodeId,
	members []api.NodeId,
	cfg *api.RabiaConfig,
	persister api.Persister,
	transport api.Transport,
	fsm api.FSM,
	log *slog.Logger,
) *Engine {
	if cfg == nil {
		cfg = api.DefaultConfig()
	}
	e := &Engine{
		self:        self,
		members:     members,
		cfg:         cfg,
		logger:      log,
		transport:   transport,
		persister:   persister,
		fsm:         fsm,
		state:       newEngineState(members),
		rng:         newVoteRNG(cfg.Randomization.Seed),
		submitCh:    make(chan *api.CommandBatch, cfg.MessagesQueueSize),
		applySignal: make(chan struct{}, 1),
		applyResult: make(chan api.ApplyResult, cfg.MessagesQueueSize),
		shutdownCh:  make(chan struct{}),
		runDone:     make(chan struct{}),
	}
	return e
}

// Submit enqueues a batch for consensus, per spec §4.1/§4.4. It fails
// fast with ErrQuorumUnavailable if fewer than a strict majority of
// peers (including self) are reachable, and with ErrEngineStopped
// once shutdown has begun. The call does not wait for a decision.
func (e *Engine) Submit(ctx context.Context, batch *api.CommandBatch) error {
	if e.dead.Load() {
		return api.ErrEngineStopped
	}
	if !e.state.hasQuorum() {
		return fmt.Errorf("%w: %d/%d peers reachable", api.ErrQuorumUnavailable, e.state.countActive(), e.state.quorumSize)
	}
	if err := e.admitBatch(batch, time.Now()); err != nil {
		return err
	}
	select {
	case e.submitCh <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.shutdownCh:
		return api.ErrEngineStopped
	}
}

// Run drives the engine loop described in spec §4.1: a single
// dispatcher multiplexing client intake, inbound network messages,
// periodic timers, and the shutdown signal. It never holds the
// application state machine's exclusive access while awaiting
// network or timer events — that access is confined to apply.go's
// drainApply, invoked from its own goroutine.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.restore(); err != nil {
		return fmt.Errorf("engine: restore failed: %w", err)
	}

	e.wg.Add(1)
	go e.applyLoop(ctx)
	e.startMonitoringServer()

	cleanupTicker := time.NewTicker(e.cfg.Timings.CleanupInterval)
	heartbeatTicker := time.NewTicker(e.cfg.Timings.Heartbeat)
	defer cleanupTicker.Stop()
	defer heartbeatTicker.Stop()

	e.logger.Info("engine loop starting", "self", e.self.String(), "members", len(e.members))

	for {
		select {
		case <-ctx.Done():
			e.beginShutdown()
			e.wg.Wait()
			close(e.runDone)
			return ctx.Err()

		case <-e.shutdownCh:
			e.wg.Wait()
			close(e.runDone)
			return nil

		case batch := <-e.submitCh:
			e.proposeBatch(batch, time.Now())

		case frame := <-e.transport.Inbound():
			e.handleInbound(frame)

		case <-cleanupTicker.C:
			before := time.Now().Add(-e.retentionWindow())
			removed := e.state.cleanup(before)
			e.state.pruneActive(time.Now(), e.cfg.Timings.Heartbeat*4)
			if removed > 0 {
				e.logger.Debug("cleaned up terminal phases", "count", removed)
			}

		case <-heartbeatTicker.C:
			e.sendHeartbeat()
		}
	}
}

// retentionWindow is a multiple of phase_stall_timeout, per §9's
// design note that retention must exceed expected sync latency.
func (e *Engine) retentionWindow() time.Duration {
	return 4 * e.cfg.Timings.PhaseStall
}

// Shutdown requests graceful termination: in-flight phases are
// allowed to reach a decision up to timing.shutdown_grace, then
// abandoned (spec §4.1, §5).
func (e *Engine) Shutdown() error {
	if !e.dead.CompareAndSwap(false, true) {
		return nil // already stopping
	}

	var err error
	if e.monitoringServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timings.ShutdownGrace)
		defer cancel()
		if serr := e.monitoringServer.Shutdown(ctx); serr != nil {
			err = errors.Join(err, fmt.Errorf("monitoring server shutdown: %w", serr))
		}
	}

	e.beginShutdown()

	select {
	case <-e.runDone:
	case <-time.After(e.cfg.Timings.ShutdownGrace):
		err = errors.Join(err, errors.New("engine: shutdown grace period elapsed before loop drained"))
	}

	if cerr := e.transport.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("transport close: %w", cerr))
	}
	if cerr := e.persister.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("persister close: %w", cerr))
	}
	return err
}

func (e *Engine) beginShutdown() {
	select {
	case <-e.shutdownCh:
	default:
		close(e.shutdownCh)
	}
}

// Statistics returns a snapshot of the engine's counters (spec §6,
// supplemented by the statistics surface in SPEC_FULL.md item 1).
func (e *Engine) Statistics() api.Statistics {
	return api.Statistics{
		CurrentPhase:       e.state.CurrentPhase(),
		HighestCommitted:   e.state.HighestCommitted(),
		PendingBatches:     e.state.pendingCount(),
		ActivePeers:        e.state.countActive() - 1,
		HasQuorum:          e.state.hasQuorum(),
		VotesCastRound1:    e.state.stats.votesRound1.Load(),
		VotesCastRound2:    e.state.stats.votesRound2.Load(),
		DecisionsCommitted: e.state.stats.decisionsCommitted.Load(),
		DecisionsAborted:   e.state.stats.decisionsAborted.Load(),
		BatchesRetried:     e.state.stats.batchesRetried.Load(),
		BatchesRejected:    e.state.stats.batchesRejected.Load(),
		SyncRequestsServed: e.state.stats.syncRequestsServed.Load(),
		ValidationFailures: e.state.stats.snapshotValidation(),
	}
}

// fatal logs an invariant violation and shuts the engine down, per
// spec §7's "invariant violation" taxonomy entry: attempts to
// regress highest_committed or apply out of order never panic the
// process, they trigger a diagnosed shutdown instead.
func (e *Engine) fatal(msg string, args ...any) {
	e.logger.Error(msg, args...)
	go func() {
		if err := e.Shutdown(); err != nil {
			e.logger.Error("shutdown after fatal error failed", logger.ErrAttr(err))
		}
	}()
}
