package engine

import (
	"encoding/json"
	"net/http"

	"github.com/rabia-rs/rabia/pkg/logger"
)

// status is the JSON shape served at /status, the supplemented
// observability surface from SPEC_FULL.md item 1.
type status struct {
	NodeID             string            `json:"nodeId"`
	CurrentPhase       uint64            `json:"currentPhase"`
	HighestCommitted   uint64            `json:"highestCommitted"`
	PendingBatches     int               `json:"pendingBatches"`
	ActivePeers        int               `json:"activePeers"`
	HasQuorum          bool              `json:"hasQuorum"`
	VotesRound1        uint64            `json:"votesRound1"`
	VotesRound2        uint64            `json:"votesRound2"`
	DecisionsCommitted uint64            `json:"decisionsCommitted"`
	DecisionsAborted   uint64            `json:"decisionsAborted"`
	BatchesRetried     uint64            `json:"batchesRetried"`
	BatchesRejected    uint64            `json:"batchesRejected"`
	SyncRequestsServed uint64            `json:"syncRequestsServed"`
	ValidationFailures map[string]uint64 `json:"validationFailures"`
}

type statusHandler struct {
	e *Engine
}

func (h *statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.e.Statistics()
	s := status{
		NodeID:             h.e.self.String(),
		CurrentPhase:       uint64(stats.CurrentPhase),
		HighestCommitted:   uint64(stats.HighestCommitted),
		PendingBatches:     stats.PendingBatches,
		ActivePeers:        stats.ActivePeers,
		HasQuorum:          stats.HasQuorum,
		VotesRound1:        stats.VotesCastRound1,
		VotesRound2:        stats.VotesCastRound2,
		DecisionsCommitted: stats.DecisionsCommitted,
		DecisionsAborted:   stats.DecisionsAborted,
		BatchesRetried:     stats.BatchesRetried,
		BatchesRejected:    stats.BatchesRejected,
		SyncRequestsServed: stats.SyncRequestsServed,
		ValidationFailures: stats.ValidationFailures,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s); err != nil {
		h.e.logger.Warn("failed to encode status for monitoring", logger.ErrAttr(err))
		http.Error(w, "failed to encode status", http.StatusInternalServerError)
	}
}

// startMonitoringServer starts the HTTP status endpoint if configured.
func (e *Engine) startMonitoringServer() {
	if e.cfg.HttpMonitoringAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/status", &statusHandler{e: e})

	e.monitoringServer = &http.Server{
		Addr:    e.cfg.HttpMonitoringAddr,
		Handler: mux,
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.logger.Info("starting monitoring server", "addr", e.cfg.HttpMonitoringAddr)
		if err := e.monitoringServer.ListenAndServe(); err != http.ErrServerClosed {
			e.logger.Error("monitoring server failed", logger.ErrAttr(err))
		}
	}()
}
