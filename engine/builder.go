package engine

import (
	"fmt"
	"log/slog"

	"github.com/rabia-rs/rabia/api"
	"github.com/rabia-rs/rabia/pkg/logger"
	"github.com/rabia-rs/rabia/storage"
)

type nodeBuilder struct {
	// required
	self      api.NodeId
	members   []api.NodeId
	transport api.Transport
	fsm       api.FSM

	// optional, with defaults
	cfg       *api.RabiaConfig
	persister api.Persister
	logger    *slog.Logger
}

// NewNodeBuilder starts construction of an Engine for self among
// members, communicating over transport and applying decided batches
// to fsm.
func NewNodeBuilder(self api.NodeId, members []api.NodeId, transport api.Transport, fsm api.FSM) api.NodeBuilder {
	return &nodeBuilder{
		self:      self,
		members:   members,
		transport: transport,
		fsm:       fsm,
		cfg:       api.DefaultConfig(),
	}
}

func (nb *nodeBuilder) Build() (api.Engine, error) {
	if nb.transport == nil || nb.fsm == nil {
		return nil, fmt.Errorf("builder: transport and fsm are required")
	}

	log := nb.logger
	if log == nil {
		log = logger.NewLogger(nb.cfg.Log.Env, false).With(slog.String("self", nb.self.String()))
	}

	persister := nb.persister
	if persister == nil {
		var err error
		persister, err = storage.NewDefaultStorage(fmt.Sprintf("data-%s", nb.self.String()), log)
		if err != nil {
			return nil, fmt.Errorf("builder: failed to create default storage: %w", err)
		}
	}

	return newEngine(nb.self, nb.members, nb.cfg, persister, nb.transport, nb.fsm, log), nil
}

func (nb *nodeBuilder) WithConfig(cfg *api.RabiaConfig) api.NodeBuilder {
	nb.cfg = cfg
	return nb
}

func (nb *nodeBuilder) WithLogger(l *slog.Logger) api.NodeBuilder {
	nb.logger = l
	return nb
}

func (nb *nodeBuilder) WithPersister(p api.Persister) api.NodeBuilder {
	nb.persister = p
	return nb
}
