package api

import "log/slog"

// NodeBuilder constructs an Engine from its required collaborators
// plus optional overrides.
type NodeBuilder interface {
	// Build constructs and returns a new Engine. It returns an error if
	// a required collaborator is missing or default construction
	// fails.
	Build() (Engine, error)

	// WithConfig sets the engine's configuration. If not provided,
	// DefaultConfig is used.
	WithConfig(*RabiaConfig) NodeBuilder

	// WithPersister sets a custom Persister. If not provided, a
	// filesystem-backed default is used.
	WithPersister(Persister) NodeBuilder

	// WithLogger sets a custom slog.Logger. If not provided, a default
	// logger based on RabiaConfig.Log.Env is used.
	WithLogger(*slog.Logger) NodeBuilder
}
