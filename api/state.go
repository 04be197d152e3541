package api

// FSM represents the application state machine driven by the apply
// pipeline. Determinism is a hard precondition: for any two replicas
// with identical snapshot plus command sequence, ApplyCommands must
// produce byte-identical results. The engine is the only caller; no
// other component may invoke the FSM.
type FSM interface {
	// ApplyCommands executes an ordered batch of commands and returns
	// one result per command, in order.
	ApplyCommands(commands []Command) ([][]byte, error)

	// Snapshot serializes the current application state.
	Snapshot() ([]byte, error)

	// Restore replaces the application state from a previously
	// produced snapshot.
	Restore(snapshot []byte) error

	// Read services a query against the current state without going
	// through consensus.
	Read(query []byte) ([]byte, error)
}

// ApplyResult is handed to an Applied listener (tests, metrics) after
// the apply pipeline commits or aborts a phase.
type ApplyResult struct {
	Phase    PhaseId
	BatchId  BatchId
	Decision StateValue // V1 (applied) or V0 (aborted)
	Results  [][]byte   // only set when Decision == V1
	Err      error      // application-level error from ApplyCommands, if any
}
