package enginetest

import (
	"errors"
	"sync"

	"github.com/rabia-rs/rabia/api"
)

// MemPersister is an in-memory api.Persister, grounded on
// tests/mem_persister.go's role (a Persister test double backed by
// plain fields instead of a file), adapted to Rabia's recovery
// contract: a highest-committed marker plus named snapshots, not a
// single opaque Raft state blob.
type MemPersister struct {
	mu        sync.RWMutex
	state     api.PersistedState
	hasState  bool
	snapshots map[string][]byte
}

var _ api.Persister = (*MemPersister)(nil)

func NewMemPersister() *MemPersister {
	return &MemPersister{snapshots: make(map[string][]byte)}
}

func (p *MemPersister) SaveState(state api.PersistedState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
	p.hasState = true
	return nil
}

func (p *MemPersister) LoadState() (api.PersistedState, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state, p.hasState, nil
}

func (p *MemPersister) SaveSnapshot(id string, snapshot []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots[id] = append([]byte(nil), snapshot...)
	return nil
}

func (p *MemPersister) LoadSnapshot(id string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snap, ok := p.snapshots[id]
	if !ok {
		return nil, errors.New("enginetest: no snapshot with that id")
	}
	return snap, nil
}

func (p *MemPersister) Size() (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.hasState {
		return 0, nil
	}
	return len(p.state.SnapshotId) + 8, nil
}

func (p *MemPersister) Close() error { return nil }
