package enginetest

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rabia-rs/rabia/api"
	"github.com/google/uuid"
)

// KVOp is the command payload the KVStore understands, grounded on
// KVOperation in original_source/rabia-kvstore/src/operations.rs
// (Set/Get/Delete/Exists), carried as JSON inside api.Command.Data.
type KVOp struct {
	Type  string `json:"type"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// KVStore is a minimal api.FSM, grounded on
// original_source/rabia-kvstore/src/store.rs's KVStore, stripped to
// what is needed to exercise the apply pipeline deterministically in
// tests: the application state machine itself is an external
// collaborator per spec §1, not a core deliverable.
type KVStore struct {
	mu   sync.RWMutex
	data map[string]string
}

var _ api.FSM = (*KVStore)(nil)

func NewKVStore() *KVStore {
	return &KVStore{data: make(map[string]string)}
}

func (s *KVStore) ApplyCommands(commands []api.Command) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([][]byte, len(commands))
	for i, c := range commands {
		var op KVOp
		if err := json.Unmarshal(c.Data, &op); err != nil {
			results[i] = []byte(fmt.Sprintf("error: malformed command: %v", err))
			continue
		}
		results[i] = s.applyOne(op)
	}
	return results, nil
}

func (s *KVStore) applyOne(op KVOp) []byte {
	switch op.Type {
	case "set":
		s.data[op.Key] = op.Value
		return []byte("OK")
	case "delete":
		delete(s.data, op.Key)
		return []byte("OK")
	case "get":
		v, ok := s.data[op.Key]
		if !ok {
			return nil
		}
		return []byte(v)
	case "exists":
		if _, ok := s.data[op.Key]; ok {
			return []byte("true")
		}
		return []byte("false")
	default:
		return []byte(fmt.Sprintf("error: unknown op %q", op.Type))
	}
}

func (s *KVStore) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.data)
}

func (s *KVStore) Restore(snapshot []byte) error {
	data := make(map[string]string)
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &data); err != nil {
			return fmt.Errorf("enginetest: failed to restore snapshot: %w", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	return nil
}

func (s *KVStore) Read(query []byte) ([]byte, error) {
	var op KVOp
	if err := json.Unmarshal(query, &op); err != nil {
		return nil, fmt.Errorf("enginetest: malformed read query: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[op.Key]
	if !ok {
		return nil, nil
	}
	return []byte(v), nil
}

// Get is a test-only convenience accessor bypassing consensus,
// letting assertions inspect state directly after an apply.
func (s *KVStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Len is a test-only convenience accessor for the number of keys.
func (s *KVStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// SetCommand builds an api.Command encoding a "set" KVOp, for tests
// constructing CommandBatches without hand-rolling JSON.
func SetCommand(key, value string) api.Command {
	return opCommand(KVOp{Type: "set", Key: key, Value: value})
}

// GetCommand builds an api.Command encoding a "get" KVOp.
func GetCommand(key string) api.Command {
	return opCommand(KVOp{Type: "get", Key: key})
}

func opCommand(op KVOp) api.Command {
	data, err := json.Marshal(op)
	if err != nil {
		panic(fmt.Sprintf("enginetest: failed to marshal KVOp: %v", err))
	}
	return api.Command{Id: uuid.New(), Data: data, CreatedAt: time.Now()}
}

// Batch wraps commands into a single api.CommandBatch, timestamped
// now and checksum-stamped, for tests that don't need fine control
// over BatchId/Timestamp.
func Batch(commands ...api.Command) *api.CommandBatch {
	b := &api.CommandBatch{
		Id:        api.NewBatchId(),
		Commands:  commands,
		Timestamp: time.Now(),
	}
	if err := b.Stamp(); err != nil {
		panic(fmt.Sprintf("enginetest: failed to stamp batch checksum: %v", err))
	}
	return b
}
