// Package storage provides the default filesystem-backed api.Persister.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/rabia-rs/rabia/api"
)

const (
	stateFileName    = "state.json"
	snapshotFileName = "snapshot.bin"
	tmpSuffix        = ".tmp"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// persistedStateFile is the on-disk shape of api.PersistedState.
// Rabia's recovery state needs no per-entry WAL: the log is the
// sequence of protocol decisions, recoverable via sync (spec §4.5),
// not by replaying a local write-ahead log. Only the recovery marker
// and the latest snapshot need durability.
type persistedStateFile struct {
	HighestCommitted uint64 `json:"highest_committed"`
	SnapshotId       string `json:"snapshot_id"`
	Checksum         uint32 `json:"checksum"`
}

// FileStore implements api.Persister using atomic write-then-rename
// for both the recovery marker and snapshots, grounded on
// storage/wal_storage.go's syncFile idiom. Safe for concurrent use.
type FileStore struct {
	mu     sync.RWMutex
	logger *slog.Logger
	dir    string

	statePath string
}

var _ api.Persister = (*FileStore)(nil)

// NewDefaultStorage creates a FileStore rooted at dir, creating it if
// necessary.
func NewDefaultStorage(dir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("storage: failed to create directory %s: %w", dir, err)
	}
	return &FileStore{
		logger:    log,
		dir:       dir,
		statePath: filepath.Join(dir, stateFileName),
	}, nil
}

func (fs *FileStore) snapshotPath(id string) string {
	if id == "" {
		id = snapshotFileName
	}
	return filepath.Join(fs.dir, id)
}

// SaveState atomically persists state via write-to-temp-then-rename,
// so a crash leaves either the old or the new value visible, never a
// partial write.
func (fs *FileStore) SaveState(state api.PersistedState) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	state.Checksum = checksum(state)
	raw, err := json.Marshal(persistedStateFile{
		HighestCommitted: uint64(state.HighestCommitted),
		SnapshotId:       state.SnapshotId,
		Checksum:         state.Checksum,
	})
	if err != nil {
		return fmt.Errorf("storage: failed to marshal state: %w", err)
	}
	if err := syncFile(fs.statePath, raw, 0644); err != nil {
		return fmt.Errorf("storage: failed to sync state file: %w", err)
	}
	return nil
}

// LoadState returns the previously persisted state, if any, verifying
// its checksum.
func (fs *FileStore) LoadState() (api.PersistedState, bool, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	raw, err := os.ReadFile(fs.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return api.PersistedState{}, false, nil
		}
		return api.PersistedState{}, false, fmt.Errorf("storage: failed to read state file: %w", err)
	}

	var f persistedStateFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return api.PersistedState{}, false, fmt.Errorf("storage: failed to unmarshal state: %w", err)
	}

	state := api.PersistedState{
		HighestCommitted: api.PhaseId(f.HighestCommitted),
		SnapshotId:       f.SnapshotId,
		Checksum:         f.Checksum,
	}
	if checksum(state) != state.Checksum {
		fs.logger.Warn("persisted state checksum mismatch", "path", fs.statePath)
		return api.PersistedState{}, false, errors.New("storage: persisted state checksum mismatch")
	}
	return state, true, nil
}

// checksum computes the CRC32 guarding a PersistedState's scalar
// fields (its Checksum field itself is excluded).
func checksum(state api.PersistedState) uint32 {
	buf := make([]byte, 0, 8+len(state.SnapshotId))
	buf = append(buf,
		byte(state.HighestCommitted>>56), byte(state.HighestCommitted>>48),
		byte(state.HighestCommitted>>40), byte(state.HighestCommitted>>32),
		byte(state.HighestCommitted>>24), byte(state.HighestCommitted>>16),
		byte(state.HighestCommitted>>8), byte(state.HighestCommitted),
	)
	buf = append(buf, state.SnapshotId...)
	return crc32.Checksum(buf, crc32cTable)
}

// SaveSnapshot atomically persists an application snapshot under id.
func (fs *FileStore) SaveSnapshot(id string, snapshot []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := syncFile(fs.snapshotPath(id), snapshot, 0644); err != nil {
		return fmt.Errorf("storage: failed to sync snapshot file: %w", err)
	}
	return nil
}

// LoadSnapshot returns the snapshot previously saved under id.
func (fs *FileStore) LoadSnapshot(id string) ([]byte, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	data, err := os.ReadFile(fs.snapshotPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to read snapshot file: %w", err)
	}
	return data, nil
}

// Size returns the size in bytes of the persisted state file.
func (fs *FileStore) Size() (int, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	info, err := os.Stat(fs.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return int(info.Size()), nil
}

// Close is a no-op: FileStore holds no long-lived file handles
// between calls (every write opens, syncs, and closes its temp file).
func (fs *FileStore) Close() error { return nil }

func syncFile(path string, data []byte, perm os.FileMode) error {
	tmpPath := path + tmpSuffix
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	f.Close()
	return os.Rename(tmpPath, path)
}
