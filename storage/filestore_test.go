package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rabia-rs/rabia/api"
	"github.com/rabia-rs/rabia/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultStorage_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	_, log := logger.NewTestLogger()
	_, err := NewDefaultStorage(dir, log)
	require.NoError(t, err)
	assert.DirExists(t, dir)
}

func TestLoadState_EmptyIsNotFound(t *testing.T) {
	_, log := logger.NewTestLogger()
	fs, err := NewDefaultStorage(t.TempDir(), log)
	require.NoError(t, err)

	state, found, err := fs.LoadState()
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, state)

	size, err := fs.Size()
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestSaveAndLoadState_RoundTrip(t *testing.T) {
	_, log := logger.NewTestLogger()
	fs, err := NewDefaultStorage(t.TempDir(), log)
	require.NoError(t, err)

	want := api.PersistedState{HighestCommitted: 42, SnapshotId: "snap-1"}
	require.NoError(t, fs.SaveState(want))

	got, found, err := fs.LoadState()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want.HighestCommitted, got.HighestCommitted)
	assert.Equal(t, want.SnapshotId, got.SnapshotId)
	assert.NotZero(t, got.Checksum)

	size, err := fs.Size()
	require.NoError(t, err)
	assert.Positive(t, size)
}

func TestSaveState_OverwritesPreviousAtomically(t *testing.T) {
	_, log := logger.NewTestLogger()
	fs, err := NewDefaultStorage(t.TempDir(), log)
	require.NoError(t, err)

	require.NoError(t, fs.SaveState(api.PersistedState{HighestCommitted: 1, SnapshotId: "a"}))
	require.NoError(t, fs.SaveState(api.PersistedState{HighestCommitted: 2, SnapshotId: "b"}))

	got, found, err := fs.LoadState()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, api.PhaseId(2), got.HighestCommitted)
	assert.Equal(t, "b", got.SnapshotId)
}

func TestLoadState_ChecksumMismatchIsRejected(t *testing.T) {
	dir := t.TempDir()
	_, log := logger.NewTestLogger()
	fs, err := NewDefaultStorage(dir, log)
	require.NoError(t, err)

	require.NoError(t, fs.SaveState(api.PersistedState{HighestCommitted: 5, SnapshotId: "s"}))

	raw, err := os.ReadFile(filepath.Join(dir, stateFileName))
	require.NoError(t, err)
	corrupted := append([]byte(nil), raw...)
	corrupted[len(corrupted)-2] ^= 0x01
	require.NoError(t, os.WriteFile(filepath.Join(dir, stateFileName), corrupted, 0644))

	_, found, err := fs.LoadState()
	assert.Error(t, err)
	assert.False(t, found)
}

func TestSnapshot_SaveAndLoad(t *testing.T) {
	_, log := logger.NewTestLogger()
	fs, err := NewDefaultStorage(t.TempDir(), log)
	require.NoError(t, err)

	payload := []byte("application snapshot bytes")
	require.NoError(t, fs.SaveSnapshot("snap-1", payload))

	got, err := fs.LoadSnapshot("snap-1")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestSnapshot_MissingReturnsNilWithoutError(t *testing.T) {
	_, log := logger.NewTestLogger()
	fs, err := NewDefaultStorage(t.TempDir(), log)
	require.NoError(t, err)

	got, err := fs.LoadSnapshot("does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClose_IsNoop(t *testing.T) {
	_, log := logger.NewTestLogger()
	fs, err := NewDefaultStorage(t.TempDir(), log)
	require.NoError(t, err)
	assert.NoError(t, fs.Close())
}
