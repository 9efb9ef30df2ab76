package infra

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/devmon/internal/domain"
)

func TestFileRunRegistry_SaveLoad(t *testing.T) {
	reg := NewFileRunRegistry(filepath.Join(t.TempDir(), ".devmon"))

	state, err := reg.Load()
	require.NoError(t, err)
	assert.Nil(t, state, "no state before first save")

	code := 226
	require.NoError(t, reg.Save(domain.RunState{
		SupervisorPID: 100,
		ChildPID:      200,
		RunID:         "run-1",
		Command:       []string{"./app", "--port", "8080"},
		MainFiles:     3,
		LastExitCode:  &code,
		LastHeartbeat: 1700000000,
	}))

	state, err = reg.Load()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 1, state.Version)
	assert.Equal(t, 200, state.ChildPID)
	assert.Equal(t, "run-1", state.RunID)
	assert.Equal(t, []string{"./app", "--port", "8080"}, state.Command)
	require.NotNil(t, state.LastExitCode)
	assert.Equal(t, 226, *state.LastExitCode)

	info, err := os.Stat(reg.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileRunRegistry_SaveOverwrites(t *testing.T) {
	reg := NewFileRunRegistry(t.TempDir())

	require.NoError(t, reg.Save(domain.RunState{ChildPID: 1}))
	require.NoError(t, reg.Save(domain.RunState{ChildPID: 2}))

	state, err := reg.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, state.ChildPID)

	matches, err := filepath.Glob(reg.Path() + ".*.tmp")
	require.NoError(t, err)
	assert.Empty(t, matches, "temp files cleaned up by rename")
}

func TestFileRunRegistry_Clear(t *testing.T) {
	reg := NewFileRunRegistry(t.TempDir())

	assert.NoError(t, reg.Clear(), "clearing missing state is fine")

	require.NoError(t, reg.Save(domain.RunState{ChildPID: 1}))
	require.NoError(t, reg.Clear())

	state, err := reg.Load()
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestFileRunRegistry_Corrupt(t *testing.T) {
	dir := t.TempDir()
	reg := NewFileRunRegistry(dir)
	require.NoError(t, os.WriteFile(reg.Path(), []byte("{not json"), 0600))

	_, err := reg.Load()
	assert.Error(t, err)
}
