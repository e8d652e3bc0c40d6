package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(dir, id string) error {
	return os.WriteFile(filepath.Join(dir, id+ConfigFileExt), []byte(`{"cvrFileSources":[{}]}`), 0600)
}

func TestNewRegistry_RequiresRoot(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestNewRegistry_CreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "contests")
	_, err := NewRegistry(RegistryConfig{Root: root, Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.DirExists(t, root)
}

func TestRegistry_Create(t *testing.T) {
	reg, notifier := setupTestRegistry(t, nil)

	st, err := reg.Create(context.Background(), writeConfig)
	require.NoError(t, err)

	_, err = uuid.Parse(st.ID())
	assert.NoError(t, err)
	assert.Equal(t, int64(0), st.NextChunk())
	assert.Equal(t, int64(0), st.Size())
	assert.DirExists(t, st.Dir())
	assert.FileExists(t, st.ConfigPath())
	assert.Equal(t, filepath.Join(st.Dir(), st.ID()), st.DataPath())
	assert.Equal(t, []string{EventSessionCreated}, notifier.names())

	got, err := reg.Get(st.ID())
	require.NoError(t, err)
	assert.Same(t, st, got)
}

func TestRegistry_CreateDistinctIDs(t *testing.T) {
	reg, _ := setupTestRegistry(t, nil)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		st, err := reg.Create(context.Background(), nil)
		require.NoError(t, err)
		assert.False(t, seen[st.ID()])
		seen[st.ID()] = true
	}
	assert.Equal(t, 20, reg.Len())
}

func TestRegistry_CreateProvisionFailure(t *testing.T) {
	reg, notifier := setupTestRegistry(t, nil)

	var provisioned string
	_, err := reg.Create(context.Background(), func(dir, id string) error {
		provisioned = dir
		return errors.New("disk full")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)

	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "provision", se.Op)

	assert.NoDirExists(t, provisioned)
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, notifier.names())
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg, _ := setupTestRegistry(t, nil)

	_, err := reg.Get(uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_Remove(t *testing.T) {
	reg, _ := setupTestRegistry(t, nil)

	st, err := reg.Create(context.Background(), nil)
	require.NoError(t, err)

	removed, err := reg.Remove(st.ID())
	require.NoError(t, err)
	assert.Same(t, st, removed)

	_, err = reg.Remove(st.ID())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = reg.Get(st.ID())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_ListOrderedByCreation(t *testing.T) {
	reg, _ := setupTestRegistry(t, nil)

	var ids []string
	for i := 0; i < 5; i++ {
		st, err := reg.Create(context.Background(), nil)
		require.NoError(t, err)
		ids = append(ids, st.ID())
	}

	var listed []string
	for _, st := range reg.List() {
		listed = append(listed, st.ID())
	}
	assert.Equal(t, ids, listed)
}
