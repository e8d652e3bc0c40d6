package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTeardown_RemovesStorage(t *testing.T) {
	reg, _ := setupTestRegistry(t, nil)
	coord := NewCoordinator(reg)
	teardown := NewTeardownManager(reg)
	ctx := context.Background()

	st, err := reg.Create(ctx, writeConfig)
	require.NoError(t, err)
	_, err = coord.Upload(ctx, st.ID(), 0, strings.NewReader("AA"))
	require.NoError(t, err)

	require.NoError(t, teardown.Teardown(ctx, st.ID()))

	assert.NoDirExists(t, st.Dir())
	assert.True(t, st.Closed())
	assert.Equal(t, 0, reg.Len())
}

func TestTeardown_Unknown(t *testing.T) {
	reg, _ := setupTestRegistry(t, nil)
	teardown := NewTeardownManager(reg)

	st, err := reg.Create(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, teardown.Teardown(context.Background(), st.ID()))

	err = teardown.Teardown(context.Background(), st.ID())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTeardown_MissingDirectory(t *testing.T) {
	reg, _ := setupTestRegistry(t, nil)
	teardown := NewTeardownManager(reg)

	st, err := reg.Create(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(st.Dir()))

	assert.NoError(t, teardown.Teardown(context.Background(), st.ID()))
}

func TestTeardown_StaleStateRejected(t *testing.T) {
	reg, _ := setupTestRegistry(t, nil)
	teardown := NewTeardownManager(reg)

	st, err := reg.Create(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, teardown.Teardown(context.Background(), st.ID()))

	ran := false
	err = st.WithLock(func() error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, ran)
}

func TestTeardown_WaitsForInFlightWork(t *testing.T) {
	reg, _ := setupTestRegistry(t, nil)
	teardown := NewTeardownManager(reg)

	st, err := reg.Create(context.Background(), nil)
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = st.WithLock(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	done := make(chan error, 1)
	go func() {
		done <- teardown.Teardown(context.Background(), st.ID())
	}()

	select {
	case <-done:
		t.Fatal("teardown finished while session was locked")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = reg.Get(st.ID())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.DirExists(t, st.Dir())

	close(release)
	wg.Wait()
	require.NoError(t, <-done)
	assert.NoDirExists(t, st.Dir())
}

func TestRemoveTree_PostOrder(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "session")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a", "b"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "b", "f"), []byte("x"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "g"), []byte("y"), 0600))

	outside := filepath.Join(root, "outside")
	require.NoError(t, os.WriteFile(outside, []byte("keep"), 0600))
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "link")))

	require.NoError(t, removeTree(dir))
	assert.NoDirExists(t, dir)
	assert.FileExists(t, outside)
}
