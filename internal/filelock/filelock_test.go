package filelock

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekroai/na-tools/internal/errdefs"
)

func TestAcquire_CreatesFileAndParent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.lock")

	lock, err := Acquire(context.Background(), path, time.Second)
	require.NoError(t, err)
	defer lock.Release()

	assert.FileExists(t, path)
	assert.Equal(t, path, lock.Path())
}

func TestAcquire_ContendedLockTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.lock")

	held, err := Acquire(context.Background(), path, time.Second)
	require.NoError(t, err)
	defer held.Release()

	// flock locks belong to the open file description, so a second open in
	// the same process contends like another process would.
	start := time.Now()
	_, err = Acquire(context.Background(), path, 200*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrConcurrentModification), "got %v", err)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestAcquire_SucceedsAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.lock")

	first, err := Acquire(context.Background(), path, time.Second)
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		first.Release()
	}()

	second, err := Acquire(context.Background(), path, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestRelease_Idempotent(t *testing.T) {
	lock, err := Acquire(context.Background(), filepath.Join(t.TempDir(), "x.lock"), time.Second)
	require.NoError(t, err)

	assert.NoError(t, lock.Release())
	assert.NoError(t, lock.Release())

	var nilLock *Lock
	assert.NoError(t, nilLock.Release())
}
