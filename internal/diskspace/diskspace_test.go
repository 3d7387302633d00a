package diskspace

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekroai/na-tools/internal/errdefs"
)

func TestAvailable_MissingPathUsesAncestor(t *testing.T) {
	dir := t.TempDir()

	direct, ok, err := Available(dir)
	require.NoError(t, err)
	if !ok {
		t.Skip("free space not reported on this platform")
	}
	assert.Greater(t, direct, uint64(0))

	_, ok, err = Available(filepath.Join(dir, "not", "yet", "created.nabak"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEnsure(t *testing.T) {
	dir := t.TempDir()
	if _, ok, _ := Available(dir); !ok {
		t.Skip("free space not reported on this platform")
	}

	assert.NoError(t, Ensure(dir, 1))

	err := Ensure(dir, math.MaxUint64/2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrInsufficientSpace))
}
