package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekroai/na-tools/internal/errdefs"
	"github.com/nekroai/na-tools/internal/filelock"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	reg, err := Open(context.Background(), filepath.Join(dir, "config"), WithLockTimeout(200*time.Millisecond))
	require.NoError(t, err)
	return reg, dir
}

func mkInstanceDir(t *testing.T, root, name string) string {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(path, 0o755))
	canonical, err := Canonicalize(path)
	require.NoError(t, err)
	return canonical
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestScenarioA_InstallActivatesFirstInstance(t *testing.T) {
	ctx := context.Background()
	reg, root := newTestRegistry(t)
	a := mkInstanceDir(t, root, "a")

	inst, err := reg.Register(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 1, inst.ID)

	_, err = reg.Active()
	assert.True(t, errors.Is(err, errdefs.ErrNoActiveInstance), "register alone must not activate, got %v", err)

	res, err := reg.Install(ctx, a)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.True(t, res.Activated)

	list, err := reg.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].ID)
	assert.Equal(t, a, list[0].Path)
	assert.True(t, list[0].Active)
}

func TestScenarioB_UseSwitchesActive(t *testing.T) {
	ctx := context.Background()
	reg, root := newTestRegistry(t)

	a, err := reg.Register(ctx, mkInstanceDir(t, root, "a"))
	require.NoError(t, err)
	b, err := reg.Register(ctx, mkInstanceDir(t, root, "b"))
	require.NoError(t, err)
	assert.Equal(t, 1, a.ID)
	assert.Equal(t, 2, b.ID)

	_, err = reg.Use(ctx, "2")
	require.NoError(t, err)

	active, err := reg.Active()
	require.NoError(t, err)
	assert.Equal(t, 2, active.ID)
}

func TestScenarioD_UseUnknownIDLeavesPointer(t *testing.T) {
	ctx := context.Background()
	reg, root := newTestRegistry(t)

	_, err := reg.Install(ctx, mkInstanceDir(t, root, "a"))
	require.NoError(t, err)
	before := readFile(t, reg.path())

	_, err = reg.Use(ctx, "99")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))

	active, err := reg.Active()
	require.NoError(t, err)
	assert.Equal(t, 1, active.ID)
	assert.Equal(t, before, readFile(t, reg.path()))
}

func TestRegister_DuplicatePathLeavesRegistryUnchanged(t *testing.T) {
	ctx := context.Background()
	reg, root := newTestRegistry(t)
	a := mkInstanceDir(t, root, "a")

	_, err := reg.Register(ctx, a)
	require.NoError(t, err)
	before := readFile(t, reg.path())

	testCases := []struct {
		name string
		path string
	}{
		{name: "identical path", path: a},
		{name: "trailing slash", path: a + "/"},
		{name: "dot segments", path: filepath.Join(a, "..", "a")},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.Register(ctx, tc.path)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errdefs.ErrDuplicatePath))
			assert.Equal(t, before, readFile(t, reg.path()))
		})
	}
}

func TestRegister_SymlinkResolvesToSamePath(t *testing.T) {
	ctx := context.Background()
	reg, root := newTestRegistry(t)
	a := mkInstanceDir(t, root, "a")
	link := filepath.Join(root, "link")
	require.NoError(t, os.Symlink(a, link))

	_, err := reg.Register(ctx, a)
	require.NoError(t, err)

	_, err = reg.Register(ctx, link)
	assert.True(t, errors.Is(err, errdefs.ErrDuplicatePath))
}

func TestList_AscendingIDs(t *testing.T) {
	ctx := context.Background()
	reg, root := newTestRegistry(t)

	// Register in non-alphabetical order so path order differs from id order.
	for _, name := range []string{"zeta", "alpha", "mid", "beta"} {
		_, err := reg.Register(ctx, mkInstanceDir(t, root, name))
		require.NoError(t, err)
	}

	list, err := reg.List()
	require.NoError(t, err)
	require.Len(t, list, 4)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].ID, list[i].ID)
	}
	assert.Equal(t, "zeta", filepath.Base(list[0].Path))
}

func TestList_DoesNotWrite(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.List()
	require.NoError(t, err)
	assert.NoFileExists(t, reg.path())
}

func TestRegister_IDsNeverReused(t *testing.T) {
	ctx := context.Background()
	reg, root := newTestRegistry(t)

	_, err := reg.Register(ctx, mkInstanceDir(t, root, "a"))
	require.NoError(t, err)
	_, err = reg.Register(ctx, mkInstanceDir(t, root, "b"))
	require.NoError(t, err)

	// Remove the newest instance by hand, keeping next_id intact.
	doc, err := reg.load()
	require.NoError(t, err)
	doc.Instances = doc.Instances[:1]
	require.NoError(t, reg.save(doc))

	c, err := reg.Register(ctx, mkInstanceDir(t, root, "c"))
	require.NoError(t, err)
	assert.Equal(t, 3, c.ID)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	reg, root := newTestRegistry(t)
	a := mkInstanceDir(t, root, "a")
	_, err := reg.Register(ctx, a)
	require.NoError(t, err)

	testCases := []struct {
		name       string
		identifier string
		wantID     int
		wantErr    error
	}{
		{name: "numeric id", identifier: "1", wantID: 1},
		{name: "padded id", identifier: " 1 ", wantID: 1},
		{name: "absolute path", identifier: a, wantID: 1},
		{name: "unclean path", identifier: a + "/./", wantID: 1},
		{name: "unknown id", identifier: "7", wantErr: errdefs.ErrNotFound},
		{name: "unknown path", identifier: filepath.Join(root, "nope"), wantErr: errdefs.ErrNotFound},
		{name: "empty", identifier: "", wantErr: errdefs.ErrNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			inst, err := reg.Resolve(tc.identifier)
			if tc.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tc.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantID, inst.ID)
		})
	}
}

func TestActive_StalePointer(t *testing.T) {
	ctx := context.Background()
	reg, root := newTestRegistry(t)
	a := mkInstanceDir(t, root, "a")
	_, err := reg.Install(ctx, a)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(a))

	_, err = reg.Active()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrStaleActiveInstance))
}

func TestActive_PointerToMissingID(t *testing.T) {
	ctx := context.Background()
	reg, root := newTestRegistry(t)
	_, err := reg.Install(ctx, mkInstanceDir(t, root, "a"))
	require.NoError(t, err)

	doc, err := reg.load()
	require.NoError(t, err)
	doc.ActiveID = 42
	require.NoError(t, reg.save(doc))

	_, err = reg.Active()
	assert.True(t, errors.Is(err, errdefs.ErrStaleActiveInstance))
}

func TestActive_EmptyAndUnset(t *testing.T) {
	ctx := context.Background()
	reg, root := newTestRegistry(t)

	_, err := reg.Active()
	assert.True(t, errors.Is(err, errdefs.ErrNoActiveInstance))

	_, err = reg.Register(ctx, mkInstanceDir(t, root, "a"))
	require.NoError(t, err)
	_, err = reg.Active()
	assert.True(t, errors.Is(err, errdefs.ErrNoActiveInstance))
}

func TestUse_UnreachableFailsBeforeCommit(t *testing.T) {
	ctx := context.Background()
	reg, root := newTestRegistry(t)
	_, err := reg.Install(ctx, mkInstanceDir(t, root, "a"))
	require.NoError(t, err)
	b := mkInstanceDir(t, root, "b")
	_, err = reg.Register(ctx, b)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(b))

	_, err = reg.Use(ctx, "2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrInstanceUnreachable))

	active, err := reg.Active()
	require.NoError(t, err)
	assert.Equal(t, 1, active.ID)

	// SetActive alone does not require the directory.
	_, err = reg.SetActive(ctx, "2")
	require.NoError(t, err)
}

func TestInstall_SecondInstallKeepsActive(t *testing.T) {
	ctx := context.Background()
	reg, root := newTestRegistry(t)

	first, err := reg.Install(ctx, mkInstanceDir(t, root, "a"))
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.True(t, first.Activated)

	second, err := reg.Install(ctx, mkInstanceDir(t, root, "b"))
	require.NoError(t, err)
	assert.True(t, second.Created)
	assert.False(t, second.Activated)
	assert.False(t, second.Instance.Active)

	active, err := reg.Active()
	require.NoError(t, err)
	assert.Equal(t, first.Instance.ID, active.ID)
}

func TestMarkRestored_DoesNotChangeActive(t *testing.T) {
	ctx := context.Background()
	reg, root := newTestRegistry(t)
	_, err := reg.Install(ctx, mkInstanceDir(t, root, "a"))
	require.NoError(t, err)
	_, err = reg.Register(ctx, mkInstanceDir(t, root, "b"))
	require.NoError(t, err)

	require.NoError(t, reg.MarkRestored(ctx, 2, "0f3c"))

	snap, err := reg.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1, snap.ActiveID)
	require.NotNil(t, snap.Instances[1].RestoredAt)
	assert.Equal(t, "0f3c", snap.Instances[1].RestoredFrom)

	err = reg.MarkRestored(ctx, 9, "x")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
}

func TestMutate_GenerationIncrements(t *testing.T) {
	ctx := context.Background()
	reg, root := newTestRegistry(t)

	_, err := reg.Register(ctx, mkInstanceDir(t, root, "a"))
	require.NoError(t, err)
	first, err := reg.Snapshot()
	require.NoError(t, err)

	require.NoError(t, reg.Touch(ctx, 1))
	second, err := reg.Snapshot()
	require.NoError(t, err)

	assert.Equal(t, first.Generation+1, second.Generation)
}

func TestMutate_ConcurrentModification(t *testing.T) {
	ctx := context.Background()
	reg, root := newTestRegistry(t)
	a := mkInstanceDir(t, root, "a")

	require.NoError(t, os.MkdirAll(reg.Dir(), 0o755))
	held, err := filelock.Acquire(ctx, filepath.Join(reg.Dir(), LockFileName), time.Second)
	require.NoError(t, err)
	defer held.Release()

	_, err = reg.Register(ctx, a)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrConcurrentModification))
	assert.NoFileExists(t, reg.path())
}

func TestLoad_NewerVersionRejected(t *testing.T) {
	reg, _ := newTestRegistry(t)
	require.NoError(t, os.MkdirAll(reg.Dir(), 0o755))
	require.NoError(t, os.WriteFile(reg.path(), []byte(`{"version": 9, "instances": []}`), 0o644))

	_, err := reg.List()
	assert.True(t, errors.Is(err, errdefs.ErrIncompatibleFormat))
}

func TestLoad_ToleratesComments(t *testing.T) {
	reg, _ := newTestRegistry(t)
	require.NoError(t, os.MkdirAll(reg.Dir(), 0o755))
	doc := `{
  // edited by hand
  "version": 1,
  "next_id": 2,
  "active_id": 0,
  "instances": [{"id": 1, "path": "/srv/na", "registered_at": "2026-01-02T03:04:05Z"},],
}`
	require.NoError(t, os.WriteFile(reg.path(), []byte(doc), 0o644))

	list, err := reg.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "/srv/na", list[0].Path)
}
