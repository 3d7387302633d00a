package commands

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekroai/na-tools/internal/archive"
	"github.com/nekroai/na-tools/internal/prompt"
	"github.com/nekroai/na-tools/internal/registry"
)

func writeData(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func countCalls(calls []string, sub string) int {
	n := 0
	for _, c := range calls {
		if strings.Contains(c, sub) {
			n++
		}
	}
	return n
}

func TestBackup_StopsAndRestartsServices(t *testing.T) {
	testCases := []struct {
		name        string
		containers  []types.Container
		unavailable bool
		args        []string
		downs, ups  int
	}{
		{name: "running", containers: []types.Container{running("nekro_agent", "running")}, downs: 1, ups: 1},
		{name: "running with no-restart", containers: []types.Container{running("nekro_agent", "running")}, args: []string{"--no-restart"}, downs: 1, ups: 0},
		{name: "stopped", containers: []types.Container{running("nekro_agent", "exited")}, downs: 0, ups: 0},
		{name: "daemon unreachable", unavailable: true, downs: 1, ups: 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			e.engine.containers = tc.containers
			e.engine.unavailable = tc.unavailable
			inst := e.instance("agent")
			writeData(t, inst.Path, "data/db.sqlite", "rows")

			out, err := e.run(append([]string{"backup", "--compression", "none"}, tc.args...)...)
			require.NoError(t, err)
			assert.Contains(t, out, "Backup written")

			calls := e.composeCalls()
			assert.Equal(t, tc.downs, countCalls(calls, " down"))
			assert.Equal(t, tc.ups, countCalls(calls, " up -d"))

			archives, err := archive.List(e.backupDir, nil)
			require.NoError(t, err)
			require.Len(t, archives, 1)
			assert.Equal(t, inst.ID, archives[0].SourceInstanceID)
			assert.Equal(t, archive.CompressionNone, archives[0].Compression)
		})
	}
}

func TestBackup_InvalidFlags(t *testing.T) {
	testCases := []struct {
		name     string
		args     []string
		contains string
	}{
		{name: "compression", args: []string{"--compression", "gzip"}, contains: "invalid compression"},
		{name: "upload location", args: []string{"--upload", "s3://bucket/x"}, contains: "invalid upload location"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			e.instance("agent")

			out, err := e.run(append([]string{"backup"}, tc.args...)...)
			require.Error(t, err)
			assert.Contains(t, out, tc.contains)
			assert.Empty(t, e.composeCalls(), "nothing is stopped before flags are validated")
		})
	}
}

func TestBackup_EncryptWithoutPassphrase(t *testing.T) {
	e := newEnv(t)
	e.instance("agent")
	newPrompter = func() prompt.Prompter { return prompt.Defaults{} }

	out, err := e.run("backup", "--encrypt")
	require.Error(t, err)
	assert.Contains(t, out, "passphrase required")
}

func TestBackupListAndPrune(t *testing.T) {
	e := newEnv(t)
	inst := e.instance("agent")
	writeData(t, inst.Path, "data/a.txt", "a")

	out, err := e.run("backup", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No backups")

	for i := 0; i < 3; i++ {
		_, err := e.run("backup", "--compression", "lz4")
		require.NoError(t, err)
	}

	out, err = e.run("backup", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "nekro-agent-1-")
	assert.Contains(t, out, "lz4")

	out, err = e.run("backup", "prune", "--keep", "1", "--dry-run")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "Would delete"))
	archives, err := archive.List(e.backupDir, nil)
	require.NoError(t, err)
	assert.Len(t, archives, 3, "dry run deletes nothing")

	_, err = e.run("backup", "prune", "--keep", "1")
	require.NoError(t, err)
	remaining, err := archive.List(e.backupDir, nil)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, archives[0].ID, remaining[0].ID, "the newest archive is kept")
}

func TestBackupPrune_InvalidOlderThan(t *testing.T) {
	e := newEnv(t)

	out, err := e.run("backup", "prune", "--older-than", "soon")
	require.Error(t, err)
	assert.Contains(t, out, "invalid --older-than")
}

func TestRestore(t *testing.T) {
	e := newEnv(t)
	inst := e.instance("agent")
	writeData(t, inst.Path, "data/db.sqlite", "original")

	_, err := e.run("backup")
	require.NoError(t, err)

	writeData(t, inst.Path, "data/db.sqlite", "changed")
	writeData(t, inst.Path, "data/extra.txt", "not in backup")

	out, err := e.run("--yes", "restore", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Restored")

	data, err := os.ReadFile(filepath.Join(inst.Path, "data/db.sqlite"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
	assert.NoFileExists(t, filepath.Join(inst.Path, "data/extra.txt"))

	// Services were stopped, so nothing was brought down; the start prompt
	// defaults to yes.
	calls := e.composeCalls()
	assert.Equal(t, 0, countCalls(calls, " down"))
	assert.Equal(t, 1, countCalls(calls, " up -d"))

	reg, err := registry.Open(testContext(t), e.configDir)
	require.NoError(t, err)
	got, err := reg.Resolve("1")
	require.NoError(t, err)
	require.NotNil(t, got.RestoredAt)
	assert.NotEmpty(t, got.RestoredFrom)
}

func TestRestore_KeepsBackupDirInsideInstance(t *testing.T) {
	e := newEnv(t)
	inst := e.instance("agent")
	backups := filepath.Join(inst.Path, "backups")
	t.Setenv("NA_TOOLS_BACKUP_DIR", backups)
	writeData(t, inst.Path, "data/db.sqlite", "original")

	_, err := e.run("backup")
	require.NoError(t, err)
	writeData(t, inst.Path, "data/db.sqlite", "changed")
	_, err = e.run("backup")
	require.NoError(t, err)

	_, err = e.run("--yes", "restore", "2")
	require.NoError(t, err)

	archives, err := filepath.Glob(filepath.Join(backups, "*.nabak"))
	require.NoError(t, err)
	assert.Len(t, archives, 2)
}

func TestBackup_OutputInsideInstanceRejected(t *testing.T) {
	e := newEnv(t)
	inst := e.instance("agent")
	output := filepath.Join(inst.Path, "manual.nabak")

	out, err := e.run("backup", "--output", output)
	require.Error(t, err)
	assert.Contains(t, out, "output inside the instance")
	assert.NoFileExists(t, output)
	assert.Empty(t, e.composeCalls())
}

func TestRestore_PicksNewestForInstance(t *testing.T) {
	e := newEnv(t)
	first := e.instance("first")
	second := e.instance("second")
	writeData(t, first.Path, "marker", "first")
	writeData(t, second.Path, "marker", "second")

	_, err := e.run("-i", "1", "backup")
	require.NoError(t, err)
	_, err = e.run("-i", "2", "backup")
	require.NoError(t, err)

	writeData(t, first.Path, "marker", "changed")

	// The picker is answered with its preselection.
	_, err = e.run("-i", "1", "--yes", "restore")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(first.Path, "marker"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
	assert.Contains(t, e.prompter.Asked, "Archive to restore")
}

func TestRestore_ForeignArchiveWarns(t *testing.T) {
	e := newEnv(t)
	first := e.instance("first")
	second := e.instance("second")
	writeData(t, first.Path, "marker", "first")

	_, err := e.run("-i", "1", "backup")
	require.NoError(t, err)

	out, err := e.run("-i", "2", "--yes", "restore", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "taken from instance 1")

	data, err := os.ReadFile(filepath.Join(second.Path, "marker"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestRestore_RefusesWithoutConfirmation(t *testing.T) {
	e := newEnv(t)
	inst := e.instance("agent")
	writeData(t, inst.Path, "data/db.sqlite", "original")
	_, err := e.run("backup")
	require.NoError(t, err)
	writeData(t, inst.Path, "data/db.sqlite", "changed")

	t.Run("no terminal", func(t *testing.T) {
		newPrompter = func() prompt.Prompter { return prompt.Defaults{} }
		t.Cleanup(func() { newPrompter = func() prompt.Prompter { return e.prompter } })

		out, err := e.run("restore", "1")
		require.Error(t, err)
		assert.Contains(t, out, "refusing to overwrite")
	})

	t.Run("declined", func(t *testing.T) {
		e.answer("n")
		out, err := e.run("restore", "1")
		require.Error(t, err)
		assert.Contains(t, out, "cancelled")
	})

	data, err := os.ReadFile(filepath.Join(inst.Path, "data/db.sqlite"))
	require.NoError(t, err)
	assert.Equal(t, "changed", string(data))
}

func TestRestore_NoBackups(t *testing.T) {
	e := newEnv(t)
	e.instance("agent")

	out, err := e.run("--yes", "restore")
	require.Error(t, err)
	assert.Contains(t, out, "no backup selected")
}

func TestUpdate(t *testing.T) {
	e := newEnv(t)
	inst := e.instance("agent")
	writeData(t, inst.Path, ".env", "NEKRO_EXPOSE_PORT=8021\nMIRROR_REGISTRY=docker.1ms.run\n")

	out, err := e.run("update")
	require.NoError(t, err)
	assert.Contains(t, out, "Update complete")
	assert.Contains(t, out, "no containers found", "services that did not come up are reported")

	calls := e.composeCalls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0], "pull")
	assert.Contains(t, calls[1], "up -d")
	assert.Equal(t, []string{"docker.1ms.run/kromiose/nekro-agent-sandbox"}, e.engine.pulled)
}

func TestUpdate_NotInstalled(t *testing.T) {
	e := newEnv(t)
	inst := e.instance("agent")
	require.NoError(t, os.Remove(filepath.Join(inst.Path, "docker-compose.yml")))

	out, err := e.run("update")
	require.Error(t, err)
	assert.Contains(t, out, "no installation found")
	assert.Empty(t, e.composeCalls())
}
