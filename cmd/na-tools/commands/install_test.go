package commands

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekroai/na-tools/internal/download"
	"github.com/nekroai/na-tools/internal/envfile"
	"github.com/nekroai/na-tools/internal/printer"
	"github.com/nekroai/na-tools/internal/prompt"
	"github.com/nekroai/na-tools/internal/registry"
	"github.com/nekroai/na-tools/internal/scaffold"
)

func TestInstall_Offline(t *testing.T) {
	e := newEnv(t)
	newPrompter = func() prompt.Prompter { return prompt.Defaults{} }
	dir := filepath.Join(t.TempDir(), "nekro")

	out, err := e.run("install", "--offline", "--skip-sandbox", "--data-dir", dir, "--port", "18021", "--mirror", "https://docker.1ms.run/")
	require.NoError(t, err)
	assert.Contains(t, out, "Registered as instance 1")
	assert.Contains(t, out, "Instance 1 is now active")

	env, err := envfile.Load(filepath.Join(dir, ".env"))
	require.NoError(t, err)
	assert.Equal(t, "18021", env.Get(envfile.KeyExposePort))
	assert.Equal(t, "docker.1ms.run", env.Get(envfile.KeyMirror))
	assert.Equal(t, dir, env.Get(envfile.KeyDataDir))
	assert.NotEmpty(t, env.Get(envfile.KeyAdminPassword))
	assert.NotEmpty(t, env.Get(envfile.KeyOneBotToken))

	compose, err := os.ReadFile(filepath.Join(dir, "docker-compose.yml"))
	require.NoError(t, err)
	assert.Contains(t, string(compose), "docker.1ms.run/", "images are rewritten to the mirror")

	calls := e.composeCalls()
	assert.Equal(t, 1, countCalls(calls, " pull"))
	assert.Equal(t, 1, countCalls(calls, " up -d"))
	assert.Empty(t, e.engine.pulled, "sandbox pull skipped")

	reg, err := registry.Open(testContext(t), e.configDir)
	require.NoError(t, err)
	active, err := reg.Active()
	require.NoError(t, err)
	assert.Equal(t, 1, active.ID)
}

func TestInstall_ReinstallKeepsInstanceAndSecrets(t *testing.T) {
	e := newEnv(t)
	newPrompter = func() prompt.Prompter { return prompt.Defaults{} }
	dir := filepath.Join(t.TempDir(), "nekro")

	_, err := e.run("install", "--offline", "--data-dir", dir)
	require.NoError(t, err)
	first, err := envfile.Load(filepath.Join(dir, ".env"))
	require.NoError(t, err)

	out, err := e.run("install", "--offline", "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "reusing its settings")
	assert.NotContains(t, out, "Registered as instance")

	second, err := envfile.Load(filepath.Join(dir, ".env"))
	require.NoError(t, err)
	assert.Equal(t, first.Get(envfile.KeyAdminPassword), second.Get(envfile.KeyAdminPassword))

	reg, err := registry.Open(testContext(t), e.configDir)
	require.NoError(t, err)
	instances, err := reg.List()
	require.NoError(t, err)
	assert.Len(t, instances, 1)
	assert.Equal(t, []string{"kromiose/nekro-agent-sandbox", "kromiose/nekro-agent-sandbox"}, e.engine.pulled)
}

func TestInstall_Paused(t *testing.T) {
	e := newEnv(t)
	dir := filepath.Join(t.TempDir(), "nekro")
	// NapCat, mirror, then decline to continue.
	e.answer("n", "", "n")

	out, err := e.run("install", "--offline", "--data-dir", dir)
	require.Error(t, err)
	assert.Contains(t, out, "installation paused")
	assert.FileExists(t, filepath.Join(dir, ".env"))

	reg, err := registry.Open(testContext(t), e.configDir)
	require.NoError(t, err)
	instances, err := reg.List()
	require.NoError(t, err)
	assert.Empty(t, instances, "nothing is registered before the user continues")
}

func TestPrepareEnv_DownloadsExample(t *testing.T) {
	example, err := scaffold.Template(scaffold.EnvExampleFile)
	require.NoError(t, err)
	var requested []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = append(requested, r.URL.Path)
		w.Write(example)
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	// Ports come from the example; only the mirror is asked for.
	p := &prompt.Scripted{Answers: []string{"https://mirror.example.com/"}}
	fetcher := download.New([]string{srv.URL}, download.WithRetries(0))

	restore := printer.SetOutput(io.Discard, io.Discard)
	defer restore()

	env, generated, err := prepareEnv(context.Background(), dir, envChoices{withNapCat: true}, p, fetcher)
	require.NoError(t, err)

	assert.Equal(t, []string{"/.env.example"}, requested)
	assert.Equal(t, "8021", env.Get(envfile.KeyExposePort), "the example's port is kept")
	assert.Equal(t, "6099", env.Get(envfile.KeyNapCatPort))
	assert.Equal(t, "mirror.example.com", env.Get(envfile.KeyMirror))
	assert.Equal(t, []string{"Docker registry mirror (optional, e.g. docker.1ms.run)"}, p.Asked)
	assert.NotEmpty(t, generated)
	assert.FileExists(t, filepath.Join(dir, ".env"))
}
