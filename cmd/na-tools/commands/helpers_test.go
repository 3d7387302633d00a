package commands

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/nekroai/na-tools/internal/compose"
	dockerpkg "github.com/nekroai/na-tools/internal/docker"
	"github.com/nekroai/na-tools/internal/printer"
	"github.com/nekroai/na-tools/internal/prompt"
	"github.com/nekroai/na-tools/internal/registry"
)

// env is an isolated config directory with seams replaced.
type env struct {
	t          *testing.T
	configDir  string
	backupDir  string
	composeLog string
	prompter   *prompt.Scripted
	engine     *fakeEngine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}

	root := t.TempDir()
	e := &env{
		t:          t,
		configDir:  filepath.Join(root, "config"),
		backupDir:  filepath.Join(root, "backups"),
		composeLog: filepath.Join(root, "compose.log"),
		prompter:   &prompt.Scripted{},
		engine:     &fakeEngine{},
	}
	require.NoError(t, os.MkdirAll(e.configDir, 0755))
	t.Setenv("NA_TOOLS_BACKUP_DIR", e.backupDir)
	t.Setenv(envPassphrase, "")

	prevPrompter, prevCompose, prevDocker := newPrompter, detectCompose, connectDocker
	newPrompter = func() prompt.Prompter { return e.prompter }
	detectCompose = func(ctx context.Context) (*compose.Runner, error) {
		// $0 is the log file, $* the compose arguments.
		return compose.New([]string{"/bin/sh", "-c", `echo "$*" >> "$0"`, e.composeLog},
			compose.WithOutput(io.Discard, io.Discard)), nil
	}
	connectDocker = func(ctx context.Context) (dockerpkg.Engine, func(), error) {
		if e.engine.unavailable {
			return nil, nil, errors.New("daemon not running")
		}
		return e.engine, func() {}, nil
	}
	t.Cleanup(func() {
		newPrompter, detectCompose, connectDocker = prevPrompter, prevCompose, prevDocker
	})
	return e
}

// run executes the root command and returns everything printed.
func (e *env) run(args ...string) (string, error) {
	e.t.Helper()
	var out bytes.Buffer
	restore := printer.SetOutput(&out, &out)
	defer restore()

	resetFlags(rootCmd)
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config-dir", e.configDir}, args...))

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// instance creates an installed instance directory and registers it.
func (e *env) instance(name string) registry.Instance {
	e.t.Helper()
	dir := filepath.Join(filepath.Dir(e.configDir), name)
	require.NoError(e.t, os.MkdirAll(filepath.Join(dir, "configs"), 0755))
	require.NoError(e.t, os.WriteFile(filepath.Join(dir, "docker-compose.yml"), []byte("services:\n  nekro_agent:\n    image: kromiose/nekro-agent\n"), 0644))
	require.NoError(e.t, os.WriteFile(filepath.Join(dir, ".env"), []byte("NEKRO_DATA_DIR="+dir+"\nNEKRO_EXPOSE_PORT=8021\n"), 0600))

	reg, err := registry.Open(context.Background(), e.configDir)
	require.NoError(e.t, err)
	res, err := reg.Install(context.Background(), dir)
	require.NoError(e.t, err)
	return res.Instance
}

// composeCalls returns the recorded compose invocations, one per line.
func (e *env) composeCalls() []string {
	data, err := os.ReadFile(e.composeLog)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(e.t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

// answer queues prompt answers.
func (e *env) answer(answers ...string) {
	e.prompter.Answers = append(e.prompter.Answers, answers...)
}

// resetFlags restores every flag to its default so package-level flag
// variables do not leak between runs.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

type fakeEngine struct {
	containers  []types.Container
	unavailable bool
	pulled      []string
}

func (f *fakeEngine) ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
	return f.containers, nil
}

func (f *fakeEngine) ImagePull(ctx context.Context, ref string, options types.ImagePullOptions) (io.ReadCloser, error) {
	f.pulled = append(f.pulled, ref)
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeEngine) ImageTag(ctx context.Context, source, target string) error {
	return nil
}

func running(service string, state string) types.Container {
	return types.Container{
		ID:     service + "-id",
		Image:  "kromiose/" + service,
		State:  state,
		Status: "Up 2 minutes",
		Labels: map[string]string{dockerpkg.LabelComposeService: service},
	}
}

// testContext mirrors testing.T.Context (Go 1.24+): the context is canceled
// when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
