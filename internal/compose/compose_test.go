package compose

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoRunner returns a Runner whose "compose" is a shell printing its
// arguments, working directory and one environment variable.
func echoRunner(t *testing.T, out *bytes.Buffer) *Runner {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	script := `echo "args=$*"; echo "pwd=$(pwd)"; echo "port=${NEKRO_EXPOSE_PORT:-unset}"; echo "keep=${KEEP_ME:-unset}"`
	return New([]string{"/bin/sh", "-c", script, "compose"}, WithOutput(out, out))
}

func TestRunner_Run(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("NEKRO_EXPOSE_PORT=8021\n"), 0600))

	t.Setenv("NEKRO_EXPOSE_PORT", "9999")
	t.Setenv("KEEP_ME", "yes")

	var out bytes.Buffer
	r := echoRunner(t, &out)

	require.NoError(t, r.Up(context.Background(), Project{Dir: dir, EnvFile: envPath}))

	canonical, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "args=--env-file "+envPath+" up -d", lines[0])
	assert.Equal(t, "pwd="+canonical, lines[1])
	assert.Equal(t, "port=unset", lines[2], ".env keys are removed from the environment")
	assert.Equal(t, "keep=yes", lines[3])
}

func TestRunner_Logs(t *testing.T) {
	testCases := []struct {
		name     string
		follow   bool
		tail     int
		expected string
	}{
		{name: "default tail", tail: 100, expected: "args=logs --tail=100 nekro_agent"},
		{name: "follow", follow: true, tail: 20, expected: "args=logs --tail=20 -f nekro_agent"},
		{name: "whole log", tail: 0, expected: "args=logs --tail=all nekro_agent"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			r := echoRunner(t, &out)
			require.NoError(t, r.Logs(context.Background(), Project{Dir: t.TempDir()}, "nekro_agent", tc.follow, tc.tail))
			assert.Equal(t, tc.expected, strings.SplitN(out.String(), "\n", 2)[0])
		})
	}
}

func TestRunner_OutputIncludesStderrOnFailure(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	r := New([]string{"/bin/sh", "-c", "echo 'no such service' >&2; exit 3", "compose"})

	_, err := r.Ps(context.Background(), Project{Dir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such service")
	assert.Contains(t, err.Error(), "ps")
}

func TestRunner_Unavailable(t *testing.T) {
	r := New(nil)
	err := r.Run(context.Background(), Project{}, "ps")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestEnviron(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("# c\nA=1\nB=\n"), 0600))

	base := []string{"A=shell", "B=shell", "C=shell", "PATH=/usr/bin"}

	got, err := environ(base, envPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"C=shell", "PATH=/usr/bin"}, got)

	got, err = environ(base, "")
	require.NoError(t, err)
	assert.Equal(t, base, got)
}
