// Package compose drives docker compose for an instance directory.
package compose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/nekroai/na-tools/internal/envfile"
	"github.com/nekroai/na-tools/internal/logging"
)

// ErrUnavailable is returned when neither the compose v2 plugin nor the
// standalone docker-compose binary can be found.
var ErrUnavailable = errors.New("docker compose is not available")

// Project is a compose project: the instance directory holding
// docker-compose.yml and, optionally, the .env file passed as --env-file.
type Project struct {
	Dir     string
	EnvFile string
}

// Runner runs compose commands.
type Runner struct {
	command []string
	logger  *slog.Logger
	stdout  io.Writer
	stderr  io.Writer
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = logging.OrDiscard(l) }
}

// WithOutput sets where streamed command output goes.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(r *Runner) { r.stdout, r.stderr = stdout, stderr }
}

// New returns a Runner invoking command (e.g. ["docker", "compose"]).
func New(command []string, opts ...Option) *Runner {
	r := &Runner{
		command: command,
		logger:  logging.Discard(),
		stdout:  os.Stdout,
		stderr:  os.Stderr,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Detect finds a compose implementation, preferring the v2 plugin
// ("docker compose") over the standalone docker-compose binary.
func Detect(ctx context.Context, opts ...Option) (*Runner, error) {
	if docker, err := exec.LookPath("docker"); err == nil {
		if err := exec.CommandContext(ctx, docker, "compose", "version").Run(); err == nil {
			return New([]string{docker, "compose"}, opts...), nil
		}
	}
	if dc, err := exec.LookPath("docker-compose"); err == nil {
		return New([]string{dc}, opts...), nil
	}
	return nil, ErrUnavailable
}

// Command returns the compose invocation in use, for messages.
func (r *Runner) Command() string {
	return strings.Join(r.command, " ")
}

// Version returns the output of "compose version".
func (r *Runner) Version(ctx context.Context) (string, error) {
	out, err := r.Output(ctx, Project{}, "version")
	return strings.TrimSpace(out), err
}

// Run runs a compose subcommand in p.Dir, streaming its output.
func (r *Runner) Run(ctx context.Context, p Project, args ...string) error {
	cmd, err := r.build(ctx, p, args)
	if err != nil {
		return err
	}
	cmd.Stdout = r.stdout
	cmd.Stderr = r.stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s failed: %w", r.Command(), strings.Join(args, " "), err)
	}
	return nil
}

// Output runs a compose subcommand and returns its stdout. Stderr is
// included in the error.
func (r *Runner) Output(ctx context.Context, p Project, args ...string) (string, error) {
	cmd, err := r.build(ctx, p, args)
	if err != nil {
		return "", err
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return stdout.String(), fmt.Errorf("%s %s failed: %w", r.Command(), strings.Join(args, " "), err)
		}
		return stdout.String(), fmt.Errorf("%s %s failed: %w: %s", r.Command(), strings.Join(args, " "), err, msg)
	}
	return stdout.String(), nil
}

func (r *Runner) build(ctx context.Context, p Project, args []string) (*exec.Cmd, error) {
	if len(r.command) == 0 {
		return nil, ErrUnavailable
	}

	full := append([]string(nil), r.command[1:]...)
	if p.EnvFile != "" {
		full = append(full, "--env-file", p.EnvFile)
	}
	full = append(full, args...)

	env, err := environ(os.Environ(), p.EnvFile)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("running compose", "dir", p.Dir, "args", full)
	cmd := exec.CommandContext(ctx, r.command[0], full...)
	cmd.Dir = p.Dir
	cmd.Env = env
	return cmd, nil
}

// environ returns base without the keys envFile assigns. Compose gives the
// shell environment precedence over --env-file, so a stale exported
// variable would otherwise override the instance's .env.
func environ(base []string, envFile string) ([]string, error) {
	if envFile == "" {
		return base, nil
	}
	f, err := envfile.Load(envFile)
	if err != nil {
		return nil, err
	}
	keys := f.Map()

	out := make([]string, 0, len(base))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, drop := keys[k]; drop {
			continue
		}
		out = append(out, kv)
	}
	return out, nil
}

// Pull pulls every service image.
func (r *Runner) Pull(ctx context.Context, p Project) error {
	return r.Run(ctx, p, "pull")
}

// Up creates and starts the services in the background.
func (r *Runner) Up(ctx context.Context, p Project) error {
	return r.Run(ctx, p, "up", "-d")
}

// Down stops and removes the service containers. Volumes are kept.
func (r *Runner) Down(ctx context.Context, p Project) error {
	return r.Run(ctx, p, "down")
}

// Restart restarts one service.
func (r *Runner) Restart(ctx context.Context, p Project, service string) error {
	return r.Run(ctx, p, "restart", service)
}

// Ps returns the compose ps table.
func (r *Runner) Ps(ctx context.Context, p Project) (string, error) {
	return r.Output(ctx, p, "ps")
}

// Logs streams the logs of service. A tail of zero or less prints the whole
// log. Cancelling ctx ends a follow.
func (r *Runner) Logs(ctx context.Context, p Project, service string, follow bool, tail int) error {
	lines := "all"
	if tail > 0 {
		lines = strconv.Itoa(tail)
	}
	args := []string{"logs", "--tail=" + lines}
	if follow {
		args = append(args, "-f")
	}
	args = append(args, service)
	return r.Run(ctx, p, args...)
}
