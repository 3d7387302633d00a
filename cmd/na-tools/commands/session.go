package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/nekroai/na-tools/internal/compose"
	"github.com/nekroai/na-tools/internal/config"
	dockerpkg "github.com/nekroai/na-tools/internal/docker"
	"github.com/nekroai/na-tools/internal/instance"
	"github.com/nekroai/na-tools/internal/printer"
	"github.com/nekroai/na-tools/internal/prompt"
	"github.com/nekroai/na-tools/internal/registry"
)

// Seams replaced in tests.
var (
	newPrompter = func() prompt.Prompter { return prompt.New(assumeYes) }

	detectCompose = func(ctx context.Context) (*compose.Runner, error) {
		return compose.Detect(ctx, compose.WithLogger(logger))
	}

	connectDocker = func(ctx context.Context) (dockerpkg.Engine, func(), error) {
		cli, err := dockerpkg.NewClient(ctx)
		if err != nil {
			return nil, nil, err
		}
		return cli, func() { cli.Close() }, nil
	}
)

// session carries what every instance-aware command needs: settings and
// the registry of the selected config directory.
type session struct {
	settings *config.Settings
	registry *registry.Registry
}

func loadSettings() (*config.Settings, error) {
	dir := configDir
	if dir == "" {
		var err error
		if dir, err = config.DefaultHome(); err != nil {
			return nil, printer.Error("cannot locate config directory", err.Error(),
				[]string{"Pass --config-dir or set " + config.EnvHome})
		}
	}

	s, err := config.Load(dir)
	if err != nil {
		return nil, printer.Error("invalid settings", err.Error(),
			[]string{fmt.Sprintf("Fix or remove %s", filepath.Join(dir, config.FileName))})
	}
	return s, nil
}

func newSession(ctx context.Context) (*session, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}

	reg, err := registry.Open(ctx, s.Dir,
		registry.WithLockTimeout(s.LockTimeout),
		registry.WithLogger(logger),
	)
	if err != nil {
		return nil, printer.FromError(err, "failed to open instance registry")
	}
	return &session{settings: s, registry: reg}, nil
}

// target returns the instance selected by --instance, or the active one.
func (s *session) target() (registry.Instance, error) {
	inst, err := s.registry.Target(instanceFlag)
	if err != nil {
		return registry.Instance{}, printer.FromError(err, "cannot select instance")
	}
	return inst, nil
}

// installedTarget is target plus a check that the instance has a compose
// file and .env.
func (s *session) installedTarget() (registry.Instance, error) {
	inst, err := s.target()
	if err != nil {
		return registry.Instance{}, err
	}
	if err := (instance.Layout{Dir: inst.Path}).CheckInstalled(); err != nil {
		return registry.Instance{}, printer.Error(
			"no installation found",
			err.Error(),
			[]string{fmt.Sprintf("Install into this directory first:\n  na-tools install --data-dir %s", inst.Path)},
		)
	}
	return inst, nil
}

// composeRunner detects docker compose, reporting a missing one.
func composeRunner(ctx context.Context) (*compose.Runner, error) {
	r, err := detectCompose(ctx)
	if err != nil {
		if errors.Is(err, compose.ErrUnavailable) {
			return nil, printer.Error(
				"docker compose not found",
				"Neither the 'docker compose' plugin nor 'docker-compose' is on PATH.",
				[]string{
					"Linux: install Docker Engine with the compose plugin\n  https://docs.docker.com/engine/install/",
					"macOS: install Docker Desktop\n  brew install --cask docker",
				},
			)
		}
		return nil, fmt.Errorf("failed to detect docker compose: %w", err)
	}
	return r, nil
}

// projectFor returns the compose project of an instance directory.
func projectFor(dir string) compose.Project {
	l := instance.Layout{Dir: dir}
	p := compose.Project{Dir: dir}
	if l.HasEnv() {
		p.EnvFile = l.EnvFile()
	}
	return p
}

// servicesRunning reports whether any container of the project is running.
// When the daemon cannot be asked it assumes they are.
func servicesRunning(ctx context.Context, dir string) bool {
	eng, closeFn, err := connectDocker(ctx)
	if err != nil {
		logger.Debug("docker API unavailable, assuming services run", "error", err)
		return true
	}
	defer closeFn()

	containers, err := instance.FindContainers(ctx, eng, dir)
	if err != nil {
		logger.Debug("container lookup failed, assuming services run", "error", err)
		return true
	}
	return instance.DetermineStatus(containers) != instance.StatusStopped
}

// offerRestart asks whether to restart nekro_agent so config changes apply.
func offerRestart(ctx context.Context, dir string) error {
	if !(instance.Layout{Dir: dir}).HasCompose() {
		return nil
	}
	p := newPrompter()
	ok, err := p.Confirm("Restart nekro_agent now?", false)
	if err != nil {
		return ignoreAbort(err)
	}
	if !ok {
		printer.Hint("Changes take effect after the service restarts.\n")
		return nil
	}

	runner, err := composeRunner(ctx)
	if err != nil {
		return err
	}
	if err := runner.Restart(ctx, projectFor(dir), instance.DefaultService); err != nil {
		printer.Warning("Restart failed, restart it manually: %v\n", err)
		return nil
	}
	printer.Success("Service restarted\n")
	return nil
}

func ignoreAbort(err error) error {
	if errors.Is(err, prompt.ErrAborted) {
		return nil
	}
	return err
}

// abortedError reports a cancelled prompt.
func abortedError() error {
	return printer.Error("cancelled", "Nothing was changed.", nil)
}

// verifyStarted warns when an essential service is not running after
// compose up. It is skipped when the daemon cannot be asked.
func verifyStarted(ctx context.Context, dir string) {
	eng, closeFn, err := connectDocker(ctx)
	if err != nil {
		logger.Debug("docker API unavailable, skipping service check", "error", err)
		return
	}
	defer closeFn()

	if err := instance.VerifyRunning(ctx, eng, dir); err != nil {
		printer.Warning("%v\n", err)
		printer.Hint("Inspect the logs:\n  na-tools logs\n")
	}
}
