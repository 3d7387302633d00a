package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nekroai/na-tools/internal/compose"
	"github.com/nekroai/na-tools/internal/config"
	dockerpkg "github.com/nekroai/na-tools/internal/docker"
	"github.com/nekroai/na-tools/internal/download"
	"github.com/nekroai/na-tools/internal/envfile"
	"github.com/nekroai/na-tools/internal/instance"
	"github.com/nekroai/na-tools/internal/printer"
	"github.com/nekroai/na-tools/internal/prompt"
	"github.com/nekroai/na-tools/internal/scaffold"
)

var (
	installDataDir     string
	installWithNapCat  bool
	installPort        string
	installNapCatPort  string
	installMirror      string
	installOffline     bool
	installSkipSandbox bool
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install Nekro Agent into a data directory",
	Long: `Install Nekro Agent with Docker Compose.

Steps:
  • Checks that docker compose is available
  • Writes .env with the chosen ports and generated credentials
  • Downloads docker-compose.yml (bundled copy when offline)
  • Rewrites image references when a registry mirror is set
  • Pulls images, starts the services and pulls the sandbox image
  • Registers the directory as an instance

Running install again on the same directory reuses its .env and keeps the
instance id. The first installed instance becomes active.

Examples:
  na-tools install
  na-tools install --data-dir /srv/nekro --with-napcat --port 8021
  na-tools install --yes --mirror docker.1ms.run`,
	Args: cobra.NoArgs,
	RunE: runInstall,
}

func init() {
	installCmd.Flags().StringVar(&installDataDir, "data-dir", "", "Data directory (default from settings, ~/nekro_agent)")
	installCmd.Flags().BoolVar(&installWithNapCat, "with-napcat", false, "Also deploy the NapCat QQ client")
	installCmd.Flags().StringVar(&installPort, "port", "", "Port the web UI is exposed on (default 8021)")
	installCmd.Flags().StringVar(&installNapCatPort, "napcat-port", "", "Port NapCat is exposed on (default 6099)")
	installCmd.Flags().StringVar(&installMirror, "mirror", "", "Docker registry mirror, e.g. docker.1ms.run")
	installCmd.Flags().BoolVar(&installOffline, "offline", false, "Use the bundled compose files instead of downloading")
	installCmd.Flags().BoolVar(&installSkipSandbox, "skip-sandbox", false, "Do not pull the sandbox image")
	rootCmd.AddCommand(installCmd)
}

// envChoices are the answers that shape the instance .env.
type envChoices struct {
	withNapCat bool
	port       string
	napCatPort string
	// mirror is nil when neither the flag nor a prompt supplied one.
	mirror *string
}

func runInstall(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	s, err := newSession(ctx)
	if err != nil {
		return err
	}
	p := newPrompter()

	printer.Info("=== Nekro Agent installation ===\n\n")

	// Phase 1: container runtime
	runner, err := composeRunner(ctx)
	if err != nil {
		return err
	}
	if v, err := runner.Version(ctx); err == nil {
		printer.Success("%s\n", v)
	}

	// Phase 2: data directory
	dir, err := chooseDataDir(p, s.settings)
	if err != nil {
		return err
	}
	if err := scaffold.CheckExisting(dir); err != nil {
		printer.Info("%v, reusing its settings\n", err)
	}

	// Phase 3: .env
	choices := envChoices{
		withNapCat: installWithNapCat,
		port:       installPort,
		napCatPort: installNapCatPort,
	}
	if cmd.Flags().Changed("mirror") {
		choices.mirror = &installMirror
	}
	if !cmd.Flags().Changed("with-napcat") && p.Interactive() {
		if choices.withNapCat, err = p.Confirm("Also deploy NapCat?", true); err != nil {
			return cancelled(err)
		}
	}

	fetcher := download.New(s.settings.DownloadSources, download.WithLogger(logger))
	if installOffline {
		if _, err := scaffold.Initialize(dir, choices.withNapCat, false); err != nil {
			return printer.Error("failed to write bundled files", err.Error(), nil)
		}
	}

	env, generated, err := prepareEnv(ctx, dir, choices, p, fetcher)
	if err != nil {
		return err
	}
	for _, key := range generated {
		printer.Info("Generated %s\n", key)
	}
	printer.Success(".env written: %s\n", filepath.Join(dir, instance.EnvFileName))

	ok, err := p.Confirm("Configuration written. Continue with the installation?", true)
	if err != nil {
		return cancelled(err)
	}
	if !ok {
		return printer.Error("installation paused",
			fmt.Sprintf("Edit %s and run na-tools install again.", filepath.Join(dir, instance.EnvFileName)), nil)
	}

	// Phase 4: compose file
	layout := instance.Layout{Dir: dir}
	if !installOffline {
		printer.Step("Downloading %s\n", instance.ComposeFileName)
		source, err := fetcher.Download(ctx, scaffold.ComposeSource(choices.withNapCat), layout.ComposeFile(), scaffold.ValidateCompose)
		if err != nil {
			return printer.Error("failed to download docker-compose.yml", err.Error(),
				[]string{"Check your network connection", "Install from the bundled files:\n  na-tools install --offline"})
		}
		if source == download.Bundled {
			printer.Warning("All download sources failed, using the bundled compose file\n")
		}
	}

	mirror := env.Get(envfile.KeyMirror)
	if mirror != "" {
		changes, err := compose.ApplyMirror(layout.ComposeFile(), mirror)
		if err != nil {
			return printer.Error("failed to apply registry mirror", err.Error(), nil)
		}
		for _, c := range changes {
			printer.Info("  %s: %s -> %s\n", c.Service, c.From, c.To)
		}
	}

	// Phase 5: register before starting, so a failed pull can be retried
	// with na-tools update
	result, err := s.registry.Install(ctx, dir)
	if err != nil {
		return printer.FromError(err, "failed to register instance")
	}
	if result.Created {
		printer.Success("Registered as instance %d\n", result.Instance.ID)
	}
	if result.Activated {
		printer.Info("Instance %d is now active\n", result.Instance.ID)
	}

	// Phase 6: start
	project := projectFor(dir)
	printer.Step("Pulling service images\n")
	if err := runner.Pull(ctx, project); err != nil {
		return printer.Error("failed to pull images", err.Error(),
			[]string{"Check your network connection or set a mirror:\n  na-tools install --mirror docker.1ms.run"})
	}
	printer.Step("Starting services\n")
	if err := runner.Up(ctx, project); err != nil {
		return printer.Error("failed to start services", err.Error(),
			[]string{"Inspect the logs:\n  na-tools logs"})
	}
	verifyStarted(ctx, dir)

	if !installSkipSandbox {
		pullSandbox(ctx, s.settings.SandboxImage, mirror)
	}

	printInstallSummary(dir, env, choices.withNapCat, result.Instance.ID)
	return nil
}

func chooseDataDir(p prompt.Prompter, s *config.Settings) (string, error) {
	dir := installDataDir
	if dir == "" {
		var err error
		if dir, err = p.Input("Data directory", s.DefaultDataDir, nil); err != nil {
			return "", cancelled(err)
		}
	}
	dir, err := expandPath(dir)
	if err != nil {
		return "", printer.Error("invalid data directory", err.Error(), nil)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", printer.Error("cannot create data directory", err.Error(),
			[]string{"Choose a writable location with --data-dir", "Re-run with sudo"})
	}
	printer.Info("Data directory: %s\n", dir)
	return dir, nil
}

// prepareEnv creates or updates the instance .env. A missing .env is
// seeded from .env.example, which is downloaded when absent.
func prepareEnv(ctx context.Context, dir string, c envChoices, p prompt.Prompter, fetcher *download.Fetcher) (*envfile.File, []string, error) {
	layout := instance.Layout{Dir: dir}
	envPath := layout.EnvFile()

	if !layout.HasEnv() {
		example := filepath.Join(dir, scaffold.EnvExampleFile)
		if _, err := os.Stat(example); errors.Is(err, os.ErrNotExist) {
			if _, err := fetcher.Download(ctx, scaffold.EnvExampleFile, example, nil); err != nil {
				return nil, nil, printer.Error("failed to download .env.example", err.Error(),
					[]string{"Install from the bundled files:\n  na-tools install --offline"})
			}
		}
		data, err := os.ReadFile(example)
		if err != nil {
			return nil, nil, printer.Error("failed to read .env.example", err.Error(), nil)
		}
		if err := envfile.Parse(data).Save(envPath); err != nil {
			return nil, nil, printer.Error("failed to create .env", err.Error(), nil)
		}
	}

	env, err := envfile.Load(envPath)
	if err != nil {
		return nil, nil, printer.Error("failed to read .env", err.Error(), nil)
	}

	validPort := func(v string) error {
		_, err := envfile.ValidatePort(v)
		return err
	}
	if c.port == "" && env.Get(envfile.KeyExposePort) == "" && p.Interactive() {
		if c.port, err = p.Input("Web UI port", envfile.DefaultExposePort, validPort); err != nil {
			return nil, nil, cancelled(err)
		}
	}
	if c.withNapCat && c.napCatPort == "" && env.Get(envfile.KeyNapCatPort) == "" && p.Interactive() {
		if c.napCatPort, err = p.Input("NapCat port", envfile.DefaultNapCatPort, validPort); err != nil {
			return nil, nil, cancelled(err)
		}
	}
	if c.mirror == nil && env.Get(envfile.KeyMirror) == "" && p.Interactive() {
		m, err := p.Input("Docker registry mirror (optional, e.g. docker.1ms.run)", "", nil)
		if err != nil {
			return nil, nil, cancelled(err)
		}
		c.mirror = &m
	}
	if c.mirror != nil {
		normalized := dockerpkg.NormalizeMirror(*c.mirror)
		c.mirror = &normalized
	}

	generated, err := envfile.Apply(env, envfile.Defaults{
		DataDir:    dir,
		Port:       c.port,
		WithNapCat: c.withNapCat,
		NapCatPort: c.napCatPort,
		Mirror:     c.mirror,
	})
	if err != nil {
		return nil, nil, printer.Error("invalid port", err.Error(), nil)
	}

	if port, err := strconv.Atoi(env.Get(envfile.KeyExposePort)); err == nil && !instance.PortAvailable(port) {
		printer.Warning("Port %d is already in use; the web UI may fail to start\n", port)
	}

	if err := env.Save(envPath); err != nil {
		return nil, nil, printer.Error("failed to write .env", err.Error(), nil)
	}
	return env, generated, nil
}

// pullSandbox pulls the code sandbox image. Failure only warns: the agent
// runs without it until the image is pulled by hand.
func pullSandbox(ctx context.Context, image, mirror string) {
	printer.Step("Pulling sandbox image %s\n", image)

	eng, closeFn, err := connectDocker(ctx)
	if err == nil {
		defer closeFn()
		err = dockerpkg.PullImage(ctx, eng, image, mirror, logger)
	}
	if err != nil {
		printer.Warning("Sandbox image pull failed, pull it later with: docker pull %s\n", image)
		logger.Warn("sandbox pull failed", "image", image, "error", err)
		return
	}
	printer.Success("Sandbox image ready\n")
}

func printInstallSummary(dir string, env *envfile.File, withNapCat bool, id int) {
	port := env.Get(envfile.KeyExposePort)
	fields := []printer.Field{
		{Label: "Instance", Value: strconv.Itoa(id)},
		{Label: "Data directory", Value: dir},
		{Label: "Port", Value: port},
		{Label: "Web UI", Value: instance.WebURL(port)},
		{Label: "Admin account", Value: "admin"},
		{Label: "Admin password", Value: env.Get(envfile.KeyAdminPassword)},
		{Label: "OneBot token", Value: env.Get(envfile.KeyOneBotToken)},
	}
	if withNapCat {
		fields = append(fields, printer.Field{Label: "NapCat port", Value: env.Get(envfile.KeyNapCatPort)})
	}

	printer.Println()
	printer.Panel("Nekro Agent deployed", fields)
	printer.Hint("\nLogs:   na-tools logs\nStatus: na-tools status\n")
}

func cancelled(err error) error {
	if errors.Is(err, prompt.ErrAborted) {
		return abortedError()
	}
	return err
}

func expandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Abs(path)
}
