package commands

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nekroai/na-tools/internal/envfile"
	"github.com/nekroai/na-tools/internal/instance"
	"github.com/nekroai/na-tools/internal/printer"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the services of an instance",
	Long: `Show the state of every service of an instance and where its web UI is
published.

The Docker API is asked first. When the daemon cannot be reached directly,
the output of 'docker compose ps' is shown instead.

Use --json for machine-readable output.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(statusCmd)
}

// statusReport is the --json form.
type statusReport struct {
	Instance int    `json:"instance"`
	Path     string `json:"path"`
	WebURL   string `json:"web_url,omitempty"`
	instance.Summary
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	s, err := newSession(ctx)
	if err != nil {
		return err
	}
	inst, err := s.installedTarget()
	if err != nil {
		return err
	}
	layout := instance.Layout{Dir: inst.Path}

	webURL := ""
	if env, err := envfile.Load(layout.EnvFile()); err == nil {
		if port := env.Get(envfile.KeyExposePort); port != "" {
			webURL = instance.WebURL(port)
		}
	}

	eng, closeFn, err := connectDocker(ctx)
	if err != nil {
		logger.Debug("docker API unavailable, falling back to compose ps", "error", err)
		if statusJSON {
			return printer.Error("docker daemon not accessible", err.Error(), nil)
		}
		return composeStatus(cmd, inst.ID, inst.Path, webURL)
	}
	defer closeFn()

	containers, err := instance.FindContainers(ctx, eng, inst.Path)
	if err != nil {
		return printer.Error("cannot query containers", err.Error(), nil)
	}
	summary := instance.Summarize(containers)

	if statusJSON {
		data, err := json.MarshalIndent(statusReport{Instance: inst.ID, Path: inst.Path, WebURL: webURL, Summary: summary}, "", "  ")
		if err != nil {
			return err
		}
		printer.Println(string(data))
		return nil
	}

	printer.Info("Instance %d: %s\n", inst.ID, inst.Path)
	if len(summary.Services) == 0 {
		printer.Warning("No containers. Start them with:\n  na-tools update\n")
		return nil
	}

	switch summary.Status {
	case instance.StatusRunning:
		printer.Success("Status: %s\n", summary.Status)
	case instance.StatusDegraded:
		printer.Warning("Status: %s\n", summary.Status)
	default:
		printer.Info("Status: %s\n", summary.Status)
	}
	printer.Table(serviceHeaders, serviceRows(summary.Services))

	if webURL != "" && summary.Status != instance.StatusStopped {
		printer.Info("Web UI: %s\n", webURL)
	}
	return nil
}

var serviceHeaders = []string{"SERVICE", "IMAGE", "STATE", "STATUS", "PORTS"}

func serviceRows(services []instance.ServiceState) [][]string {
	rows := make([][]string, 0, len(services))
	for _, s := range services {
		ports := strings.Join(s.Ports, ", ")
		if ports == "" {
			ports = "-"
		}
		rows = append(rows, []string{s.Service, s.Image, s.State, s.Status, ports})
	}
	return rows
}

func composeStatus(cmd *cobra.Command, id int, dir, webURL string) error {
	runner, err := composeRunner(cmd.Context())
	if err != nil {
		return err
	}
	out, err := runner.Ps(cmd.Context(), projectFor(dir))
	if err != nil {
		return printer.Error("docker compose ps failed", err.Error(), nil)
	}

	printer.Info("Instance %d: %s\n", id, dir)
	printer.Println(strings.TrimRight(out, "\n"))
	if webURL != "" {
		printer.Info("Web UI: %s\n", webURL)
	}
	return nil
}
