package commands

import (
	"github.com/spf13/cobra"

	"github.com/nekroai/na-tools/internal/envfile"
	"github.com/nekroai/na-tools/internal/instance"
	"github.com/nekroai/na-tools/internal/printer"
)

var updateSandbox bool

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Pull the latest images and recreate the services",
	Long: `Update an instance to the latest Nekro Agent release.

Pulls the images named in docker-compose.yml, recreates the services with
docker compose up -d and, unless --update-sandbox=false, pulls the sandbox
image again. Data and configuration are left as they are; take a backup
first if you want a way back:

  na-tools backup && na-tools update`,
	Args: cobra.NoArgs,
	RunE: runUpdate,
}

func init() {
	updateCmd.Flags().BoolVar(&updateSandbox, "update-sandbox", true, "Also pull the sandbox image")
	rootCmd.AddCommand(updateCmd)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	s, err := newSession(ctx)
	if err != nil {
		return err
	}
	inst, err := s.installedTarget()
	if err != nil {
		return err
	}
	runner, err := composeRunner(ctx)
	if err != nil {
		return err
	}

	printer.Info("Updating instance %d (%s)\n", inst.ID, inst.Path)
	project := projectFor(inst.Path)

	printer.Step("Pulling latest images\n")
	if err := runner.Pull(ctx, project); err != nil {
		return printer.Error("failed to pull images", err.Error(),
			[]string{"Check your network connection, or set MIRROR_REGISTRY in " + project.EnvFile})
	}

	printer.Step("Recreating services\n")
	if err := runner.Up(ctx, project); err != nil {
		return printer.Error("failed to restart services", err.Error(),
			[]string{"Inspect the logs:\n  na-tools logs"})
	}
	verifyStarted(ctx, inst.Path)

	if updateSandbox {
		env, err := envfile.Load((instance.Layout{Dir: inst.Path}).EnvFile())
		if err != nil {
			return printer.Error("failed to read .env", err.Error(), nil)
		}
		pullSandbox(ctx, s.settings.SandboxImage, env.Get(envfile.KeyMirror))
	}

	if err := s.registry.Touch(ctx, inst.ID); err != nil {
		logger.Warn("failed to record last use", "instance", inst.ID, "error", err)
	}

	printer.Success("Update complete\n")
	return nil
}
