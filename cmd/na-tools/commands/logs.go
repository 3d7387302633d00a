package commands

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/nekroai/na-tools/internal/instance"
	"github.com/nekroai/na-tools/internal/printer"
)

var (
	logsFollow bool
	logsTail   int
)

var logsCmd = &cobra.Command{
	Use:   "logs [SERVICE]",
	Short: "Show the logs of a service",
	Long: `Show the logs of one compose service of an instance. SERVICE defaults
to nekro_agent; others are nekro_postgres, nekro_qdrant and napcat.

Examples:
  na-tools logs
  na-tools logs -f
  na-tools logs nekro_postgres --tail 500`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output until interrupted")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 100, "Number of lines to show from the end (0 for all)")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
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

	service := instance.DefaultService
	if len(args) > 0 {
		service = args[0]
	}

	err = runner.Logs(ctx, projectFor(inst.Path), service, logsFollow, logsTail)
	// Ctrl-C ends a follow; that is not a failure.
	if err != nil && !(logsFollow && errors.Is(ctx.Err(), context.Canceled)) {
		return printer.Error("docker compose logs failed", err.Error(),
			[]string{"Check the service name with:\n  na-tools status"})
	}
	return nil
}
