package commands

import (
	"github.com/spf13/cobra"

	"github.com/nekroai/na-tools/internal/printer"
)

var useCmd = &cobra.Command{
	Use:   "use ID|PATH",
	Short: "Make an instance the active one",
	Long: `Make an instance the active one. Commands run without --instance act
on it.

The instance can be named by id or by its data directory. Its directory
must still exist.

Examples:
  na-tools use 2
  na-tools use ~/srv/nekro_agent`,
	Args: cobra.ExactArgs(1),
	RunE: runUse,
}

func init() {
	rootCmd.AddCommand(useCmd)
}

func runUse(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd.Context())
	if err != nil {
		return err
	}
	inst, err := s.registry.Use(cmd.Context(), args[0])
	if err != nil {
		return printer.FromError(err, "cannot switch instance")
	}
	printer.Success("Active instance: %d (%s)\n", inst.ID, inst.Path)
	return nil
}
