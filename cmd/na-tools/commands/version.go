package commands

import (
	"github.com/spf13/cobra"

	"github.com/nekroai/na-tools/internal/printer"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		printer.Printf("na-tools %s\n", version)
		printer.Printf("  commit: %s\n", commit)
		printer.Printf("  built:  %s\n", date)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
