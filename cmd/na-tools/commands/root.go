package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nekroai/na-tools/internal/logging"
	"github.com/nekroai/na-tools/internal/printer"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	configDir    string
	instanceFlag string
	verbose      bool
	assumeYes    bool
)

// logger is built from --verbose before any command runs.
var logger *slog.Logger = logging.Discard()

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "na-tools",
	Short: "na-tools - Deployment tool for Nekro Agent",
	Long: `na-tools installs, updates, backs up and configures Nekro Agent
deployments running under Docker Compose.

Every installation is registered as an instance with a numeric id. Commands
act on the active instance unless --instance selects another one:

  na-tools list          # show instances, * marks the active one
  na-tools use 2         # make instance 2 active
  na-tools -i 1 status   # one-off: status of instance 1`,
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = logging.New(verbose)
		return nil
	},
	// Prevent silent success when unknown flags are passed to root command
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// Silence Cobra's default error and usage printing
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil && !printer.IsReported(err) {
		// Flag errors and anything a command did not report itself
		printer.Error("command failed", err.Error(), []string{"Run 'na-tools --help' for usage"})
	}
	return err
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "Config directory (default $NA_TOOLS_HOME or ~/.config/na-tools)")
	rootCmd.PersistentFlags().StringVarP(&instanceFlag, "instance", "i", "", "Instance id or data directory (default: the active instance)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging on stderr")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "Answer every prompt with its default")
}
