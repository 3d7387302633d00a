package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/nekroai/na-tools/internal/archive"
	"github.com/nekroai/na-tools/internal/compose"
	"github.com/nekroai/na-tools/internal/config"
	"github.com/nekroai/na-tools/internal/instance"
	"github.com/nekroai/na-tools/internal/printer"
	"github.com/nekroai/na-tools/internal/registry"
	"github.com/nekroai/na-tools/internal/remote"
	"github.com/nekroai/na-tools/internal/timespec"
)

// envPassphrase supplies the archive passphrase without a prompt.
const envPassphrase = "NA_TOOLS_PASSPHRASE"

var (
	backupOutput      string
	backupCompression string
	backupEncrypt     bool
	backupNoRestart   bool
	backupUpload      string

	pruneKeep      int
	pruneOlderThan string
	pruneDryRun    bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up the data and configuration of an instance",
	Long: `Write an integrity-checked archive of an instance directory.

Running services are stopped first so the databases are consistent on
disk, and started again afterwards (even when the backup fails) unless
--no-restart is given.

Archives go to the backup directory (settings.yaml backup_dir, default
~/.config/na-tools/backups) unless --output names a file. Each archive
records which instance it came from, a checksum of every file and a
checksum of the whole archive.

Examples:
  na-tools backup
  na-tools backup --compression lz4 --no-restart
  NA_TOOLS_PASSPHRASE=secret na-tools backup --encrypt
  na-tools backup --upload gs://my-bucket/nekro/`,
	Args: cobra.NoArgs,
	RunE: runBackup,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archives in the backup directory, newest first",
	Long: `List archives in the backup directory, newest first.

The # column is the index accepted by 'na-tools restore <#>'.`,
	Args: cobra.NoArgs,
	RunE: runBackupList,
}

var backupPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old archives",
	Long: `Delete old archives from the backup directory.

For each source instance the newest --keep archives are always kept. Of the
rest, only those older than --older-than are deleted; without --older-than
every archive beyond --keep is deleted. --instance limits pruning to one
instance.

Examples:
  na-tools backup prune --keep 3
  na-tools backup prune --keep 1 --older-than 30d --dry-run`,
	Args: cobra.NoArgs,
	RunE: runBackupPrune,
}

func init() {
	backupCmd.Flags().StringVarP(&backupOutput, "output", "o", "", "Archive path (default: generated name in the backup directory)")
	backupCmd.Flags().StringVar(&backupCompression, "compression", "", "Payload compression: zstd, lz4 or none (default from settings)")
	backupCmd.Flags().BoolVar(&backupEncrypt, "encrypt", false, "Encrypt with a passphrase ($"+envPassphrase+" or prompt)")
	backupCmd.Flags().BoolVar(&backupNoRestart, "no-restart", false, "Leave services stopped after the backup")
	backupCmd.Flags().StringVar(&backupUpload, "upload", "", "Also upload the archive to gs://bucket/path")

	backupPruneCmd.Flags().IntVar(&pruneKeep, "keep", -1, "Archives to keep per instance (default from settings)")
	backupPruneCmd.Flags().StringVar(&pruneOlderThan, "older-than", "", "Only delete archives older than this duration or date (e.g. 30d, 2w, 2025-01-31)")
	backupPruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "Show what would be deleted")

	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupPruneCmd)
	rootCmd.AddCommand(backupCmd)
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	s, err := newSession(ctx)
	if err != nil {
		return err
	}
	inst, err := s.target()
	if err != nil {
		return err
	}

	name := backupCompression
	if name == "" {
		name = s.settings.Compression
	}
	compression, err := archive.ParseCompression(name)
	if err != nil {
		return printer.Error("invalid compression", err.Error(), []string{"Use one of: zstd, lz4, none"})
	}

	// Restore carries the backup directory over but not stray archives.
	if backupOutput != "" && archive.Inside(inst.Path, backupOutput) && !archive.Inside(s.settings.BackupDir, backupOutput) {
		return printer.Error("output inside the instance", fmt.Sprintf("%s is inside %s and would be lost on the next restore.", backupOutput, inst.Path),
			[]string{"Write the archive outside the data directory", "Or use the backup directory:\n  na-tools backup"})
	}

	var upload remote.Location
	if backupUpload != "" {
		if upload, err = remote.Parse(backupUpload); err != nil {
			return printer.Error("invalid upload location", err.Error(), []string{"Use gs://bucket/path/"})
		}
	}

	var passphrase string
	if backupEncrypt {
		if passphrase, err = readPassphrase(true); err != nil {
			return err
		}
	}

	// Phase 1: quiesce
	runner, restart, err := stopServices(ctx, inst.Path)
	if err != nil {
		return err
	}
	restartAfter := func() {
		if restart && !backupNoRestart {
			startServices(ctx, runner, inst.Path)
		}
	}

	// Phase 2: archive
	printer.Step("Backing up instance %d (%s)\n", inst.ID, inst.Path)
	created, err := archive.Backup(ctx, inst.Path, archive.BackupOptions{
		InstanceID:  inst.ID,
		Dir:         s.settings.BackupDir,
		Output:      backupOutput,
		Compression: compression,
		Passphrase:  passphrase,
		ReadRetries: s.settings.Retries(),
		LockTimeout: s.settings.LockTimeout,
		Creator:     "na-tools " + version,
		Logger:      logger,
	})
	restartAfter()
	if err != nil {
		return printer.FromError(err, "backup failed")
	}

	printer.Success("Backup written: %s\n", created.Path)
	printer.Info("  %d files, %s of data, archive %s, id %s\n",
		len(created.Manifest), units.HumanSize(float64(created.TotalSize())), units.HumanSize(float64(created.FileSize)), created.ShortID())

	// Phase 3: off-site copy
	if backupUpload != "" {
		if err := uploadArchive(ctx, s.settings, created.Path, upload); err != nil {
			return err
		}
	}
	return nil
}

// stopServices brings the project down when it has a compose file and
// something is running. restart reports whether the caller should start
// it again.
func stopServices(ctx context.Context, dir string) (runner *compose.Runner, restart bool, err error) {
	if !(instance.Layout{Dir: dir}).HasCompose() {
		return nil, false, nil
	}
	runner, err = detectCompose(ctx)
	if err != nil {
		printer.Warning("docker compose not available, continuing without stopping services\n")
		return nil, false, nil
	}
	if !servicesRunning(ctx, dir) {
		return runner, false, nil
	}

	printer.Step("Stopping services for a consistent snapshot\n")
	if err := runner.Down(ctx, projectFor(dir)); err != nil {
		return nil, false, printer.Error("failed to stop services", err.Error(),
			[]string{"Stop them manually and retry with --no-restart"})
	}
	return runner, true, nil
}

func startServices(ctx context.Context, runner *compose.Runner, dir string) {
	printer.Step("Starting services\n")
	// The command context may already be cancelled; services still need to
	// come back.
	if err := runner.Up(context.WithoutCancel(ctx), projectFor(dir)); err != nil {
		printer.Warning("Failed to start services, start them manually: %v\n", err)
		return
	}
	printer.Success("Services started\n")
}

func readPassphrase(confirm bool) (string, error) {
	if v := os.Getenv(envPassphrase); v != "" {
		return v, nil
	}
	p := newPrompter()
	if !p.Interactive() {
		return "", printer.Error("passphrase required",
			"Encrypted archives need a passphrase and no terminal is available to ask for one.",
			[]string{"Set " + envPassphrase})
	}
	pass, err := p.Secret("Archive passphrase", "")
	if err != nil {
		return "", cancelled(err)
	}
	if pass == "" {
		return "", printer.Error("passphrase required", "An empty passphrase cannot encrypt an archive.", nil)
	}
	if confirm {
		again, err := p.Secret("Repeat passphrase", "")
		if err != nil {
			return "", cancelled(err)
		}
		if again != pass {
			return "", printer.Error("passphrases do not match", "Nothing was written.", nil)
		}
	}
	return pass, nil
}

func uploadArchive(ctx context.Context, s *config.Settings, path string, loc remote.Location) error {
	printer.Step("Uploading to %s\n", loc)
	client, err := remote.NewClient(ctx, s.GCSCredentials)
	if err != nil {
		return printer.Error("cannot reach Cloud Storage", err.Error(),
			[]string{"Set gcs_credentials in settings.yaml", "Or log in with: gcloud auth application-default login"})
	}
	defer client.Close()

	written, err := client.Upload(ctx, path, loc)
	if err != nil {
		return printer.Error("upload failed", err.Error(),
			[]string{fmt.Sprintf("The local archive is intact: %s", path)})
	}
	printer.Success("Uploaded %s\n", written)
	return nil
}

func runBackupList(cmd *cobra.Command, args []string) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}

	archives, err := archive.List(s.BackupDir, logger)
	if err != nil {
		return printer.FromError(err, "failed to list backups")
	}
	if len(archives) == 0 {
		printer.Info("No backups in %s\n", s.BackupDir)
		return nil
	}

	printer.Info("Backups in %s\n", s.BackupDir)
	printer.Table(archiveHeaders, archiveRows(archives))
	return nil
}

var archiveHeaders = []string{"#", "ID", "CREATED", "INSTANCE", "SIZE", "COMPRESSION", "FILE"}

func archiveRows(archives []archive.Archive) [][]string {
	rows := make([][]string, 0, len(archives))
	for i, a := range archives {
		compression := a.Compression.String()
		if a.Encrypted {
			compression += " (encrypted)"
		}
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			a.ShortID(),
			a.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			strconv.Itoa(a.SourceInstanceID),
			units.HumanSize(float64(a.FileSize)),
			compression,
			filepath.Base(a.Path),
		})
	}
	return rows
}

func runBackupPrune(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	s, err := loadSettings()
	if err != nil {
		return err
	}

	policy := archive.PrunePolicy{Keep: pruneKeep}
	if policy.Keep < 0 {
		policy.Keep = s.Keep
	}
	if pruneOlderThan != "" {
		cutoff, err := timespec.Parse(pruneOlderThan, time.Now())
		if err != nil {
			return printer.Error("invalid --older-than", err.Error(), []string{"Use a duration such as 72h, 30d or 2w, or a date such as 2025-01-31"})
		}
		policy.OlderThan = cutoff
	}
	if instanceFlag != "" {
		inst, err := resolveOnly(ctx, s, instanceFlag)
		if err != nil {
			return err
		}
		policy.InstanceID = inst.ID
	}

	doomed, err := archive.Prune(ctx, s.BackupDir, policy, pruneDryRun, s.LockTimeout, logger)
	if err != nil {
		return printer.FromError(err, "prune failed")
	}
	if len(doomed) == 0 {
		printer.Info("Nothing to prune\n")
		return nil
	}

	verb := "Deleted"
	if pruneDryRun {
		verb = "Would delete"
	}
	for _, a := range doomed {
		printer.Info("%s %s (%s)\n", verb, filepath.Base(a.Path), a.Describe())
	}
	return nil
}

// resolveOnly resolves an identifier without requiring an active instance.
func resolveOnly(ctx context.Context, s *config.Settings, identifier string) (registry.Instance, error) {
	reg, err := registry.Open(ctx, s.Dir, registry.WithLockTimeout(s.LockTimeout), registry.WithLogger(logger))
	if err != nil {
		return registry.Instance{}, printer.FromError(err, "failed to open instance registry")
	}
	inst, err := reg.Resolve(identifier)
	if err != nil {
		return registry.Instance{}, printer.FromError(err, "cannot select instance")
	}
	return inst, nil
}
