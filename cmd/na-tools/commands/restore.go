package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nekroai/na-tools/internal/archive"
	"github.com/nekroai/na-tools/internal/config"
	"github.com/nekroai/na-tools/internal/instance"
	"github.com/nekroai/na-tools/internal/printer"
	"github.com/nekroai/na-tools/internal/prompt"
	"github.com/nekroai/na-tools/internal/registry"
	"github.com/nekroai/na-tools/internal/remote"
)

var restoreCmd = &cobra.Command{
	Use:   "restore [ARCHIVE]",
	Short: "Replace an instance directory with the contents of a backup",
	Long: `Restore an instance from a backup archive.

ARCHIVE may be:
  • a path to an archive file
  • a gs://bucket/object location, downloaded into the backup directory
  • an index from 'na-tools backup list'
  • a prefix of an archive id

Without ARCHIVE an interactive picker lists the backup directory; without a
terminal the most recent backup of the target instance is used.

The archive's checksum is verified before anything is touched. Files are
extracted into a staging directory next to the instance, checked against
the archive manifest and only then swapped in. If anything fails the
instance directory is left exactly as it was.

Examples:
  na-tools restore
  na-tools restore 2
  na-tools restore ~/backups/nekro-agent-1-20250101-120000-ab12cd34.nabak
  na-tools -i 3 --yes restore gs://my-bucket/nekro/nekro-agent-3.nabak`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRestore,
}

func init() {
	rootCmd.AddCommand(restoreCmd)
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	s, err := newSession(ctx)
	if err != nil {
		return err
	}
	inst, err := s.target()
	if err != nil {
		return err
	}

	hint := ""
	if len(args) > 0 {
		hint = args[0]
	}
	p := newPrompter()

	chosen, err := chooseArchive(ctx, s.settings, inst, hint, p)
	if err != nil {
		return err
	}

	printer.Info("Archive:  %s\n", chosen.Path)
	printer.Info("          %s\n", chosen.Describe())
	printer.Info("Target:   instance %d (%s)\n", inst.ID, inst.Path)
	if chosen.SourceInstanceID != inst.ID {
		printer.Warning("This archive was taken from instance %d (%s)\n", chosen.SourceInstanceID, chosen.SourcePath)
	}

	empty, err := (instance.Layout{Dir: inst.Path}).IsEmpty()
	if err != nil {
		return printer.Error("cannot read target directory", err.Error(), nil)
	}
	if !empty && !assumeYes {
		if !p.Interactive() {
			return printer.Error("refusing to overwrite", fmt.Sprintf("%s is not empty and no terminal is available to confirm.", inst.Path),
				[]string{"Re-run with --yes to overwrite it"})
		}
		ok, err := p.Confirm(fmt.Sprintf("Overwrite everything in %s?", inst.Path), false)
		if err != nil {
			return cancelled(err)
		}
		if !ok {
			return abortedError()
		}
	}

	var passphrase string
	if chosen.Encrypted {
		if passphrase, err = readPassphrase(false); err != nil {
			return err
		}
	}

	runner, stopped, err := stopServices(ctx, inst.Path)
	if err != nil {
		return err
	}

	printer.Step("Restoring\n")
	restored, err := archive.Restore(ctx, chosen.Path, inst.Path, archive.RestoreOptions{
		Passphrase:  passphrase,
		LockTimeout: s.settings.LockTimeout,
		Logger:      logger,
		Preserve:    []string{s.settings.BackupDir, chosen.Path},
	})
	if err != nil {
		// The target is unchanged, so bring back what was running.
		if stopped {
			startServices(ctx, runner, inst.Path)
		}
		return restoreError(err, chosen)
	}

	if err := s.registry.MarkRestored(ctx, inst.ID, restored.ID); err != nil {
		printer.Warning("Restored, but the registry could not be updated: %v\n", err)
	}
	printer.Success("Restored %d files into %s\n", len(restored.Manifest), inst.Path)
	if restored.Leftover != "" {
		printer.Warning("The previous contents could not be removed and still use disk space:\n  %s\n", restored.Leftover)
		printer.Info("Delete it once you no longer need it:\n  rm -rf %s\n", restored.Leftover)
	}

	if !(instance.Layout{Dir: inst.Path}).HasCompose() {
		return nil
	}
	if runner == nil {
		if runner, err = composeRunner(ctx); err != nil {
			return nil
		}
	}
	start, err := p.Confirm("Start services now?", true)
	if err != nil {
		return ignoreAbort(err)
	}
	if start {
		startServices(ctx, runner, inst.Path)
	}
	return nil
}

// chooseArchive turns the command argument into an archive.
func chooseArchive(ctx context.Context, s *config.Settings, inst registry.Instance, hint string, p prompt.Prompter) (archive.Archive, error) {
	if remote.IsRemote(hint) {
		path, err := fetchRemote(ctx, s, hint)
		if err != nil {
			return archive.Archive{}, err
		}
		hint = path
	}

	if hint != "" {
		if info, err := os.Stat(hint); err == nil && info.Mode().IsRegular() {
			a, err := archive.Inspect(hint)
			if err != nil {
				return archive.Archive{}, printer.FromError(err, "not a na-tools backup")
			}
			return a, nil
		}
	}

	candidates, err := archive.List(s.BackupDir, logger)
	if err != nil {
		return archive.Archive{}, printer.FromError(err, "failed to list backups")
	}
	target := archive.Target{InstanceID: inst.ID, Path: inst.Path}

	if hint == "" && p.Interactive() && len(candidates) > 0 {
		if hint, err = pickArchive(p, candidates, target); err != nil {
			return archive.Archive{}, err
		}
	}

	a, err := archive.Select(candidates, target, hint)
	if err != nil {
		return archive.Archive{}, printer.Error("no backup selected", err.Error(),
			[]string{"List available backups:\n  na-tools backup list", "Pass an archive path:\n  na-tools restore <file>"})
	}
	return a, nil
}

// pickArchive shows the listing and returns the chosen index as a hint.
// The newest backup of the target instance is preselected.
func pickArchive(p prompt.Prompter, candidates []archive.Archive, target archive.Target) (string, error) {
	def := ""
	if latest, err := archive.Select(candidates, target, ""); err == nil {
		def = latest.Path
	}

	options := make([]prompt.Option, 0, len(candidates))
	for i, a := range candidates {
		options = append(options, prompt.Option{
			Label: fmt.Sprintf("%2d. %s  %s", i+1, a.ShortID(), a.Describe()),
			Value: a.Path,
		})
	}
	path, err := p.Select("Archive to restore", options, def)
	if err != nil {
		return "", cancelled(err)
	}
	return path, nil
}

func fetchRemote(ctx context.Context, s *config.Settings, location string) (string, error) {
	loc, err := remote.Parse(location)
	if err != nil {
		return "", printer.Error("invalid archive location", err.Error(), nil)
	}
	client, err := remote.NewClient(ctx, s.GCSCredentials)
	if err != nil {
		return "", printer.Error("cannot reach Cloud Storage", err.Error(),
			[]string{"Set gcs_credentials in settings.yaml", "Or log in with: gcloud auth application-default login"})
	}
	defer client.Close()

	printer.Step("Downloading %s\n", loc)
	path, err := client.Download(ctx, loc, s.BackupDir)
	if err != nil {
		return "", printer.Error("download failed", err.Error(), nil)
	}
	return path, nil
}

func restoreError(err error, a archive.Archive) error {
	switch {
	case errors.Is(err, archive.ErrPassphraseRequired):
		return printer.Error("passphrase required", err.Error(), []string{"Set " + envPassphrase + " or run in a terminal"})
	case errors.Is(err, archive.ErrWrongPassphrase):
		return printer.Error("wrong passphrase", "The instance directory was not modified.", nil)
	}
	return printer.FromError(err, "restore failed from "+a.Path)
}
