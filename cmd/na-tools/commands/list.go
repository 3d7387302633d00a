package commands

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nekroai/na-tools/internal/printer"
	"github.com/nekroai/na-tools/internal/registry"
)

var listJSON bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered instances",
	Long: `List every registered instance. The active instance is marked with *.

Use --json for machine-readable output.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(listCmd)
}

// listEntry is the --json form of an instance.
type listEntry struct {
	registry.Instance
	Active bool `json:"active"`
}

func runList(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd.Context())
	if err != nil {
		return err
	}
	snap, err := s.registry.Snapshot()
	if err != nil {
		return printer.FromError(err, "failed to read instance registry")
	}

	if listJSON {
		entries := make([]listEntry, 0, len(snap.Instances))
		for _, inst := range snap.Instances {
			entries = append(entries, listEntry{Instance: inst, Active: inst.Active})
		}
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return err
		}
		printer.Println(string(data))
		return nil
	}

	if len(snap.Instances) == 0 {
		printer.Info("No instances registered.\n\n")
		printer.Hint("Run 'na-tools install' to create one.\n")
		return nil
	}

	printer.Table(instanceHeaders, instanceRows(snap.Instances))
	if snap.ActiveID == 0 {
		printer.Hint("No active instance. Select one with:\n  na-tools use <id>\n")
	}
	return nil
}

var instanceHeaders = []string{"", "ID", "PATH", "REGISTERED", "LAST USED", "RESTORED"}

func instanceRows(instances []registry.Instance) [][]string {
	rows := make([][]string, 0, len(instances))
	for _, inst := range instances {
		marker := ""
		if inst.Active {
			marker = "*"
		}
		restored := formatTime(inst.RestoredAt)
		if inst.RestoredFrom != "" {
			restored += " (" + shortID(inst.RestoredFrom) + ")"
		}
		rows = append(rows, []string{
			marker,
			strconv.Itoa(inst.ID),
			inst.Path,
			formatTime(&inst.RegisteredAt),
			formatTime(inst.LastUsed),
			restored,
		})
	}
	return rows
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
