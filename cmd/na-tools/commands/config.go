package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nekroai/na-tools/internal/instance"
	"github.com/nekroai/na-tools/internal/naconfig"
	"github.com/nekroai/na-tools/internal/printer"
	"github.com/nekroai/na-tools/internal/prompt"
)

const (
	defaultBaseURL   = "https://api.nekro.ai/v1"
	defaultChatModel = "gemini-2.5-flash"

	modelCheckTimeout = 20 * time.Second
)

var (
	modelGroup   string
	modelBaseURL string
	modelAPIKey  string
	modelName    string
	modelVision  bool
	modelCoT     bool
	modelCheck   bool

	adminAdd    string
	adminRemove string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Edit nekro-agent.yaml of an instance",
	Long: `Edit configs/nekro-agent.yaml of an instance.

Without a subcommand an interactive wizard sets the model API, the
administrators and the chat preset. Changes take effect after nekro_agent
restarts; every editing command offers to restart it.

Keys accept dotted paths. Well-known settings that nekro-agent keeps under
"system" can be named without the prefix:

  na-tools config get USE_MODEL_GROUP
  na-tools config set MODEL_GROUPS.default.CHAT_MODEL gemini-2.5-pro`,
	Args: cobra.NoArgs,
	RunE: runConfigWizard,
}

var configGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print the value of a key",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a key, inferring bool, integer and float values",
	Long: `Set a key. VALUE is stored as a boolean when it is true or false, as an
integer or a float when it parses as one, and as a string otherwise.
Missing parent keys are created.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Summarize model groups, administrators and preset",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configModelCmd = &cobra.Command{
	Use:   "model",
	Short: "Create or edit a model group",
	Long: `Create or edit a model group. Values not given as flags are asked for
interactively, defaulting to the current ones.

--check asks the endpoint for its model list to confirm the key works and
the model is served.

Examples:
  na-tools config model
  na-tools config model --group deepseek --base-url https://api.deepseek.com/v1 \
      --api-key sk-... --model deepseek-chat --check`,
	Args: cobra.NoArgs,
	RunE: runConfigModel,
}

var configAdminCmd = &cobra.Command{
	Use:   "admin",
	Short: "List, add or remove administrators (SUPER_USERS)",
	Long: `List, add or remove administrators. --add and --remove accept
comma-separated lists.

Examples:
  na-tools config admin
  na-tools config admin --add 123456789,987654321
  na-tools config admin --remove 123456789`,
	Args: cobra.NoArgs,
	RunE: runConfigAdmin,
}

func init() {
	configModelCmd.Flags().StringVar(&modelGroup, "group", naconfig.DefaultModelGroup, "Model group name")
	configModelCmd.Flags().StringVar(&modelBaseURL, "base-url", "", "OpenAI-compatible API base URL")
	configModelCmd.Flags().StringVar(&modelAPIKey, "api-key", "", "API key")
	configModelCmd.Flags().StringVar(&modelName, "model", "", "Chat model name")
	configModelCmd.Flags().BoolVar(&modelVision, "vision", false, "Enable vision")
	configModelCmd.Flags().BoolVar(&modelCoT, "cot", false, "Enable external chain of thought")
	configModelCmd.Flags().BoolVar(&modelCheck, "check", false, "Verify the endpoint serves the model before saving")

	configAdminCmd.Flags().StringVar(&adminAdd, "add", "", "Administrator ids to add")
	configAdminCmd.Flags().StringVar(&adminRemove, "remove", "", "Administrator ids to remove")

	configCmd.AddCommand(configGetCmd, configSetCmd, configShowCmd, configModelCmd, configAdminCmd)
	rootCmd.AddCommand(configCmd)
}

// loadNAConfig opens nekro-agent.yaml of the target instance.
func loadNAConfig(ctx context.Context) (*naconfig.Document, string, error) {
	s, err := newSession(ctx)
	if err != nil {
		return nil, "", err
	}
	inst, err := s.target()
	if err != nil {
		return nil, "", err
	}
	path := (instance.Layout{Dir: inst.Path}).ConfigFile()
	doc, err := naconfig.Load(path)
	if err != nil {
		return nil, "", printer.Error("cannot read nekro-agent.yaml", err.Error(),
			[]string{"Fix the YAML by hand, or restore it from a backup"})
	}
	return doc, inst.Path, nil
}

func saveNAConfig(doc *naconfig.Document) error {
	if err := doc.Save(); err != nil {
		return printer.Error("failed to save nekro-agent.yaml", err.Error(), nil)
	}
	printer.Success("Saved %s\n", doc.Path())
	return nil
}

func runConfigWizard(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	doc, dir, err := loadNAConfig(ctx)
	if err != nil {
		return err
	}
	p := newPrompter()

	if doc.Empty() {
		printer.Warning("%s is missing or empty, a new one will be created\n", doc.Path())
		printer.Hint("nekro-agent writes its full config on first start; run na-tools install first if you have not.\n")
		ok, err := p.Confirm("Continue?", false)
		if err != nil {
			return cancelled(err)
		}
		if !ok {
			return nil
		}
	}

	if err := configWizard(doc, p); err != nil {
		return err
	}
	if err := saveNAConfig(doc); err != nil {
		return err
	}
	return offerRestart(ctx, dir)
}

// configWizard walks through the model API, administrators and preset.
func configWizard(doc *naconfig.Document, p prompt.Prompter) error {
	printer.Info("=== Nekro Agent configuration ===\n")

	printer.Info("\nStep 1/3: model API\n")
	current, _ := doc.ModelGroup(naconfig.DefaultModelGroup)
	g := current
	var err error
	if g.BaseURL, err = p.Input("API base URL (BASE_URL)", orDefault(current.BaseURL, defaultBaseURL), nil); err != nil {
		return cancelled(err)
	}
	if g.APIKey, err = p.Secret("API key (API_KEY)", current.APIKey); err != nil {
		return cancelled(err)
	}
	if g.ChatModel, err = p.Input("Chat model (CHAT_MODEL)", orDefault(current.ChatModel, defaultChatModel), nil); err != nil {
		return cancelled(err)
	}
	// The wizard leaves the feature flags alone.
	g.EnableVision, g.EnableCoT = nil, nil
	if err := doc.SetModelGroup(naconfig.DefaultModelGroup, g); err != nil {
		return printer.Error("invalid model settings", err.Error(), nil)
	}

	printer.Info("\nStep 2/3: administrators\n")
	users := doc.SuperUsers()
	if len(users) > 0 {
		printer.Info("Current administrators: %s\n", strings.Join(users, ", "))
	}
	add, err := p.Input("Administrator QQ ids to add (comma-separated, empty to skip)", "", nil)
	if err != nil {
		return cancelled(err)
	}
	if added := naconfig.SplitUsers(add); len(added) > 0 {
		merged := naconfig.SplitUsers(strings.Join(append(users, added...), ","))
		if err := doc.SetSuperUsers(merged); err != nil {
			return err
		}
		printer.Info("Administrators: %s\n", strings.Join(merged, ", "))
	}

	printer.Info("\nStep 3/3: chat preset (optional)\n")
	name, setting := doc.Preset()
	change, err := p.Confirm(fmt.Sprintf("Change the chat preset? (current: %s)", name), false)
	if err != nil {
		return cancelled(err)
	}
	if change {
		newName, err := p.Input("Preset name", name, nil)
		if err != nil {
			return cancelled(err)
		}
		newSetting, err := p.Text("Preset description", setting)
		if err != nil {
			return cancelled(err)
		}
		doc.SetPreset(newName, newSetting)
	}
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	doc, _, err := loadNAConfig(cmd.Context())
	if err != nil {
		return err
	}
	key := args[0]
	n, ok := doc.Get(key)
	if !ok {
		return printer.Error("config key not found", fmt.Sprintf("%s has no key %s", doc.Path(), key),
			[]string{"Show the main settings:\n  na-tools config show"})
	}
	printer.Printf("%s = %s\n", key, naconfig.Format(n))
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	doc, dir, err := loadNAConfig(ctx)
	if err != nil {
		return err
	}

	key := doc.Resolve(args[0])
	value := naconfig.ParseValue(args[1])
	if err := doc.Set(key, value); err != nil {
		return printer.Error("invalid key", err.Error(), nil)
	}
	if err := saveNAConfig(doc); err != nil {
		return err
	}
	printer.Info("%s = %v\n", key, value)
	return offerRestart(ctx, dir)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	doc, _, err := loadNAConfig(cmd.Context())
	if err != nil {
		return err
	}
	if doc.Empty() {
		printer.Warning("%s is missing or empty\n", doc.Path())
		return nil
	}

	active := doc.ActiveModelGroup()
	printer.Info("Model groups:\n")
	if groups := doc.ModelGroups(); len(groups) > 0 {
		printer.Table(modelGroupHeaders, modelGroupRows(groups, active))
	} else {
		printer.Warning("  no model groups configured\n")
	}

	users := doc.SuperUsers()
	admins := "not set"
	if len(users) > 0 {
		admins = strings.Join(users, ", ")
	}
	name, _ := doc.Preset()

	printer.Info("\nAdministrators: %s\n", admins)
	printer.Info("Chat preset:    %s\n", name)
	printer.Info("Main group:     %s\n", active)
	return nil
}

var modelGroupHeaders = []string{"GROUP", "MODEL", "BASE URL", "API KEY", "VISION", "COT"}

func modelGroupRows(groups []naconfig.NamedGroup, active string) [][]string {
	rows := make([][]string, 0, len(groups))
	for _, g := range groups {
		name := g.Name
		if name == active {
			name += " *"
		}
		rows = append(rows, []string{name, g.ChatModel, g.BaseURL, g.MaskedKey(), mark(g.EnableVision), mark(g.EnableCoT)})
	}
	return rows
}

func mark(b *bool) string {
	if b != nil && *b {
		return "✓"
	}
	return "✗"
}

func runConfigModel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	doc, dir, err := loadNAConfig(ctx)
	if err != nil {
		return err
	}
	p := newPrompter()

	current, exists := doc.ModelGroup(modelGroup)
	if exists {
		printer.Info("Editing model group %s\n", modelGroup)
	} else {
		printer.Info("Creating model group %s\n", modelGroup)
	}

	g, err := modelGroupFromFlags(cmd, current, p)
	if err != nil {
		return err
	}

	if modelCheck {
		printer.Step("Checking %s\n", g.BaseURL)
		checkCtx, cancel := context.WithTimeout(ctx, modelCheckTimeout)
		defer cancel()
		if err := naconfig.CheckModel(checkCtx, g); err != nil {
			return printer.Error("model check failed", err.Error(),
				[]string{"Check BASE_URL and API_KEY", "Save without checking by dropping --check"})
		}
		printer.Success("%s serves %s\n", g.BaseURL, g.ChatModel)
	}

	if err := doc.SetModelGroup(modelGroup, g); err != nil {
		return printer.Error("invalid model group", err.Error(), nil)
	}
	if err := saveNAConfig(doc); err != nil {
		return err
	}
	return offerRestart(ctx, dir)
}

// modelGroupFromFlags merges flags over current, prompting for whatever
// no flag set.
func modelGroupFromFlags(cmd *cobra.Command, current naconfig.ModelGroup, p prompt.Prompter) (naconfig.ModelGroup, error) {
	g := current
	flags := cmd.Flags()
	var err error

	input := func(flag, value, title, def string, secret bool) (string, error) {
		if flags.Changed(flag) {
			return value, nil
		}
		if secret {
			return p.Secret(title, def)
		}
		return p.Input(title, def, nil)
	}
	confirm := func(flag string, value bool, title string, def *bool) (*bool, error) {
		if flags.Changed(flag) {
			return &value, nil
		}
		ok, err := p.Confirm(title, def != nil && *def)
		return &ok, err
	}

	if g.BaseURL, err = input("base-url", modelBaseURL, "API base URL", current.BaseURL, false); err != nil {
		return g, cancelled(err)
	}
	if g.APIKey, err = input("api-key", modelAPIKey, "API key", current.APIKey, true); err != nil {
		return g, cancelled(err)
	}
	if g.ChatModel, err = input("model", modelName, "Model name", current.ChatModel, false); err != nil {
		return g, cancelled(err)
	}
	if g.EnableVision, err = confirm("vision", modelVision, "Enable vision?", current.EnableVision); err != nil {
		return g, cancelled(err)
	}
	if g.EnableCoT, err = confirm("cot", modelCoT, "Enable external chain of thought?", current.EnableCoT); err != nil {
		return g, cancelled(err)
	}
	return g, nil
}

func runConfigAdmin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	doc, dir, err := loadNAConfig(ctx)
	if err != nil {
		return err
	}
	users := doc.SuperUsers()

	if adminAdd == "" && adminRemove == "" {
		if len(users) == 0 {
			printer.Info("No administrators configured\n")
		} else {
			printer.Info("Administrators: %s\n", strings.Join(users, ", "))
		}
		return nil
	}

	updated, added, removed, missing := editUsers(users, naconfig.SplitUsers(adminAdd), naconfig.SplitUsers(adminRemove))
	for _, u := range missing {
		printer.Warning("%s is not an administrator\n", u)
	}
	if len(added) == 0 && len(removed) == 0 {
		printer.Info("Nothing changed\n")
		return nil
	}

	if err := doc.SetSuperUsers(updated); err != nil {
		return err
	}
	if err := saveNAConfig(doc); err != nil {
		return err
	}
	if len(added) > 0 {
		printer.Success("Added: %s\n", strings.Join(added, ", "))
	}
	if len(removed) > 0 {
		printer.Success("Removed: %s\n", strings.Join(removed, ", "))
	}
	return offerRestart(ctx, dir)
}

// editUsers applies additions then removals, keeping order.
func editUsers(users, add, remove []string) (updated, added, removed, missing []string) {
	present := make(map[string]bool, len(users))
	for _, u := range users {
		present[u] = true
	}
	updated = append(updated, users...)
	for _, u := range add {
		if !present[u] {
			present[u] = true
			updated = append(updated, u)
			added = append(added, u)
		}
	}

	drop := make(map[string]bool, len(remove))
	for _, u := range remove {
		if present[u] {
			drop[u] = true
			removed = append(removed, u)
		} else {
			missing = append(missing, u)
		}
	}
	if len(drop) > 0 {
		kept := updated[:0]
		for _, u := range updated {
			if !drop[u] {
				kept = append(kept, u)
			}
		}
		updated = kept
	}
	return updated, added, removed, missing
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
