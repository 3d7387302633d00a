package naconfig

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sashabaranov/go-openai"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultModelGroup is the group used when USE_MODEL_GROUP is unset.
	DefaultModelGroup = "default"

	// DefaultPresetName is the preset name nekro-agent ships with.
	DefaultPresetName = "可洛喵"
)

// Model group keys.
const (
	keyBaseURL      = "BASE_URL"
	keyAPIKey       = "API_KEY"
	keyChatModel    = "CHAT_MODEL"
	keyEnableVision = "ENABLE_VISION"
	keyEnableCoT    = "ENABLE_COT"
)

// ModelGroup is one entry of MODEL_GROUPS. Nil flags are left untouched
// when the group is written.
type ModelGroup struct {
	BaseURL      string `yaml:"BASE_URL" validate:"required,url"`
	APIKey       string `yaml:"API_KEY"`
	ChatModel    string `yaml:"CHAT_MODEL" validate:"required"`
	EnableVision *bool  `yaml:"ENABLE_VISION,omitempty"`
	EnableCoT    *bool  `yaml:"ENABLE_COT,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
	})
	return v
}

// Validate checks the required fields of a group.
func (g ModelGroup) Validate() error {
	if err := validate.Struct(g); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			switch fe.Tag() {
			case "required":
				msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
			case "url":
				msgs = append(msgs, fmt.Sprintf("%s must be a URL (got %q)", fe.Field(), fe.Value()))
			default:
				msgs = append(msgs, fmt.Sprintf("%s: failed '%s' check", fe.Field(), fe.Tag()))
			}
		}
		return fmt.Errorf("invalid model group: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// MaskedKey returns the API key with all but the last four characters
// hidden.
func (g ModelGroup) MaskedKey() string {
	if len(g.APIKey) <= 4 {
		return strings.Repeat("*", len(g.APIKey))
	}
	return strings.Repeat("*", 8) + g.APIKey[len(g.APIKey)-4:]
}

// NamedGroup pairs a group with its name.
type NamedGroup struct {
	Name string
	ModelGroup
}

// ModelGroups returns the configured groups in file order. Entries that are
// not mappings are skipped.
func (d *Document) ModelGroups() []NamedGroup {
	groups := mappingValue(d.section(), KeyModelGroups)
	if groups == nil || groups.Kind != yaml.MappingNode {
		return nil
	}
	var out []NamedGroup
	for i := 0; i+1 < len(groups.Content); i += 2 {
		n := groups.Content[i+1]
		if n.Kind != yaml.MappingNode {
			continue
		}
		var g ModelGroup
		if err := n.Decode(&g); err != nil {
			continue
		}
		out = append(out, NamedGroup{Name: groups.Content[i].Value, ModelGroup: g})
	}
	return out
}

// ModelGroup returns the named group.
func (d *Document) ModelGroup(name string) (ModelGroup, bool) {
	for _, g := range d.ModelGroups() {
		if g.Name == name {
			return g.ModelGroup, true
		}
	}
	return ModelGroup{}, false
}

// SetModelGroup creates or updates a group after validating it. Keys of an
// existing group that ModelGroup does not model are preserved.
func (d *Document) SetModelGroup(name string, g ModelGroup) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("model group name is required")
	}
	if err := g.Validate(); err != nil {
		return err
	}

	n := ensureMapping(ensureMapping(d.section(), KeyModelGroups), name)
	setMappingValue(n, keyBaseURL, scalar(g.BaseURL))
	setMappingValue(n, keyAPIKey, scalar(g.APIKey))
	setMappingValue(n, keyChatModel, scalar(g.ChatModel))
	if g.EnableVision != nil {
		setMappingValue(n, keyEnableVision, boolScalar(*g.EnableVision))
	}
	if g.EnableCoT != nil {
		setMappingValue(n, keyEnableCoT, boolScalar(*g.EnableCoT))
	}
	return nil
}

// ActiveModelGroup returns USE_MODEL_GROUP, or the default group name.
func (d *Document) ActiveModelGroup() string {
	return d.GetString(KeyUseModelGroup, DefaultModelGroup)
}

// SuperUsers returns SUPER_USERS as strings. A scalar value is split on
// commas.
func (d *Document) SuperUsers() []string {
	n := mappingValue(d.section(), KeySuperUsers)
	if n == nil {
		return nil
	}
	var out []string
	switch n.Kind {
	case yaml.SequenceNode:
		for _, c := range n.Content {
			if c.Kind == yaml.ScalarNode && strings.TrimSpace(c.Value) != "" {
				out = append(out, strings.TrimSpace(c.Value))
			}
		}
	case yaml.ScalarNode:
		out = SplitUsers(n.Value)
	}
	return out
}

// SetSuperUsers replaces SUPER_USERS. Numeric IDs are stored as strings.
func (d *Document) SetSuperUsers(users []string) error {
	seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, u := range users {
		seq.Content = append(seq.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: u, Style: quoteIfNumeric(u)})
	}
	setMappingValue(d.section(), KeySuperUsers, seq)
	return nil
}

// SplitUsers splits a comma or whitespace separated user list, dropping
// duplicates and empty entries.
func SplitUsers(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '，' || r == ' ' || r == '\t' || r == '\n'
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// Preset returns the chat preset name and setting.
func (d *Document) Preset() (name, setting string) {
	return d.GetString(KeyPresetName, DefaultPresetName), d.GetString(KeyPresetSetting, "")
}

// SetPreset updates the chat preset. Empty values are left unchanged.
func (d *Document) SetPreset(name, setting string) {
	if name != "" {
		setMappingValue(d.section(), KeyPresetName, scalar(name))
	}
	if setting != "" {
		n := scalar(setting)
		if strings.Contains(setting, "\n") {
			n.Style = yaml.LiteralStyle
		}
		setMappingValue(d.section(), KeyPresetSetting, n)
	}
}

// ListModels asks the group's OpenAI-compatible endpoint for its models.
func ListModels(ctx context.Context, g ModelGroup) ([]string, error) {
	cfg := openai.DefaultConfig(g.APIKey)
	cfg.BaseURL = strings.TrimRight(g.BaseURL, "/")
	client := openai.NewClientWithConfig(cfg)

	list, err := client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list models at %s: %w", g.BaseURL, err)
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// CheckModel verifies the endpoint is reachable with the group's key and
// serves its chat model.
func CheckModel(ctx context.Context, g ModelGroup) error {
	ids, err := ListModels(ctx, g)
	if err != nil {
		return err
	}
	i := sort.SearchStrings(ids, g.ChatModel)
	if i == len(ids) || ids[i] != g.ChatModel {
		return fmt.Errorf("model %q not offered by %s (%d models available)", g.ChatModel, g.BaseURL, len(ids))
	}
	return nil
}

func scalar(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s, Style: quoteIfNumeric(s)}
}

func boolScalar(b bool) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(b)}
}

// quoteIfNumeric keeps strings such as QQ numbers from being read back as
// integers.
func quoteIfNumeric(s string) yaml.Style {
	if _, ok := ParseValue(s).(string); ok {
		return 0
	}
	return yaml.DoubleQuotedStyle
}
