// Package naconfig edits nekro-agent.yaml, the application config of an
// instance. Edits work on the YAML node tree so comments and key order in
// the file survive.
//
// Newer nekro-agent releases nest settings under a top-level "system" key;
// older ones keep them at the root. Accessors for well-known settings look
// in "system" when the document has it.
package naconfig

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nekroai/na-tools/internal/atomicfile"
)

const systemKey = "system"

// Well-known keys.
const (
	KeyModelGroups   = "MODEL_GROUPS"
	KeySuperUsers    = "SUPER_USERS"
	KeyPresetName    = "AI_CHAT_PRESET_NAME"
	KeyPresetSetting = "AI_CHAT_PRESET_SETTING"
	KeyUseModelGroup = "USE_MODEL_GROUP"
)

// Document is a parsed nekro-agent.yaml.
type Document struct {
	path   string
	doc    yaml.Node
	exists bool
}

// Load reads the config at path. A missing file yields an empty document.
func Load(path string) (*Document, error) {
	d := &Document{path: path}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	default:
		d.exists = true
		if err := yaml.Unmarshal(data, &d.doc); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if d.doc.Kind == 0 || len(d.doc.Content) == 0 {
		d.doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{newMapping()}}
	}
	if d.root().Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%s: top level is not a mapping", path)
	}
	return d, nil
}

// Path returns the file the document was loaded from.
func (d *Document) Path() string { return d.path }

// Exists reports whether the file existed when loaded.
func (d *Document) Exists() bool { return d.exists }

// Empty reports whether the document has no keys.
func (d *Document) Empty() bool { return len(d.root().Content) == 0 }

func (d *Document) root() *yaml.Node { return d.doc.Content[0] }

// section returns the mapping holding well-known settings: "system" when
// present, the root otherwise.
func (d *Document) section() *yaml.Node {
	if sys := mappingValue(d.root(), systemKey); sys != nil && sys.Kind == yaml.MappingNode {
		return sys
	}
	return d.root()
}

// Get looks up a dotted key path such as "MODEL_GROUPS.default.CHAT_MODEL".
// A path missing at the root is retried under "system".
func (d *Document) Get(key string) (*yaml.Node, bool) {
	if n := lookup(d.root(), key); n != nil {
		return n, true
	}
	if n := lookup(d.root(), systemKey+"."+key); n != nil {
		return n, true
	}
	return nil, false
}

// Resolve returns the dotted path Get reads key from: key itself, or
// system.<key> when only that exists.
func (d *Document) Resolve(key string) string {
	if lookup(d.root(), key) == nil && lookup(d.root(), systemKey+"."+key) != nil {
		return systemKey + "." + key
	}
	return key
}

// GetString returns the scalar at key in the settings section, or def.
func (d *Document) GetString(key, def string) string {
	n := mappingValue(d.section(), key)
	if n == nil || n.Kind != yaml.ScalarNode {
		return def
	}
	return n.Value
}

// Set assigns value at a dotted key path relative to the root, creating
// intermediate mappings. Non-mapping values in the way are replaced.
func (d *Document) Set(key string, value any) error {
	parts := strings.Split(key, ".")
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("invalid key %q", key)
		}
	}

	n := d.root()
	for _, p := range parts[:len(parts)-1] {
		n = ensureMapping(n, p)
	}

	var v yaml.Node
	if err := v.Encode(value); err != nil {
		return fmt.Errorf("failed to encode value for %s: %w", key, err)
	}
	setMappingValue(n, parts[len(parts)-1], &v)
	return nil
}

// SetInSection assigns a well-known key in the settings section.
func (d *Document) SetInSection(key string, value any) error {
	var v yaml.Node
	if err := v.Encode(value); err != nil {
		return fmt.Errorf("failed to encode value for %s: %w", key, err)
	}
	setMappingValue(d.section(), key, &v)
	return nil
}

// Save writes the document back atomically.
func (d *Document) Save() error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&d.doc); err != nil {
		return fmt.Errorf("failed to encode %s: %w", d.path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode %s: %w", d.path, err)
	}

	if err := os.MkdirAll(filepath.Dir(d.path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(d.path), err)
	}
	if err := atomicfile.WriteKeepMode(d.path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", d.path, err)
	}
	d.exists = true
	return nil
}

// ParseValue infers the type of a command-line value: true/false
// (any case) become booleans, then integers, then floats; anything else
// stays a string.
func ParseValue(s string) any {
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Format renders a node for display: scalars as their value, collections
// as flow-style YAML.
func Format(n *yaml.Node) string {
	if n == nil {
		return ""
	}
	if n.Kind == yaml.ScalarNode {
		return n.Value
	}
	flow := *n
	setFlow(&flow)
	out, err := yaml.Marshal(&flow)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return strings.TrimSpace(string(out))
}

func setFlow(n *yaml.Node) {
	if n.Kind != yaml.ScalarNode {
		n.Style |= yaml.FlowStyle
	}
	n.HeadComment, n.LineComment, n.FootComment = "", "", ""
	n.Content = append([]*yaml.Node(nil), n.Content...)
	for i, c := range n.Content {
		cp := *c
		setFlow(&cp)
		n.Content[i] = &cp
	}
}

func newMapping() *yaml.Node {
	return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
}

func lookup(n *yaml.Node, key string) *yaml.Node {
	for _, p := range strings.Split(key, ".") {
		n = mappingValue(n, p)
		if n == nil {
			return nil
		}
	}
	return n
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

func setMappingValue(n *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			// Keep comments attached to the old value.
			value.HeadComment = n.Content[i+1].HeadComment
			value.LineComment = n.Content[i+1].LineComment
			n.Content[i+1] = value
			return
		}
	}
	n.Content = append(n.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		value,
	)
}

func ensureMapping(n *yaml.Node, key string) *yaml.Node {
	if v := mappingValue(n, key); v != nil && v.Kind == yaml.MappingNode {
		return v
	}
	m := newMapping()
	setMappingValue(n, key, m)
	return m
}
