package compose

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nekroai/na-tools/internal/atomicfile"
	"github.com/nekroai/na-tools/internal/docker"
)

// ImageChange records one service image rewritten by ApplyMirror.
type ImageChange struct {
	Service string
	From    string
	To      string
}

// ApplyMirror prefixes the image of every service in the compose file at
// path with mirror. Images already pulled through the mirror are left
// alone, so applying the same mirror twice is a no-op. The file is only
// rewritten when something changed; comments and key order survive.
func ApplyMirror(path, mirror string) ([]ImageChange, error) {
	if docker.NormalizeMirror(mirror) == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	changes := rewriteImages(&doc, mirror)
	if len(changes) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", path, err)
	}

	if err := atomicfile.WriteKeepMode(path, buf.Bytes(), 0644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return changes, nil
}

func rewriteImages(doc *yaml.Node, mirror string) []ImageChange {
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil
	}
	services := mappingValue(doc.Content[0], "services")
	if services == nil || services.Kind != yaml.MappingNode {
		return nil
	}

	var changes []ImageChange
	for i := 0; i+1 < len(services.Content); i += 2 {
		name := services.Content[i].Value
		image := mappingValue(services.Content[i+1], "image")
		if image == nil || image.Kind != yaml.ScalarNode || image.Value == "" {
			continue
		}
		ref := docker.MirrorRef(mirror, image.Value)
		if ref == image.Value {
			continue
		}
		changes = append(changes, ImageChange{Service: name, From: image.Value, To: ref})
		image.Value = ref
	}
	return changes
}

// mappingValue returns the value node for key in a mapping node.
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
