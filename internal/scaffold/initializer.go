package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*
var templatesFS embed.FS

// Remote file names of the deployment files, relative to a download source.
const (
	ComposeFile       = "docker-compose.yml"
	NapCatComposeFile = "docker-compose-x-napcat.yml"
	EnvExampleFile    = ".env.example"
)

// embedded maps remote file names to the bundled copies used when no
// download source is reachable.
var embedded = map[string]string{
	ComposeFile:       "templates/docker-compose.yml",
	NapCatComposeFile: "templates/docker-compose-x-napcat.yml",
	EnvExampleFile:    "templates/env.example",
}

// FileInfo represents a file to be created in an instance directory
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// ComposeSource returns the remote compose file for the deployment variant.
func ComposeSource(withNapCat bool) string {
	if withNapCat {
		return NapCatComposeFile
	}
	return ComposeFile
}

// Template returns the bundled copy of a remote deployment file.
func Template(name string) ([]byte, error) {
	path, ok := embedded[name]
	if !ok {
		return nil, fmt.Errorf("no bundled template for %s", name)
	}
	content, err := templatesFS.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s template: %w", name, err)
	}
	return content, nil
}

// Initialize writes the bundled compose file and .env.example into dir,
// skipping files that already exist unless force is set.
func Initialize(dir string, withNapCat, force bool) ([]FileInfo, error) {
	compose, err := Template(ComposeSource(withNapCat))
	if err != nil {
		return nil, err
	}
	envExample, err := Template(EnvExampleFile)
	if err != nil {
		return nil, err
	}

	files := []FileInfo{
		{Path: filepath.Join(dir, ComposeFile), Content: compose, Permissions: 0644},
		{Path: filepath.Join(dir, EnvExampleFile), Content: envExample, Permissions: 0600},
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	var written []FileInfo
	for _, file := range files {
		if !force {
			if _, err := os.Stat(file.Path); err == nil {
				continue
			}
		}
		if err := os.WriteFile(file.Path, file.Content, file.Permissions); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
		written = append(written, file)
	}

	return written, nil
}

// ValidateCompose checks that content is YAML with a non-empty services map.
// Download sources occasionally answer with an HTML error page and a 200.
func ValidateCompose(content []byte) error {
	var doc struct {
		Services map[string]yaml.Node `yaml:"services"`
	}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return fmt.Errorf("compose file is not valid YAML: %w", err)
	}
	if len(doc.Services) == 0 {
		return fmt.Errorf("compose file defines no services")
	}
	return nil
}
