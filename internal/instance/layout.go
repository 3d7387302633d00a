package instance

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// File names inside an instance directory.
const (
	EnvFileName     = ".env"
	ComposeFileName = "docker-compose.yml"
	ConfigDirName   = "configs"
	ConfigFileName  = "nekro-agent.yaml"

	// DefaultService is the compose service logs and restarts target.
	DefaultService = "nekro_agent"
)

// ErrNotInstalled is returned when a directory has no compose file or .env.
var ErrNotInstalled = errors.New("no installation found")

// Layout locates the files of the instance rooted at Dir.
type Layout struct {
	Dir string
}

func (l Layout) EnvFile() string     { return filepath.Join(l.Dir, EnvFileName) }
func (l Layout) ComposeFile() string { return filepath.Join(l.Dir, ComposeFileName) }
func (l Layout) ConfigFile() string  { return filepath.Join(l.Dir, ConfigDirName, ConfigFileName) }

// HasCompose reports whether the compose file exists.
func (l Layout) HasCompose() bool {
	_, err := os.Stat(l.ComposeFile())
	return err == nil
}

// HasEnv reports whether the .env file exists.
func (l Layout) HasEnv() bool {
	_, err := os.Stat(l.EnvFile())
	return err == nil
}

// CheckInstalled returns ErrNotInstalled unless both the compose file and
// the .env file are present.
func (l Layout) CheckInstalled() error {
	if !l.HasCompose() {
		return fmt.Errorf("%w in %s: %s is missing", ErrNotInstalled, l.Dir, ComposeFileName)
	}
	if !l.HasEnv() {
		return fmt.Errorf("%w in %s: %s is missing", ErrNotInstalled, l.Dir, EnvFileName)
	}
	return nil
}

// IsEmpty reports whether Dir is missing or has no entries.
func (l Layout) IsEmpty() (bool, error) {
	f, err := os.Open(l.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	_, err = f.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	return false, err
}
