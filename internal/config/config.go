package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	// FileName is the settings file inside the config directory.
	FileName = "settings.yaml"

	// EnvHome overrides the config directory.
	EnvHome = "NA_TOOLS_HOME"

	// EnvBackupDir overrides backup_dir.
	EnvBackupDir = "NA_TOOLS_BACKUP_DIR"
)

// Defaults applied to fields left unset in settings.yaml
const (
	DefaultCompression  = "zstd"
	DefaultLockTimeout  = 3 * time.Second
	DefaultReadRetries  = 3
	DefaultSandboxImage = "kromiose/nekro-agent-sandbox"
	DefaultKeep         = 5
)

// DefaultDownloadSources are tried in order when fetching compose files.
var DefaultDownloadSources = []string{
	"https://raw.githubusercontent.com/KroMiose/nekro-agent/main/docker",
	"https://ep.nekro.ai/e/KroMiose/nekro-agent/main/docker",
}

// Settings is the optional settings.yaml of the config directory.
type Settings struct {
	BackupDir       string        `yaml:"backup_dir,omitempty"`
	DefaultDataDir  string        `yaml:"default_data_dir,omitempty"`
	Compression     string        `yaml:"compression,omitempty" validate:"omitempty,oneof=zstd lz4 none"`
	LockTimeout     time.Duration `yaml:"lock_timeout,omitempty" validate:"gte=0"`
	ReadRetries     *int          `yaml:"read_retries,omitempty" validate:"omitempty,gte=0,lte=20"`
	DownloadSources []string      `yaml:"download_sources,omitempty" validate:"dive,url"`
	SandboxImage    string        `yaml:"sandbox_image,omitempty"`
	Keep            int           `yaml:"keep,omitempty" validate:"gte=0"`

	// GCSCredentials is a service account key for gs:// backup targets.
	// Application default credentials are used when empty.
	GCSCredentials string `yaml:"gcs_credentials,omitempty"`

	// Dir is the config directory the settings were loaded from.
	Dir string `yaml:"-"`
}

var validate = newValidator()

// newValidator reports fields by their YAML names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DefaultHome returns the config directory: $NA_TOOLS_HOME, else
// ~/.config/na-tools.
func DefaultHome() (string, error) {
	if dir := os.Getenv(EnvHome); dir != "" {
		return expandHome(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "na-tools"), nil
}

// Load reads and validates settings.yaml from dir. A missing file yields the
// defaults. Environment overrides are applied after the file.
func Load(dir string) (*Settings, error) {
	s := &Settings{}

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read settings: %w", err)
	default:
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if v := os.Getenv(EnvBackupDir); v != "" {
		s.BackupDir = v
	}

	s.Dir = dir
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings in %s: %w", filepath.Join(dir, FileName), err)
	}
	return s, nil
}

// Validate checks field values and fills in defaults. Relative and ~ paths
// are expanded.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed '%s' check (value: %v)", fe.Field(), fe.Tag(), fe.Value())
		}
		return err
	}

	if s.Compression == "" {
		s.Compression = DefaultCompression
	}
	if s.LockTimeout == 0 {
		s.LockTimeout = DefaultLockTimeout
	}
	if s.ReadRetries == nil {
		retries := DefaultReadRetries
		s.ReadRetries = &retries
	}
	if len(s.DownloadSources) == 0 {
		s.DownloadSources = append([]string(nil), DefaultDownloadSources...)
	}
	if s.SandboxImage == "" {
		s.SandboxImage = DefaultSandboxImage
	}
	if s.Keep == 0 {
		s.Keep = DefaultKeep
	}

	var err error
	if s.BackupDir == "" {
		s.BackupDir = filepath.Join(s.Dir, "backups")
	} else if s.BackupDir, err = expandHome(s.BackupDir); err != nil {
		return err
	}
	if s.DefaultDataDir == "" {
		s.DefaultDataDir = "~/nekro_agent"
	}
	if s.DefaultDataDir, err = expandHome(s.DefaultDataDir); err != nil {
		return err
	}
	if s.GCSCredentials != "" {
		if s.GCSCredentials, err = expandHome(s.GCSCredentials); err != nil {
			return err
		}
	}

	return nil
}

// Retries returns read_retries after defaults are applied.
func (s *Settings) Retries() int {
	if s.ReadRetries == nil {
		return DefaultReadRetries
	}
	return *s.ReadRetries
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to expand %s: %w", path, err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Abs(path)
}
