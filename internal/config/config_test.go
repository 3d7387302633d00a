package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644))
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	t.Setenv(EnvBackupDir, "")
	dir := t.TempDir()

	s, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, dir, s.Dir)
	assert.Equal(t, filepath.Join(dir, "backups"), s.BackupDir)
	assert.Equal(t, DefaultCompression, s.Compression)
	assert.Equal(t, DefaultLockTimeout, s.LockTimeout)
	assert.Equal(t, DefaultReadRetries, s.Retries())
	assert.Equal(t, DefaultDownloadSources, s.DownloadSources)
	assert.Equal(t, DefaultSandboxImage, s.SandboxImage)
	assert.Equal(t, DefaultKeep, s.Keep)
	assert.True(t, filepath.IsAbs(s.DefaultDataDir))
	assert.Equal(t, "nekro_agent", filepath.Base(s.DefaultDataDir))
}

func TestLoad_ValidSettings(t *testing.T) {
	t.Setenv(EnvBackupDir, "")
	dir := t.TempDir()
	backups := filepath.Join(dir, "elsewhere")

	writeSettings(t, dir, `backup_dir: `+backups+`
compression: lz4
lock_timeout: 10s
read_retries: 0
download_sources:
  - https://mirror.example.com/docker
keep: 2
`)

	s, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, backups, s.BackupDir)
	assert.Equal(t, "lz4", s.Compression)
	assert.Equal(t, 10*time.Second, s.LockTimeout)
	assert.Equal(t, 0, s.Retries(), "explicit zero disables retries")
	assert.Equal(t, []string{"https://mirror.example.com/docker"}, s.DownloadSources)
	assert.Equal(t, 2, s.Keep)
}

func TestLoad_EnvOverridesBackupDir(t *testing.T) {
	dir := t.TempDir()
	override := filepath.Join(dir, "from-env")
	t.Setenv(EnvBackupDir, override)

	writeSettings(t, dir, "backup_dir: /should/not/win\n")

	s, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, override, s.BackupDir)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	writeSettings(t, dir, "compression: [zstd\n")

	s, err := Load(dir)
	assert.Error(t, err)
	assert.Nil(t, s)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoad_ValidationErrors(t *testing.T) {
	testCases := []struct {
		name       string
		content    string
		errContain string
	}{
		{
			name:       "unknown compression",
			content:    "compression: gzip\n",
			errContain: "compression",
		},
		{
			name:       "negative lock timeout",
			content:    "lock_timeout: -1s\n",
			errContain: "lock_timeout",
		},
		{
			name:       "too many retries",
			content:    "read_retries: 100\n",
			errContain: "read_retries",
		},
		{
			name:       "download source not a URL",
			content:    "download_sources: [\"not a url\"]\n",
			errContain: "download_sources",
		},
		{
			name:       "negative keep",
			content:    "keep: -1\n",
			errContain: "keep",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeSettings(t, dir, tc.content)

			_, err := Load(dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid settings")
			assert.Contains(t, err.Error(), tc.errContain)
		})
	}
}

func TestDefaultHome(t *testing.T) {
	t.Run("environment override", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv(EnvHome, dir)

		home, err := DefaultHome()
		require.NoError(t, err)
		assert.Equal(t, dir, home)
	})

	t.Run("falls back to ~/.config/na-tools", func(t *testing.T) {
		t.Setenv(EnvHome, "")
		home, err := DefaultHome()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(".config", "na-tools"), filepath.Join(filepath.Base(filepath.Dir(home)), filepath.Base(home)))
	})
}
