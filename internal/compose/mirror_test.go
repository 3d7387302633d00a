package compose

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const composeDoc = `# Nekro Agent
services:
  nekro_postgres:
    image: postgres:14
    restart: unless-stopped
  nekro_agent:
    # main service
    image: kromiose/nekro-agent:latest
    ports:
      - "${NEKRO_EXPOSE_PORT:-8021}:8021"
  builder:
    build: .
volumes:
  data:
`

func TestApplyMirror(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docker-compose.yml")
	require.NoError(t, os.WriteFile(path, []byte(composeDoc), 0644))

	changes, err := ApplyMirror(path, "https://docker.1ms.run/")
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, ImageChange{Service: "nekro_postgres", From: "postgres:14", To: "docker.1ms.run/postgres:14"}, changes[0])
	assert.Equal(t, "nekro_agent", changes[1].Service)
	assert.Equal(t, "docker.1ms.run/kromiose/nekro-agent:latest", changes[1].To)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, "image: docker.1ms.run/postgres:14")
	assert.Contains(t, out, "# main service")
	assert.Contains(t, out, "${NEKRO_EXPOSE_PORT:-8021}:8021")
	assert.Less(t, strings.Index(out, "nekro_postgres"), strings.Index(out, "nekro_agent"), "service order kept")

	t.Run("second application is a no-op", func(t *testing.T) {
		changes, err := ApplyMirror(path, "docker.1ms.run")
		require.NoError(t, err)
		assert.Empty(t, changes)

		again, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, out, string(again))
	})
}

func TestApplyMirror_EmptyMirror(t *testing.T) {
	changes, err := ApplyMirror(filepath.Join(t.TempDir(), "missing.yml"), "  ")
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestApplyMirror_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := ApplyMirror(filepath.Join(dir, "missing.yml"), "docker.1ms.run")
	assert.Error(t, err)

	broken := filepath.Join(dir, "broken.yml")
	require.NoError(t, os.WriteFile(broken, []byte("services: [\n"), 0644))
	_, err = ApplyMirror(broken, "docker.1ms.run")
	assert.Error(t, err)
}

func TestApplyMirror_NoServices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docker-compose.yml")
	require.NoError(t, os.WriteFile(path, []byte("volumes:\n  data:\n"), 0644))

	changes, err := ApplyMirror(path, "docker.1ms.run")
	require.NoError(t, err)
	assert.Empty(t, changes)
}
