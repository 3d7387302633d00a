package docker

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekroai/na-tools/internal/logging"
)

type fakeEngine struct {
	stream  string
	pullErr error
	tagErr  error

	pulled []string
	tagged [][2]string
}

func (f *fakeEngine) ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
	return nil, nil
}

func (f *fakeEngine) ImagePull(ctx context.Context, ref string, options types.ImagePullOptions) (io.ReadCloser, error) {
	f.pulled = append(f.pulled, ref)
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return io.NopCloser(strings.NewReader(f.stream)), nil
}

func (f *fakeEngine) ImageTag(ctx context.Context, source, target string) error {
	f.tagged = append(f.tagged, [2]string{source, target})
	return f.tagErr
}

func TestMirrorRef(t *testing.T) {
	testCases := []struct {
		name     string
		mirror   string
		image    string
		expected string
	}{
		{name: "no mirror", mirror: "", image: "kromiose/nekro-agent", expected: "kromiose/nekro-agent"},
		{name: "bare host", mirror: "docker.1ms.run", image: "kromiose/nekro-agent", expected: "docker.1ms.run/kromiose/nekro-agent"},
		{name: "scheme and slash stripped", mirror: "https://docker.1ms.run/", image: "qdrant/qdrant", expected: "docker.1ms.run/qdrant/qdrant"},
		{name: "http scheme", mirror: "http://mirror.local", image: "postgres:14", expected: "mirror.local/postgres:14"},
		{name: "already mirrored", mirror: "docker.1ms.run", image: "docker.1ms.run/postgres:14", expected: "docker.1ms.run/postgres:14"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, MirrorRef(tc.mirror, tc.image))
		})
	}
}

func TestPullImage(t *testing.T) {
	ctx := context.Background()
	logger := logging.Discard()

	t.Run("direct pull is not retagged", func(t *testing.T) {
		eng := &fakeEngine{stream: `{"status":"Pulling from kromiose/nekro-agent-sandbox"}`}
		require.NoError(t, PullImage(ctx, eng, SandboxImage, "", logger))
		assert.Equal(t, []string{SandboxImage}, eng.pulled)
		assert.Empty(t, eng.tagged)
	})

	t.Run("mirrored pull is tagged back", func(t *testing.T) {
		eng := &fakeEngine{}
		require.NoError(t, PullImage(ctx, eng, SandboxImage, "https://docker.1ms.run", logger))
		assert.Equal(t, []string{"docker.1ms.run/" + SandboxImage}, eng.pulled)
		assert.Equal(t, [][2]string{{"docker.1ms.run/" + SandboxImage, SandboxImage}}, eng.tagged)
	})

	t.Run("error inside progress stream", func(t *testing.T) {
		eng := &fakeEngine{stream: `{"errorDetail":{"message":"pull access denied"},"error":"pull access denied"}`}
		err := PullImage(ctx, eng, SandboxImage, "", logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pull access denied")
	})

	t.Run("pull request fails", func(t *testing.T) {
		eng := &fakeEngine{pullErr: errors.New("daemon gone")}
		err := PullImage(ctx, eng, SandboxImage, "docker.1ms.run", logger)
		require.Error(t, err)
		assert.Empty(t, eng.tagged)
	})

	t.Run("tag failure surfaces", func(t *testing.T) {
		eng := &fakeEngine{tagErr: errors.New("no such image")}
		err := PullImage(ctx, eng, SandboxImage, "docker.1ms.run", logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to tag")
	})
}
