package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/jsonmessage"
)

// SandboxImage is the image nekro_agent starts code sandboxes from. It is
// not part of the compose file, so install and update pull it explicitly.
const SandboxImage = "kromiose/nekro-agent-sandbox"

// NormalizeMirror strips the scheme and trailing slashes from a registry
// mirror address, so "https://docker.1ms.run/" becomes "docker.1ms.run".
func NormalizeMirror(mirror string) string {
	mirror = strings.TrimSpace(mirror)
	mirror = strings.TrimPrefix(mirror, "https://")
	mirror = strings.TrimPrefix(mirror, "http://")
	return strings.TrimRight(mirror, "/")
}

// MirrorRef returns the reference to pull image through mirror. Images that
// already carry the mirror prefix, and an empty mirror, leave image as is.
func MirrorRef(mirror, image string) string {
	mirror = NormalizeMirror(mirror)
	if mirror == "" || strings.HasPrefix(image, mirror+"/") {
		return image
	}
	return mirror + "/" + image
}

// PullImage pulls image, through mirror when one is set. A mirrored pull is
// tagged back to the plain name so containers started by name find it.
func PullImage(ctx context.Context, eng Engine, image, mirror string, logger *slog.Logger) error {
	ref := MirrorRef(mirror, image)
	logger.Debug("pulling image", "ref", ref)

	reader, err := eng.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull %s: %w", ref, err)
	}
	defer reader.Close()

	// The pull runs until the progress stream is drained; registry errors
	// arrive inside the stream, not from ImagePull.
	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("failed to complete pull of %s: %w", ref, err)
	}

	if ref != image {
		if err := eng.ImageTag(ctx, ref, image); err != nil {
			return fmt.Errorf("failed to tag %s as %s: %w", ref, image, err)
		}
	}
	return nil
}
