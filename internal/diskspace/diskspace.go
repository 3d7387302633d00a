// Package diskspace reports free space on the filesystem holding a path.
package diskspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/go-units"

	"github.com/nekroai/na-tools/internal/errdefs"
)

// Headroom is added to every requirement so a backup never fills a
// filesystem to the last block.
const Headroom = 16 << 20

// Available returns the bytes available to an unprivileged writer on the
// filesystem containing path. A missing path is resolved to its nearest
// existing ancestor. ok is false on platforms where the figure is not
// available.
func Available(path string) (free uint64, ok bool, err error) {
	dir, err := existingAncestor(path)
	if err != nil {
		return 0, false, err
	}
	return available(dir)
}

// Ensure fails with errdefs.ErrInsufficientSpace when the filesystem
// containing path cannot hold need bytes plus Headroom.
func Ensure(path string, need uint64) error {
	free, ok, err := Available(path)
	if err != nil {
		return errdefs.IOFailure("statfs "+path, err)
	}
	if !ok {
		return nil
	}
	if free < need+Headroom {
		return fmt.Errorf("%w: %s needed at %s, %s available",
			errdefs.ErrInsufficientSpace,
			units.HumanSize(float64(need+Headroom)), path, units.HumanSize(float64(free)))
	}
	return nil
}

func existingAncestor(path string) (string, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir, nil
		}
		dir = parent
	}
}
