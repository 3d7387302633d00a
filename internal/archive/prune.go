package archive

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nekroai/na-tools/internal/atomicfile"
	"github.com/nekroai/na-tools/internal/errdefs"
	"github.com/nekroai/na-tools/internal/filelock"
	"github.com/nekroai/na-tools/internal/logging"
)

// PrunePolicy selects archives to delete. Archives are grouped by source
// instance; the newest Keep of each group are always kept, and of the
// rest only those created before OlderThan are deleted. A zero OlderThan
// deletes every archive beyond Keep.
type PrunePolicy struct {
	Keep      int
	OlderThan time.Time
	// InstanceID restricts pruning to one source instance. Zero means all.
	InstanceID int
}

// PlanPrune returns the archives the policy deletes, newest first. It
// does no I/O.
func PlanPrune(archives []Archive, policy PrunePolicy) []Archive {
	sorted := make([]Archive, len(archives))
	copy(sorted, archives)
	SortNewestFirst(sorted)

	kept := make(map[string]int)
	var doomed []Archive
	for _, a := range sorted {
		if policy.InstanceID != 0 && a.SourceInstanceID != policy.InstanceID {
			continue
		}
		group := groupKey(a)
		if kept[group] < policy.Keep {
			kept[group]++
			continue
		}
		if !policy.OlderThan.IsZero() && !a.CreatedAt.Before(policy.OlderThan) {
			continue
		}
		doomed = append(doomed, a)
	}
	return doomed
}

func groupKey(a Archive) string {
	if a.SourceInstanceID != 0 {
		return "id:" + strconv.Itoa(a.SourceInstanceID)
	}
	return "path:" + a.SourcePath
}

// Prune deletes the archives in dir selected by policy under the backup
// directory lock. When dryRun is set nothing is removed. It returns the
// selected archives.
func Prune(ctx context.Context, dir string, policy PrunePolicy, dryRun bool, lockTimeout time.Duration, logger *slog.Logger) ([]Archive, error) {
	logger = logging.OrDiscard(logger)
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}

	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	lock, err := filelock.Acquire(ctx, filepath.Join(dir, LockFileName), lockTimeout)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	archives, err := List(dir, logger)
	if err != nil {
		return nil, err
	}
	doomed := PlanPrune(archives, policy)
	if dryRun {
		return doomed, nil
	}

	for _, a := range doomed {
		if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, errdefs.IOFailure("remove "+a.Path, err)
		}
		logger.Info("archive pruned", "file", a.Path, "created_at", a.CreatedAt)
	}
	if len(doomed) > 0 {
		if err := atomicfile.SyncDir(dir); err != nil {
			return nil, errdefs.IOFailure("sync backup directory", err)
		}
	}
	return doomed, nil
}
