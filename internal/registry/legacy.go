package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/tidwall/jsonc"
)

// LegacyFileName is the global config written by earlier na-tools releases.
const LegacyFileName = "config.json"

type legacyInstallation struct {
	InstalledAt float64 `json:"installed_at"`
	LastUsed    float64 `json:"last_used"`
}

type legacyConfig struct {
	CurrentDataDir string                        `json:"current_data_dir"`
	Installations  map[string]legacyInstallation `json:"installations"`
}

// importLegacy converts config.json into a registry document the first
// time a registry is opened in a directory that has one. Installations
// get ids in path order, which is the numbering the old list command
// showed. An unreadable legacy file is logged and ignored.
func (r *Registry) importLegacy(ctx context.Context) error {
	if _, err := os.Stat(r.path()); err == nil || !errors.Is(err, os.ErrNotExist) {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(r.dir, LegacyFileName))
	if err != nil {
		return nil
	}

	var legacy legacyConfig
	if err := json.Unmarshal(jsonc.ToJSON(data), &legacy); err != nil {
		r.logger.Warn("ignoring unreadable legacy config", "file", LegacyFileName, "error", err)
		return nil
	}
	if len(legacy.Installations) == 0 && legacy.CurrentDataDir == "" {
		return nil
	}

	err = r.mutate(ctx, func(doc *document) error {
		// Another invocation may have won the race.
		if len(doc.Instances) > 0 || doc.Generation > 0 {
			return nil
		}

		entries := make(map[string]legacyInstallation, len(legacy.Installations))
		for path, info := range legacy.Installations {
			canonical, err := Canonicalize(path)
			if err != nil {
				continue
			}
			entries[canonical] = info
		}
		current := ""
		if legacy.CurrentDataDir != "" {
			if canonical, err := Canonicalize(legacy.CurrentDataDir); err == nil {
				current = canonical
				if _, ok := entries[current]; !ok {
					entries[current] = legacyInstallation{}
				}
			}
		}

		paths := make([]string, 0, len(entries))
		for path := range entries {
			paths = append(paths, path)
		}
		sort.Strings(paths)

		for _, path := range paths {
			info := entries[path]
			inst := r.appendInstance(doc, path)
			idx := len(doc.Instances) - 1
			if info.InstalledAt > 0 {
				doc.Instances[idx].RegisteredAt = unixSeconds(info.InstalledAt)
			}
			if info.LastUsed > 0 {
				used := unixSeconds(info.LastUsed)
				doc.Instances[idx].LastUsed = &used
			}
			if path == current {
				doc.ActiveID = inst.ID
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to import %s: %w", LegacyFileName, err)
	}
	r.logger.Info("imported legacy installations", "file", LegacyFileName, "count", len(legacy.Installations))
	return nil
}

func unixSeconds(v float64) time.Time {
	sec := int64(v)
	nsec := int64((v - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}
