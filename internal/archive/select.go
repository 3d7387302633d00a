package archive

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	// ErrNoArchive means no candidate satisfies the selection.
	ErrNoArchive = errors.New("no matching archive")

	// ErrAmbiguousArchive means an id prefix matches several candidates.
	ErrAmbiguousArchive = errors.New("ambiguous archive id")
)

// Target identifies the instance an archive is being chosen for.
type Target struct {
	InstanceID int
	Path       string
}

func (t Target) matches(a Archive) bool {
	if t.InstanceID != 0 && a.SourceInstanceID == t.InstanceID {
		return true
	}
	return t.Path != "" && filepath.Clean(a.SourcePath) == filepath.Clean(t.Path)
}

// Select picks one archive from candidates. It does no I/O.
//
// An empty hint selects the newest candidate whose source is target. A
// hint of digits is a 1-based index into candidates as given, which is
// the order the interactive listing shows. A hint containing a path
// separator or ending in the archive extension matches a path or file
// name. Anything else is an archive id prefix.
func Select(candidates []Archive, target Target, hint string) (Archive, error) {
	hint = strings.TrimSpace(hint)

	if hint == "" {
		var best *Archive
		for i := range candidates {
			a := &candidates[i]
			if !target.matches(*a) {
				continue
			}
			if best == nil || newer(*a, *best) {
				best = a
			}
		}
		if best == nil {
			return Archive{}, fmt.Errorf("%w: no backups of instance %d (%s)", ErrNoArchive, target.InstanceID, target.Path)
		}
		return *best, nil
	}

	// An all-digit hint is an index when in range, else an id prefix.
	if n, err := strconv.Atoi(hint); err == nil {
		if n >= 1 && n <= len(candidates) {
			return candidates[n-1], nil
		}
		if !anyIDPrefix(candidates, hint) {
			return Archive{}, fmt.Errorf("%w: index %d out of range 1-%d", ErrNoArchive, n, len(candidates))
		}
	}

	if strings.ContainsRune(hint, filepath.Separator) || strings.HasSuffix(hint, Extension) {
		for _, a := range candidates {
			if a.Path == hint || filepath.Base(a.Path) == hint {
				return a, nil
			}
			if abs, err := filepath.Abs(hint); err == nil && abs == a.Path {
				return a, nil
			}
		}
		return Archive{}, fmt.Errorf("%w: %s", ErrNoArchive, hint)
	}

	var found []Archive
	for _, a := range candidates {
		if strings.HasPrefix(a.ID, strings.ToLower(hint)) {
			found = append(found, a)
		}
	}
	switch len(found) {
	case 0:
		return Archive{}, fmt.Errorf("%w: no archive id starts with %q", ErrNoArchive, hint)
	case 1:
		return found[0], nil
	default:
		ids := make([]string, len(found))
		for i, a := range found {
			ids[i] = a.ShortID()
		}
		return Archive{}, fmt.Errorf("%w: %q matches %s", ErrAmbiguousArchive, hint, strings.Join(ids, ", "))
	}
}

func newer(a, b Archive) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func anyIDPrefix(candidates []Archive, prefix string) bool {
	for _, a := range candidates {
		if strings.HasPrefix(a.ID, prefix) {
			return true
		}
	}
	return false
}
