// Package registry persists the set of Nekro Agent installations known to
// na-tools and the pointer to the active one.
//
// The registry lives in a single JSON document under the config directory.
// Reads load the document fresh on every call. Writes run a
// read-modify-write cycle under an exclusive file lock and commit with
// temp file + fsync + rename, so a concurrent invocation either waits for
// the lock or fails with errdefs.ErrConcurrentModification, and a crash
// never leaves a half-written document.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/nekroai/na-tools/internal/atomicfile"
	"github.com/nekroai/na-tools/internal/errdefs"
	"github.com/nekroai/na-tools/internal/filelock"
	"github.com/nekroai/na-tools/internal/logging"
)

const (
	// FileName is the registry document inside the config directory.
	FileName = "registry.json"

	// LockFileName guards every write to FileName.
	LockFileName = "registry.lock"

	// FormatVersion is the registry document version this build writes.
	FormatVersion = 1

	// DefaultLockTimeout bounds how long a write waits for the lock.
	DefaultLockTimeout = 3 * time.Second
)

// Instance is one registered installation.
type Instance struct {
	ID           int        `json:"id"`
	Path         string     `json:"path"`
	RegisteredAt time.Time  `json:"registered_at"`
	LastUsed     *time.Time `json:"last_used,omitempty"`
	RestoredAt   *time.Time `json:"restored_at,omitempty"`
	RestoredFrom string     `json:"restored_from,omitempty"`

	// Active is computed on read and never persisted.
	Active bool `json:"-"`
}

// document is the on-disk form.
type document struct {
	Version    int        `json:"version"`
	Generation uint64     `json:"generation"`
	NextID     int        `json:"next_id"`
	ActiveID   int        `json:"active_id"`
	Instances  []Instance `json:"instances"`
}

func emptyDocument() *document {
	return &document{Version: FormatVersion, NextID: 1, Instances: []Instance{}}
}

func (d *document) find(id int) (int, bool) {
	for i := range d.Instances {
		if d.Instances[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

func (d *document) findPath(path string) (int, bool) {
	for i := range d.Instances {
		if d.Instances[i].Path == path {
			return i, true
		}
	}
	return -1, false
}

// Registry is a handle on the registry document in one config directory.
type Registry struct {
	dir         string
	lockTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time

	// exists reports whether an instance path is present on disk.
	exists func(path string) bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLockTimeout overrides DefaultLockTimeout.
func WithLockTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.lockTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = logging.OrDiscard(l) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Open returns the registry stored in dir. If dir holds no registry yet
// but does hold the config.json written by earlier versions of na-tools,
// its installations are imported once.
func Open(ctx context.Context, dir string, opts ...Option) (*Registry, error) {
	r := &Registry{
		dir:         dir,
		lockTimeout: DefaultLockTimeout,
		logger:      logging.Discard(),
		now:         time.Now,
		exists:      dirExists,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.importLegacy(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Dir returns the config directory holding the registry.
func (r *Registry) Dir() string {
	return r.dir
}

func (r *Registry) path() string {
	return filepath.Join(r.dir, FileName)
}

func (r *Registry) load() (*document, error) {
	data, err := os.ReadFile(r.path())
	if errors.Is(err, os.ErrNotExist) {
		return emptyDocument(), nil
	}
	if err != nil {
		return nil, errdefs.IOFailure("read registry", err)
	}

	doc := emptyDocument()
	if err := json.Unmarshal(jsonc.ToJSON(data), doc); err != nil {
		return nil, errdefs.IOFailure("parse registry "+r.path(), err)
	}
	if doc.Version > FormatVersion {
		return nil, fmt.Errorf("%w: registry %s has version %d, this na-tools supports up to %d",
			errdefs.ErrIncompatibleFormat, r.path(), doc.Version, FormatVersion)
	}
	if doc.Instances == nil {
		doc.Instances = []Instance{}
	}
	// next_id is never allowed to fall behind an existing id, even after
	// a hand edit.
	for _, inst := range doc.Instances {
		if inst.ID >= doc.NextID {
			doc.NextID = inst.ID + 1
		}
	}
	return doc, nil
}

func (r *Registry) save(doc *document) error {
	doc.Version = FormatVersion
	doc.Generation++

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}
	data = append(data, '\n')

	if err := atomicfile.Write(r.path(), data, 0o644); err != nil {
		return errdefs.IOFailure("write registry", err)
	}
	r.logger.Debug("registry committed", "generation", doc.Generation, "instances", len(doc.Instances))
	return nil
}

// mutate runs fn against the current document under the write lock and
// commits the result. Nothing is written when fn fails.
func (r *Registry) mutate(ctx context.Context, fn func(*document) error) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return errdefs.IOFailure("create config directory", err)
	}

	lock, err := filelock.Acquire(ctx, filepath.Join(r.dir, LockFileName), r.lockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	doc, err := r.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return r.save(doc)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
