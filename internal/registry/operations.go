package registry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nekroai/na-tools/internal/errdefs"
)

// Snapshot is a consistent read of the whole registry.
type Snapshot struct {
	Generation uint64
	ActiveID   int
	Instances  []Instance
}

// Snapshot loads the registry once and returns instances in ascending id
// order with Active populated.
func (r *Registry) Snapshot() (Snapshot, error) {
	doc, err := r.load()
	if err != nil {
		return Snapshot{}, err
	}
	instances := make([]Instance, len(doc.Instances))
	copy(instances, doc.Instances)
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	for i := range instances {
		instances[i].Active = instances[i].ID == doc.ActiveID
	}
	return Snapshot{Generation: doc.Generation, ActiveID: doc.ActiveID, Instances: instances}, nil
}

// List returns every registered instance in ascending id order. It never
// writes.
func (r *Registry) List() ([]Instance, error) {
	snap, err := r.Snapshot()
	if err != nil {
		return nil, err
	}
	return snap.Instances, nil
}

// Register adds path as a new instance with the next id. It fails with
// errdefs.ErrDuplicatePath, leaving the registry unchanged, when the
// canonical path is already registered. Register never changes the
// active pointer.
func (r *Registry) Register(ctx context.Context, path string) (Instance, error) {
	canonical, err := Canonicalize(path)
	if err != nil {
		return Instance{}, err
	}

	var created Instance
	err = r.mutate(ctx, func(doc *document) error {
		if i, ok := doc.findPath(canonical); ok {
			return fmt.Errorf("%w: %s is instance %d", errdefs.ErrDuplicatePath, canonical, doc.Instances[i].ID)
		}
		created = r.appendInstance(doc, canonical)
		return nil
	})
	if err != nil {
		return Instance{}, err
	}
	r.logger.Info("instance registered", "id", created.ID, "path", created.Path)
	return created, nil
}

func (r *Registry) appendInstance(doc *document, canonical string) Instance {
	inst := Instance{ID: doc.NextID, Path: canonical, RegisteredAt: r.now().UTC()}
	doc.NextID++
	doc.Instances = append(doc.Instances, inst)
	return inst
}

// InstallResult reports what Install did.
type InstallResult struct {
	Instance  Instance
	Created   bool
	Activated bool
}

// Install registers path, or reuses the existing instance when it is
// already registered, and records it as used. The instance becomes active
// only when no instance was active before.
func (r *Registry) Install(ctx context.Context, path string) (InstallResult, error) {
	canonical, err := Canonicalize(path)
	if err != nil {
		return InstallResult{}, err
	}

	var result InstallResult
	err = r.mutate(ctx, func(doc *document) error {
		idx, ok := doc.findPath(canonical)
		if !ok {
			r.appendInstance(doc, canonical)
			idx = len(doc.Instances) - 1
			result.Created = true
		}
		now := r.now().UTC()
		doc.Instances[idx].LastUsed = &now

		if doc.ActiveID == 0 {
			doc.ActiveID = doc.Instances[idx].ID
			result.Activated = true
		}
		result.Instance = doc.Instances[idx]
		result.Instance.Active = doc.ActiveID == result.Instance.ID
		return nil
	})
	if err != nil {
		return InstallResult{}, err
	}
	return result, nil
}

// Resolve finds the instance named by identifier: a numeric id, or a
// path compared after canonicalization. It fails with errdefs.ErrNotFound.
// Resolve does not check that the instance path exists.
func (r *Registry) Resolve(identifier string) (Instance, error) {
	doc, err := r.load()
	if err != nil {
		return Instance{}, err
	}
	idx, err := resolveIn(doc, identifier)
	if err != nil {
		return Instance{}, err
	}
	inst := doc.Instances[idx]
	inst.Active = inst.ID == doc.ActiveID
	return inst, nil
}

func resolveIn(doc *document, identifier string) (int, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return -1, fmt.Errorf("%w: empty identifier", errdefs.ErrNotFound)
	}

	if id, err := strconv.Atoi(identifier); err == nil {
		if idx, ok := doc.find(id); ok {
			return idx, nil
		}
		if !strings.ContainsRune(identifier, '/') {
			return -1, fmt.Errorf("%w: no instance with id %d", errdefs.ErrNotFound, id)
		}
	}

	canonical, err := Canonicalize(identifier)
	if err != nil {
		return -1, fmt.Errorf("%w: %s: %v", errdefs.ErrNotFound, identifier, err)
	}
	if idx, ok := doc.findPath(canonical); ok {
		return idx, nil
	}
	return -1, fmt.Errorf("%w: no instance registered at %s", errdefs.ErrNotFound, canonical)
}

// SetActive resolves identifier and commits it as the active instance
// before returning. The pointer is unchanged on any error.
func (r *Registry) SetActive(ctx context.Context, identifier string) (Instance, error) {
	return r.setActive(ctx, identifier, false)
}

// Use is SetActive for the use command: it additionally fails with
// errdefs.ErrInstanceUnreachable, before committing, when the instance
// directory no longer exists.
func (r *Registry) Use(ctx context.Context, identifier string) (Instance, error) {
	return r.setActive(ctx, identifier, true)
}

func (r *Registry) setActive(ctx context.Context, identifier string, requireOnDisk bool) (Instance, error) {
	var selected Instance
	err := r.mutate(ctx, func(doc *document) error {
		idx, err := resolveIn(doc, identifier)
		if err != nil {
			return err
		}
		inst := &doc.Instances[idx]
		if requireOnDisk && !r.exists(inst.Path) {
			return fmt.Errorf("%w: instance %d at %s", errdefs.ErrInstanceUnreachable, inst.ID, inst.Path)
		}
		now := r.now().UTC()
		inst.LastUsed = &now
		doc.ActiveID = inst.ID

		selected = *inst
		selected.Active = true
		return nil
	})
	if err != nil {
		return Instance{}, err
	}
	r.logger.Info("active instance changed", "id", selected.ID, "path", selected.Path)
	return selected, nil
}

// Active returns the active instance. It fails with
// errdefs.ErrNoActiveInstance when the registry is empty or no pointer is
// set, and with errdefs.ErrStaleActiveInstance when the pointer names an
// id that is gone or a directory that is missing. It never falls back to
// another instance.
func (r *Registry) Active() (Instance, error) {
	doc, err := r.load()
	if err != nil {
		return Instance{}, err
	}
	if len(doc.Instances) == 0 {
		return Instance{}, fmt.Errorf("%w: no instances are registered", errdefs.ErrNoActiveInstance)
	}
	if doc.ActiveID == 0 {
		return Instance{}, fmt.Errorf("%w: %d instances registered, none selected", errdefs.ErrNoActiveInstance, len(doc.Instances))
	}

	idx, ok := doc.find(doc.ActiveID)
	if !ok {
		return Instance{}, fmt.Errorf("%w: active id %d is not registered", errdefs.ErrStaleActiveInstance, doc.ActiveID)
	}
	inst := doc.Instances[idx]
	if !r.exists(inst.Path) {
		return Instance{}, fmt.Errorf("%w: instance %d directory %s is missing", errdefs.ErrStaleActiveInstance, inst.ID, inst.Path)
	}
	inst.Active = true
	return inst, nil
}

// Target resolves identifier when it is non-empty and returns the active
// instance otherwise. Commands use it to honor --instance.
func (r *Registry) Target(identifier string) (Instance, error) {
	if strings.TrimSpace(identifier) != "" {
		return r.Resolve(identifier)
	}
	return r.Active()
}

// MarkRestored records that instance id was overwritten from archiveID.
// The active pointer is not touched.
func (r *Registry) MarkRestored(ctx context.Context, id int, archiveID string) error {
	return r.mutate(ctx, func(doc *document) error {
		idx, ok := doc.find(id)
		if !ok {
			return fmt.Errorf("%w: no instance with id %d", errdefs.ErrNotFound, id)
		}
		now := r.now().UTC()
		doc.Instances[idx].RestoredAt = &now
		doc.Instances[idx].RestoredFrom = archiveID
		return nil
	})
}

// Touch updates the last-used time of instance id.
func (r *Registry) Touch(ctx context.Context, id int) error {
	return r.mutate(ctx, func(doc *document) error {
		idx, ok := doc.find(id)
		if !ok {
			return fmt.Errorf("%w: no instance with id %d", errdefs.ErrNotFound, id)
		}
		now := r.now().UTC()
		doc.Instances[idx].LastUsed = &now
		return nil
	})
}
