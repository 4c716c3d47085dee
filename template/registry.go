package template

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/oipwg/oipd/common"
)

// Store persists templates. Implemented by the Elasticsearch projection.
type Store interface {
	IndexTemplate(ctx context.Context, tmpl *Template) error
	AllTemplates(ctx context.Context) ([]*Template, error)
	DeleteTemplate(ctx context.Context, id string) error
	// CountRecordsUsing reports how many indexed records reference the
	// template by name; the cleanup procedure refuses to delete while > 0.
	CountRecordsUsing(ctx context.Context, name string) (int64, error)
}

// MappingApplier updates the search index mapping for a template's fields.
// Mappings must be live before the first record of a template is projected.
type MappingApplier interface {
	ApplyTemplateMapping(ctx context.Context, tmpl *Template) error
}

// Registry holds the active template set. Reads are constant-time against
// in-memory maps rebuilt at startup; writes go through Register only.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Template
	byID   map[string]*Template

	store  Store
	mapper MappingApplier
	log    *logrus.Entry

	subMu sync.Mutex
	subs  []func(*Template)
}

// NewRegistry creates an empty registry over the given store and mapper.
func NewRegistry(store Store, mapper MappingApplier) *Registry {
	return &Registry{
		byName: make(map[string]*Template),
		byID:   make(map[string]*Template),
		store:  store,
		mapper: mapper,
		log:    common.ComponentLogger("template-registry"),
	}
}

// LoadAll rebuilds the in-memory maps from the store. Called once at daemon
// start before any sync loop runs.
func (r *Registry) LoadAll(ctx context.Context) error {
	templates, err := r.store.AllTemplates(ctx)
	if err != nil {
		return fmt.Errorf("loading templates: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName = make(map[string]*Template, len(templates))
	r.byID = make(map[string]*Template, len(templates))
	for _, t := range templates {
		r.byName[t.Name] = t
		r.byID[t.ID] = t
	}
	r.log.WithField("count", len(templates)).Info("template registry loaded")
	return nil
}

// Register validates a new template, allocates dense field indices when none
// were supplied, applies the index mapping, persists it, and publishes it to
// readers and subscribers. Re-registering an identical id is a no-op;
// registering a known name requires a compatible evolution and a new id.
func (r *Registry) Register(ctx context.Context, tmpl *Template) (string, error) {
	if tmpl.ID == "" {
		return "", fmt.Errorf("template %s has no id", tmpl.Name)
	}
	tmpl.AllocateIndices()
	if err := tmpl.Validate(); err != nil {
		return "", common.Fail(common.FailureDecode, err)
	}

	r.mu.RLock()
	if existing, ok := r.byID[tmpl.ID]; ok {
		r.mu.RUnlock()
		if existing.Name != tmpl.Name {
			return "", fmt.Errorf("template id %s already registered as %s", tmpl.ID, existing.Name)
		}
		return tmpl.ID, nil
	}
	prev := r.byName[tmpl.Name]
	r.mu.RUnlock()

	if prev != nil {
		if err := tmpl.CompatibleEvolutionOf(prev); err != nil {
			return "", common.Failf(common.FailureDecode,
				"template %s is not a compatible evolution: %v", tmpl.Name, err)
		}
	}

	// Mapping before persistence: a template visible in the registry must
	// already be projectable.
	if err := r.mapper.ApplyTemplateMapping(ctx, tmpl); err != nil {
		return "", fmt.Errorf("applying mapping for %s: %w", tmpl.Name, err)
	}
	if err := r.store.IndexTemplate(ctx, tmpl); err != nil {
		return "", fmt.Errorf("persisting template %s: %w", tmpl.Name, err)
	}

	r.mu.Lock()
	r.byName[tmpl.Name] = tmpl
	r.byID[tmpl.ID] = tmpl
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"template": tmpl.Name,
		"id":       tmpl.ID,
		"fields":   len(tmpl.Fields),
	}).Info("template registered")

	r.notify(tmpl)
	return tmpl.ID, nil
}

// LookupByName returns the active template with the given name.
func (r *Registry) LookupByName(name string) (*Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// LookupByID returns the template published under the given id.
func (r *Registry) LookupByID(id string) (*Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	return t, ok
}

// Active returns a snapshot of every registered template.
func (r *Registry) Active() []*Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Template, 0, len(r.byName))
	for _, t := range r.byName {
		out = append(out, t)
	}
	return out
}

// Subscribe registers a callback invoked after each successful Register.
// The sync loops use it to reprocess records deferred on a missing template.
func (r *Registry) Subscribe(fn func(*Template)) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subs = append(r.subs, fn)
}

func (r *Registry) notify(tmpl *Template) {
	r.subMu.Lock()
	subs := make([]func(*Template), len(r.subs))
	copy(subs, r.subs)
	r.subMu.Unlock()
	for _, fn := range subs {
		fn(tmpl)
	}
}

// RemoveUnused runs the cleanup procedure for a template that no record
// references anymore, freeing its mapped fields. Deletion is refused while
// references remain.
func (r *Registry) RemoveUnused(ctx context.Context, name string) error {
	r.mu.RLock()
	tmpl, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("template %s not registered", name)
	}

	count, err := r.store.CountRecordsUsing(ctx, name)
	if err != nil {
		return fmt.Errorf("counting records for %s: %w", name, err)
	}
	if count > 0 {
		return common.Failf(common.FailureResource,
			"template %s still referenced by %d records", name, count)
	}

	if err := r.store.DeleteTemplate(ctx, tmpl.ID); err != nil {
		return fmt.Errorf("deleting template %s: %w", name, err)
	}

	r.mu.Lock()
	delete(r.byName, name)
	delete(r.byID, tmpl.ID)
	r.mu.Unlock()

	r.log.WithField("template", name).Info("unused template removed")
	return nil
}
