package modkit

import (
	"strings"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// ManifestRegistry is the loader's global index of discovered manifests.
// The primary map is concurrent so cross-engine dependency resolution can
// read it during steady state without taking the index lock.
type ManifestRegistry struct {
	manifests cmap.ConcurrentMap[string, *Manifest]

	mu         sync.RWMutex
	order      []string // registration order
	byEngine   map[string][]string
	byType     map[string][]string
	byTag      map[string][]string
	byCategory map[string][]string
}

// NewManifestRegistry creates an empty registry.
func NewManifestRegistry() *ManifestRegistry {
	return &ManifestRegistry{
		manifests:  cmap.New[*Manifest](),
		byEngine:   make(map[string][]string),
		byType:     make(map[string][]string),
		byTag:      make(map[string][]string),
		byCategory: make(map[string][]string),
	}
}

// Register indexes a manifest. Ids are unique; a collision is a
// *DuplicateError.
func (r *ManifestRegistry) Register(m *Manifest) error {
	if !r.manifests.SetIfAbsent(m.ID, m) {
		return &DuplicateError{Kind: "module", ID: m.ID}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, m.ID)
	r.byEngine[m.Engine] = append(r.byEngine[m.Engine], m.ID)
	r.byType[m.Type] = append(r.byType[m.Type], m.ID)
	for _, tag := range m.Tags {
		r.byTag[tag] = append(r.byTag[tag], m.ID)
	}
	for _, cat := range m.Categories {
		r.byCategory[cat] = append(r.byCategory[cat], m.ID)
	}
	return nil
}

// Get looks up a manifest by id.
func (r *ManifestRegistry) Get(id string) (*Manifest, bool) {
	return r.manifests.Get(id)
}

// Has reports whether id is registered.
func (r *ManifestRegistry) Has(id string) bool {
	return r.manifests.Has(id)
}

// Count returns the number of registered manifests.
func (r *ManifestRegistry) Count() int {
	return r.manifests.Count()
}

// All returns every manifest in registration order.
func (r *ManifestRegistry) All() []*Manifest {
	r.mu.RLock()
	order := append([]string(nil), r.order...)
	r.mu.RUnlock()
	return r.resolve(order)
}

// ByEngine returns manifests registered under an engine id.
func (r *ManifestRegistry) ByEngine(engine string) []*Manifest {
	return r.indexed(r.byEngine, engine)
}

// ByType returns manifests of a given type (core, contrib, plugin).
func (r *ManifestRegistry) ByType(manifestType string) []*Manifest {
	return r.indexed(r.byType, manifestType)
}

// ByTag returns manifests carrying a tag.
func (r *ManifestRegistry) ByTag(tag string) []*Manifest {
	return r.indexed(r.byTag, tag)
}

// ByCategory returns manifests in a category.
func (r *ManifestRegistry) ByCategory(category string) []*Manifest {
	return r.indexed(r.byCategory, category)
}

// Search is a case-insensitive free-text match over id, name,
// description and tags.
func (r *ManifestRegistry) Search(query string) []*Manifest {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}
	var out []*Manifest
	for _, m := range r.All() {
		if manifestMatches(m, query) {
			out = append(out, m)
		}
	}
	return out
}

func manifestMatches(m *Manifest, query string) bool {
	if strings.Contains(strings.ToLower(m.ID), query) ||
		strings.Contains(strings.ToLower(m.Name), query) ||
		strings.Contains(strings.ToLower(m.Description), query) {
		return true
	}
	for _, tag := range m.Tags {
		if strings.Contains(strings.ToLower(tag), query) {
			return true
		}
	}
	return false
}

func (r *ManifestRegistry) indexed(index map[string][]string, key string) []*Manifest {
	r.mu.RLock()
	ids := append([]string(nil), index[key]...)
	r.mu.RUnlock()
	return r.resolve(ids)
}

func (r *ManifestRegistry) resolve(ids []string) []*Manifest {
	out := make([]*Manifest, 0, len(ids))
	for _, id := range ids {
		if m, ok := r.manifests.Get(id); ok {
			out = append(out, m)
		}
	}
	return out
}
