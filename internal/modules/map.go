package modules

import "sync"

// Map is a runtime's module map. It records every module URL that has
// been evaluated and the bundle that evaluated it, so later bundles and
// import() calls reuse the instance instead of evaluating it again. A
// redirected module is keyed by both its specified and its found URL.
type Map struct {
	mu   sync.RWMutex
	urls map[string]int
}

// Add records urls as evaluated by bundle id. URLs already present keep
// their first bundle.
func (m *Map) Add(id int, urls []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.urls == nil {
		m.urls = make(map[string]int)
	}
	for _, u := range urls {
		if _, ok := m.urls[u]; !ok {
			m.urls[u] = id
		}
	}
}

// Lookup returns the bundle that evaluated u.
func (m *Map) Lookup(u string) (int, bool) {
	if m == nil {
		return 0, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.urls[u]
	return id, ok
}

// Has reports whether u has been evaluated.
func (m *Map) Has(u string) bool {
	_, ok := m.Lookup(u)
	return ok
}

// Stale reports whether a dependency b would evaluate has since been
// evaluated by another bundle. Such a bundle must be rebuilt before it
// runs.
func (m *Map) Stale(b *Bundle) bool {
	for _, u := range b.Deps {
		if id, ok := m.Lookup(u); ok && id != b.ID {
			return true
		}
	}
	return false
}

// Len returns the number of URLs recorded.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.urls)
}
