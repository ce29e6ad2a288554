package monitor

import (
	"sort"
	"sync"

	"github.com/cuemby/integrity/pkg/storage"
)

// Registry owns at most one running Monitor per resource name
type Registry struct {
	mu       sync.Mutex
	store    storage.Store
	opts     Options
	monitors map[string]*Monitor
}

// NewRegistry creates a registry whose monitors share store and opts
func NewRegistry(store storage.Store, opts Options) *Registry {
	return &Registry{
		store:    store,
		opts:     opts,
		monitors: make(map[string]*Monitor),
	}
}

// GetInstance returns the running monitor for cfg.ResourceName, creating
// and starting it on first use. A later call with the same name returns the
// existing monitor and ignores cfg.
func (r *Registry) GetInstance(cfg Config) (*Monitor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.monitors[cfg.ResourceName]; ok {
		return m, nil
	}

	m, err := New(cfg, r.store, r.opts)
	if err != nil {
		return nil, err
	}
	m.Start()
	r.monitors[cfg.ResourceName] = m
	return m, nil
}

// Lookup returns the monitor for name, if any
func (r *Registry) Lookup(name string) (*Monitor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.monitors[name]
	return m, ok
}

// DeleteInstance stops the monitor for name and forgets it. It reports
// whether a monitor existed.
func (r *Registry) DeleteInstance(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.monitors[name]
	if !ok {
		return false
	}
	m.Stop()
	delete(r.monitors, name)
	return true
}

// Names returns the registered resource names, sorted
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.monitors))
	for name := range r.monitors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close stops every monitor
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, m := range r.monitors {
		m.Stop()
		delete(r.monitors, name)
	}
}
