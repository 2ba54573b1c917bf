package cache

import (
	"sync"
	"time"
)

// Names of the cache instances the composition root constructs.
const (
	NameProducts          = "products"
	NameOptimalProducts   = "optimal-products"
	NameTemplates         = "templates"
	NameInstanceDetails   = "instance-details"
	NameInstanceStates    = "instance-states"
	NameMergedInstances   = "merged-instances"
)

// Registry holds every named Cache instance the process owns: an
// explicit value constructed once in cmd/server/main.go and threaded
// through every component that needs a cache, rather than
// package-level singletons.
type Registry struct {
	mu     sync.RWMutex
	caches map[string]*Cache
}

// NewRegistry builds the registry with the standard set of named
// instances and their default TTLs. mergedInstancesTTL is
// configurable (10-600s); the rest are fixed.
func NewRegistry(mergedInstancesTTL time.Duration) *Registry {
	if mergedInstancesTTL < 10*time.Second || mergedInstancesTTL > 600*time.Second {
		mergedInstancesTTL = 300 * time.Second
	}
	r := &Registry{caches: make(map[string]*Cache)}
	r.register(NameProducts, Config{MaxSize: 500, DefaultTTL: 5 * time.Minute, CleanupInterval: time.Minute})
	r.register(NameOptimalProducts, Config{MaxSize: 500, DefaultTTL: 5 * time.Minute, CleanupInterval: time.Minute})
	r.register(NameTemplates, Config{MaxSize: 200, DefaultTTL: 10 * time.Minute, CleanupInterval: time.Minute})
	r.register(NameInstanceDetails, Config{MaxSize: 2000, DefaultTTL: 30 * time.Second, CleanupInterval: 15 * time.Second})
	r.register(NameInstanceStates, Config{MaxSize: 2000, DefaultTTL: time.Minute, CleanupInterval: 30 * time.Second})
	r.register(NameMergedInstances, Config{MaxSize: 500, DefaultTTL: mergedInstancesTTL, CleanupInterval: 30 * time.Second})
	return r
}

func (r *Registry) register(name string, cfg Config) {
	r.caches[name] = New(cfg)
}

// Get returns the named cache, registering a default-config instance
// on first use if the name wasn't pre-registered.
func (r *Registry) Get(name string) *Cache {
	r.mu.RLock()
	c, ok := r.caches[name]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.caches[name]; ok {
		return c
	}
	c = New(Config{})
	r.caches[name] = c
	return c
}

// All returns every registered (name, *Cache) pair, for administrative
// endpoints (GET /cache/stats, POST /cache/clear, /cleanup).
func (r *Registry) All() map[string]*Cache {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Cache, len(r.caches))
	for k, v := range r.caches {
		out[k] = v
	}
	return out
}

// Close stops every cache's cleanup goroutine.
func (r *Registry) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.caches {
		c.Close()
	}
}
