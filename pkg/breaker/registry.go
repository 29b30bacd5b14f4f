package breaker

import "sync"

// Registry is a process-wide name -> breaker map, reified as an explicit
// owned object per the design note against hidden module-level state
// (grounded on fault_tolerance_manager.go's circuits map/circuitsMu pair
// and on backend/services/circuit_breaker.py's module-level
// _circuit_breakers dict + get_circuit_breaker/reset_circuit_breakers
// functions).
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry builds an empty registry. Prefer this for tests and for any
// component that wants isolated breaker ownership; use Default for normal
// process-wide call sites.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Default is the process-wide registry used by call sites that don't
// thread an explicit *Registry through. It is a regular exported
// variable, not hidden behind only accessor functions, per the design
// note's "avoid hidden module-level state" guidance.
var Default = NewRegistry()

// GetOrCreate returns the existing breaker for name, or creates one with
// config if none exists yet. An existing breaker's config is never
// overwritten by a later call with a different config.
func (r *Registry) GetOrCreate(name string, config Config) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, config)
	r.breakers[name] = b
	return b
}

// Get returns the breaker for name if it exists.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// All returns a snapshot slice of every registered breaker.
func (r *Registry) All() []*Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b)
	}
	return out
}

// Reset drops every registered breaker. Test-only, not part of the
// production API surface.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = make(map[string]*Breaker)
}
