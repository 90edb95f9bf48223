package breaker

import (
	"sort"
	"sync"
)

// Registry manages one breaker per logical endpoint. Breakers are created
// lazily on first Get with the registry defaults plus any per-name options,
// keeping failure history scoped to the endpoint it belongs to: sharing one
// breaker across unrelated operations would let failures on one trip the
// breaker for all.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	defaults []Option
	perName  map[string][]Option
}

// NewRegistry creates a registry whose breakers are built with the given
// default options.
func NewRegistry(defaults ...Option) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
		perName:  make(map[string][]Option),
	}
}

// Get returns the breaker for name, creating it on first use. The name is
// applied after the default and per-name options so it always wins.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	opts := make([]Option, 0, len(r.defaults)+len(r.perName[name])+1)
	opts = append(opts, r.defaults...)
	opts = append(opts, r.perName[name]...)
	opts = append(opts, WithName(name))

	b := New(opts...)
	r.breakers[name] = b
	return b
}

// Configure sets extra options applied when the named breaker is first
// created. It has no effect on a breaker that already exists.
func (r *Registry) Configure(name string, opts ...Option) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perName[name] = append(r.perName[name], opts...)
}

// States reports the current state of every created breaker.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		states[name] = b.State()
	}
	return states
}

// Names returns the names of all created breakers, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResetAll forces every created breaker closed.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.breakers {
		b.Reset()
	}
}
