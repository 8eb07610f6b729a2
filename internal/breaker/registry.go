// SPDX-License-Identifier: MIT

package breaker

import (
	"sort"
	"sync"
)

// Registry owns one breaker per dependency name. Breakers are created on
// first use and live for the registry's lifetime. The registry is built by
// the composition root and injected; it is not a package-level singleton.
type Registry struct {
	mu        sync.Mutex
	defaults  Config
	overrides map[string]Config
	breakers  map[string]*Breaker
	opts      []Option
}

// NewRegistry creates a registry with the given default configuration.
// The configuration is validated eagerly so misconfiguration fails at
// construction rather than on first use.
func NewRegistry(defaults Config, opts ...Option) (*Registry, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		defaults:  defaults,
		overrides: make(map[string]Config),
		breakers:  make(map[string]*Breaker),
		opts:      opts,
	}, nil
}

// Configure sets a per-dependency configuration override. It only affects
// breakers created after the call.
func (r *Registry) Configure(name string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[name] = cfg
	return nil
}

// Get returns the breaker for the named dependency, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg := r.defaults
	if override, ok := r.overrides[name]; ok {
		cfg = override
	}
	// Config was validated when registered, so New cannot fail here.
	b, _ := New(name, cfg, r.opts...)
	r.breakers[name] = b
	return b
}

// Lookup returns the breaker for name without creating one.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Stats returns a snapshot of every known breaker, ordered by name.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
