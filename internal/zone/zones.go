// Package zone holds the read-only zone state consumed when building
// outgoing wire metadata. Zone orchestration itself lives elsewhere; this is
// only the boundary object.
package zone

import "sync"

// State is the externally visible state of one zone.
type State struct {
	Name    string `json:"name"`
	Volume  int    `json:"volume"`
	Muted   bool   `json:"muted"`
	Repeat  bool   `json:"repeat"`
	Shuffle bool   `json:"shuffle"`
	Playing bool   `json:"playing"`
}

// Provider answers read-only zone state queries.
type Provider interface {
	State(zone string) (State, bool)
	Zones() []string
}

// Registry is an in-memory Provider, updated by whoever orchestrates zones.
type Registry struct {
	mu    sync.RWMutex
	zones map[string]State
}

// NewRegistry creates an empty zone registry.
func NewRegistry() *Registry {
	return &Registry{zones: make(map[string]State)}
}

// Set replaces a zone's state, creating the zone if needed.
func (r *Registry) Set(zone string, state State) {
	r.mu.Lock()
	r.zones[zone] = state
	r.mu.Unlock()
}

// Update applies a mutation to a zone's state under the registry lock.
func (r *Registry) Update(zone string, fn func(*State)) {
	r.mu.Lock()
	state := r.zones[zone]
	fn(&state)
	r.zones[zone] = state
	r.mu.Unlock()
}

// Remove deletes a zone.
func (r *Registry) Remove(zone string) {
	r.mu.Lock()
	delete(r.zones, zone)
	r.mu.Unlock()
}

// State returns a zone's state.
func (r *Registry) State(zone string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.zones[zone]
	return state, ok
}

// Zones lists the known zone keys.
func (r *Registry) Zones() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.zones))
	for key := range r.zones {
		keys = append(keys, key)
	}
	return keys
}
