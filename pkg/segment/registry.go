// Package segment implements the Sentence Combiner (C3), Paragraph Builder
// (C4) and Segment Registry (C9): coalescing final transcript fragments
// into sentences, sentences into paragraphs, and tracking the child→parent
// id mapping late translation results need to find their display unit.
package segment

import "sync"

// Registry maps fragment id → sentence id and sentence id → paragraph id
// (spec.md §4.9). It is purely in-memory and cleared on session stop.
type Registry struct {
	mu     sync.RWMutex
	parent map[string]string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{parent: make(map[string]string)}
}

// Bind records that childID's parent unit is parentID.
func (r *Registry) Bind(childID, parentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parent[childID] = parentID
}

// Resolve returns the bound parent id for childID, if any.
func (r *Registry) Resolve(childID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.parent[childID]
	return id, ok
}

// Clear discards all bindings (session stop).
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parent = make(map[string]string)
}
