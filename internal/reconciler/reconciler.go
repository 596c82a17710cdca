// Package reconciler merges agent-authoritative state snapshots and deltas
// with optimistic client-local edits, and decides what state the next
// outgoing request encodes.
package reconciler

import (
	"sync"

	"github.com/Strob0t/AgentBridge/internal/domain/state"
)

// Reconciler owns the client's local view of the shared state document.
//
// Merge policy: an incoming snapshot wins for every field except those
// touched by a local edit that has not yet been shipped in a request; those
// fields keep their local value until ToRequestState clears the edit set.
// Deltas merge field-by-field under the same exception. The tie-break is
// plain wall-clock application order on the client, which is sound for one
// operator per session; concurrent multi-client editing is out of contract.
type Reconciler struct {
	mu     sync.Mutex
	view   state.Document
	edited map[string]struct{} // top-level fields under an unsent local edit
	dirty  bool
}

// New creates a reconciler seeded with an initial document (may be nil).
func New(initial state.Document) *Reconciler {
	doc := initial.Clone()
	if doc == nil {
		doc = state.Document{}
	}
	return &Reconciler{
		view:   doc,
		edited: make(map[string]struct{}),
	}
}

// ApplySnapshot replaces the local view with the agent's full snapshot,
// preserving fields under an unsent local edit.
func (r *Reconciler) ApplySnapshot(snapshot state.Document) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := snapshot.Clone()
	if next == nil {
		next = state.Document{}
	}
	for field := range r.edited {
		if local, ok := r.view[field]; ok {
			next[field] = local
		} else {
			// The edit removed the field; keep it removed.
			delete(next, field)
		}
	}
	r.view = next
}

// ApplyDelta merges a partial patch into the local view field-by-field.
// Patch fields under an unsent local edit are skipped; arrays are replaced
// wholesale by the document merge semantics.
func (r *Reconciler) ApplyDelta(patch state.Document) {
	r.mu.Lock()
	defer r.mu.Unlock()

	filtered := state.Document{}
	for k, v := range patch {
		if _, editing := r.edited[k]; editing {
			continue
		}
		filtered[k] = v
	}
	r.view = state.Merge(r.view, filtered)
}

// LocalEdit applies a mutator to the local view immediately (optimistic) and
// marks every top-level field it touched as under edit, so the next
// snapshot/delta does not clobber it before it ships.
func (r *Reconciler) LocalEdit(mutate func(doc state.Document)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	before := r.view.Clone()
	next := r.view.Clone()
	mutate(next)

	for k, v := range next {
		prev, existed := before[k]
		if !existed || !valueEqual(prev, v) {
			r.edited[k] = struct{}{}
		}
	}
	for k := range before {
		if _, still := next[k]; !still {
			r.edited[k] = struct{}{}
		}
	}

	r.view = next
	r.dirty = true
}

// View returns a copy of the current local view.
func (r *Reconciler) View() state.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view.Clone()
}

// Dirty reports whether a local edit has not yet been shipped.
func (r *Reconciler) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

// ToRequestState returns the current local view verbatim for the outgoing
// request and clears the dirty flag and edit set: once shipped, local edits
// stop shielding their fields from agent authority.
func (r *Reconciler) ToRequestState() state.Document {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.view.Clone()
	r.edited = make(map[string]struct{})
	r.dirty = false
	return out
}

func valueEqual(a, b any) bool {
	return state.Document{"v": a}.Equal(state.Document{"v": b})
}
