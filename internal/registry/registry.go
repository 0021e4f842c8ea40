// Package registry tracks the live socket handles owned by a single actor.
package registry

import "github.com/google/uuid"

// Registry maps opaque connection identifiers to handles. It keeps
// registration order so fanout visits connections in the order they
// arrived. A Registry is owned by one actor and is not safe for concurrent
// use.
type Registry[H comparable] struct {
	handles map[string]H
	order   []string
}

func New[H comparable]() *Registry[H] {
	return &Registry[H]{
		handles: make(map[string]H),
	}
}

// Add stores handle under a freshly generated identifier and returns it.
func (r *Registry[H]) Add(handle H) string {
	id := uuid.NewString()
	r.handles[id] = handle
	r.order = append(r.order, id)
	return id
}

// RemoveByHandle removes handle and reports the identifier it was stored
// under. Removing an unknown handle is a no-op.
func (r *Registry[H]) RemoveByHandle(handle H) (string, bool) {
	for _, id := range r.order {
		if r.handles[id] == handle {
			r.delete(id)
			return id, true
		}
	}
	return "", false
}

func (r *Registry[H]) Get(id string) (H, bool) {
	h, ok := r.handles[id]
	return h, ok
}

func (r *Registry[H]) Len() int { return len(r.handles) }

func (r *Registry[H]) IsEmpty() bool { return len(r.handles) == 0 }

// Handles returns a snapshot of the registered handles in registration
// order, so callers may remove entries while iterating.
func (r *Registry[H]) Handles() []H {
	out := make([]H, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.handles[id])
	}
	return out
}

func (r *Registry[H]) delete(id string) {
	delete(r.handles, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
