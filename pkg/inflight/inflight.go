// Package inflight tracks operations that are outstanding per key, so that
// at most one runs for a given key at a time.
package inflight

import (
	"hash/fnv"
	"sync"
)

// Registry is an explicit set of in-flight markers. The zero value is not
// usable; create one with New and pass it to whoever needs it.
type Registry struct {
	mu   sync.Mutex
	held map[string]uint64
	gen  uint64
}

func New() *Registry {
	return &Registry{held: make(map[string]uint64)}
}

// TryAcquire sets the marker for key if it is free. Check and set happen
// under one lock. The returned release is idempotent and only clears the
// marker it set.
func (r *Registry) TryAcquire(key string) (release func(), ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.held[key]; busy {
		return nil, false
	}
	r.gen++
	mine := r.gen
	r.held[key] = mine
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.held[key] == mine {
				delete(r.held, key)
			}
			r.mu.Unlock()
		})
	}, true
}

// Held reports whether key is currently marked.
func (r *Registry) Held(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.held[key]
	return ok
}

// Len returns the number of outstanding markers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}

// Stripes serializes work per key using a fixed set of mutexes.
type Stripes struct {
	mu [64]sync.Mutex
}

// Lock locks the stripe for key and returns its unlock func.
func (s *Stripes) Lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &s.mu[h.Sum32()%uint32(len(s.mu))]
	m.Lock()
	return m.Unlock
}
