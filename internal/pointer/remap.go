package pointer

import (
	"errors"
	"sync"
)

// DefaultMaxContacts matches the synthetic touch device limit on the
// injecting side.
const DefaultMaxContacts = 10

var ErrTooManyContacts = errors.New("pointer: too many simultaneous contacts")

// Remapper rewrites browser pointer ids, which are arbitrary and may be
// large or negative, to the smallest free non-negative integer. An id is
// released by its up or cancel event.
type Remapper struct {
	max int

	mu  sync.Mutex
	ids map[int64]int64
}

func NewRemapper(maxContacts int) *Remapper {
	if maxContacts <= 0 {
		maxContacts = DefaultMaxContacts
	}
	return &Remapper{max: maxContacts, ids: make(map[int64]int64)}
}

// Remap rewrites ev.ID in place. A new pointer beyond the contact limit is
// rejected and leaves the mapping unchanged.
func (r *Remapper) Remap(ev *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.ids[ev.ID]
	if !ok {
		if len(r.ids) >= r.max {
			return ErrTooManyContacts
		}
		id = r.smallestFreeLocked()
		r.ids[ev.ID] = id
	}
	if ev.Kind.Ends() {
		delete(r.ids, ev.ID)
	}
	ev.ID = id
	return nil
}

// Active is the number of pointers currently mapped.
func (r *Remapper) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

// Reset forgets every mapping, e.g. when the capture surface goes away.
func (r *Remapper) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.ids)
}

func (r *Remapper) smallestFreeLocked() int64 {
	used := make(map[int64]bool, len(r.ids))
	for _, v := range r.ids {
		used[v] = true
	}
	var i int64
	for used[i] {
		i++
	}
	return i
}
