package scene

import (
	"sync"

	"canvas-backend/internal/element"
)

// Scene is the drawing-canvas component's imperative surface. The operations
// engine reads current elements through it and writes merged state back,
// exactly once per applied record.
type Scene interface {
	// Elements returns the full visible element set, tombstones included.
	Elements() []element.Element

	// Update replaces the visible element set. commitToHistory marks the
	// update as an undo point; remote merges never commit history.
	Update(elements []element.Element, commitToHistory bool)
}

// Memory is a mutex-guarded Scene holding the authoritative element copy for
// a server-side room, and doubles as the engine's test scene.
type Memory struct {
	mu       sync.RWMutex
	elements []element.Element
	updates  int
}

// NewMemory returns an empty in-memory scene.
func NewMemory() *Memory {
	return &Memory{}
}

// Elements returns a copy of the current element set.
func (s *Memory) Elements() []element.Element {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]element.Element, len(s.elements))
	copy(out, s.elements)
	return out
}

// Update replaces the element set.
func (s *Memory) Update(elements []element.Element, commitToHistory bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elements = make([]element.Element, len(elements))
	copy(s.elements, elements)
	s.updates++
}

// UpdateCount reports how many Update calls have landed.
func (s *Memory) UpdateCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updates
}

// Find returns the element with the given id, if present.
func (s *Memory) Find(id string) (element.Element, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.elements {
		if e.ID == id {
			return e, true
		}
	}
	return element.Element{}, false
}
