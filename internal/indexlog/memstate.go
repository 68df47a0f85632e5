package indexlog

import (
	"sort"
	"strings"
	"sync"
)

// MemState is an in-memory index view built by applying entries one at a time.
// Monitors replay history into it to give their runtime the state the
// executor saw.
type MemState struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemState creates an empty view.
func NewMemState() *MemState {
	return &MemState{entries: make(map[string]*Entry)}
}

// Apply folds one entry into the view.
func (s *MemState) Apply(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Type == OpDel {
		delete(s.entries, e.Path)
		return
	}

	s.entries[e.Path] = &e
}

// Get returns the entry at path, or nil if absent.
func (s *MemState) Get(path string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[path]
	if !ok {
		return nil, nil
	}

	c := *e

	return &c, nil
}

// List returns the direct children of prefix.
func (s *MemState) List(prefix string) ([]ListItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := &collector{prefix: listPrefix(prefix), seen: make(map[string]bool)}

	paths := make([]string, 0, len(s.entries))
	for p := range s.entries {
		if strings.HasPrefix(p, c.prefix) {
			paths = append(paths, p)
		}
	}

	sort.Strings(paths)

	for _, p := range paths {
		e := *s.entries[p]
		c.add(p, &e)
	}

	return c.items, nil
}
