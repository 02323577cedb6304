// Package selection keeps per-key user toggles that must survive sensor
// refreshes, such as the thermal zones shown in an overlay or the cores
// included in a frequency view.
package selection

import "sync"

// Set is a concurrency-safe map of keys to a boolean flag with a default
// for keys that were never toggled.
type Set[K comparable] struct {
	mu    sync.RWMutex
	flags map[K]bool
	def   bool
}

func New[K comparable](def bool) *Set[K] {
	return &Set[K]{flags: make(map[K]bool), def: def}
}

// Set records flag for key.
func (s *Set[K]) Set(key K, flag bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[key] = flag
}

// Get returns the flag for key, or the default if key was never set.
func (s *Set[K]) Get(key K) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if flag, ok := s.flags[key]; ok {
		return flag
	}

	return s.def
}

// Reset forgets every toggle.
func (s *Set[K]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.flags)
}
