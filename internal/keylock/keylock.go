// Package keylock serializes mutating operations per entity key.
//
// Each key gets a weighted semaphore of size one; operations on the same key
// queue behind each other while different keys proceed in parallel. Entries
// are reference counted and dropped when no holder or waiter remains, so the
// map does not grow with the number of keys ever seen.
package keylock

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Set is a family of per-key locks. The zero value is not usable; use New.
type Set struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty lock set.
func New() *Set {
	return &Set{entries: make(map[string]*entry)}
}

// Lock blocks until the key is held or ctx is done.
// The returned function releases the key and must be called exactly once.
func (s *Set) Lock(ctx context.Context, key string) (func(), error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		s.release(key, e, false)
		return nil, fmt.Errorf("lock %q: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.release(key, e, true) })
	}, nil
}

func (s *Set) release(key string, e *entry, held bool) {
	if held {
		e.sem.Release(1)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(s.entries, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
