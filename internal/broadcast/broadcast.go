// Package broadcast provides an ordered set of unsubscribable callbacks.
package broadcast

import "sync"

// Set holds listeners for values of type T. Listeners run synchronously on
// the notifying goroutine, in subscription order, outside of any lock held
// by the Set, so a listener may safely subscribe or unsubscribe.
type Set[T any] struct {
	mu        sync.Mutex
	nextID    uint64
	listeners []entry[T]
}

type entry[T any] struct {
	id uint64
	fn func(T)
}

// Add registers fn and returns a function that removes it. Calling the
// returned function more than once is harmless.
func (s *Set[T]) Add(fn func(T)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, entry[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *Set[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, l := range s.listeners {
		if l.id == id {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered listeners.
func (s *Set[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Notify calls every listener registered at the time of the call with v.
func (s *Set[T]) Notify(v T) {
	s.mu.Lock()
	snapshot := make([]entry[T], len(s.listeners))
	copy(snapshot, s.listeners)
	s.mu.Unlock()

	for _, l := range snapshot {
		l.fn(v)
	}
}
