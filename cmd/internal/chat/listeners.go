package chat

import "sync"

// listenerSet keeps callbacks in registration order.
type listenerSet[T any] struct {
	mu    sync.Mutex
	next  uint64
	items []listener[T]
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// add registers fn and returns an idempotent unsubscribe.
func (s *listenerSet[T]) add(fn func(T)) func() {
	s.mu.Lock()
	s.next++
	id := s.next
	s.items = append(s.items, listener[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, l := range s.items {
				if l.id == id {
					s.items = append(s.items[:i:i], s.items[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *listenerSet[T]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// emit calls every listener outside the lock so callbacks may unsubscribe.
func (s *listenerSet[T]) emit(v T) {
	s.mu.Lock()
	fns := make([]func(T), len(s.items))
	for i, l := range s.items {
		fns[i] = l.fn
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}
