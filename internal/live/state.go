package live

import "sync"

// state holds the latest value of a live source and fans it out to listeners.
//
// Two locks are used. mu guards the fields. deliverMu is held for a whole
// publish, listener calls included, and by close; once close returns no
// publish is running and none will start. Listeners must therefore never
// close the source they are listening to.
type state[S any] struct {
	deliverMu sync.Mutex

	mu        sync.Mutex
	value     S
	listeners map[uint64]func(S)
	order     []uint64
	nextID    uint64
	closed    bool

	ready     chan struct{}
	readyOnce sync.Once
}

func newState[S any](initial S) *state[S] {
	return &state[S]{
		value:     initial,
		listeners: make(map[uint64]func(S)),
		ready:     make(chan struct{}),
	}
}

func (s *state[S]) publish(v S) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.value = v
	fns := make([]func(S), 0, len(s.order))
	for _, id := range s.order {
		fns = append(fns, s.listeners[id])
	}
	s.mu.Unlock()

	s.markReady()
	for _, fn := range fns {
		fn(v)
	}
}

func (s *state[S]) get() S {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

func (s *state[S]) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *state[S]) listen(fn func(S)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.order = append(s.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.listeners, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}

// close stops all future publishes. It reports whether this call closed s.
func (s *state[S]) close() bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	clear(s.listeners)
	s.order = nil
	s.markReady()
	return true
}
