package broadcast

import "sync"

// Sequencer hands out one mutex per room so that a state change and the
// events announcing it happen together. Locks are not reentrant.
type Sequencer struct {
	mu    sync.Mutex
	rooms map[string]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func NewSequencer() *Sequencer {
	return &Sequencer{rooms: make(map[string]*roomLock)}
}

// Lock blocks until roomCode is free and returns the matching unlock func.
func (s *Sequencer) Lock(roomCode string) (unlock func()) {
	s.mu.Lock()
	l, ok := s.rooms[roomCode]
	if !ok {
		l = &roomLock{}
		s.rooms[roomCode] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.rooms, roomCode)
		}
		s.mu.Unlock()
	}
}
