package audit

import (
	"errors"
	"fmt"
	"sync"
)

var ErrCorruptChain = errors.New("audit chain corruption detected")

type InMemoryStore struct {
	mu     sync.Mutex
	events []Event
	last   string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{last: genesis}
}

func (s *InMemoryStore) Append(e Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) > 0 {
		prev := s.events[len(s.events)-1]
		if ComputeHash(prev.HashPrev, prev) != prev.HashCurr {
			return Event{}, ErrCorruptChain
		}
	}

	e.HashPrev = s.last
	e.HashCurr = ComputeHash(s.last, e)
	s.events = append(s.events, e)
	s.last = e.HashCurr
	return e, nil
}

// Restore replaces the store contents with a previously persisted chain. The
// chain must verify from genesis.
func (s *InMemoryStore) Restore(events []Event) error {
	if idx := Verify(events); idx != -1 {
		return fmt.Errorf("%w: event %d (%s)", ErrCorruptChain, idx, events[idx].AuditID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = make([]Event, len(events))
	copy(s.events, events)
	s.last = genesis
	if len(events) > 0 {
		s.last = events[len(events)-1].HashCurr
	}
	return nil
}

func (s *InMemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ForObject returns the events recorded against one object, oldest first.
func (s *InMemoryStore) ForObject(objectType, objectID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, 0)
	for _, e := range s.events {
		if e.ObjectType == objectType && (objectID == "" || e.ObjectID == objectID) {
			out = append(out, e)
		}
	}
	return out
}
