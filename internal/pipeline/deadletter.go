package pipeline

import (
	"sync"

	"beacon/internal/models"
)

// deadLetterStore holds events that exhausted every retry attempt. It is
// an ordered list drained explicitly by reprocessing; entries are stored
// verbatim.
type deadLetterStore struct {
	mu     sync.Mutex
	events []models.Event
}

func newDeadLetterStore() *deadLetterStore {
	return &deadLetterStore{}
}

func (s *deadLetterStore) push(events []models.Event) {
	if len(events) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
}

// drainAll moves the stored events out and clears the store.
func (s *deadLetterStore) drainAll() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	drained := s.events
	s.events = nil
	return drained
}

func (s *deadLetterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
