package jobstore

import "github.com/makeavideo/api/internal/model"

// EventType names a store mutation.
type EventType string

const (
	EventCreated   EventType = "created"
	EventUpdated   EventType = "updated"
	EventProgress  EventType = "progress"
	EventSegment   EventType = "segment"
	EventCompleted EventType = "completed"
)

// Event describes a mutation. Job is a copy taken after the change.
type Event struct {
	Type      EventType
	Job       *model.Job
	SegmentID string
	Branch    model.BranchKind
}

// Observer receives events outside the store lock. It must not block.
type Observer func(Event)

// Subscribe registers an observer.
func (s *Store) Subscribe(o Observer) {
	s.obsMu.Lock()
	s.observers = append(s.observers, o)
	s.obsMu.Unlock()
}

func (s *Store) notify(ev Event) {
	s.obsMu.RLock()
	observers := s.observers
	s.obsMu.RUnlock()
	for _, o := range observers {
		o(ev)
	}
}
