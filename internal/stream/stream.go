package stream

import (
	"sync"
	"time"

	"medreel.org/internal/access"
)

// DecisionEvent is broadcast after every non-cached resolution so operators
// can watch entitlement traffic live.
type DecisionEvent struct {
	UserID          string           `json:"user_id,omitempty"`
	SourceIP        string           `json:"source_ip,omitempty"`
	State           access.State     `json:"access_state"`
	MatchedBy       access.MatchedBy `json:"matched_by"`
	InstitutionID   string           `json:"institution_id,omitempty"`
	InstitutionName string           `json:"institution_name,omitempty"`
	Cached          bool             `json:"cached,omitempty"`
	At              time.Time        `json:"at"`
}

// Stream fans decision events out to subscribers. Slow subscribers lose
// events rather than stalling the resolver.
type Stream struct {
	mu   sync.Mutex
	subs map[int]chan DecisionEvent
	next int
}

func New() *Stream {
	return &Stream{subs: make(map[int]chan DecisionEvent)}
}

// Subscribe registers a buffered event channel. The returned cancel func
// unregisters and closes it.
func (s *Stream) Subscribe(buffer int) (<-chan DecisionEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan DecisionEvent, buffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if got, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(got)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has buffer room.
func (s *Stream) Publish(ev DecisionEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers reports the current subscriber count.
func (s *Stream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
