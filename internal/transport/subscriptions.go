package transport

import "sync"

type subscription struct {
	id uint64
	fn Listener
}

// Subscriptions fans a notification out to the listeners of one event.
//
// Every Subscribe call is a distinct registration. Listeners of an event run
// in registration order; an error from one stops the rest of that
// notification but never affects other events.
type Subscriptions struct {
	mu        sync.Mutex
	next      uint64
	listeners map[Event][]subscription
}

// NewSubscriptions returns an empty registry.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{listeners: make(map[Event][]subscription)}
}

// Subscribe adds fn for event. The returned function is idempotent.
func (s *Subscriptions) Subscribe(event Event, fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.next++
	id := s.next
	s.listeners[event] = append(s.listeners[event], subscription{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(event, id) })
	}
}

func (s *Subscriptions) remove(event Event, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.listeners[event]
	for i, sub := range subs {
		if sub.id != id {
			continue
		}
		next := make([]subscription, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(s.listeners, event)
		} else {
			s.listeners[event] = next
		}
		return
	}
}

// Count returns the number of listeners for event.
func (s *Subscriptions) Count(event Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners[event])
}

// Notify delivers p to the listeners of p.Event and returns the first error.
func (s *Subscriptions) Notify(p Payload) error {
	s.mu.Lock()
	subs := s.listeners[p.Event]
	s.mu.Unlock()

	for _, sub := range subs {
		if err := sub.fn(p); err != nil {
			return err
		}
	}
	return nil
}
