package signal

import (
	"sync"
	"sync/atomic"

	"callcore/native/internal/domain"
)

type listener struct {
	id     domain.ListenerID
	fn     func(domain.Message)
	active atomic.Bool
}

// listenerSet is copy-on-write: dispatch iterates a slice that add and
// remove never modify in place.
type listenerSet struct {
	mu     sync.RWMutex
	byType map[domain.MessageType][]*listener
	nextID domain.ListenerID
}

func newListenerSet() *listenerSet {
	return &listenerSet{byType: make(map[domain.MessageType][]*listener)}
}

func (s *listenerSet) add(t domain.MessageType, fn func(domain.Message)) domain.ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	l := &listener{id: s.nextID, fn: fn}
	l.active.Store(true)

	cur := s.byType[t]
	next := make([]*listener, len(cur), len(cur)+1)
	copy(next, cur)
	s.byType[t] = append(next, l)
	return l.id
}

func (s *listenerSet) remove(t domain.MessageType, id domain.ListenerID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.byType[t]
	next := make([]*listener, 0, len(cur))
	for _, l := range cur {
		if l.id == id {
			l.active.Store(false)
			continue
		}
		next = append(next, l)
	}
	if len(next) == 0 {
		delete(s.byType, t)
		return
	}
	s.byType[t] = next
}

func (s *listenerSet) dispatch(msg domain.Message) {
	s.mu.RLock()
	ls := s.byType[msg.Type()]
	s.mu.RUnlock()

	for _, l := range ls {
		if l.active.Load() {
			l.fn(msg)
		}
	}
}
