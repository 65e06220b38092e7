package connectivity

import "sync"

const subscriberBuffer = 16

// Switch is a Monitor whose state is set by hand. The CLI, the scenario
// harness and tests drive connectivity through it.
type Switch struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan Status
	nextID int
}

var _ Monitor = (*Switch)(nil)

// NewSwitch creates a switch in the given state.
func NewSwitch(online bool) *Switch {
	return &Switch{
		online: online,
		subs:   make(map[int]chan Status),
	}
}

// Online implements Monitor.
func (s *Switch) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set changes the state. Subscribers are notified only on a transition.
// Events are dropped for a subscriber whose buffer is full.
func (s *Switch) Set(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == online {
		return
	}
	s.online = online
	for _, ch := range s.subs {
		select {
		case ch <- Status{Online: online}:
		default:
		}
	}
}

// Subscribe implements Monitor.
func (s *Switch) Subscribe() (<-chan Status, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan Status, subscriberBuffer)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}
