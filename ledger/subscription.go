package ledger

import "sync"

// subscription queues attempts for one subscriber and feeds them to out in order
type subscription struct {
	mu     sync.Mutex
	queue  []Attempt
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
	out    chan Attempt
}

func newSubscription() *subscription {
	return &subscription{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Attempt),
	}
}

func (s *subscription) push(a Attempt) {
	s.mu.Lock()
	s.queue = append(s.queue, a)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.done) })
}
