package store

import "sync"

// Subscription delivers changes in the order they were published. The
// producer side never blocks: pending changes queue until the consumer
// reads them.
type Subscription struct {
	changes chan Change
	notify  chan struct{}
	done    chan struct{}

	mu     sync.Mutex
	queue  []Change
	ended  bool
	err    error
	cancel func()

	cancelOnce sync.Once
}

// NewSubscription starts a subscription. onCancel runs once when the
// consumer cancels, so the producer can release its registration.
func NewSubscription(onCancel func()) *Subscription {
	sub := &Subscription{
		changes: make(chan Change),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		cancel:  onCancel,
	}
	go sub.pump()
	return sub
}

// Changes returns the ordered change stream. It is closed after Cancel or
// after the producer ends the subscription.
func (s *Subscription) Changes() <-chan Change {
	return s.changes
}

// Err reports why the producer ended the subscription, if it did.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel detaches the subscription. Changes queued but not yet received are dropped.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Done is closed once the subscription has been cancelled.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Publish queues a change for delivery. It reports false once the
// subscription is cancelled or ended.
func (s *Subscription) Publish(change Change) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, change)
	s.mu.Unlock()

	s.signal()
	return true
}

// End stops the subscription from the producer side. Queued changes are
// still delivered before Changes is closed.
func (s *Subscription) End(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.err = err
	s.mu.Unlock()

	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.changes)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			if s.ended {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			select {
			case <-s.notify:
			case <-s.done:
				return
			}
			s.mu.Lock()
		}
		next := s.queue[0]
		s.queue[0] = Change{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.changes <- next:
		case <-s.done:
			return
		}
	}
}
