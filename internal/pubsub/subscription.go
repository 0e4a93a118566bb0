package pubsub

import "sync"

type Receiver[T any] interface {
	Receive() <-chan T
}

type ReceiverCloser[T any] interface {
	Receiver[T]
	Close()
}

// subscription is one subscriber's queue. Either the publisher or the subscriber may close it, concurrently with
// deliveries, without a send ever hitting a closed chan.
type subscription[T any] struct {
	queue    chan T
	stop     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	stopped  bool
	inflight sync.WaitGroup
}

func newSubscription[T any](bufSize int) *subscription[T] {
	return &subscription[T]{
		queue: make(chan T, bufSize),
		stop:  make(chan struct{}),
	}
}

func (s *subscription[T]) Receive() <-chan T {
	return s.queue
}

// deliver blocks until msg is queued, returning false if the subscription is or becomes closed first.
func (s *subscription[T]) deliver(msg T) bool {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return false
	}
	s.inflight.Add(1)
	s.mu.RUnlock()
	defer s.inflight.Done()

	select {
	case s.queue <- msg:
		return true
	case <-s.stop:
		return false
	}
}

// Close is idempotent. Messages already queued can still be received before the chan reports closed.
func (s *subscription[T]) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.inflight.Wait()
		close(s.queue)
	})
}
