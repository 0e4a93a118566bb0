package pubsub

import (
	"errors"
	"sync"
)

const DefaultSubscriberBufSize = 16

var (
	ErrPublisherClosed = errors.New("publisher closed")
)

type Publisher[T any] interface {
	// Send delivers msg to every subscriber, returning false once the publisher is closed.
	Send(msg T) bool
	Close()
	Subscribe() (ReceiverCloser[T], error)
	SubscribeBufSize(int) (ReceiverCloser[T], error)
}

// publisher delivers each message to every subscriber, in the order sent. Send blocks until every current subscriber
// has accepted the message, so a slow subscriber applies back-pressure rather than losing events.
type publisher[T any] struct {
	mu          sync.Mutex
	subscribers map[*subscription[T]]struct{}
	closed      bool
}

func NewPublisher[T any]() Publisher[T] {
	return &publisher[T]{
		subscribers: make(map[*subscription[T]]struct{}),
	}
}

func (p *publisher[T]) Send(msg T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	for s := range p.subscribers {
		if ok := s.deliver(msg); !ok {
			// Closed by the subscriber
			delete(p.subscribers, s)
		}
	}
	return true
}

func (p *publisher[T]) Subscribe() (ReceiverCloser[T], error) {
	return p.SubscribeBufSize(DefaultSubscriberBufSize)
}

func (p *publisher[T]) SubscribeBufSize(bufSize int) (ReceiverCloser[T], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPublisherClosed
	}
	s := newSubscription[T](bufSize)
	p.subscribers[s] = struct{}{}
	return s, nil
}

// Close idempotently shuts down the publisher, closing all subscribers too. Messages already buffered by a
// subscriber can still be received.
func (p *publisher[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for s := range p.subscribers {
		s.Close()
	}
	p.subscribers = nil
	p.closed = true
}
