package event

import (
	"context"
	"sync"
)

// Subscription is a buffered, ordered view of a bus created by Bus.Watch.
type Subscription struct {
	c      chan Event
	closed chan struct{}
	once   sync.Once

	unsubscribe func()
}

func (s *Subscription) deliver(e Event) {
	select {
	case s.c <- e:
	case <-s.closed:
	}
}

func (s *Subscription) shutdown() {
	s.once.Do(func() { close(s.closed) })
}

// Next returns the next event. It returns false once ctx is done, or once
// the subscription (or its bus) is closed and every event delivered before
// the close has been read.
func (s *Subscription) Next(ctx context.Context) (Event, bool) {
	select {
	case e := <-s.c:
		return e, true
	default:
	}

	select {
	case e := <-s.c:
		return e, true
	case <-s.closed:
		select {
		case e := <-s.c:
			return e, true
		default:
			return Event{}, false
		}
	case <-ctx.Done():
		return Event{}, false
	}
}

// Done is closed when the subscription or its bus is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.closed
}

// Close detaches the subscription from its bus. Safe to call more than once.
func (s *Subscription) Close() {
	s.shutdown()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}
