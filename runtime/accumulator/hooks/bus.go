package hooks

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus publishes loop events to registered subscribers in a fan-out pattern.
	// It is safe for concurrent Publish, Register and Close.
	//
	// Events are delivered synchronously in the publisher's goroutine and
	// iteration stops at the first subscriber error. The hook activity returns
	// that error so the engine retries the publication.
	Bus interface {
		// Publish delivers the event to every registered subscriber in
		// registration order.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber and returns a Subscription that
		// unregisters it when closed.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published events.
	//
	// HandleEvent must be idempotent: the hook activity may run more than once
	// for the same event when the engine retries it.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription represents an active registration on a Bus. Close is
	// idempotent and always returns nil.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu   sync.RWMutex
		subs []*subscription
	}

	subscription struct {
		bus  *bus
		sub  Subscriber
		once sync.Once
	}
)

// NewBus constructs an in-memory event bus.
//
//	bus := hooks.NewBus()
//	s, _ := bus.Register(hooks.SubscriberFunc(func(ctx context.Context, evt hooks.Event) error {
//	    log.Printf("%s %s", evt.Type(), evt.SessionID())
//	    return nil
//	}))
//	defer s.Close()
func NewBus() Bus {
	return &bus{}
}

// HandleEvent calls f(ctx, event).
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Publish delivers the event to a snapshot of the subscribers taken before
// iteration, so registrations during Publish do not affect this delivery.
func (b *bus) Publish(ctx context.Context, event Event) error {
	if event == nil {
		return errors.New("event is required")
	}
	b.mu.RLock()
	subs := make([]Subscriber, len(b.subs))
	for i, s := range b.subs {
		subs[i] = s.sub
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b, sub: sub}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		for i, other := range s.bus.subs {
			if other == s {
				s.bus.subs = append(s.bus.subs[:i:i], s.bus.subs[i+1:]...)
				break
			}
		}
	})
	return nil
}
