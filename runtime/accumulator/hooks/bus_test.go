package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBusDeliversInRegistrationOrder(t *testing.T) {
	b := NewBus()
	var got []string
	for _, name := range []string{"first", "second", "third"} {
		_, err := b.Register(SubscriberFunc(func(context.Context, Event) error {
			got = append(got, name)
			return nil
		}))
		require.NoError(t, err)
	}
	require.NoError(t, b.Publish(context.Background(), &SessionTerminatedEvent{Session: "s"}))
	require.Equal(t, []string{"first", "second", "third"}, got)
}

func TestBusStopsAtFirstError(t *testing.T) {
	b := NewBus()
	boom := errors.New("boom")
	called := false
	_, _ = b.Register(SubscriberFunc(func(context.Context, Event) error { return boom }))
	_, _ = b.Register(SubscriberFunc(func(context.Context, Event) error {
		called = true
		return nil
	}))
	err := b.Publish(context.Background(), &SessionTerminatedEvent{Session: "s"})
	require.ErrorIs(t, err, boom)
	require.False(t, called)
}

func TestSubscriptionClose(t *testing.T) {
	b := NewBus()
	count := 0
	sub, err := b.Register(SubscriberFunc(func(context.Context, Event) error {
		count++
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), &SessionTerminatedEvent{}))
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	require.NoError(t, b.Publish(context.Background(), &SessionTerminatedEvent{}))
	require.Equal(t, 1, count)
}

func TestRegisterRequiresSubscriber(t *testing.T) {
	_, err := NewBus().Register(nil)
	require.Error(t, err)
}
