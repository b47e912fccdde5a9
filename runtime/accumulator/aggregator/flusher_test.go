package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/accumulator/runtime/accumulator/api"
)

func TestFlushActivityPassesBatch(t *testing.T) {
	t.Parallel()

	var got Batch
	act := NewFlushActivity(FlusherFunc(func(_ context.Context, b Batch) (json.RawMessage, error) {
		got = b
		return json.RawMessage(`{"batch_id":"b1"}`), nil
	}), ActivityOptions{})

	out, err := act(context.Background(), &api.FlushInput{
		SessionID:  "acc-p1",
		Partition:  "p1",
		Generation: 2,
		Items:      []api.Item{{Key: "a", Partition: "p1"}},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"batch_id":"b1"}`, string(out.Result))
	require.Equal(t, Batch{
		SessionID:  "acc-p1",
		Partition:  "p1",
		Generation: 2,
		Items:      []api.Item{{Key: "a", Partition: "p1"}},
	}, got)
}

func TestFlushActivityWrapsFailure(t *testing.T) {
	t.Parallel()

	cause := errors.New("downstream unavailable")
	act := NewFlushActivity(FlusherFunc(func(context.Context, Batch) (json.RawMessage, error) {
		return nil, cause
	}), ActivityOptions{})

	_, err := act(context.Background(), &api.FlushInput{SessionID: "acc-p1", Generation: 4})
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "generation 4")
	require.Equal(t, "downstream unavailable", failureText(err))

	_, err = act(context.Background(), nil)
	require.Error(t, err)
}

func TestFailureTextUnwrapsChain(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("activity: %w", fmt.Errorf("flush generation 1: %w", errors.New("timeout")))
	require.Equal(t, "timeout", failureText(err))
	require.Equal(t, "plain", failureText(errors.New("plain")))
}
