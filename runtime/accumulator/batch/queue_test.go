package batch

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/accumulator/runtime/accumulator/api"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(api.Item{Key: "a"})
	q.Enqueue(api.Item{Key: "b"})
	q.Enqueue(api.Item{Key: "c"})
	require.Equal(t, 3, q.Len())

	require.Equal(t, []string{"a", "b", "c"}, api.Keys(q.DrainAll()))
	require.Zero(t, q.Len())
	require.Empty(t, q.DrainAll())
}

func TestQueuePushFrontKeepsOrder(t *testing.T) {
	q := NewQueue()
	q.Enqueue(api.Item{Key: "new"})
	q.PushFront(api.Item{Key: "late1"}, api.Item{Key: "late2"})

	require.Equal(t, []string{"late1", "late2", "new"}, api.Keys(q.DrainAll()))
}

func TestQueueConcurrentEnqueue(t *testing.T) {
	q := NewQueue()
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				q.Enqueue(api.Item{Key: fmt.Sprintf("%d-%d", w, i)})
			}
		}()
	}
	wg.Wait()

	items := q.DrainAll()
	require.Len(t, items, 800)
	// Per-producer order is preserved.
	last := make(map[int]int)
	for _, it := range items {
		var w, i int
		_, err := fmt.Sscanf(it.Key, "%d-%d", &w, &i)
		require.NoError(t, err)
		prev, ok := last[w]
		if ok {
			require.Greater(t, i, prev)
		}
		last[w] = i
	}
}
