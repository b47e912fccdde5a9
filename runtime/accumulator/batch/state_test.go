package batch

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/accumulator/runtime/accumulator/api"
)

func TestAdmitVerdicts(t *testing.T) {
	s := NewState("p", []string{"old"})

	require.Equal(t, Accepted, s.Admit(api.Item{Key: "a", Partition: "p"}))
	require.Equal(t, DroppedDuplicate, s.Admit(api.Item{Key: "a", Partition: "p"}))
	require.Equal(t, DroppedDuplicate, s.Admit(api.Item{Key: "old", Partition: "p"}))
	require.Equal(t, DroppedPartition, s.Admit(api.Item{Key: "b", Partition: "q"}))
	require.False(t, s.Seen("b"))

	require.Equal(t, []string{"old", "a"}, s.SeenKeys())
	require.Equal(t, []string{"a"}, api.Keys(s.Accepted()))
	require.Equal(t, "dropped_partition", DroppedPartition.String())
}

func TestCheckDoesNotMutate(t *testing.T) {
	s := NewState("p", nil)
	require.Equal(t, Accepted, s.Check(api.Item{Key: "a", Partition: "p"}))
	require.Equal(t, Accepted, s.Check(api.Item{Key: "a", Partition: "p"}))
	require.Zero(t, s.SeenCount())
}

func TestNewGenerationKeepsSeenKeys(t *testing.T) {
	s := NewState("p", nil)
	s.Admit(api.Item{Key: "a", Partition: "p"})
	s.NewGeneration()

	require.Empty(t, s.Accepted())
	require.Equal(t, DroppedDuplicate, s.Admit(api.Item{Key: "a", Partition: "p"}))
	require.Equal(t, 1, s.SeenCount())
}

func TestNewStateIgnoresRepeatedSeedKeys(t *testing.T) {
	s := NewState("p", []string{"a", "b", "a"})
	require.Equal(t, []string{"a", "b"}, s.SeenKeys())
}

// genItems produces item streams with colliding keys across two partitions.
func genItems() gopter.Gen {
	return gen.SliceOf(gopter.CombineGens(gen.IntRange(0, 12), gen.OneConstOf("p", "q")).Map(
		func(vals []any) api.Item {
			return api.Item{Key: fmt.Sprintf("k%d", vals[0].(int)), Partition: vals[1].(string)}
		},
	))
}

func TestAdmitProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("a key is accepted at most once across generations", prop.ForAll(
		func(items []api.Item, split int) bool {
			s := NewState("p", nil)
			counts := make(map[string]int)
			for i, it := range items {
				if split > 0 && i%split == 0 {
					s.NewGeneration()
				}
				if s.Admit(it) == Accepted {
					counts[it.Key]++
				}
			}
			for _, n := range counts {
				if n != 1 {
					return false
				}
			}
			return len(counts) == s.SeenCount()
		},
		genItems(), gen.IntRange(0, 5),
	))

	properties.Property("accepted items keep arrival order", prop.ForAll(
		func(items []api.Item) bool {
			s := NewState("p", nil)
			var want []string
			seen := make(map[string]bool)
			for _, it := range items {
				if it.Partition == "p" && !seen[it.Key] {
					seen[it.Key] = true
					want = append(want, it.Key)
				}
				s.Admit(it)
			}
			got := api.Keys(s.Accepted())
			if len(got) != len(want) {
				return false
			}
			for i := range got {
				if got[i] != want[i] {
					return false
				}
			}
			return true
		},
		genItems(),
	))

	properties.Property("foreign partitions never enter the batch", prop.ForAll(
		func(items []api.Item) bool {
			s := NewState("p", nil)
			for _, it := range items {
				s.Admit(it)
			}
			for _, it := range s.Accepted() {
				if it.Partition != "p" {
					return false
				}
			}
			return true
		},
		genItems(),
	))

	properties.TestingRun(t)
}
