package batch

import (
	"fmt"

	"goa.design/accumulator/runtime/accumulator/api"
)

// Verdict is the outcome of validating one item against the batch.
type Verdict int

const (
	// Accepted means the item was appended to the current generation.
	Accepted Verdict = iota
	// DroppedPartition means the item targets another partition.
	DroppedPartition
	// DroppedDuplicate means the key was already accepted in this session.
	DroppedDuplicate
)

// String implements fmt.Stringer.
func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case DroppedPartition:
		return "dropped_partition"
	case DroppedDuplicate:
		return "dropped_duplicate"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// State is the validated batch of a generation plus the session-wide set of
// accepted keys. The seen set only grows: every accepted key stays in it for
// the life of the session.
type State struct {
	partition string
	seen      map[string]struct{}
	order     []string
	accepted  []api.Item
}

// NewState returns the state of a generation of the session bound to
// partition, seeded with the keys accepted by previous generations.
func NewState(partition string, seenKeys []string) *State {
	s := &State{
		partition: partition,
		seen:      make(map[string]struct{}, len(seenKeys)),
		order:     make([]string, 0, len(seenKeys)),
	}
	for _, k := range seenKeys {
		if _, dup := s.seen[k]; dup {
			continue
		}
		s.seen[k] = struct{}{}
		s.order = append(s.order, k)
	}
	return s
}

// Partition returns the immutable session partition.
func (s *State) Partition() string {
	return s.partition
}

// Admit validates item. Only an Accepted verdict mutates the state.
func (s *State) Admit(item api.Item) Verdict {
	if item.Partition != s.partition {
		return DroppedPartition
	}
	if _, dup := s.seen[item.Key]; dup {
		return DroppedDuplicate
	}
	s.seen[item.Key] = struct{}{}
	s.order = append(s.order, item.Key)
	s.accepted = append(s.accepted, item)
	return Accepted
}

// Check reports the verdict Admit would return without mutating the state.
func (s *State) Check(item api.Item) Verdict {
	if item.Partition != s.partition {
		return DroppedPartition
	}
	if _, dup := s.seen[item.Key]; dup {
		return DroppedDuplicate
	}
	return Accepted
}

// Seen reports whether key was accepted in this session.
func (s *State) Seen(key string) bool {
	_, ok := s.seen[key]
	return ok
}

// Accepted returns the items accepted in the current generation in arrival
// order. The returned slice must not be modified.
func (s *State) Accepted() []api.Item {
	return s.accepted
}

// SeenKeys returns a copy of the accepted keys in acceptance order.
func (s *State) SeenKeys() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// SeenCount returns the number of keys accepted over the session lifetime.
func (s *State) SeenCount() int {
	return len(s.order)
}

// NewGeneration clears the accepted items and keeps the seen set.
func (s *State) NewGeneration() {
	s.accepted = nil
}
