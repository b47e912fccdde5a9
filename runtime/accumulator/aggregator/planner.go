package aggregator

import (
	"slices"

	"goa.design/accumulator/runtime/accumulator/api"
)

// Decision is the outcome of the DECIDING state.
type Decision int

const (
	// Terminate ends the session.
	Terminate Decision = iota
	// ContinueInRun starts the next generation in the current engine run.
	ContinueInRun
	// ContinueAsNew re-founds the session as a new run seeded with the
	// carry-over state.
	ContinueAsNew
)

// String implements fmt.Stringer.
func (d Decision) String() string {
	switch d {
	case Terminate:
		return "terminate"
	case ContinueInRun:
		return "continue_in_run"
	case ContinueAsNew:
		return "continue_as_new"
	default:
		return "unknown"
	}
}

type (
	// Planner decides, at a generation boundary, whether the session ends
	// and, when it continues, whether the history must be re-founded.
	Planner struct {
		// MaxGenerationsPerRun is the number of generations a run may hold
		// before it continues as new. Values below one mean one: every
		// generation gets a fresh history.
		MaxGenerationsPerRun int
		// MaxHistoryEvents forces a continuation once the run history reaches
		// this many events. Zero disables the check.
		MaxHistoryEvents int
	}

	// Boundary describes the session at the DECIDING state.
	Boundary struct {
		// CloseRequested is the sticky close flag.
		CloseRequested bool
		// Pending counts items queued but not yet validated.
		Pending int
		// LateArrivals counts items that arrived while the batch was
		// flushing and are carried over.
		LateArrivals int
		// GenerationsInRun counts the generations completed in this run,
		// including the current one.
		GenerationsInRun int
		// HistoryLength is the current run history size.
		HistoryLength int
	}
)

// Decide returns Terminate when close was requested and no work remains;
// otherwise it picks the continuation mode.
func (p Planner) Decide(b Boundary) Decision {
	if b.CloseRequested && b.Pending == 0 && b.LateArrivals == 0 {
		return Terminate
	}
	if b.GenerationsInRun >= max(p.MaxGenerationsPerRun, 1) {
		return ContinueAsNew
	}
	if p.MaxHistoryEvents > 0 && b.HistoryLength >= p.MaxHistoryEvents {
		return ContinueAsNew
	}
	return ContinueInRun
}

// Plan packages the carry-over state of the next generation: seen keys
// verbatim, leftover items in arrival order and the close flag as-is. The
// caller completes the seed with the session identity fields.
func (p Planner) Plan(seenKeys []string, leftover []api.Item, closeRequested bool) *api.SessionInput {
	return &api.SessionInput{
		SeenKeys:       slices.Clone(seenKeys),
		Pending:        slices.Clone(leftover),
		CloseRequested: closeRequested,
	}
}
