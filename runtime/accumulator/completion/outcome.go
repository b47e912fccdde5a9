// Package completion tracks the per-item completion handles submitters block
// on while their items are batched and flushed.
package completion

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Status is the terminal state of a handle.
type Status string

const (
	// StatusFlushed means the item's batch was flushed successfully.
	StatusFlushed Status = "flushed"
	// StatusFailed means the flush call of the item's batch failed.
	StatusFailed Status = "failed"
	// StatusCanceled means the session was canceled before the item was
	// flushed.
	StatusCanceled Status = "canceled"
	// StatusRejected means the item arrived at a generation boundary and was
	// not carried over. The submitter may resubmit it.
	StatusRejected Status = "rejected"
	// StatusTerminated means the session ended before the item was processed.
	StatusTerminated Status = "terminated"
	// StatusDuplicate means the key was accepted by an earlier batch of the
	// session whose outcome this process did not observe.
	StatusDuplicate Status = "duplicate"
)

var (
	// ErrCanceled is returned by Handle.Wait when the session was canceled.
	ErrCanceled = errors.New("accumulator session canceled")
	// ErrRejected is returned by Handle.Wait when the item was rejected at a
	// generation boundary.
	ErrRejected = errors.New("item rejected at generation boundary")
	// ErrTerminated is returned by Handle.Wait when the session terminated
	// without processing the item.
	ErrTerminated = errors.New("accumulator session terminated")
	// ErrDuplicate is returned by Handle.Wait when the key was already
	// accepted by an earlier batch.
	ErrDuplicate = errors.New("item already accepted by an earlier batch")
)

// Outcome is the value a handle resolves to.
type Outcome struct {
	// Status is the terminal state.
	Status Status
	// Generation is the generation that produced the outcome.
	Generation int
	// Result is the flush result shared by every item of the batch.
	Result json.RawMessage
	// Error is the failure text for StatusFailed outcomes.
	Error string
}

// FlushError reports a failed flush to every submitter of the batch.
type FlushError struct {
	// Generation is the generation whose flush failed.
	Generation int
	// Message is the failure text recorded by the flush activity.
	Message string
}

// Error implements error.
func (e *FlushError) Error() string {
	return fmt.Sprintf("flush of generation %d failed: %s", e.Generation, e.Message)
}

// Err returns the error Handle.Wait reports for o, or nil for a successful
// flush.
func (o Outcome) Err() error {
	switch o.Status {
	case StatusFlushed:
		return nil
	case StatusFailed:
		return &FlushError{Generation: o.Generation, Message: o.Error}
	case StatusCanceled:
		return ErrCanceled
	case StatusRejected:
		return ErrRejected
	case StatusTerminated:
		return ErrTerminated
	case StatusDuplicate:
		return ErrDuplicate
	default:
		return fmt.Errorf("unknown completion status %q", o.Status)
	}
}

// retryable reports whether o leaves the item unprocessed so a resubmission
// gets a fresh handle.
func (o Outcome) retryable() bool {
	return o.Status == StatusRejected || o.Status == StatusTerminated
}

// batchOutcome reports whether o was produced by a flush.
func (o Outcome) batchOutcome() bool {
	return o.Status == StatusFlushed || o.Status == StatusFailed
}
