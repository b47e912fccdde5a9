package temporal

import (
	"errors"
	"fmt"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/temporal"

	"goa.design/accumulator/runtime/accumulator/engine"
)

// mapSignalError translates Temporal service errors returned by signal, query
// and describe calls into engine sentinels. Unknown errors pass through.
func mapSignalError(err error) error {
	if err == nil {
		return nil
	}
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %w", engine.ErrWorkflowNotFound, err)
	}
	var precondition *serviceerror.FailedPrecondition
	if errors.As(err, &precondition) {
		return fmt.Errorf("%w: %w", engine.ErrWorkflowCompleted, err)
	}
	return err
}

// mapWorkflowError marks Temporal cancellation errors with engine.ErrCanceled
// so callers can test for cancellation without importing the SDK.
func mapWorkflowError(err error) error {
	if err == nil {
		return nil
	}
	if temporal.IsCanceledError(err) {
		return fmt.Errorf("%w: %w", engine.ErrCanceled, err)
	}
	return err
}
