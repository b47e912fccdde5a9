package completion

import (
	"context"
	"encoding/json"
	"sync"
)

// Handle is a one-shot completion for a single item. It resolves exactly once
// and any number of goroutines may wait on it.
type Handle struct {
	session string
	key     string

	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

func newHandle(session, key string) *Handle {
	return &Handle{session: session, key: key, done: make(chan struct{})}
}

// SessionID returns the session the item was submitted to.
func (h *Handle) SessionID() string {
	return h.session
}

// Key returns the item key.
func (h *Handle) Key() string {
	return h.key
}

// Done is closed when the handle resolves.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Outcome returns the resolved outcome and true, or false while pending.
func (h *Handle) Outcome() (Outcome, bool) {
	select {
	case <-h.done:
		return h.outcome, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until the handle resolves or ctx is done. It returns the flush
// result, a *FlushError, ErrCanceled, ErrRejected, ErrTerminated or
// ErrDuplicate.
func (h *Handle) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		if err := h.outcome.Err(); err != nil {
			return nil, err
		}
		return h.outcome.Result, nil
	}
}

// resolve sets the outcome if the handle is still pending.
func (h *Handle) resolve(o Outcome) bool {
	resolved := false
	h.once.Do(func() {
		h.outcome = o
		close(h.done)
		resolved = true
	})
	return resolved
}
