// Package mongo provides a batch flusher that persists every closed batch to
// MongoDB. One document is written per (session, generation); retries of the
// flush activity find the existing document and return the same result.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/accumulator/features/flush/mongo/clients/mongo"
	"goa.design/accumulator/runtime/accumulator/aggregator"
)

type (
	// Flusher implements aggregator.Flusher on top of a Mongo batch client.
	Flusher struct {
		client mongo.Client
		now    func() time.Time
	}

	// Options configures the flusher.
	Options struct {
		// Client stores the batches. Required.
		Client mongo.Client
		// Now overrides the clock used for flushed_at.
		Now func() time.Time
	}

	// Result is the flush result handed to every submitter of the batch.
	Result struct {
		BatchID string `json:"batch_id"`
		Count   int    `json:"count"`
	}
)

var _ aggregator.Flusher = (*Flusher)(nil)

// New returns a Mongo-backed flusher.
func New(opts Options) (*Flusher, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo batch client is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Flusher{client: opts.Client, now: now}, nil
}

// Flush stores the batch and returns its Result.
func (f *Flusher) Flush(ctx context.Context, batch aggregator.Batch) (json.RawMessage, error) {
	id, err := f.client.SaveBatch(ctx, batch, f.now())
	if err != nil {
		return nil, fmt.Errorf("save batch: %w", err)
	}
	return json.Marshal(Result{BatchID: id, Count: len(batch.Items)})
}

// Name implements health.Pinger by delegating to the client.
func (f *Flusher) Name() string {
	return f.client.Name()
}

// Ping implements health.Pinger by delegating to the client.
func (f *Flusher) Ping(ctx context.Context) error {
	return f.client.Ping(ctx)
}
