// Package mongo hosts the MongoDB client used by the batch flusher.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/accumulator/runtime/accumulator/aggregator"
	"goa.design/accumulator/runtime/accumulator/api"
)

const (
	defaultBatchesCollection = "accumulator_batches"
	defaultOpTimeout         = 5 * time.Second
	batchClientName          = "batch-mongo"
)

// ErrBatchNotFound is returned by LoadBatch when no batch was saved for the
// session generation.
var ErrBatchNotFound = errors.New("batch not found")

// Client exposes Mongo-backed operations for flushed batches.
type Client interface {
	health.Pinger

	// SaveBatch stores the batch once per (session, epoch, generation) and
	// returns its ID. Saving the same generation again keeps the first
	// document.
	SaveBatch(ctx context.Context, batch aggregator.Batch, flushedAt time.Time) (string, error)
	// LoadBatch returns the stored batch of the session generation.
	LoadBatch(ctx context.Context, sessionID, epoch string, generation int) (aggregator.Batch, error)
}

// Options configures the Mongo batch client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	batches collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultBatchesCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, coll, timeout)
}

// BatchID returns the stable identifier of a session generation batch. The
// epoch keeps a later session that reuses sessionID from colliding with the
// batches of an earlier one.
func BatchID(sessionID, epoch string, generation int) string {
	return fmt.Sprintf("%s/%s/%d", sessionID, epoch, generation)
}

func (c *client) Name() string {
	return batchClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) SaveBatch(ctx context.Context, batch aggregator.Batch, flushedAt time.Time) (string, error) {
	if batch.SessionID == "" {
		return "", errors.New("session id is required")
	}
	if batch.Epoch == "" {
		return "", errors.New("session epoch is required")
	}
	if flushedAt.IsZero() {
		return "", errors.New("flushed_at is required")
	}
	id := BatchID(batch.SessionID, batch.Epoch, batch.Generation)
	doc := fromBatch(id, batch, flushedAt.UTC())
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": id}
	// Pure $setOnInsert: a retried flush must not rewrite the stored batch.
	update := bson.M{"$setOnInsert": doc}
	if _, err := c.batches.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return "", fmt.Errorf("upsert batch %s: %w", id, err)
	}
	return id, nil
}

func (c *client) LoadBatch(ctx context.Context, sessionID, epoch string, generation int) (aggregator.Batch, error) {
	if sessionID == "" || epoch == "" {
		return aggregator.Batch{}, errors.New("session id and epoch are required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc batchDocument
	if err := c.batches.FindOne(ctx, bson.M{"_id": BatchID(sessionID, epoch, generation)}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return aggregator.Batch{}, ErrBatchNotFound
		}
		return aggregator.Batch{}, err
	}
	return doc.toBatch(), nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

type batchDocument struct {
	ID         string         `bson:"_id"`
	SessionID  string         `bson:"session_id"`
	Partition  string         `bson:"partition"`
	Epoch      string         `bson:"epoch"`
	Generation int            `bson:"generation"`
	Keys       []string       `bson:"keys"`
	Items      []itemDocument `bson:"items"`
	Count      int            `bson:"count"`
	FlushedAt  time.Time      `bson:"flushed_at"`
}

type itemDocument struct {
	Key       string `bson:"key"`
	Partition string `bson:"partition"`
	Payload   string `bson:"payload,omitempty"`
}

func fromBatch(id string, b aggregator.Batch, flushedAt time.Time) batchDocument {
	items := make([]itemDocument, len(b.Items))
	for i, it := range b.Items {
		items[i] = itemDocument{Key: it.Key, Partition: it.Partition, Payload: string(it.Payload)}
	}
	keys := api.Keys(b.Items)
	if keys == nil {
		keys = []string{}
	}
	return batchDocument{
		ID:         id,
		SessionID:  b.SessionID,
		Partition:  b.Partition,
		Epoch:      b.Epoch,
		Generation: b.Generation,
		Keys:       keys,
		Items:      items,
		Count:      len(items),
		FlushedAt:  flushedAt,
	}
}

func (doc batchDocument) toBatch() aggregator.Batch {
	var items []api.Item
	if len(doc.Items) > 0 {
		items = make([]api.Item, len(doc.Items))
		for i, it := range doc.Items {
			items[i] = api.Item{Key: it.Key, Partition: it.Partition}
			if it.Payload != "" {
				items[i].Payload = []byte(it.Payload)
			}
		}
	}
	return aggregator.Batch{
		SessionID:  doc.SessionID,
		Partition:  doc.Partition,
		Epoch:      doc.Epoch,
		Generation: doc.Generation,
		Items:      items,
	}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "epoch", Value: 1}, {Key: "generation", Value: 1}},
		Options: options.Index().SetName("session_epoch_generation"),
	})
	if err != nil {
		return fmt.Errorf("create batch index: %w", err)
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	return &client{mongo: mongoClient, batches: coll, timeout: timeout}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
