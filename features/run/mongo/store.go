// Package mongo provides a MongoDB-backed run.Store for deployments that
// need run records to survive process restarts and be visible across nodes.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/agentwire/run"
)

const (
	defaultCollection = "agent_runs"
	defaultOpTimeout  = 5 * time.Second
)

type (
	// Options configures the Mongo run store.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection is the collection name. Defaults to "agent_runs".
		Collection string
		// Timeout bounds each storage operation. Defaults to 5 seconds.
		Timeout time.Duration
	}

	// Store implements run.Store on a Mongo collection.
	Store struct {
		client  *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	// collection is the slice of *mongodriver.Collection the store uses,
	// extracted so tests can substitute a fake.
	collection interface {
		ReplaceOne(ctx context.Context, filter any, replacement any,
			opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error)
		FindOne(ctx context.Context, filter any,
			opts ...options.Lister[options.FindOneOptions]) *mongodriver.SingleResult
		Find(ctx context.Context, filter any,
			opts ...options.Lister[options.FindOptions]) (*mongodriver.Cursor, error)
	}
)

// New returns a Store backed by MongoDB and ensures the finishedAt index
// used by List exists.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collName)
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := coll.Indexes().CreateOne(ictx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "finishedAt", Value: -1}},
	})
	if err != nil {
		return nil, err
	}
	return &Store{client: opts.Client, coll: coll, timeout: timeout}, nil
}

// Ping reports whether the backing deployment is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Put implements run.Store.
func (s *Store) Put(ctx context.Context, rec run.Record) error {
	if rec.ID == "" {
		return errors.New("run id is required")
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now().UTC()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": rec.ID}, rec, options.Replace().SetUpsert(true))
	return err
}

// Get implements run.Store.
func (s *Store) Get(ctx context.Context, id string) (run.Record, error) {
	if id == "" {
		return run.Record{}, errors.New("run id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var rec run.Record
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&rec); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return run.Record{}, run.ErrNotFound
		}
		return run.Record{}, err
	}
	return rec, nil
}

// List implements run.Store.
func (s *Store) List(ctx context.Context, limit int) ([]run.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	findOpts := options.Find().SetSort(bson.D{{Key: "finishedAt", Value: -1}})
	if limit > 0 {
		findOpts = findOpts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, bson.M{}, findOpts)
	if err != nil {
		return nil, err
	}
	var recs []run.Record
	if err := cur.All(ctx, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
