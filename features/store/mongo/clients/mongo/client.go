// Package mongo hosts the MongoDB client used by the process store. It
// wraps the driver behind narrow interfaces so the store can be exercised
// against fakes, and it carries multi-document transactions through the
// session context.
package mongo

import (
	"context"
	"errors"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"
)

const (
	defaultOpTimeout = 5 * time.Second
	clientName       = "store-mongo"
)

type (
	// Client exposes the Mongo operations the process store needs. The
	// caller owns the underlying connection; closing it is not the
	// client's job.
	Client interface {
		health.Pinger

		// Collection returns a handle to the named collection of the
		// configured database.
		Collection(name string) Collection
		// WithTransaction runs fn inside one Mongo transaction. The
		// context handed to fn carries the session; collection calls made
		// with it join the transaction.
		WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
		// InTransaction reports whether ctx already carries a session.
		InTransaction(ctx context.Context) bool
	}

	// Options configures the Mongo client.
	Options struct {
		// Client is the connected driver client. Required.
		Client *mongodriver.Client
		// Database names the database holding the process collections.
		// Required.
		Database string
		// Timeout bounds individual collection operations. Zero means
		// the default of five seconds.
		Timeout time.Duration
	}

	// Collection is the subset of driver collection operations the store
	// uses.
	Collection interface {
		InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
		FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) SingleResult
		Find(ctx context.Context, filter any, opts ...*options.FindOptions) (Cursor, error)
		UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
		UpdateMany(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
		FindOneAndUpdate(ctx context.Context, filter any, update any, opts ...*options.FindOneAndUpdateOptions) SingleResult
		DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
		DeleteMany(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
		CountDocuments(ctx context.Context, filter any, opts ...*options.CountOptions) (int64, error)
		Indexes() IndexView
	}

	// SingleResult mirrors the driver's single document result.
	SingleResult interface {
		Decode(val any) error
		Err() error
	}

	// Cursor mirrors the driver's cursor.
	Cursor interface {
		Next(ctx context.Context) bool
		Decode(val any) error
		Err() error
		Close(ctx context.Context) error
	}

	// IndexView mirrors the driver's index view.
	IndexView interface {
		CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
	}

	client struct {
		mongo   *mongodriver.Client
		db      *mongodriver.Database
		timeout time.Duration
	}
)

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   opts.Client,
		db:      opts.Client.Database(opts.Database),
		timeout: timeout,
	}, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Collection(name string) Collection {
	return mongoCollection{coll: c.db.Collection(name), timeout: c.timeout}
}

func (c *client) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := c.mongo.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)
	_, err = session.WithTransaction(ctx, func(sc mongodriver.SessionContext) (any, error) {
		return nil, fn(sc)
	})
	return err
}

func (c *client) InTransaction(ctx context.Context) bool {
	return mongodriver.SessionFromContext(ctx) != nil
}

// mongoCollection applies the operation timeout and adapts driver types to
// the wrapper interfaces. The timeout is skipped inside a transaction so a
// slow operation aborts through the transaction, not under it.
type mongoCollection struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

func (c mongoCollection) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 || mongodriver.SessionFromContext(ctx) != nil {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) SingleResult {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (Cursor, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) UpdateMany(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.coll.UpdateMany(ctx, filter, update, opts...)
}

func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter any, update any, opts ...*options.FindOneAndUpdateOptions) SingleResult {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return mongoSingleResult{res: c.coll.FindOneAndUpdate(ctx, filter, update, opts...)}
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.coll.DeleteMany(ctx, filter, opts...)
}

func (c mongoCollection) CountDocuments(ctx context.Context, filter any, opts ...*options.CountOptions) (int64, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.coll.CountDocuments(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() IndexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

func (r mongoSingleResult) Err() error {
	return r.res.Err()
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
