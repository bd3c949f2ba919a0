package adapters

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

// MongoAdapter implements CollectionAdapter for mongo.Collection.
type MongoAdapter struct {
	collection *mongo.Collection
}

// NewMongoAdapter creates a new adapter around a driver collection.
func NewMongoAdapter(collection *mongo.Collection) *MongoAdapter {
	return &MongoAdapter{collection: collection}
}

// Aggregate runs the aggregation pipeline and returns a wrapped cursor.
func (m *MongoAdapter) Aggregate(ctx context.Context, pipeline any) (DocumentCursor, error) {
	cursor, err := m.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}

	return &mongoCursor{cursor: cursor}, nil
}

// Name returns the collection name.
func (m *MongoAdapter) Name() string {
	return m.collection.Name()
}

// mongoCursor wraps mongo.Cursor to implement the DocumentCursor interface.
type mongoCursor struct {
	cursor *mongo.Cursor
}

// Next advances to the next document.
func (m *mongoCursor) Next(ctx context.Context) bool {
	return m.cursor.Next(ctx)
}

// Decode unmarshals the current document into val.
func (m *mongoCursor) Decode(val any) error {
	return m.cursor.Decode(val)
}

// Err reports the error, if any, that terminated iteration.
func (m *mongoCursor) Err() error {
	return m.cursor.Err()
}

// Close closes the cursor.
func (m *mongoCursor) Close(ctx context.Context) error {
	return m.cursor.Close(ctx)
}

// ClientSessionAdapter implements SessionAdapter on a driver client. Each
// call opens a fresh server session, runs the callback inside
// Session.WithTransaction, and ends the session when done. The driver
// retries the callback on transient transaction errors, so callbacks must
// be idempotent.
type ClientSessionAdapter struct {
	client *mongo.Client
}

// NewClientSessionAdapter creates a new session adapter around a driver client.
func NewClientSessionAdapter(client *mongo.Client) *ClientSessionAdapter {
	return &ClientSessionAdapter{client: client}
}

// WithinTransaction runs fn inside a transaction bound to the callback's context.
func (c *ClientSessionAdapter) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := c.client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessionCtx context.Context) (any, error) {
		return nil, fn(sessionCtx)
	})

	return err
}
