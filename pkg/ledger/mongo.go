package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// Mongo is a ledger backed by a MongoDB collection. Writes use majority
// write concern; a Commit resolves when the majority acknowledgement
// arrives.
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
	now    func() time.Time
}

type mongoEntry struct {
	Owner     string    `bson:"owner"`
	Key       string    `bson:"key"`
	Data      []byte    `bson:"data"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// OpenMongo connects to uri and uses dbName.collName as the ledger.
func OpenMongo(ctx context.Context, uri, dbName, collName string) (*Mongo, error) {
	if uri == "" {
		return nil, errors.New("ledger: mongo uri is empty")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	coll := client.Database(dbName).Collection(collName,
		options.Collection().SetWriteConcern(writeconcern.Majority()))

	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "owner", Value: 1}, {Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: failed to create index: %v", ErrNetwork, err)
	}

	return &Mongo{client: client, coll: coll, now: time.Now}, nil
}

// Get returns the value stored under owner/key.
func (m *Mongo) Get(ctx context.Context, owner, key string) (Entry, error) {
	var doc mongoEntry
	err := m.coll.FindOne(ctx, bson.M{"owner": owner, "key": key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return Entry{Data: doc.Data, Timestamp: doc.UpdatedAt}, nil
}

// List returns the owner's keys in lexical order.
func (m *Mongo) List(ctx context.Context, owner string) ([]string, error) {
	opts := options.Find().
		SetProjection(bson.M{"key": 1}).
		SetSort(bson.D{{Key: "key", Value: 1}})
	cur, err := m.coll.Find(ctx, bson.M{"owner": owner}, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer cur.Close(ctx)

	var keys []string
	for cur.Next(ctx) {
		var doc mongoEntry
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("ledger: failed to decode entry: %w", err)
		}
		keys = append(keys, doc.Key)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return keys, nil
}

// Set upserts owner/key. The write is submitted in the background.
func (m *Mongo) Set(ctx context.Context, owner, key string, data []byte) (Commit, error) {
	doc := mongoEntry{Owner: owner, Key: key, Data: data, UpdatedAt: m.now().UTC()}
	return m.submit(ctx, func(ctx context.Context) error {
		_, err := m.coll.UpdateOne(ctx,
			bson.M{"owner": owner, "key": key},
			bson.M{"$set": doc},
			options.Update().SetUpsert(true))
		return err
	}), nil
}

// Delete removes owner/key.
func (m *Mongo) Delete(ctx context.Context, owner, key string) (Commit, error) {
	return m.submit(ctx, func(ctx context.Context) error {
		_, err := m.coll.DeleteOne(ctx, bson.M{"owner": owner, "key": key})
		return err
	}), nil
}

// submit runs write detached from the caller's cancellation: once a write
// has been handed to the server, cancelling the caller does not undo it.
func (m *Mongo) submit(ctx context.Context, write func(context.Context) error) Commit {
	p := newPending()
	wctx := context.WithoutCancel(ctx)
	go func() {
		if err := write(wctx); err != nil {
			p.resolve(fmt.Errorf("%w: %v", ErrNetwork, err))
			return
		}
		p.resolve(nil)
	}()
	return p
}

// Close disconnects the client.
func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
