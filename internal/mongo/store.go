// Package mongo is the MongoDB record store. Change feeds are MongoDB change
// streams, so the server must run as a replica set.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	apperrors "github.com/manpreetbhatti/livewire/internal/errors"
	"github.com/manpreetbhatti/livewire/internal/store"
)

const connectTimeout = 10 * time.Second

var _ store.Store = (*Store)(nil)

type Store struct {
	client *mongo.Client
	db     *mongo.Database
	clock  clockwork.Clock
}

type Option func(*Store)

// WithClock sets the clock used for lastUpdated stamps.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// Connect dials uri, verifies the server is reachable and ensures the unique
// indexes every collection relies on.
func Connect(ctx context.Context, uri, database string, opts ...Option) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, apperrors.StoreUnavailable("connect to mongodb", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, apperrors.StoreUnavailable("ping mongodb", err)
	}

	s := &Store{
		client: client,
		db:     client.Database(database),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	slog.Info("Connected to MongoDB", "database", database)
	return s, nil
}

// EnsureIndexes creates a unique index for every unique field of every
// collection. It is idempotent.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	for _, coll := range store.Collections {
		var models []mongo.IndexModel
		for _, field := range coll.UniqueFields() {
			models = append(models, mongo.IndexModel{
				Keys:    bson.D{{Key: field, Value: 1}},
				Options: options.Index().SetUnique(true).SetName(field + "_unique"),
			})
		}
		if _, err := s.db.Collection(string(coll)).Indexes().CreateMany(ctx, models); err != nil {
			return storeErr("create indexes on "+string(coll), err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) collection(coll store.Collection) (*mongo.Collection, error) {
	if !coll.Valid() {
		return nil, apperrors.Validation(fmt.Sprintf("unknown collection %q", coll))
	}
	return s.db.Collection(string(coll)), nil
}

func (s *Store) Get(ctx context.Context, coll store.Collection, key string) (store.Document, error) {
	c, err := s.collection(coll)
	if err != nil {
		return nil, err
	}

	var raw bson.M
	err = c.FindOne(ctx, bson.M{coll.KeyField(): key}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperrors.NotFound(fmt.Sprintf("%s %q not found", coll.KeyField(), key))
	}
	if err != nil {
		return nil, storeErr("get "+string(coll), err)
	}
	return toDocument(raw), nil
}

func (s *Store) List(ctx context.Context, coll store.Collection) ([]store.Document, error) {
	c, err := s.collection(coll)
	if err != nil {
		return nil, err
	}

	cur, err := c.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: coll.KeyField(), Value: 1}}))
	if err != nil {
		return nil, storeErr("list "+string(coll), err)
	}
	defer cur.Close(ctx)

	docs := []store.Document{}
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, apperrors.Internal("decode "+string(coll)+" document", err)
		}
		docs = append(docs, toDocument(raw))
	}
	return docs, storeErr("list "+string(coll), cur.Err())
}

func (s *Store) Insert(ctx context.Context, coll store.Collection, doc store.Document) (store.Document, error) {
	c, err := s.collection(coll)
	if err != nil {
		return nil, err
	}
	for _, field := range coll.UniqueFields() {
		if doc.String(field) == "" {
			return nil, apperrors.Validation(field + " is required")
		}
	}

	doc = doc.Clone()
	delete(doc, "_id")
	if _, err := c.InsertOne(ctx, bson.M(doc)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, conflict(coll, err)
		}
		return nil, storeErr("insert "+string(coll), err)
	}
	return s.Get(ctx, coll, doc.String(coll.KeyField()))
}

func (s *Store) UpsertMerge(ctx context.Context, coll store.Collection, key string, fields store.Document) (store.Document, error) {
	fields = fields.Clone()
	if fields == nil {
		fields = store.Document{}
	}
	if _, ok := fields[store.FieldLastUpdated]; !ok {
		fields[store.FieldLastUpdated] = s.clock.Now().UTC()
	}

	// Records with secondary unique fields cannot be created from a partial merge.
	if extra := coll.UniqueFields(); len(extra) > 1 {
		if _, err := s.Get(ctx, coll, key); apperrors.IsNotFound(err) {
			for _, field := range extra[1:] {
				if fields.String(field) == "" {
					return nil, apperrors.Validation(field + " is required")
				}
			}
		}
	}
	return s.merge(ctx, coll, key, fields, true)
}

func (s *Store) Update(ctx context.Context, coll store.Collection, key string, fields store.Document) (store.Document, error) {
	if len(fields) == 0 {
		return s.Get(ctx, coll, key)
	}
	return s.merge(ctx, coll, key, fields, false)
}

func (s *Store) merge(ctx context.Context, coll store.Collection, key string, fields store.Document, upsert bool) (store.Document, error) {
	c, err := s.collection(coll)
	if err != nil {
		return nil, err
	}
	keyField := coll.KeyField()
	if key == "" {
		return nil, apperrors.Validation(keyField + " is required")
	}
	if v, ok := fields[keyField]; ok && v != key {
		return nil, apperrors.Validation(keyField + " cannot be changed")
	}

	set := bson.M{}
	for k, v := range fields {
		if k == "_id" || k == keyField {
			continue
		}
		set[k] = v
	}
	if len(set) == 0 {
		return s.Get(ctx, coll, key)
	}

	// An upsert seeds the key from the equality filter.
	update := bson.M{"$set": set}
	opts := options.FindOneAndUpdate().SetUpsert(upsert).SetReturnDocument(options.After)

	var raw bson.M
	err = c.FindOneAndUpdate(ctx, bson.M{keyField: key}, update, opts).Decode(&raw)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return nil, apperrors.NotFound(fmt.Sprintf("%s %q not found", keyField, key))
	case mongo.IsDuplicateKeyError(err):
		return nil, conflict(coll, err)
	case err != nil:
		return nil, storeErr("merge "+string(coll), err)
	}
	return toDocument(raw), nil
}

func (s *Store) Stats(ctx context.Context) (map[string]any, error) {
	stats := map[string]any{"driver": "mongo"}
	for _, coll := range store.Collections {
		n, err := s.db.Collection(string(coll)).EstimatedDocumentCount(ctx)
		if err != nil {
			return nil, storeErr("count "+string(coll), err)
		}
		stats[string(coll)+"_count"] = n
	}
	return stats, nil
}

func conflict(coll store.Collection, err error) error {
	msg := string(coll) + " record already exists"
	for _, field := range coll.UniqueFields() {
		if strings.Contains(err.Error(), field+"_unique") {
			msg = "record with this " + field + " already exists"
			break
		}
	}
	return apperrors.Conflict(msg)
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperrors.StoreUnavailable(op, err)
}

// toDocument converts a decoded BSON document to plain Go values and drops
// the server-assigned _id.
func toDocument(raw bson.M) store.Document {
	doc := make(store.Document, len(raw))
	for k, v := range raw {
		if k == "_id" {
			continue
		}
		doc[k] = plain(v)
	}
	return doc
}

func plain(v any) any {
	switch t := v.(type) {
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.ObjectID:
		return t.Hex()
	case primitive.Timestamp:
		return time.Unix(int64(t.T), 0).UTC()
	case bson.M:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = plain(e)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = plain(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = plain(e)
		}
		return out
	default:
		return v
	}
}
