package mongo

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	apperrors "github.com/manpreetbhatti/livewire/internal/errors"
	"github.com/manpreetbhatti/livewire/internal/store"
)

var errStreamEnded = errors.New("change stream ended")

type rawChange struct {
	OperationType     string              `bson:"operationType"`
	FullDocument      bson.M              `bson:"fullDocument"`
	ClusterTime       primitive.Timestamp `bson:"clusterTime"`
	UpdateDescription struct {
		UpdatedFields bson.M `bson:"updatedFields"`
	} `bson:"updateDescription"`
}

type subscription struct {
	coll   store.Collection
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	stream    *mongo.ChangeStream
	finished  bool
	closeOnce sync.Once
	closeErr  error
}

// Subscribe opens a change stream on coll starting now. Only inserts, updates
// and replaces are delivered; with a ChangedField filter, only those that set
// that field to a non-empty value.
func (s *Store) Subscribe(ctx context.Context, coll store.Collection, filter store.Filter) (store.Subscription, error) {
	c, err := s.collection(coll)
	if err != nil {
		return nil, err
	}

	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	stream, err := c.Watch(ctx, watchPipeline(filter), opts)
	if err != nil {
		return nil, storeErr("watch "+string(coll), err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	return &subscription{coll: coll, ctx: subCtx, cancel: cancel, stream: stream}, nil
}

func watchPipeline(filter store.Filter) mongo.Pipeline {
	ops := bson.M{"operationType": bson.M{"$in": bson.A{"insert", "update", "replace"}}}
	if filter.ChangedField == "" {
		return mongo.Pipeline{{{Key: "$match", Value: ops}}}
	}

	nonEmpty := bson.M{"$exists": true, "$nin": bson.A{nil, ""}}
	match := bson.M{"$or": bson.A{
		bson.M{
			"operationType":                      bson.M{"$in": bson.A{"insert", "replace"}},
			"fullDocument." + filter.ChangedField: nonEmpty,
		},
		bson.M{
			"operationType": "update",
			"updateDescription.updatedFields." + filter.ChangedField: nonEmpty,
		},
	}}
	return mongo.Pipeline{{{Key: "$match", Value: match}}}
}

func (s *subscription) Next(ctx context.Context) (store.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return store.Change{}, store.ErrSubscriptionClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	for {
		if !s.stream.Next(ctx) {
			s.finished = true
			if s.ctx.Err() != nil {
				return store.Change{}, store.ErrSubscriptionClosed
			}
			if err := ctx.Err(); err != nil {
				return store.Change{}, err
			}
			err := s.stream.Err()
			if err == nil {
				err = errStreamEnded
			}
			return store.Change{}, apperrors.StoreUnavailable("change stream on "+string(s.coll), err)
		}

		var raw rawChange
		if err := s.stream.Decode(&raw); err != nil {
			s.finished = true
			return store.Change{}, apperrors.Internal("decode change event", err)
		}

		// The document was deleted before the post-image could be looked up.
		if raw.FullDocument == nil {
			continue
		}
		return s.toChange(raw), nil
	}
}

func (s *subscription) toChange(raw rawChange) store.Change {
	full := toDocument(raw.FullDocument)
	change := store.Change{
		Collection:   s.coll,
		Operation:    store.Operation(raw.OperationType),
		Key:          full.String(s.coll.KeyField()),
		FullDocument: full,
		Time:         time.Unix(int64(raw.ClusterTime.T), 0).UTC(),
	}
	if change.Operation == store.OpUpdate {
		change.UpdatedFields = toDocument(raw.UpdateDescription.UpdatedFields)
	}
	return change
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		defer s.mu.Unlock()
		s.finished = true
		s.closeErr = s.stream.Close(context.Background())
	})
	return s.closeErr
}
