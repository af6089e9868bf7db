package db

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"

	apperrors "github.com/manpreetbhatti/livewire/internal/errors"
	"github.com/manpreetbhatti/livewire/internal/store"
)

const fetchBatch = 128

// subscription tails the change log for one collection, starting at the log
// head at the time it was opened. Next is not safe for concurrent use.
type subscription struct {
	d      *Database
	coll   store.Collection
	filter store.Filter
	cursor int64
	buf    []store.Change
	ticker clockwork.Ticker

	closed    chan struct{}
	closeOnce sync.Once
}

func (d *Database) Subscribe(ctx context.Context, coll store.Collection, filter store.Filter) (store.Subscription, error) {
	if _, err := tableFor(coll); err != nil {
		return nil, err
	}

	head, err := d.headSeq(ctx)
	if err != nil {
		return nil, apperrors.StoreUnavailable("subscribe "+string(coll), err)
	}

	return &subscription{
		d:      d,
		coll:   coll,
		filter: filter,
		cursor: head,
		ticker: d.clock.NewTicker(d.pollInterval),
		closed: make(chan struct{}),
	}, nil
}

func (s *subscription) Next(ctx context.Context) (store.Change, error) {
	for {
		select {
		case <-s.closed:
			return store.Change{}, store.ErrSubscriptionClosed
		default:
		}

		for len(s.buf) > 0 {
			change := s.buf[0]
			s.buf = s.buf[1:]
			if s.filter.Match(change) {
				return change, nil
			}
		}

		// Grab the wake channel before reading so a commit that lands between
		// the read and the wait is not missed.
		wake := s.d.changed()

		changes, last, err := s.d.changesAfter(ctx, s.coll, s.cursor, fetchBatch)
		if err != nil {
			s.Close()
			if ctx.Err() != nil {
				return store.Change{}, ctx.Err()
			}
			return store.Change{}, apperrors.StoreUnavailable("read change log", err)
		}
		s.cursor = last
		if len(changes) > 0 {
			s.buf = changes
			continue
		}

		select {
		case <-ctx.Done():
			s.Close()
			return store.Change{}, ctx.Err()
		case <-s.closed:
			return store.Change{}, store.ErrSubscriptionClosed
		case <-s.d.closed:
			s.Close()
			return store.Change{}, apperrors.StoreUnavailable("store closed", store.ErrSubscriptionClosed)
		case <-wake:
		case <-s.ticker.Chan():
		}
	}
}

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.ticker.Stop()
	})
	return nil
}
