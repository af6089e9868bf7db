// Package feed turns store change feeds into hub broadcasts. Each watched
// collection gets its own subscription loop that re-subscribes with capped
// exponential backoff whenever the feed breaks.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/manpreetbhatti/livewire/internal/errors"
	"github.com/manpreetbhatti/livewire/internal/logging"
	"github.com/manpreetbhatti/livewire/internal/metrics"
	"github.com/manpreetbhatti/livewire/internal/protocol"
	"github.com/manpreetbhatti/livewire/internal/store"
)

// Publisher receives normalized change events. Publish must not return until
// the event has been handed to every current client.
type Publisher interface {
	Publish(ctx context.Context, ev protocol.ChangeEvent) (int, error)
}

// Watch is one collection feed and the filter applied to it.
type Watch struct {
	Collection store.Collection
	Filter     store.Filter
}

// DefaultWatches streams every presence change, and call changes only when
// they carry a status.
var DefaultWatches = []Watch{
	{Collection: store.Presence},
	{Collection: store.Calls, Filter: store.Filter{ChangedField: store.FieldStatus}},
}

const (
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

type Listener struct {
	store      store.Store
	publisher  Publisher
	watches    []Watch
	clock      clockwork.Clock
	minBackoff time.Duration
	maxBackoff time.Duration

	mu        sync.RWMutex
	connected map[store.Collection]bool
}

type Option func(*Listener)

func WithClock(clock clockwork.Clock) Option {
	return func(l *Listener) {
		l.clock = clock
	}
}

// WithBackoff bounds the delay between re-subscription attempts.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(l *Listener) {
		l.minBackoff = minDelay
		l.maxBackoff = maxDelay
	}
}

func WithWatches(watches ...Watch) Option {
	return func(l *Listener) {
		l.watches = watches
	}
}

func NewListener(s store.Store, p Publisher, opts ...Option) *Listener {
	l := &Listener{
		store:      s,
		publisher:  p,
		watches:    DefaultWatches,
		clock:      clockwork.NewRealClock(),
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
		connected:  make(map[store.Collection]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run streams every watched collection until ctx is done. It only returns an
// error when the publisher stops accepting events.
func (l *Listener) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range l.watches {
		w := w
		g.Go(func() error {
			return l.watch(ctx, w)
		})
	}
	return g.Wait()
}

// Status reports which collection feeds currently hold an open subscription.
func (l *Listener) Status() map[string]bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	status := make(map[string]bool, len(l.watches))
	for _, w := range l.watches {
		status[string(w.Collection)] = l.connected[w.Collection]
	}
	return status
}

func (l *Listener) setConnected(coll store.Collection, connected bool) {
	l.mu.Lock()
	l.connected[coll] = connected
	l.mu.Unlock()

	v := 0.0
	if connected {
		v = 1
	}
	metrics.FeedConnected.WithLabelValues(string(coll)).Set(v)
}

type publishError struct {
	err error
}

func (e *publishError) Error() string { return "publish: " + e.err.Error() }
func (e *publishError) Unwrap() error { return e.err }

func (l *Listener) watch(ctx context.Context, w Watch) error {
	log := logging.WithCollection(string(w.Collection))
	log.Info("Watching collection", "filter_field", w.Filter.ChangedField)

	retry := l.newBackoff()
	for {
		delivered, err := l.stream(ctx, w)
		if ctx.Err() != nil {
			log.Info("Stopped watching collection")
			return nil
		}

		var perr *publishError
		if errors.As(err, &perr) {
			return fmt.Errorf("feed %s: %w", w.Collection, perr.err)
		}

		if delivered > 0 {
			retry.Reset()
		}
		wait := retry.NextBackOff()
		if !apperrors.IsStoreUnavailable(err) {
			err = apperrors.StoreUnavailable("change feed interrupted", err)
		}
		log.Warn("Change feed interrupted, resubscribing", "error", err, "backoff", wait)

		select {
		case <-l.clock.After(wait):
		case <-ctx.Done():
			log.Info("Stopped watching collection")
			return nil
		}

		metrics.FeedReconnects.WithLabelValues(string(w.Collection)).Inc()
	}
}

// newBackoff doubles from minBackoff up to maxBackoff and never gives up.
func (l *Listener) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.minBackoff
	b.MaxInterval = l.maxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Clock = l.clock
	b.Reset()
	return b
}

// stream runs one subscription until it fails and reports how many events it
// delivered.
func (l *Listener) stream(ctx context.Context, w Watch) (int, error) {
	sub, err := l.store.Subscribe(ctx, w.Collection, w.Filter)
	if err != nil {
		return 0, err
	}
	defer sub.Close()

	l.setConnected(w.Collection, true)
	defer l.setConnected(w.Collection, false)

	delivered := 0
	for {
		change, err := sub.Next(ctx)
		if err != nil {
			return delivered, err
		}
		metrics.FeedEvents.WithLabelValues(string(w.Collection)).Inc()

		ev := protocol.FromChange(change)
		n, err := l.publisher.Publish(ctx, ev)
		if err != nil {
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			return delivered, &publishError{err: err}
		}
		delivered++

		slog.Debug("Published change", "collection", ev.Collection, "operation", ev.Operation, "key", ev.Key(), "clients", n)
	}
}
