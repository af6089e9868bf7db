package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	defaultIdle            = 10 * time.Minute
	defaultCleanupInterval = 5 * time.Minute
)

// NewLimiter returns a token bucket refilled at perSecond with the given burst.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientLimiters hands out one limiter per client key (remote IP for HTTP
// mutations) and forgets keys that have been idle for a while.
type ClientLimiters struct {
	limiters map[string]*entry
	rate     float64
	burst    int
	idle     time.Duration
	mu       sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
	clock    clockwork.Clock
}

type Option func(*ClientLimiters)

// WithClock replaces the wall clock used for token refill and idle eviction.
func WithClock(clock clockwork.Clock) Option {
	return func(cl *ClientLimiters) {
		cl.clock = clock
	}
}

func NewClientLimiters(perSecond float64, burst int, opts ...Option) *ClientLimiters {
	cl := &ClientLimiters{
		limiters: make(map[string]*entry),
		rate:     perSecond,
		burst:    burst,
		idle:     defaultIdle,
		stop:     make(chan struct{}),
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(cl)
	}
	go cl.cleanup(defaultCleanupInterval)
	return cl
}

// Allow reports whether the client identified by key may proceed now.
func (cl *ClientLimiters) Allow(key string) bool {
	return cl.Get(key).AllowN(cl.clock.Now(), 1)
}

func (cl *ClientLimiters) Get(key string) *rate.Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	e, ok := cl.limiters[key]
	if !ok {
		e = &entry{limiter: NewLimiter(cl.rate, cl.burst)}
		cl.limiters[key] = e
	}
	e.lastSeen = cl.clock.Now()
	return e.limiter
}

func (cl *ClientLimiters) Remove(key string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.limiters, key)
}

func (cl *ClientLimiters) Len() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.limiters)
}

func (cl *ClientLimiters) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}

func (cl *ClientLimiters) cleanup(interval time.Duration) {
	ticker := cl.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.Chan():
			cl.evictIdle()
		}
	}
}

func (cl *ClientLimiters) evictIdle() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cutoff := cl.clock.Now().Add(-cl.idle)
	for key, e := range cl.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(cl.limiters, key)
		}
	}
}
