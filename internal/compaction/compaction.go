package compaction

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/manpreetbhatti/livewire/internal/metrics"
)

// ChangeLog is a store whose change feed is backed by a prunable log.
type ChangeLog interface {
	ChangeCount(ctx context.Context) (int, error)
	PruneChanges(ctx context.Context, keep int) (int64, error)
}

type Config struct {
	Interval time.Duration
	// Threshold is the log size that triggers a prune.
	Threshold int
	// Keep is how many of the newest rows survive a prune.
	Keep int
}

func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Threshold: 10000,
		Keep:      1000,
	}
}

type Service struct {
	log    ChangeLog
	config Config
	clock  clockwork.Clock
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func New(log ChangeLog, config Config, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		log:    log,
		config: config,
		clock:  clock,
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	slog.Info("Compaction service started", "interval", s.config.Interval, "threshold", s.config.Threshold, "keep", s.config.Keep)
}

func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	slog.Info("Compaction service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.compact()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.Chan():
			s.compact()
		}
	}
}

func (s *Service) compact() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.CompactNow(ctx); err != nil {
		slog.Warn("Compaction failed", "error", err)
	}
}

// CompactNow prunes the change log if it has reached the threshold and
// returns how many rows were removed.
func (s *Service) CompactNow(ctx context.Context) (int64, error) {
	count, err := s.log.ChangeCount(ctx)
	if err != nil {
		return 0, err
	}
	if count < s.config.Threshold {
		return 0, nil
	}

	pruned, err := s.log.PruneChanges(ctx, s.config.Keep)
	if err != nil {
		return 0, err
	}

	metrics.ChangesPruned.Add(float64(pruned))
	slog.Info("Compacted change log", "rows", count, "pruned", pruned, "kept", s.config.Keep)
	return pruned, nil
}
