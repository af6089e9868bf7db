package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/manpreetbhatti/livewire/internal/api"
	"github.com/manpreetbhatti/livewire/internal/callstate"
	"github.com/manpreetbhatti/livewire/internal/compaction"
	"github.com/manpreetbhatti/livewire/internal/config"
	"github.com/manpreetbhatti/livewire/internal/db"
	"github.com/manpreetbhatti/livewire/internal/feed"
	"github.com/manpreetbhatti/livewire/internal/logging"
	"github.com/manpreetbhatti/livewire/internal/mongo"
	"github.com/manpreetbhatti/livewire/internal/presence"
	"github.com/manpreetbhatti/livewire/internal/ratelimit"
	"github.com/manpreetbhatti/livewire/internal/store"
	"github.com/manpreetbhatti/livewire/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	clock := clockwork.NewRealClock()

	st, compactor, err := openStore(ctx, cfg, clock)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("Failed to close store", "error", err)
		}
	}()

	registry := ws.NewRegistry(cfg.MaxWebSocketConnections, cfg.ClientSendBuffer)
	hub := ws.NewHub(registry)

	listener := feed.NewListener(st, hub,
		feed.WithClock(clock),
		feed.WithBackoff(cfg.FeedReconnectMin, cfg.FeedReconnectMax),
	)

	limiters := ratelimit.NewClientLimiters(cfg.HTTPMutationsPerSecond, cfg.HTTPMutationBurst, ratelimit.WithClock(clock))
	defer limiters.Stop()

	apiHandler := api.New(hub, st, presence.NewService(st), callstate.NewMerger(st, clock), listener, limiters)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           apiHandler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if compactor != nil {
		compactor.Start()
		defer compactor.Stop()
	}

	slog.Info("Livewire server starting",
		"port", cfg.Port,
		"store", cfg.StoreDriver,
		"max_connections", cfg.MaxWebSocketConnections,
	)
	slog.Info("Endpoints",
		"websocket", "GET /ws",
		"live_users", "GET/POST /api/liveUsers, GET /api/liveUsers/{userCallId}, PUT /api/liveUsers/{userCallId}/balance",
		"calls", "GET/POST /api/calls/{callId}",
		"ops", "GET /health, GET /api/stats, GET /metrics",
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		return listener.Run(gctx)
	})

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP shutdown did not complete", "error", err)
		}
		if err := registry.Wait(shutdownCtx); err != nil {
			slog.Warn("Timed out waiting for client connections to close", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// openStore connects the configured backend. The SQLite store also gets a
// compaction service for its change log.
func openStore(ctx context.Context, cfg *config.Config, clock clockwork.Clock) (store.Store, *compaction.Service, error) {
	switch cfg.StoreDriver {
	case config.DriverMongo:
		st, err := mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, mongo.WithClock(clock))
		if err != nil {
			return nil, nil, err
		}
		return st, nil, nil

	default:
		database, err := db.New(cfg.DBPath, db.WithClock(clock), db.WithPollInterval(cfg.FeedPollInterval))
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Opened SQLite store", "path", cfg.DBPath)

		compactor := compaction.New(database, compaction.Config{
			Interval:  cfg.CompactionInterval,
			Threshold: cfg.CompactionThreshold,
			Keep:      cfg.CompactionKeep,
		}, clock)
		return database, compactor, nil
	}
}
