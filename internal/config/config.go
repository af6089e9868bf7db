package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

type Config struct {
	Port      string `env:"PORT" default:"5000"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	StoreDriver   string `env:"STORE_DRIVER" default:"sqlite"`
	DBPath        string `env:"LIVEWIRE_DB_PATH" default:"./data/livewire.db"`
	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE" default:"livewire"`

	MaxWebSocketConnections int `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	ClientSendBuffer        int `env:"CLIENT_SEND_BUFFER" default:"256"`

	FeedPollInterval time.Duration `env:"FEED_POLL_INTERVAL" default:"500ms"`
	FeedReconnectMin time.Duration `env:"FEED_RECONNECT_MIN" default:"250ms"`
	FeedReconnectMax time.Duration `env:"FEED_RECONNECT_MAX" default:"30s"`

	CompactionInterval  time.Duration `env:"COMPACTION_INTERVAL" default:"5m"`
	CompactionThreshold int           `env:"COMPACTION_THRESHOLD" default:"10000"`
	CompactionKeep      int           `env:"COMPACTION_KEEP" default:"1000"`

	HTTPMutationsPerSecond float64 `env:"HTTP_MUTATIONS_PER_SECOND" default:"20"`
	HTTPMutationBurst      int     `env:"HTTP_MUTATION_BURST" default:"40"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.StoreDriver {
	case DriverSQLite:
		if cfg.DBPath == "" {
			return errors.New("LIVEWIRE_DB_PATH is required when STORE_DRIVER=sqlite")
		}
	case DriverMongo:
		if cfg.MongoURI == "" {
			return errors.New("MONGO_URI is required when STORE_DRIVER=mongo")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverSQLite, DriverMongo, cfg.StoreDriver)
	}

	if cfg.MaxWebSocketConnections <= 0 {
		return errors.New("MAX_WEBSOCKET_CONNECTIONS must be positive")
	}
	if cfg.ClientSendBuffer <= 0 {
		return errors.New("CLIENT_SEND_BUFFER must be positive")
	}
	if cfg.FeedReconnectMin <= 0 || cfg.FeedReconnectMax < cfg.FeedReconnectMin {
		return errors.New("FEED_RECONNECT_MIN must be positive and not exceed FEED_RECONNECT_MAX")
	}
	if cfg.CompactionKeep < 0 || cfg.CompactionThreshold < cfg.CompactionKeep {
		return errors.New("COMPACTION_THRESHOLD must be at least COMPACTION_KEEP")
	}
	if cfg.HTTPMutationsPerSecond <= 0 || cfg.HTTPMutationBurst <= 0 {
		return errors.New("HTTP_MUTATIONS_PER_SECOND and HTTP_MUTATION_BURST must be positive")
	}

	return nil
}
