package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "5000", cfg.Port)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, "./data/livewire.db", cfg.DBPath)
	assert.Equal(t, 256, cfg.ClientSendBuffer)
	assert.Equal(t, 500*time.Millisecond, cfg.FeedPollInterval)
	assert.Equal(t, 30*time.Second, cfg.FeedReconnectMax)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongo")
	t.Setenv("MONGO_URI", "mongodb://localhost:27017/?replicaSet=rs0")
	t.Setenv("FEED_RECONNECT_MIN", "1s")
	t.Setenv("MAX_WEBSOCKET_CONNECTIONS", "50")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverMongo, cfg.StoreDriver)
	assert.Equal(t, "mongodb://localhost:27017/?replicaSet=rs0", cfg.MongoURI)
	assert.Equal(t, time.Second, cfg.FeedReconnectMin)
	assert.Equal(t, 50, cfg.MaxWebSocketConnections)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "unknown driver",
			env:     map[string]string{"STORE_DRIVER": "postgres"},
			wantErr: `STORE_DRIVER must be "sqlite" or "mongo", got "postgres"`,
		},
		{
			name:    "mongo without uri",
			env:     map[string]string{"STORE_DRIVER": "mongo"},
			wantErr: "MONGO_URI is required when STORE_DRIVER=mongo",
		},
		{
			name:    "reconnect bounds inverted",
			env:     map[string]string{"FEED_RECONNECT_MIN": "1m", "FEED_RECONNECT_MAX": "1s"},
			wantErr: "FEED_RECONNECT_MIN must be positive and not exceed FEED_RECONNECT_MAX",
		},
		{
			name:    "zero send buffer",
			env:     map[string]string{"CLIENT_SEND_BUFFER": "0"},
			wantErr: "CLIENT_SEND_BUFFER must be positive",
		},
		{
			name:    "keep above threshold",
			env:     map[string]string{"COMPACTION_THRESHOLD": "10", "COMPACTION_KEEP": "20"},
			wantErr: "COMPACTION_THRESHOLD must be at least COMPACTION_KEEP",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}
