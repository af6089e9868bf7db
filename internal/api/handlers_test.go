package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/livewire/internal/callstate"
	"github.com/manpreetbhatti/livewire/internal/db"
	"github.com/manpreetbhatti/livewire/internal/feed"
	"github.com/manpreetbhatti/livewire/internal/presence"
	"github.com/manpreetbhatti/livewire/internal/protocol"
	"github.com/manpreetbhatti/livewire/internal/ratelimit"
	"github.com/manpreetbhatti/livewire/internal/store"
	"github.com/manpreetbhatti/livewire/internal/ws"
)

type testEnv struct {
	api      *API
	handler  http.Handler
	database *db.Database
	registry *ws.Registry
	listener *feed.Listener
}

func setupTestAPI(t *testing.T, limiters *ratelimit.ClientLimiters) *testEnv {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), db.WithPollInterval(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	registry := ws.NewRegistry(100, 64)
	hub := ws.NewHub(registry)
	hubDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(hubDone)
	}()

	listener := feed.NewListener(database, hub)
	feedDone := make(chan struct{})
	go func() {
		_ = listener.Run(ctx)
		close(feedDone)
	}()

	if limiters == nil {
		limiters = ratelimit.NewClientLimiters(1000, 1000)
	}

	api := New(hub, database, presence.NewService(database), callstate.NewMerger(database, clockwork.NewRealClock()), listener, limiters)

	t.Cleanup(func() {
		cancel()
		<-feedDone
		<-hubDone
		limiters.Stop()
		database.Close()
	})

	return &testEnv{api: api, handler: api.Routes(), database: database, registry: registry, listener: listener}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func registerBody(id, email string) map[string]any {
	return map[string]any{
		"email":      email,
		"key":        "k-" + id,
		"password":   "hunter2",
		"userCallId": id,
		"userName":   "user " + id,
	}
}

func TestHealthHandler(t *testing.T) {
	env := setupTestAPI(t, nil)

	require.Eventually(t, func() bool {
		w := env.do(t, "GET", "/health", nil)
		return decode(t, w)["status"] == "ok"
	}, 2*time.Second, 10*time.Millisecond)

	w := env.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	feeds := decode(t, w)["feeds"].(map[string]any)
	assert.Equal(t, true, feeds["presence"])
	assert.Equal(t, true, feeds["call"])
}

func TestStatsHandler(t *testing.T) {
	env := setupTestAPI(t, nil)

	w := env.do(t, "GET", "/api/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode(t, w)
	assert.Equal(t, float64(0), resp["active_clients"])
	assert.Equal(t, float64(0), resp["presence_count"])
	assert.Contains(t, resp, "change_count")
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestAPI(t, nil)

	w := env.do(t, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "livewire_websocket_connected_clients")
}

func TestCreateLiveUser(t *testing.T) {
	env := setupTestAPI(t, nil)

	w := env.do(t, "POST", "/api/liveUsers", registerBody("u1", "a@example.com"))
	require.Equal(t, http.StatusCreated, w.Code)

	resp := decode(t, w)
	assert.Equal(t, "User created successfully", resp["message"])
	user := resp["user"].(map[string]any)
	assert.Equal(t, "u1", user["userCallId"])
	assert.Equal(t, float64(0), user["balance"])
	assert.Equal(t, false, user["isAdmin"])
	assert.NotContains(t, user, "password")
}

func TestCreateLiveUserErrors(t *testing.T) {
	env := setupTestAPI(t, nil)

	w := env.do(t, "POST", "/api/liveUsers", registerBody("u1", "a@example.com"))
	require.Equal(t, http.StatusCreated, w.Code)

	tests := []struct {
		name    string
		body    any
		status  int
		message string
	}{
		{
			name:    "duplicate email",
			body:    registerBody("u2", "a@example.com"),
			status:  http.StatusConflict,
			message: "record with this email already exists",
		},
		{
			name:   "duplicate userCallId",
			body:   registerBody("u1", "b@example.com"),
			status: http.StatusConflict,
		},
		{
			name:    "missing fields",
			body:    map[string]any{"email": "c@example.com"},
			status:  http.StatusBadRequest,
			message: "missing required fields: key, userCallId, userName",
		},
		{
			name:    "no body",
			status:  http.StatusBadRequest,
			message: "Request body is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/liveUsers", tt.body)
			assert.Equal(t, tt.status, w.Code)
			if tt.message != "" {
				assert.Equal(t, tt.message, decode(t, w)["error"])
			}
		})
	}
}

func TestGetLiveUser(t *testing.T) {
	env := setupTestAPI(t, nil)
	env.do(t, "POST", "/api/liveUsers", registerBody("u1", "a@example.com"))

	w := env.do(t, "GET", "/api/liveUsers/u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	user := decode(t, w)
	assert.Equal(t, "a@example.com", user["email"])
	assert.NotContains(t, user, "password")

	w = env.do(t, "GET", "/api/liveUsers/nobody", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListLiveUsersExcludesLoggedInUser(t *testing.T) {
	env := setupTestAPI(t, nil)
	env.do(t, "POST", "/api/liveUsers", registerBody("u1", "a@example.com"))
	env.do(t, "POST", "/api/liveUsers", registerBody("u2", "b@example.com"))
	env.do(t, "POST", "/api/liveUsers", registerBody("u3", "c@example.com"))

	w := env.do(t, "GET", "/api/liveUsers?loggedInEmail=b@example.com", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var users []map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&users))
	require.Len(t, users, 2)
	assert.Equal(t, "c@example.com", users[0]["email"])
	assert.Equal(t, "a@example.com", users[1]["email"])
}

func TestUpdateBalance(t *testing.T) {
	env := setupTestAPI(t, nil)
	env.do(t, "POST", "/api/liveUsers", registerBody("u1", "a@example.com"))

	w := env.do(t, "PUT", "/api/liveUsers/u1/balance", map[string]any{"updatedBalance": 42.5})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 42.5, decode(t, w)["user"].(map[string]any)["balance"])

	w = env.do(t, "PUT", "/api/liveUsers/nobody/balance", map[string]any{"updatedBalance": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, "PUT", "/api/liveUsers/u1/balance", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReportCallStatus(t *testing.T) {
	env := setupTestAPI(t, nil)

	w := env.do(t, "POST", "/api/calls/c1", map[string]any{"userId": "u1", "status": "joined"})
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, "POST", "/api/calls/c1", map[string]any{"userId": "u2", "status": "ringing"})
	require.Equal(t, http.StatusOK, w.Code)

	call := decode(t, w)["call"].(map[string]any)
	assert.Equal(t, "c1", call["callId"])
	assert.Equal(t, "joined", call["u1"])
	assert.Equal(t, "ringing", call["u2"])
	assert.Equal(t, "ringing", call["status"])

	w = env.do(t, "POST", "/api/calls/c1", map[string]any{"userId": "status", "status": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "GET", "/api/calls/c1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ringing", decode(t, w)["status"])

	w = env.do(t, "GET", "/api/calls/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMutationsAreRateLimited(t *testing.T) {
	env := setupTestAPI(t, ratelimit.NewClientLimiters(0.001, 1))

	w := env.do(t, "POST", "/api/calls/c1", map[string]any{"userId": "u1", "status": "joined"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, "POST", "/api/calls/c1", map[string]any{"userId": "u1", "status": "left"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Reads are not limited.
	w = env.do(t, "GET", "/api/calls/c1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := setupTestAPI(t, nil)

	w := env.do(t, "OPTIONS", "/api/liveUsers", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.ChangeEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	ev, err := protocol.Decode(data)
	require.NoError(t, err)
	return ev
}

// Two subscribers see a registration and a balance change in order.
func TestLiveUpdatesEndToEnd(t *testing.T) {
	env := setupTestAPI(t, nil)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	var conns []*websocket.Conn
	for i := 0; i < 2; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()
		conns = append(conns, conn)
	}

	require.Eventually(t, func() bool {
		status := env.listener.Status()
		return env.registry.Count() == 2 && status["presence"] && status["call"]
	}, 3*time.Second, 10*time.Millisecond)

	post := func(method, path string, body any) int {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
		req, err := http.NewRequest(method, srv.URL+path, &buf)
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	require.Equal(t, http.StatusCreated, post("POST", "/api/liveUsers", registerBody("u1", "a@example.com")))
	require.Equal(t, http.StatusOK, post("PUT", "/api/liveUsers/u1/balance", map[string]any{"updatedBalance": 50}))

	for i, conn := range conns {
		inserted := readEvent(t, conn)
		assert.Equal(t, store.Presence, inserted.Collection, "client %d", i)
		assert.Equal(t, store.OpInsert, inserted.Operation)
		assert.Equal(t, "u1", inserted.Key())
		assert.NotContains(t, inserted.FullDocument, "password")

		updated := readEvent(t, conn)
		assert.Equal(t, store.OpUpdate, updated.Operation)
		assert.Equal(t, "u1", updated.Key())
		assert.Equal(t, float64(50), updated.UpdatedFields[store.FieldBalance])
		assert.Equal(t, float64(50), updated.FullDocument[store.FieldBalance])
	}
}
