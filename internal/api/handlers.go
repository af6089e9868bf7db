package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manpreetbhatti/livewire/internal/callstate"
	apperrors "github.com/manpreetbhatti/livewire/internal/errors"
	"github.com/manpreetbhatti/livewire/internal/metrics"
	"github.com/manpreetbhatti/livewire/internal/presence"
	"github.com/manpreetbhatti/livewire/internal/ratelimit"
	"github.com/manpreetbhatti/livewire/internal/store"
	"github.com/manpreetbhatti/livewire/internal/ws"
)

const maxBodyBytes = 1 << 20

// FeedStatus reports which collection feeds are currently subscribed.
type FeedStatus interface {
	Status() map[string]bool
}

type API struct {
	hub      *ws.Hub
	store    store.Store
	presence *presence.Service
	calls    *callstate.Merger
	feed     FeedStatus
	limiters *ratelimit.ClientLimiters
}

func New(hub *ws.Hub, st store.Store, presenceSvc *presence.Service, calls *callstate.Merger, feed FeedStatus, limiters *ratelimit.ClientLimiters) *API {
	return &API{
		hub:      hub,
		store:    st,
		presence: presenceSvc,
		calls:    calls,
		feed:     feed,
		limiters: limiters,
	}
}

// Routes returns the complete HTTP surface, CORS included.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(a.hub, w, r)
	})
	mux.HandleFunc("GET /health", a.HealthHandler)
	mux.HandleFunc("GET /api/stats", a.StatsHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/liveUsers", a.ListLiveUsersHandler)
	mux.HandleFunc("GET /api/liveUsers/{userCallId}", a.GetLiveUserHandler)
	mux.HandleFunc("POST /api/liveUsers", a.limitMutations(a.CreateLiveUserHandler))
	mux.HandleFunc("PUT /api/liveUsers/{userCallId}/balance", a.limitMutations(a.UpdateBalanceHandler))

	mux.HandleFunc("GET /api/calls/{callId}", a.GetCallHandler)
	mux.HandleFunc("POST /api/calls/{callId}", a.limitMutations(a.ReportCallStatusHandler))

	return corsMiddleware(mux)
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Error encoding JSON response", "error", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

// storeError writes the response for a failed service call.
func storeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	metrics.StoreErrors.WithLabelValues(string(apperrors.TypeOf(err))).Inc()

	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		if apperrors.IsStoreUnavailable(err) {
			errorResponse(w, status, "Store unavailable")
			return
		}
		errorResponse(w, status, "Internal server error")
		return
	}

	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		errorResponse(w, status, appErr.Message)
		return
	}
	errorResponse(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			errorResponse(w, http.StatusBadRequest, "Request body is required")
		} else {
			errorResponse(w, http.StatusBadRequest, "Invalid request body")
		}
		return false
	}
	return true
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	feeds := map[string]bool{}
	if a.feed != nil {
		feeds = a.feed.Status()
		for _, connected := range feeds {
			if !connected {
				status = "degraded"
			}
		}
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"feeds":     feeds,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_clients": a.hub.Registry().Count(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	storeStats, err := a.store.Stats(r.Context())
	if err != nil {
		slog.Warn("Failed to read store stats", "error", err)
	} else {
		for k, v := range storeStats {
			stats[k] = v
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

// Live users

func (a *API) GetLiveUserHandler(w http.ResponseWriter, r *http.Request) {
	user, err := a.presence.Get(r.Context(), r.PathValue("userCallId"))
	if err != nil {
		storeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, user)
}

func (a *API) CreateLiveUserHandler(w http.ResponseWriter, r *http.Request) {
	var req presence.RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := a.presence.Register(r.Context(), req)
	if err != nil {
		storeError(w, r, err)
		return
	}

	slog.Info("Registered live user", "user_call_id", user.UserCallID)
	jsonResponse(w, http.StatusCreated, map[string]interface{}{
		"message": "User created successfully",
		"user":    user,
	})
}

func (a *API) ListLiveUsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := a.presence.ListExcept(r.Context(), r.URL.Query().Get("loggedInEmail"))
	if err != nil {
		storeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, users)
}

type UpdateBalanceRequest struct {
	UpdatedBalance *float64 `json:"updatedBalance"`
}

func (a *API) UpdateBalanceHandler(w http.ResponseWriter, r *http.Request) {
	var req UpdateBalanceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UpdatedBalance == nil {
		errorResponse(w, http.StatusBadRequest, "updatedBalance is required")
		return
	}

	user, err := a.presence.UpdateBalance(r.Context(), r.PathValue("userCallId"), *req.UpdatedBalance)
	if err != nil {
		storeError(w, r, err)
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"message": "Balance updated successfully",
		"user":    user,
	})
}

// Calls

type ReportStatusRequest struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

func (a *API) ReportCallStatusHandler(w http.ResponseWriter, r *http.Request) {
	var req ReportStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}

	call, err := a.calls.Report(r.Context(), r.PathValue("callId"), req.UserID, req.Status)
	if err != nil {
		storeError(w, r, err)
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"message": "Call state updated successfully",
		"call":    call,
	})
}

func (a *API) GetCallHandler(w http.ResponseWriter, r *http.Request) {
	call, err := a.calls.Get(r.Context(), r.PathValue("callId"))
	if err != nil {
		storeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, call)
}

// Middleware

func (a *API) limitMutations(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.limiters != nil && !a.limiters.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			errorResponse(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next(w, r)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
