package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/livewire/internal/metrics"
)

var (
	ErrRegistryFull   = errors.New("connection registry is full")
	ErrRegistryClosed = errors.New("connection registry is closed")
)

// Registry is the set of currently connected clients. The accept path adds to
// it, read/write failures and the hub's fan-out remove from it.
type Registry struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	max        int
	sendBuffer int
	closed     bool

	// Tracks running write pumps so shutdown can wait for close frames.
	pumps sync.WaitGroup
}

func NewRegistry(maxConnections, sendBuffer int) *Registry {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Registry{
		clients:    make(map[*Client]struct{}),
		max:        maxConnections,
		sendBuffer: sendBuffer,
	}
}

// Add registers c and reserves a slot for its write pump, which releases it
// on exit. It fails when the registry is at capacity or shutting down.
func (r *Registry) Add(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if r.max > 0 && len(r.clients) >= r.max {
		return ErrRegistryFull
	}
	r.pumps.Add(1)
	r.clients[c] = struct{}{}
	metrics.ConnectedClients.Set(float64(len(r.clients)))

	slog.Debug("Client registered", "client_id", c.id, "total_clients", len(r.clients))
	return nil
}

// Remove deregisters c and starts its teardown. Removing a client that is
// already gone is a no-op.
func (r *Registry) Remove(c *Client) {
	r.RemoveWithReason(c, websocket.CloseNormalClosure, "")
}

// RemoveWithReason is Remove with an explicit close code and reason for the
// close frame.
func (r *Registry) RemoveWithReason(c *Client, code int, reason string) {
	r.mu.Lock()
	_, ok := r.clients[c]
	if ok {
		delete(r.clients, c)
		metrics.ConnectedClients.Set(float64(len(r.clients)))
	}
	remaining := len(r.clients)
	r.mu.Unlock()

	if c.beginClose(code, reason) {
		slog.Debug("Client unregistered", "client_id", c.id, "reason", reason, "remaining_clients", remaining)
	}
}

// Snapshot returns the clients registered right now.
func (r *Registry) Snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CloseAll removes every client with the given reason and refuses new ones.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	r.closed = true
	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[*Client]struct{})
	metrics.ConnectedClients.Set(0)
	r.mu.Unlock()

	for _, c := range clients {
		c.beginClose(websocket.CloseGoingAway, reason)
	}
	slog.Info("Closed all client connections", "clients", len(clients), "reason", reason)
}

// Wait blocks until every write pump has exited or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pumps.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
