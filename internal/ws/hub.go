package ws

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/livewire/internal/metrics"
	"github.com/manpreetbhatti/livewire/internal/protocol"
)

var ErrHubStopped = errors.New("hub is not running")

type publishRequest struct {
	event     protocol.ChangeEvent
	delivered chan int
}

// Hub fans change events out to every registered client. Events are processed
// one at a time in the order Publish is called.
type Hub struct {
	registry *Registry
	events   chan publishRequest
	stopped  chan struct{}
}

func NewHub(registry *Registry) *Hub {
	return &Hub{
		registry: registry,
		events:   make(chan publishRequest),
		stopped:  make(chan struct{}),
	}
}

func (h *Hub) Registry() *Registry {
	return h.registry
}

// Run processes published events until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case <-ctx.Done():
			h.registry.CloseAll("server shutting down")
			return

		case req := <-h.events:
			req.delivered <- h.broadcast(req.event)
		}
	}
}

// Publish hands ev to the hub and blocks until it has been enqueued for every
// client connected at that moment. It returns how many clients accepted it.
func (h *Hub) Publish(ctx context.Context, ev protocol.ChangeEvent) (int, error) {
	req := publishRequest{event: ev, delivered: make(chan int, 1)}

	select {
	case h.events <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.stopped:
		return 0, ErrHubStopped
	}

	return <-req.delivered, nil
}

func (h *Hub) broadcast(ev protocol.ChangeEvent) int {
	data, err := ev.Encode()
	if err != nil {
		slog.Error("Failed to encode change event", "collection", ev.Collection, "key", ev.Key(), "error", err)
		return 0
	}

	start := time.Now()
	clients := h.registry.Snapshot()

	delivered := 0
	var slow []*Client
	for _, c := range clients {
		switch {
		case c.enqueue(data):
			delivered++
		case c.State() != StateOpen:
			// Already on its way out; its pumps finish the removal.
		default:
			slow = append(slow, c)
		}
	}

	for _, c := range slow {
		metrics.DeliveryFailures.WithLabelValues("queue_full").Inc()
		slog.Warn("Dropping slow client", "client_id", c.id, "collection", ev.Collection, "key", ev.Key())
		h.registry.RemoveWithReason(c, websocket.ClosePolicyViolation, "client too slow")
	}

	metrics.FanoutDuration.Observe(time.Since(start).Seconds())
	metrics.EventsBroadcast.WithLabelValues(string(ev.Collection)).Inc()

	slog.Debug("Broadcast change event",
		"collection", ev.Collection,
		"operation", ev.Operation,
		"key", ev.Key(),
		"delivered", delivered,
		"dropped", len(slow),
	)
	return delivered
}
