package ws

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	apperrors "github.com/manpreetbhatti/livewire/internal/errors"
	"github.com/manpreetbhatti/livewire/internal/metrics"
	"github.com/manpreetbhatti/livewire/internal/ratelimit"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 4096
	messagesPerSecond = 10
	messageBurst      = 20
	defaultSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// State is the lifecycle of one connection: Open -> Closing -> Closed.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Client struct {
	id          string
	conn        *websocket.Conn
	registry    *Registry
	send        chan []byte
	done        chan struct{}
	rateLimiter *rate.Limiter

	mu          sync.Mutex
	state       State
	closeCode   int
	closeReason string
}

func newClient(conn *websocket.Conn, registry *Registry) *Client {
	return &Client{
		id:          uuid.NewString(),
		conn:        conn,
		registry:    registry,
		send:        make(chan []byte, registry.sendBuffer),
		done:        make(chan struct{}),
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
		state:       StateOpen,
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// enqueue hands a frame to the write pump without blocking. It fails when the
// client is no longer open or its queue is full.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// beginClose moves the client from Open to Closing and reports whether this
// call made the transition.
func (c *Client) beginClose(code int, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen {
		return false
	}
	c.state = StateClosing
	c.closeCode = code
	c.closeReason = reason
	close(c.done)
	return true
}

func (c *Client) finishClose() {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
}

// ServeWs upgrades the request and registers the connection with the hub.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	registry := hub.registry
	client := newClient(conn, registry)

	if err := registry.Add(client); err != nil {
		metrics.ConnectionsRejected.Inc()
		slog.Warn("Rejecting WebSocket connection", "remote_addr", conn.RemoteAddr().String(), "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	slog.Info("New WebSocket connection", "client_id", client.id, "remote_addr", conn.RemoteAddr().String())

	go client.writePump()
	go client.readPump()
}

// readPump consumes inbound frames. Clients have nothing to tell the server,
// so messages are only rate limited and counted; the pump exists to observe
// close frames and keep the pong deadline moving.
func (c *Client) readPump() {
	defer c.registry.Remove(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("WebSocket read error", "client_id", c.id, "error", err)
			}
			return
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			metrics.InboundMessages.WithLabelValues("rate_limited").Inc()
			if rateLimitWarnings%100 == 1 {
				slog.Warn("Rate limit exceeded for client", "client_id", c.id, "warnings", rateLimitWarnings)
			}
			if rateLimitWarnings > 1000 {
				slog.Warn("Disconnecting client for excessive rate limit violations", "client_id", c.id)
				c.registry.RemoveWithReason(c, websocket.ClosePolicyViolation, "rate limit exceeded")
				return
			}
			continue
		}

		metrics.InboundMessages.WithLabelValues("accepted").Inc()
		slog.Debug("Received client message", "client_id", c.id, "bytes", len(message))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.finishClose()
		c.registry.pumps.Done()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.deliveryFailed("write", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.deliveryFailed("ping", err)
				return
			}

		case <-c.done:
			c.mu.Lock()
			code, reason := c.closeCode, c.closeReason
			c.mu.Unlock()

			msg := websocket.FormatCloseMessage(code, reason)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Client) deliveryFailed(reason string, err error) {
	derr := apperrors.Delivery(reason+" failed", err).WithContext("client_id", c.id)
	metrics.DeliveryFailures.WithLabelValues(reason).Inc()
	slog.Warn("Client delivery failed", "client_id", c.id, "error", derr)
	c.registry.Remove(c)
}
