package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/yourusername/convertmaster-go/internal/domain"
	"go.uber.org/zap"
)

const (
	clientBuffer = 64
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Access is enforced by the auth middleware
	},
}

type eventClient struct {
	jobID string // empty receives every job
	send  chan []byte
}

// EventHub streams job events to WebSocket clients. It is a ProgressReporter.
type EventHub struct {
	logger  *zap.Logger
	mu      sync.Mutex
	clients map[*eventClient]struct{}
	closed  bool
}

// NewEventHub creates a new event hub
func NewEventHub(log *zap.Logger) *EventHub {
	return &EventHub{
		logger:  log,
		clients: make(map[*eventClient]struct{}),
	}
}

// OnProgress broadcasts a progress event
func (h *EventHub) OnProgress(event domain.ProgressEvent) {
	h.broadcast(domain.NewProgressJobEvent(event))
}

// OnTerminal broadcasts a terminal event
func (h *EventHub) OnTerminal(jobID string, outcome domain.Outcome) {
	h.broadcast(domain.NewTerminalJobEvent(jobID, outcome))
}

// ClientCount returns the number of connected clients
func (h *EventHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		h.drop(client)
	}
}

// broadcast queues event for every interested client; clients that fall behind are disconnected
func (h *EventHub) broadcast(event domain.JobEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal job event", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if client.jobID != "" && client.jobID != event.JobID {
			continue
		}
		select {
		case client.send <- data:
		default:
			h.logger.Warn("Event client too slow, disconnecting", zap.String("job_filter", client.jobID))
			h.drop(client)
		}
	}
}

func (h *EventHub) register(jobID string) (*eventClient, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	client := &eventClient{jobID: jobID, send: make(chan []byte, clientBuffer)}
	h.clients[client] = struct{}{}
	return client, true
}

func (h *EventHub) unregister(client *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(client)
}

// drop removes client; h.mu must be held
func (h *EventHub) drop(client *eventClient) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// HandleWebSocket handles GET /api/v1/events?job_id=...
func (h *EventHub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket", zap.Error(err))
		return
	}
	defer conn.Close()

	client, ok := h.register(c.Query("job_id"))
	if !ok {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		return
	}
	defer h.unregister(client)

	h.logger.Info("WebSocket client connected",
		zap.String("job_filter", client.jobID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	// Read messages from client so close frames and pongs are processed
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-client.send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("Failed to send job event", zap.Error(err))
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
