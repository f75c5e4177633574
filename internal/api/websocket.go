package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"miniquant/internal/logger"
	"miniquant/internal/monitoring"
	"miniquant/internal/orchestrator"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WebSocketHandler streams sweep progress over websocket connections
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	tasks    TaskService
	clients  map[string]*Client
	mu       sync.RWMutex
	metrics  *monitoring.Metrics
}

// Client represents a WebSocket client
type Client struct {
	ID     string
	TaskID uuid.UUID
	Conn   *websocket.Conn
	Send   chan Message
}

// Message represents a WebSocket message
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	Time time.Time   `json:"time"`
}

// Message types
const (
	MessageTypeConnected = "connected"
	MessageTypeProgress  = "progress"
	MessageTypeFinished  = "finished"
)

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(upgrader websocket.Upgrader, tasks TaskService, metrics *monitoring.Metrics) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: upgrader,
		tasks:    tasks,
		clients:  make(map[string]*Client),
		metrics:  metrics,
	}
}

// @Summary Stream sweep progress
// @Description Upgrades to a websocket and pushes progress events until the sweep finishes
// @Tags WebSocket
// @Param id path string true "Task ID"
// @Router /ws/runs/{id} [get]
func (h *WebSocketHandler) RunStream(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}

	// 升级前订阅，未知任务仍返回普通 JSON 错误
	events, unsubscribe, err := h.tasks.Subscribe(c.Request.Context(), id)
	if err != nil {
		c.Error(err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		unsubscribe()
		logger.Warn("Failed to upgrade connection", "task_id", id.String(), "error", err)
		return
	}

	client := &Client{
		ID:     uuid.NewString(),
		TaskID: id,
		Conn:   conn,
		Send:   make(chan Message, 16),
	}
	h.registerClient(client)

	ctx, cancel := context.WithCancel(context.Background())
	go client.readPump(cancel)
	go h.forward(ctx, client, events, unsubscribe)
	client.writePump(ctx)
	h.unregisterClient(client)
}

// forward turns task events into messages until the terminal one
func (h *WebSocketHandler) forward(ctx context.Context, client *Client, events <-chan orchestrator.Event, unsubscribe func()) {
	defer unsubscribe()
	defer close(client.Send)

	connected := Message{
		Type: MessageTypeConnected,
		Data: gin.H{"task_id": client.TaskID.String(), "client_id": client.ID},
		Time: time.Now(),
	}
	select {
	case client.Send <- connected:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg := Message{Type: MessageTypeProgress, Data: ev, Time: ev.Timestamp}
			if ev.Status.Terminal() {
				msg.Type = MessageTypeFinished
			}
			select {
			case client.Send <- msg:
			case <-ctx.Done():
				return
			}
			if ev.Status.Terminal() {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// registerClient registers a new client
func (h *WebSocketHandler) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	h.setActive()
}

// unregisterClient unregisters a client
func (h *WebSocketHandler) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client.ID)
	h.setActive()
}

func (h *WebSocketHandler) setActive() {
	if h.metrics != nil {
		h.metrics.SetActiveConnections(float64(len(h.clients)))
	}
}

// Clients returns the number of open connections
func (h *WebSocketHandler) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// writePump pumps messages from the send channel to the websocket connection.
// A closed Send channel ends the stream with a normal close frame.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "sweep finished"))
				return
			}
			if err := c.Conn.WriteJSON(message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readPump drains control frames. Clients send nothing meaningful; a read
// error means the peer is gone.
func (c *Client) readPump(cancel context.CancelFunc) {
	defer cancel()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket read error", "client_id", c.ID, "error", err)
			}
			return
		}
	}
}

func defaultUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}
