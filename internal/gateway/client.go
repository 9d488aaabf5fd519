package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskplane/taskplane/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Inbound traffic is only
	// subscription changes.
	maxMessageSize = 4 * 1024
)

// SubscriptionMessage is sent by clients to change what they receive.
// Subscribing to "*" follows the global index feed.
type SubscriptionMessage struct {
	Action  string   `json:"action"` // subscribe, unsubscribe
	TaskIDs []string `json:"taskIds"`
}

// Client is a single WebSocket connection.
type Client struct {
	ID      string
	conn    *websocket.Conn
	hub     *Hub
	send    chan []byte
	taskIDs map[string]bool
	mu      sync.RWMutex
	logger  *logger.Logger
}

// NewClient creates a client over an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:      id,
		conn:    conn,
		hub:     hub,
		send:    make(chan []byte, 256),
		taskIDs: make(map[string]bool),
		logger:  log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump consumes subscription messages until the connection drops.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			break
		}

		var msg SubscriptionMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Warn("invalid subscription message", zap.Error(err))
			continue
		}

		switch msg.Action {
		case "subscribe":
			for _, taskID := range msg.TaskIDs {
				c.Subscribe(taskID)
			}
		case "unsubscribe":
			for _, taskID := range msg.TaskIDs {
				c.Unsubscribe(taskID)
			}
		default:
			c.logger.Warn("unknown action", zap.String("action", msg.Action))
		}
	}
}

// WritePump pumps frames from the hub to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued frames into the same write.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Subscribe registers interest in a task id, or IndexFeed for the index.
func (c *Client) Subscribe(taskID string) {
	c.mu.Lock()
	c.taskIDs[taskID] = true
	c.mu.Unlock()
	c.hub.SubscribeClient(c, taskID)
	c.logger.Debug("subscribed", zap.String("task_id", taskID))
}

// Unsubscribe drops interest in a task id.
func (c *Client) Unsubscribe(taskID string) {
	c.mu.Lock()
	delete(c.taskIDs, taskID)
	c.mu.Unlock()
	c.hub.UnsubscribeClient(c, taskID)
	c.logger.Debug("unsubscribed", zap.String("task_id", taskID))
}

// IsSubscribed reports whether the client follows a task id.
func (c *Client) IsSubscribed(taskID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.taskIDs[taskID]
}
