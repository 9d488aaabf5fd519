// Package gateway bridges the event bus onto WebSocket connections so
// dashboards can follow task activity without polling the HTTP API.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskplane/taskplane/internal/common/logger"
	"github.com/taskplane/taskplane/internal/events"
	"github.com/taskplane/taskplane/internal/events/bus"
	v1 "github.com/taskplane/taskplane/pkg/api/v1"
)

// IndexFeed is the subscription key for the global index: record snapshots
// and deletions for every task, without per-task log events.
const IndexFeed = "*"

// Frame is the envelope relayed to gateway clients.
type Frame struct {
	Subject   string    `json:"subject"`
	Type      string    `json:"type"`
	TaskID    string    `json:"taskId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type broadcast struct {
	frame *Frame
	index bool // record-level change, also fans out to index subscribers
}

// Hub tracks WebSocket clients and routes bus traffic to them.
type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Clients by task id for message routing. The IndexFeed key holds
	// clients following the global index.
	taskClients map[string]map[*Client]bool

	unregister chan *Client
	broadcasts chan *broadcast

	bus  bus.EventBus
	subs []bus.Subscription

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub over an open event bus.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		taskClients: make(map[string]map[*Client]bool),
		unregister:  make(chan *Client),
		broadcasts:  make(chan *broadcast, 256),
		bus:         eventBus,
		logger:      log.WithComponent("ws-hub"),
	}
}

// Start subscribes to the task subjects and launches the routing loop. The
// hub runs until ctx is cancelled.
func (h *Hub) Start(ctx context.Context) error {
	bridges := []struct {
		subject string
		root    string
		index   bool
	}{
		{events.BuildTaskUpdatedWildcardSubject(), events.TaskUpdated, true},
		{events.BuildTaskDeletedWildcardSubject(), events.TaskDeleted, true},
		{events.BuildTaskEventsWildcardSubject(), events.TaskEvents, false},
	}
	for _, b := range bridges {
		root, index := b.root, b.index
		sub, err := h.bus.Subscribe(b.subject, func(_ context.Context, event *bus.Event) error {
			h.relay(root, index, event)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", b.subject, err)
		}
		h.subs = append(h.subs, sub)
	}

	go h.run(ctx)
	return nil
}

// relay converts a bus event into a client frame and queues it for routing.
// When the routing loop is saturated the frame is dropped: the HTTP streams
// are the durable feeds, the gateway mirrors them.
func (h *Hub) relay(root string, index bool, event *bus.Event) {
	taskID := taskIDFromData(event.Data)
	if taskID == "" {
		h.logger.Warn("dropping bus event without a task id",
			zap.String("event_type", event.Type))
		return
	}

	frame := &Frame{
		Subject:   root + "." + taskID,
		Type:      event.Type,
		TaskID:    taskID,
		Timestamp: event.Timestamp,
		Data:      event.Data,
	}
	select {
	case h.broadcasts <- &broadcast{frame: frame, index: index}:
	default:
		h.logger.Warn("broadcast queue full, dropping frame",
			zap.String("subject", frame.Subject))
	}
}

func (h *Hub) run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.unregister:
			h.mu.Lock()
			h.dropLocked(client)
			h.mu.Unlock()
			h.logger.Debug("client unregistered", zap.String("client_id", client.ID))

		case msg := <-h.broadcasts:
			h.routeFrame(msg)
		}
	}
}

// shutdown unsubscribes from the bus and closes every client.
func (h *Hub) shutdown() {
	for _, sub := range h.subs {
		_ = sub.Unsubscribe()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.taskClients = make(map[string]map[*Client]bool)
}

// dropLocked removes a client from the roster and every subscription set.
// Callers hold h.mu. Safe to call twice: the roster check guards the close,
// while the subscription sweep always runs.
func (h *Hub) dropLocked(client *Client) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	for taskID, clients := range h.taskClients {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.taskClients, taskID)
		}
	}
}

// routeFrame delivers a frame to the task's subscribers, plus index
// subscribers for record-level changes. Clients that cannot keep up are
// evicted.
func (h *Hub) routeFrame(msg *broadcast) {
	h.mu.RLock()
	targets := make(map[*Client]bool, len(h.taskClients[msg.frame.TaskID]))
	for client := range h.taskClients[msg.frame.TaskID] {
		targets[client] = true
	}
	if msg.index {
		for client := range h.taskClients[IndexFeed] {
			targets[client] = true
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(msg.frame)
	if err != nil {
		h.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}

	for client := range targets {
		select {
		case client.send <- data:
		default:
			// Send buffer full: the client stopped reading.
			h.mu.Lock()
			h.dropLocked(client)
			h.mu.Unlock()
			h.logger.Warn("evicted slow client", zap.String("client_id", client.ID))
		}
	}
}

// Register adds a client to the roster. It is synchronous: once it returns,
// SubscribeClient accepts the client.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	h.logger.Debug("client registered", zap.String("client_id", client.ID))
}

// Unregister removes a client from the hub. Removal runs on the routing loop
// so a send channel never closes between routeFrame collecting its targets
// and delivering to them.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// SubscribeClient subscribes a client to a task id, or to IndexFeed. Clients
// outside the roster are ignored: an evicted client's send channel is closed,
// and a subscription would route frames into it.
func (h *Hub) SubscribeClient(client *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	if _, ok := h.taskClients[taskID]; !ok {
		h.taskClients[taskID] = make(map[*Client]bool)
	}
	h.taskClients[taskID][client] = true
}

// UnsubscribeClient drops a client's subscription to a task id.
func (h *Hub) UnsubscribeClient(client *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.taskClients[taskID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.taskClients, taskID)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns the number of clients following a task id.
func (h *Hub) SubscriberCount(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.taskClients[taskID])
}

// taskIDFromData recovers the task id from a bus payload. The in-memory bus
// delivers the typed values the broadcaster published; NATS delivery decodes
// into generic maps.
func taskIDFromData(data any) string {
	switch d := data.(type) {
	case *v1.Task:
		return d.ID
	case *v1.TaskEvent:
		return d.TaskID
	case map[string]string:
		return d["taskId"]
	case map[string]any:
		if id, ok := d["taskId"].(string); ok {
			return id
		}
		if id, ok := d["id"].(string); ok {
			return id
		}
	}
	return ""
}
