package notifyws

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"time"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/saeid-a/LessonMarketBack/internal/models"
)

// Hub fans delivered notifications out to the live connections of their
// recipient. User-addressed notifications go to that user's connections,
// role-addressed ones to every connection opened under the role.
type Hub struct {
	mu         sync.RWMutex
	clients    map[int64]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan models.Notification
}

type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID int64
	role   models.Role
	send   chan []byte
}

type reader interface {
	MarkNotificationRead(ctx context.Context, userID int64, role models.Role, notificationID int64) (*models.Notification, error)
}

type Message struct {
	Type         string               `json:"type"`
	Notification *models.Notification `json:"notification,omitempty"`
	Content      string               `json:"content,omitempty"`
	Timestamp    string               `json:"timestamp"`
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[int64]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan models.Notification, 64),
	}
}

func NewClient(hub *Hub, conn *websocket.Conn, userID int64, role models.Role) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		userID: userID,
		role:   role,
		send:   make(chan []byte, 32),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case client := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[client.userID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.userID] = set
			}
			set[client] = struct{}{}
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
		case notification := <-h.broadcast:
			h.deliver(notification)
		}
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Push queues a notification for live delivery. It never blocks; when the
// buffer is full the notification is only available through the list endpoint.
func (h *Hub) Push(notification models.Notification) {
	select {
	case h.broadcast <- notification:
	default:
		log.Printf("notify hub: buffer full, dropping live push of notification %d", notification.ID)
	}
}

// Online reports how many connections are open for userID.
func (h *Hub) Online(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) deliver(notification models.Notification) {
	encoded, err := json.Marshal(Message{
		Type:         "notification",
		Notification: &notification,
		Timestamp:    formatTimestamp(notification.CreatedAt),
	})
	if err != nil {
		log.Printf("notify hub encode notification: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if notification.UserID != nil {
		h.sendToUser(*notification.UserID, encoded)
		return
	}
	if notification.Role == nil {
		return
	}
	for userID, set := range h.clients {
		for client := range set {
			if client.role == *notification.Role {
				h.sendToClient(userID, client, encoded)
			}
		}
	}
}

func (h *Hub) sendToUser(userID int64, payload []byte) {
	for client := range h.clients[userID] {
		h.sendToClient(userID, client, payload)
	}
}

func (h *Hub) sendToClient(userID int64, client *Client, payload []byte) {
	select {
	case client.send <- payload:
	default:
		set := h.clients[userID]
		delete(set, client)
		close(client.send)
		if len(set) == 0 {
			delete(h.clients, userID)
		}
	}
}

func (h *Hub) remove(client *Client) {
	set, ok := h.clients[client.userID]
	if !ok {
		return
	}
	if _, exists := set[client]; exists {
		delete(set, client)
		close(client.send)
	}
	if len(set) == 0 {
		delete(h.clients, client.userID)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, set := range h.clients {
		for client := range set {
			close(client.send)
		}
		delete(h.clients, userID)
	}
}

// ReadPump handles the inbound side of a connection. Clients may acknowledge a
// notification with {"type":"read","notification_id":"<id>"}.
func (c *Client) ReadPump(service reader) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var incoming struct {
			Type           string `json:"type"`
			NotificationID string `json:"notification_id"`
		}
		if err := json.Unmarshal(payload, &incoming); err != nil {
			writeError(c, "invalid message payload")
			continue
		}

		switch incoming.Type {
		case "ping":
			writeMessage(c, Message{Type: "pong", Timestamp: formatTimestamp(time.Now())})
		case "read":
			id, err := strconv.ParseInt(incoming.NotificationID, 10, 64)
			if err != nil || id <= 0 {
				writeError(c, "invalid notification id")
				continue
			}
			notification, err := service.MarkNotificationRead(context.Background(), c.userID, c.role, id)
			if err != nil {
				writeError(c, "failed to mark notification read")
				continue
			}
			writeMessage(c, Message{Type: "read", Notification: notification, Timestamp: formatTimestamp(time.Now())})
		default:
			writeError(c, "unsupported message type")
		}
	}
}

func (c *Client) WritePump() {
	defer func() {
		_ = c.conn.Close()
	}()

	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func writeError(client *Client, message string) {
	writeMessage(client, Message{Type: "error", Content: message, Timestamp: formatTimestamp(time.Now())})
}

func writeMessage(client *Client, message Message) {
	payload, err := json.Marshal(message)
	if err != nil {
		return
	}
	select {
	case client.send <- payload:
	default:
		client.hub.Unregister(client)
	}
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339)
}
