package handler

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"canvas-backend/internal/channel"
	"canvas-backend/internal/presence"
)

// CanvasHub relays each canvas's operation feed and presence traffic to its
// connected WebSocket clients. One room per canvas; empty rooms are reaped.
type CanvasHub struct {
	rooms    map[string]*CanvasRoom
	mu       sync.RWMutex
	ch       channel.Channel
	presence presence.Store
	canvases *CanvasHandler
}

// CanvasRoom is the per-canvas fan-out state.
type CanvasRoom struct {
	ID      string
	clients map[*websocket.Conn]*CanvasClient
	mu      sync.RWMutex
	hub     *CanvasHub

	unsubOps      channel.Unsubscribe
	unsubPresence presence.Unsubscribe
	unsubChat     presence.Unsubscribe
}

// CanvasClient is one WebSocket participant.
type CanvasClient struct {
	UserID      string
	DisplayName string
	Color       string
	Conn        *websocket.Conn
	writeMu     sync.Mutex
}

// wsInbound is what clients send.
type wsInbound struct {
	Type   string          `json:"type"` // operation, cursor, chat
	Record *channel.Record `json:"record,omitempty"`
	X      float64         `json:"x,omitempty"`
	Y      float64         `json:"y,omitempty"`
	Text   string          `json:"text,omitempty"`
}

// wsOutbound is what the hub pushes.
type wsOutbound struct {
	Type     string            `json:"type"` // operation, presence, chat, joined, error
	Record   *channel.Record   `json:"record,omitempty"`
	Event    *presence.Event   `json:"event,omitempty"`
	Message  *presence.Message `json:"message,omitempty"`
	Color    string            `json:"color,omitempty"`
	ErrorMsg string            `json:"error,omitempty"`
}

// NewCanvasHub builds the hub.
func NewCanvasHub(ch channel.Channel, store presence.Store, canvases *CanvasHandler) *CanvasHub {
	return &CanvasHub{
		rooms:    make(map[string]*CanvasRoom),
		ch:       ch,
		presence: store,
		canvases: canvases,
	}
}

// getOrCreateRoom returns the canvas room, wiring its subscriptions on
// first use.
func (h *CanvasHub) getOrCreateRoom(canvasID string) (*CanvasRoom, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, exists := h.rooms[canvasID]; exists {
		return room, nil
	}

	room := &CanvasRoom{
		ID:      canvasID,
		clients: make(map[*websocket.Conn]*CanvasClient),
		hub:     h,
	}

	ctx := context.Background()
	unsubOps, err := h.ch.Subscribe(ctx, canvasID, room.broadcastOperation)
	if err != nil {
		return nil, err
	}
	unsubPresence, err := h.presence.SubscribeChildren(ctx, canvasID, room.broadcastPresence)
	if err != nil {
		unsubOps()
		return nil, err
	}
	unsubChat, err := h.presence.SubscribeMessages(ctx, canvasID, room.broadcastChat)
	if err != nil {
		unsubOps()
		unsubPresence()
		return nil, err
	}
	room.unsubOps = unsubOps
	room.unsubPresence = unsubPresence
	room.unsubChat = unsubChat

	h.rooms[canvasID] = room
	log.Printf("[CanvasHub] Created room: %s", canvasID)
	return room, nil
}

// removeRoom tears an empty room down.
func (h *CanvasHub) removeRoom(canvasID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, exists := h.rooms[canvasID]
	if !exists {
		return
	}
	room.mu.RLock()
	empty := len(room.clients) == 0
	room.mu.RUnlock()
	if !empty {
		return
	}

	room.unsubOps()
	room.unsubPresence()
	room.unsubChat()
	delete(h.rooms, canvasID)
	log.Printf("[CanvasHub] Removed room: %s", canvasID)
}

// HandleWebSocket serves one client connection for its lifetime.
func (h *CanvasHub) HandleWebSocket(c *websocket.Conn) {
	canvasID := c.Params("id")
	userID, ok1 := c.Locals("userID").(string)
	displayName, ok2 := c.Locals("displayName").(string)

	if canvasID == "" || !ok1 || userID == "" || !ok2 {
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","error":"invalid session"}`))
		c.Close()
		return
	}

	room, err := h.getOrCreateRoom(canvasID)
	if err != nil {
		log.Printf("[CanvasHub] Failed to open room %s: %v", canvasID, err)
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","error":"room unavailable"}`))
		c.Close()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	existing, err := h.presence.List(ctx, canvasID)
	cancel()
	if err != nil {
		log.Printf("[CanvasHub] Presence list failed for %s: %v", canvasID, err)
	}

	client := &CanvasClient{
		UserID:      userID,
		DisplayName: displayName,
		Color:       presence.ColorForJoinOrder(len(existing)),
		Conn:        c,
	}

	room.mu.Lock()
	room.clients[c] = client
	room.mu.Unlock()

	h.setPresence(canvasID, client, nil)
	client.send(wsOutbound{Type: "joined", Color: client.Color})
	log.Printf("[CanvasHub] Client connected: canvas=%s user=%s", canvasID, userID)

	defer func() {
		room.mu.Lock()
		delete(room.clients, c)
		empty := len(room.clients) == 0
		room.mu.Unlock()
		c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := h.presence.Remove(ctx, canvasID, userID); err != nil {
			log.Printf("[CanvasHub] Presence remove failed for %s/%s: %v", canvasID, userID, err)
		}
		cancel()

		if empty {
			h.removeRoom(canvasID)
		}
		log.Printf("[CanvasHub] Client disconnected: canvas=%s user=%s", canvasID, userID)
	}()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}

		var msg wsInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			client.send(wsOutbound{Type: "error", ErrorMsg: "invalid message"})
			continue
		}
		h.handleInbound(canvasID, client, msg)
	}
}

// handleInbound routes one client message.
func (h *CanvasHub) handleInbound(canvasID string, client *CanvasClient, msg wsInbound) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch msg.Type {
	case "operation":
		if msg.Record == nil {
			client.send(wsOutbound{Type: "error", ErrorMsg: "missing record"})
			return
		}
		rec := *msg.Record
		// The caller's identity is authoritative, whatever the payload says.
		rec.UserID = client.UserID
		if err := rec.Validate(); err != nil {
			log.Printf("[CanvasHub] Rejecting malformed record on %s: %v", canvasID, err)
			client.send(wsOutbound{Type: "error", ErrorMsg: "malformed record"})
			return
		}
		if _, err := h.ch.Append(ctx, canvasID, rec); err != nil {
			log.Printf("[CanvasHub] Append failed on %s: %v", canvasID, err)
			client.send(wsOutbound{Type: "error", ErrorMsg: "append failed"})
			return
		}
		if err := h.canvases.PersistOperation(canvasID, rec); err != nil {
			// The channel has it; durable rows catch up on the next op.
			log.Printf("[CanvasHub] Persist failed on %s: %v", canvasID, err)
		}

	case "cursor":
		h.setPresence(canvasID, client, &presence.Cursor{X: msg.X, Y: msg.Y})

	case "chat":
		err := h.presence.PublishMessage(ctx, canvasID, presence.Message{
			UserID:      client.UserID,
			DisplayName: client.DisplayName,
			Color:       client.Color,
			Text:        msg.Text,
			SentAt:      time.Now().UnixMilli(),
		})
		if err != nil {
			log.Printf("[CanvasHub] Chat publish failed on %s: %v", canvasID, err)
		}

	default:
		client.send(wsOutbound{Type: "error", ErrorMsg: "unknown message type"})
	}
}

func (h *CanvasHub) setPresence(canvasID string, client *CanvasClient, cursor *presence.Cursor) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := h.presence.Set(ctx, canvasID, presence.Record{
		UserID:       client.UserID,
		DisplayName:  client.DisplayName,
		Color:        client.Color,
		Cursor:       cursor,
		LastActiveAt: time.Now().UnixMilli(),
	})
	if err != nil {
		log.Printf("[CanvasHub] Presence set failed for %s/%s: %v", canvasID, client.UserID, err)
	}
}

// broadcastOperation fans one channel record out to every room client. Echo
// filtering stays client-side so each tab can apply its own rule.
func (r *CanvasRoom) broadcastOperation(rec channel.Record) {
	r.broadcast(wsOutbound{Type: "operation", Record: &rec})
}

func (r *CanvasRoom) broadcastPresence(ev presence.Event) {
	r.broadcast(wsOutbound{Type: "presence", Event: &ev})
}

func (r *CanvasRoom) broadcastChat(msg presence.Message) {
	r.broadcast(wsOutbound{Type: "chat", Message: &msg})
}

func (r *CanvasRoom) broadcast(out wsOutbound) {
	r.mu.RLock()
	clients := make([]*CanvasClient, 0, len(r.clients))
	for _, cl := range r.clients {
		clients = append(clients, cl)
	}
	r.mu.RUnlock()

	for _, cl := range clients {
		cl.send(out)
	}
}

// send writes one JSON message under the client's write lock.
func (cl *CanvasClient) send(out wsOutbound) {
	data, err := json.Marshal(out)
	if err != nil {
		log.Printf("[CanvasHub] Failed to marshal message: %v", err)
		return
	}

	cl.writeMu.Lock()
	defer cl.writeMu.Unlock()
	if err := cl.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[CanvasHub] Failed to send to %s: %v", cl.UserID, err)
	}
}
