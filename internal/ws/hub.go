package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/coderoom/backend/internal/document"
	"github.com/coderoom/backend/internal/presence"
	"github.com/coderoom/backend/internal/room"
)

const presenceTTL = 10 * time.Minute

// Hub multiplexes per-room connections onto the registry, document store
// and synchronization engine, and fans broadcasts back out.
type Hub struct {
	registry *room.Registry
	store    *document.Store
	presence presence.Presence

	// Registered connections by room
	rooms map[string]map[*Client]bool

	// Outbound fan-out
	broadcast chan *envelope

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	msgRate  float64
	msgBurst int

	mu sync.RWMutex
}

type envelope struct {
	roomID  string
	data    []byte
	exclude *Client
}

func NewHub(registry *room.Registry, store *document.Store, pres presence.Presence, msgRate float64, msgBurst int) *Hub {
	return &Hub{
		registry:   registry,
		store:      store,
		presence:   pres,
		rooms:      make(map[string]map[*Client]bool),
		broadcast:  make(chan *envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		msgRate:    msgRate,
		msgBurst:   msgBurst,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.handleRegister(client)

		case client := <-h.unregister:
			h.handleUnregister(client)

		case env := <-h.broadcast:
			h.deliver(env)
		}
	}
}

func (h *Hub) handleRegister(client *Client) {
	roomID := client.session.RoomID

	h.mu.Lock()
	if _, ok := h.rooms[roomID]; !ok {
		h.rooms[roomID] = make(map[*Client]bool)
	}
	h.rooms[roomID][client] = true
	h.mu.Unlock()

	// The joiner gets the full user list and file set; everyone else
	// learns about the joiner.
	users := make([]UserInfo, 0)
	for _, s := range h.registry.List(roomID) {
		users = append(users, UserInfo{ID: s.ID, Name: s.Username, Color: s.Color})
	}
	client.enqueue(marshal(usersListMsg{Type: TypeUsersList, Users: users}))

	if files, err := h.store.List(context.Background(), roomID); err == nil && len(files) > 0 {
		client.enqueue(marshal(fileChangeMsg{Type: TypeFileChange, Files: files}))
	}

	h.deliver(&envelope{
		roomID: roomID,
		data: marshal(userJoinedMsg{
			Type:     TypeUserJoined,
			UserID:   client.session.ID,
			Username: client.session.Username,
			Color:    client.session.Color,
		}),
		exclude: client,
	})

	h.touchPresence(client)
}

func (h *Hub) handleUnregister(client *Client) {
	roomID := client.session.RoomID

	h.mu.Lock()
	clients, ok := h.rooms[roomID]
	if ok {
		if _, ok := clients[client]; ok {
			delete(clients, client)
			client.closeSend()
			if len(clients) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
	h.mu.Unlock()

	if err := h.registry.Leave(client.session.ID); err != nil {
		return // already gone
	}

	h.deliver(&envelope{
		roomID: roomID,
		data:   marshal(userLeftMsg{Type: TypeUserLeft, UserID: client.session.ID}),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.presence.Remove(ctx, roomID, client.session.ID); err != nil {
		log.Printf("Presence remove failed for %s: %v", client.session.ID, err)
	}
}

func (h *Hub) touchPresence(client *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.presence.Touch(ctx, client.session.RoomID, client.session.ID, client.session.Username, presenceTTL); err != nil {
		log.Printf("Presence touch failed for %s: %v", client.session.ID, err)
	}
}

// deliver fans a message out to the room. A connection whose buffer is
// full simply misses the message; it must not stall the room.
func (h *Hub) deliver(env *envelope) {
	if env.data == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.rooms[env.roomID] {
		if client == env.exclude {
			continue
		}
		client.enqueue(env.data)
	}
}

// BroadcastRoom sends data to every connection in the room, including any
// originator. Used by the client handlers and the HTTP API (restore).
func (h *Hub) BroadcastRoom(roomID string, data []byte) {
	select {
	case h.broadcast <- &envelope{roomID: roomID, data: data}:
	default:
		// Hub is saturated; deliver inline rather than drop a room-wide
		// authoritative update.
		h.deliver(&envelope{roomID: roomID, data: data})
	}
}

func (h *Hub) broadcastExcept(roomID string, data []byte, exclude *Client) {
	select {
	case h.broadcast <- &envelope{roomID: roomID, data: data, exclude: exclude}:
	default:
		h.deliver(&envelope{roomID: roomID, data: data, exclude: exclude})
	}
}

// GetRoomCount returns the number of rooms with at least one connection.
func (h *Hub) GetRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// GetClientCount returns the number of open connections.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, clients := range h.rooms {
		count += len(clients)
	}
	return count
}
