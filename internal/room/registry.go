package room

import (
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidName rejects empty or blank usernames at join.
	ErrInvalidName = errors.New("username must not be empty")

	// ErrNotFound is returned for unknown rooms or sessions.
	ErrNotFound = errors.New("room not found")
)

// Palette holds the user colors the editor UI renders. Slots are assigned
// lowest-free-first per room, so colors cycle predictably and a freed slot
// is reused before the palette wraps.
var Palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A",
	"#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E2",
}

// Session is one connected user in a room.
type Session struct {
	ID       string
	RoomID   string
	Username string
	Color    string
	JoinedAt time.Time

	slot int
}

type roomState struct {
	id       string
	sessions map[string]*Session
	slots    map[int]bool

	// remembered maps a username to the slot it last held, so a quick
	// reconnect gets its old color back when the slot is still free.
	remembered map[string]int

	disposeTimer *time.Timer
}

func (r *roomState) allocSlot(username string) int {
	if slot, ok := r.remembered[username]; ok && !r.slots[slot] {
		r.slots[slot] = true
		return slot
	}
	for slot := 0; ; slot++ {
		if !r.slots[slot] {
			r.slots[slot] = true
			return slot
		}
	}
}

// Registry tracks which sessions are connected to which room and owns room
// lifecycle: created on first join, disposed after a grace period with no
// sessions. Disposal runs the configured callback (document teardown).
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]*roomState
	sessions map[string]*Session

	grace     time.Duration
	onDispose func(roomID string)
}

func NewRegistry(grace time.Duration, onDispose func(roomID string)) *Registry {
	return &Registry{
		rooms:     make(map[string]*roomState),
		sessions:  make(map[string]*Session),
		grace:     grace,
		onDispose: onDispose,
	}
}

// Join adds a user to a room, creating the room if absent. A pending
// disposal is cancelled, which is what lets a brief full disconnect keep
// the room's documents alive.
func (reg *Registry) Join(roomID, username string) (*Session, error) {
	if strings.TrimSpace(username) == "" {
		return nil, ErrInvalidName
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	state, ok := reg.rooms[roomID]
	if !ok {
		state = &roomState{
			id:         roomID,
			sessions:   make(map[string]*Session),
			slots:      make(map[int]bool),
			remembered: make(map[string]int),
		}
		reg.rooms[roomID] = state
		log.Printf("Room %s created", roomID)
	}

	if state.disposeTimer != nil {
		state.disposeTimer.Stop()
		state.disposeTimer = nil
	}

	slot := state.allocSlot(username)
	session := &Session{
		ID:       uuid.NewString(),
		RoomID:   roomID,
		Username: username,
		Color:    Palette[slot%len(Palette)],
		JoinedAt: time.Now(),
		slot:     slot,
	}
	state.sessions[session.ID] = session
	reg.sessions[session.ID] = session

	log.Printf("User %s joined room %s (total: %d)", username, roomID, len(state.sessions))
	return session, nil
}

// Leave removes a session. When the room empties, disposal is scheduled
// after the grace period instead of immediately.
func (reg *Registry) Leave(sessionID string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	session, ok := reg.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	delete(reg.sessions, sessionID)

	state, ok := reg.rooms[session.RoomID]
	if !ok {
		return nil
	}
	delete(state.sessions, sessionID)
	delete(state.slots, session.slot)
	state.remembered[session.Username] = session.slot

	log.Printf("User %s left room %s (remaining: %d)", session.Username, session.RoomID, len(state.sessions))

	if len(state.sessions) == 0 {
		roomID := state.id
		state.disposeTimer = time.AfterFunc(reg.grace, func() {
			reg.dispose(roomID)
		})
	}
	return nil
}

func (reg *Registry) dispose(roomID string) {
	reg.mu.Lock()
	state, ok := reg.rooms[roomID]
	if !ok || len(state.sessions) > 0 {
		// A join raced the timer; the room lives on.
		reg.mu.Unlock()
		return
	}
	delete(reg.rooms, roomID)
	reg.mu.Unlock()

	log.Printf("Room %s disposed (empty past grace period)", roomID)
	if reg.onDispose != nil {
		reg.onDispose(roomID)
	}
}

// Get returns the session with the given ID.
func (reg *Registry) Get(sessionID string) (*Session, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	s, ok := reg.sessions[sessionID]
	return s, ok
}

// List returns a snapshot of the room's sessions in join order.
func (reg *Registry) List(roomID string) []*Session {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	state, ok := reg.rooms[roomID]
	if !ok {
		return nil
	}

	sessions := make([]*Session, 0, len(state.sessions))
	for _, s := range state.sessions {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].JoinedAt.Equal(sessions[j].JoinedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].JoinedAt.Before(sessions[j].JoinedAt)
	})
	return sessions
}

// RoomCount returns the number of live rooms.
func (reg *Registry) RoomCount() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// SessionCount returns the number of connected sessions across all rooms.
func (reg *Registry) SessionCount() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.sessions)
}

// ActiveRooms maps room ID to connected session count.
func (reg *Registry) ActiveRooms() map[string]int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	active := make(map[string]int, len(reg.rooms))
	for id, state := range reg.rooms {
		active[id] = len(state.sessions)
	}
	return active
}
