package realtime

import (
	"log/slog"
	"sync"

	v1 "echostream/contracts/realtime/v1"
)

// Hub owns the in-memory rooms of this instance.
// Rooms are created on first join and released when their last member leaves.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:   log,
		rooms: make(map[string]*Room),
	}
}

// Join adds client to the room, creating it if needed.
func (h *Hub) Join(kind v1.RoomKind, id string, client *Client) *Room {
	key := v1.RoomKey(kind, id)

	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[key]
	if !ok {
		r = NewRoom(h.log, kind, id)
		h.rooms[key] = r
	}
	r.Join(client)
	return r
}

// JoinOpen is Join for a live session. When the client was detached while
// joining, the membership is undone and JoinOpen reports false.
func (h *Hub) JoinOpen(kind v1.RoomKind, id string, client *Client) bool {
	h.Join(kind, id, client)
	if client.Detached() {
		h.Leave(v1.RoomKey(kind, id), client.SessionID)
		return false
	}
	return true
}

// Leave removes sessionID from room key and releases the room when empty.
func (h *Hub) Leave(key, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[key]
	if !ok {
		return
	}
	if r.Leave(sessionID) == 0 {
		delete(h.rooms, key)
	}
}

// Broadcast delivers env to the local members of room key.
func (h *Hub) Broadcast(key string, env v1.Envelope) (delivered, dropped int) {
	h.mu.RLock()
	r := h.rooms[key]
	h.mu.RUnlock()

	return r.Broadcast(env)
}

// Room returns the live room for key, if any.
func (h *Hub) Room(key string) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[key]
	return r, ok
}

// Len returns the number of live rooms.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
