package realtime

import (
	"log/slog"
	"sync"

	v1 "echostream/contracts/realtime/v1"
)

// Room is an in-memory membership + broadcast fanout primitive.
//
// Concurrency guarantees:
//   - Join/Leave are safe under concurrent Broadcast.
//   - Broadcast never blocks (drops under backpressure).
//   - Broadcast is panic-safe because Client.Send is never closed by the server.
type Room struct {
	log  *slog.Logger
	Key  string
	Kind v1.RoomKind
	ID   string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewRoom constructs an empty room.
func NewRoom(log *slog.Logger, kind v1.RoomKind, id string) *Room {
	return &Room{
		log:     log,
		Key:     v1.RoomKey(kind, id),
		Kind:    kind,
		ID:      id,
		members: make(map[string]*Client),
	}
}

// Join adds a client to membership.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.members[client.SessionID] = client
	r.mu.Unlock()

	r.log.Info("room.member.join", "room", r.Key, "session_id", client.SessionID)
}

// Leave removes a session from membership and returns the remaining size.
// The client itself stays open.
func (r *Room) Leave(sessionID string) int {
	if r == nil {
		return 0
	}

	r.mu.Lock()
	_, had := r.members[sessionID]
	delete(r.members, sessionID)
	n := len(r.members)
	r.mu.Unlock()

	if had {
		r.log.Info("room.member.leave", "room", r.Key, "session_id", sessionID)
	}
	return n
}

// Len returns the member count.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast fans an envelope out to all members and reports delivery counts.
// A member whose queue is full or who is shutting down is skipped.
func (r *Room) Broadcast(env v1.Envelope) (delivered, dropped int) {
	if r == nil {
		return 0, 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.members {
		select {
		case <-m.Done():
			continue
		default:
		}

		select {
		case m.Send <- env:
			delivered++
		default:
			dropped++
		}
	}
	return delivered, dropped
}
