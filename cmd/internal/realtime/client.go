package realtime

import (
	"sort"
	"sync"

	v1 "echostream/contracts/realtime/v1"
)

// Client represents one connected websocket session.
//
// Send is never closed by the server so concurrent broadcasters cannot panic.
// done signals the session goroutines to stop and Close is idempotent.
// Leaving a room never closes the client; a session may hold several rooms.
type Client struct {
	SessionID string
	UserID    string
	Name      string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	rooms    map[string]string // room key -> anonymous handle ("" for community rooms)
	detached bool
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID, userID, name string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		UserID:    userID,
		Name:      name,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
		rooms:     make(map[string]string),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Joined reports whether the client is in room key, and its handle there.
func (c *Client) Joined(key string) (handle string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	handle, ok = c.rooms[key]
	return handle, ok
}

// trackRoom records a membership; it fails once max rooms are held.
// Re-joining an existing room only updates the handle.
// A detached client tracks nothing.
func (c *Client) trackRoom(key, handle string, max int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return false
	}
	if _, ok := c.rooms[key]; !ok && max > 0 && len(c.rooms) >= max {
		return false
	}
	c.rooms[key] = handle
	return true
}

func (c *Client) untrackRoom(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[key]
	delete(c.rooms, key)
	return ok
}

// RoomKeys returns the joined room keys in sorted order.
func (c *Client) RoomKeys() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.rooms))
	for k := range c.rooms {
		out = append(out, k)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// detachRooms stops further tracking and returns the rooms held until now.
func (c *Client) detachRooms() []string {
	c.mu.Lock()
	c.detached = true
	out := make([]string, 0, len(c.rooms))
	for k := range c.rooms {
		out = append(out, k)
	}
	clear(c.rooms)
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// Detached reports whether the session has started shutting down.
func (c *Client) Detached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detached
}
