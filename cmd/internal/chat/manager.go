package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	v1 "echostream/contracts/realtime/v1"

	"golang.org/x/sync/singleflight"
)

// Manager owns the process-wide realtime handle and the room memberships held on it.
type Manager struct {
	log  *slog.Logger
	dial Dialer

	sf singleflight.Group

	mu      sync.Mutex
	current Transport
	stop    func()
	rooms   map[string]*membership

	listeners listenerSet[v1.Envelope]
}

// membership is pending until ready closes. err holds the wire join
// outcome; a failed membership is removed from rooms before ready closes.
type membership struct {
	room   Room
	handle string
	refs   int

	ready chan struct{}
	err   error
}

func (ms *membership) settled() bool {
	select {
	case <-ms.ready:
		return true
	default:
		return false
	}
}

// NewManager returns a Manager that dials lazily with dial.
func NewManager(log *slog.Logger, dial Dialer) (*Manager, error) {
	if dial == nil {
		return nil, errors.New("chat: nil dialer")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{log: log, dial: dial, rooms: make(map[string]*membership)}, nil
}

// EnsureConnected returns the live handle, dialing one if needed.
// Concurrent callers share a single dial; the first caller's ctx bounds it.
func (m *Manager) EnsureConnected(ctx context.Context) (Transport, error) {
	if t, ok := m.Current(); ok {
		return t, nil
	}

	v, err, shared := m.sf.Do("connect", func() (any, error) {
		if t, ok := m.Current(); ok {
			return t, nil
		}

		m.log.Info("chat.socket.connecting")
		t, err := m.dial(ctx)
		if err != nil {
			m.log.Warn("chat.socket.connect.fail", "err", err)
			return nil, err
		}

		m.mu.Lock()
		m.current = t
		m.stop = t.Listen(m.dispatch)
		m.mu.Unlock()

		go m.watch(t)

		s := t.Session()
		m.log.Info("chat.socket.connected", "session_id", s.SessionID, "user_id", s.UserID)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.log.Debug("chat.socket.connect.shared")
	}
	return v.(Transport), nil
}

// Current returns the live handle without dialing.
func (m *Manager) Current() (Transport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.current != nil
}

// watch clears the handle once its session ends. Memberships are dropped, not replayed.
func (m *Manager) watch(t Transport) {
	<-t.Done()

	m.mu.Lock()
	if m.current != t {
		m.mu.Unlock()
		return
	}
	m.detachLocked()
	m.mu.Unlock()

	m.log.Info("chat.socket.disconnected")
}

func (m *Manager) detachLocked() {
	if m.stop != nil {
		m.stop()
		m.stop = nil
	}
	m.current = nil
	clear(m.rooms)
}

// Teardown closes the handle. Without one it only logs a warning.
func (m *Manager) Teardown() {
	m.mu.Lock()
	t := m.current
	if t == nil {
		m.mu.Unlock()
		m.log.Warn("chat.socket.teardown.no_handle")
		return
	}
	m.detachLocked()
	m.mu.Unlock()

	if err := t.Close(); err != nil {
		m.log.Info("chat.socket.close.fail", "err", err)
	}
	m.log.Info("chat.socket.teardown")
}

// Subscribe registers fn for every inbound envelope on whichever handle is live.
func (m *Manager) Subscribe(fn func(v1.Envelope)) (unsubscribe func()) {
	return m.listeners.add(fn)
}

func (m *Manager) dispatch(env v1.Envelope) {
	if env.Type == v1.TypeError {
		var p v1.ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			m.log.Warn("chat.socket.error.decode", "envelope_id", env.ID, "err", err)
		} else {
			m.log.Warn("chat.socket.error", "code", p.Code, "message", p.Message)
		}
	}
	m.listeners.emit(env)
}

// Emit sends on the live handle. It never dials.
func (m *Manager) Emit(ctx context.Context, typ string, payload any) error {
	t, ok := m.Current()
	if !ok {
		m.log.Warn("chat.socket.emit.skip", "type", typ, "reason", "not_connected")
		return ErrNotConnected
	}
	return t.Emit(ctx, typ, payload)
}

// Join takes a reference on room. The wire join goes out only for the first reference.
func (m *Manager) Join(ctx context.Context, room Room) error {
	_, err := m.join(ctx, room, "")
	return err
}

// JoinAnonymous normalizes rawName and joins it under a fresh handle derived from chosenHandle.
// If the room is already held, the handle in use is returned instead.
func (m *Manager) JoinAnonymous(ctx context.Context, rawName, chosenHandle string) (Room, Identity, error) {
	room := AnonymousRoom(rawName)
	id := NewAnonymousIdentity(chosenHandle)
	handle, err := m.join(ctx, room, id.Name)
	if err != nil {
		return Room{}, Identity{}, err
	}
	id.Name = handle
	return room, id, nil
}

// JoinAs is Join with an explicit anonymous handle. It returns the handle held on the wire.
func (m *Manager) JoinAs(ctx context.Context, room Room, handle string) (string, error) {
	return m.join(ctx, room, handle)
}

func (m *Manager) join(ctx context.Context, room Room, handle string) (string, error) {
	if err := room.Validate(); err != nil {
		return "", err
	}
	key := room.Key()

	m.mu.Lock()
	t := m.current
	if t == nil {
		m.mu.Unlock()
		m.log.Warn("chat.room.join.skip", "room", key, "reason", "not_connected")
		return "", ErrNotConnected
	}
	if ms, ok := m.rooms[key]; ok {
		ms.refs++
		m.mu.Unlock()
		return m.awaitJoin(ctx, ms)
	}
	ms := &membership{room: room, handle: handle, refs: 1, ready: make(chan struct{})}
	m.rooms[key] = ms
	m.mu.Unlock()

	err := t.Emit(ctx, v1.TypeRoomJoin, v1.RoomJoinPayload{RoomID: room.ID, Kind: room.Kind, Handle: handle})

	m.mu.Lock()
	if err != nil {
		ms.err = err
		if m.rooms[key] == ms {
			delete(m.rooms, key)
		}
	}
	close(ms.ready)
	m.mu.Unlock()

	if err != nil {
		m.log.Warn("chat.room.join.fail", "room", key, "err", err)
		return "", err
	}
	m.log.Info("chat.room.join", "room", key)
	return handle, nil
}

// awaitJoin blocks a later joiner until the first joiner's wire join settles.
// The caller already holds a reference on ms.
func (m *Manager) awaitJoin(ctx context.Context, ms *membership) (string, error) {
	select {
	case <-ms.ready:
	case <-ctx.Done():
		go m.release(context.WithoutCancel(ctx), ms)
		return "", ctx.Err()
	}
	if ms.err != nil {
		return "", ms.err
	}
	m.log.Debug("chat.room.join.ref", "room", ms.room.Key(), "refs", m.Refs(ms.room))
	return ms.handle, nil
}

// release drops a reference on ms once it settles. A failed or replaced
// membership holds no references to drop.
func (m *Manager) release(ctx context.Context, ms *membership) {
	<-ms.ready

	key := ms.room.Key()
	m.mu.Lock()
	t := m.current
	if ms.err != nil || t == nil || m.rooms[key] != ms {
		m.mu.Unlock()
		return
	}
	ms.refs--
	if ms.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.rooms, key)
	m.mu.Unlock()

	if err := t.Emit(ctx, v1.TypeRoomLeave, v1.RoomLeavePayload{RoomID: ms.room.ID, Kind: ms.room.Kind}); err != nil {
		m.log.Warn("chat.room.leave.fail", "room", key, "err", err)
	}
}

// Leave drops a reference on room. The wire leave goes out when the last one is released.
// A leave issued while the room's wire join is in flight waits for it to settle.
func (m *Manager) Leave(ctx context.Context, room Room) error {
	key := room.Key()
	for {
		m.mu.Lock()
		t := m.current
		if t == nil {
			m.mu.Unlock()
			m.log.Warn("chat.room.leave.skip", "room", key, "reason", "not_connected")
			return ErrNotConnected
		}
		ms, ok := m.rooms[key]
		if !ok {
			m.mu.Unlock()
			m.log.Debug("chat.room.leave.not_joined", "room", key)
			return nil
		}
		if !ms.settled() {
			m.mu.Unlock()
			select {
			case <-ms.ready:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		ms.refs--
		if ms.refs > 0 {
			m.mu.Unlock()
			m.log.Debug("chat.room.leave.ref", "room", key, "refs", ms.refs)
			return nil
		}
		delete(m.rooms, key)
		m.mu.Unlock()

		if err := t.Emit(ctx, v1.TypeRoomLeave, v1.RoomLeavePayload{RoomID: room.ID, Kind: room.Kind}); err != nil {
			m.log.Warn("chat.room.leave.fail", "room", key, "err", err)
			return err
		}
		m.log.Info("chat.room.leave", "room", key)
		return nil
	}
}

// Refs reports how many references are held on room.
func (m *Manager) Refs(room Room) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms, ok := m.rooms[room.Key()]; ok {
		return ms.refs
	}
	return 0
}
