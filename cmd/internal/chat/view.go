package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	v1 "echostream/contracts/realtime/v1"

	"github.com/google/uuid"
)

// State is the lifecycle of a View.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateJoined
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateLeft:
		return "left"
	default:
		return "unknown"
	}
}

// View binds one chat screen to a room for as long as it is mounted.
type View struct {
	log      *slog.Logger
	mgr      *Manager
	relay    *Relay
	backend  Backend
	notify   Notifier
	pageSize int
	onChange func(Entry)

	room     Room
	identity Identity

	msgs MessageLog

	mu      sync.Mutex
	state   State
	page    int
	hasMore bool
	draft   string
	unsub   func()
}

// Room is the bound room.
func (v *View) Room() Room { return v.room }

// Identity is who the view speaks as. For anonymous rooms it is the handle
// actually held on the connection, known after Mount.
func (v *View) Identity() Identity {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.identity
}

// State returns the lifecycle state.
func (v *View) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// HasMore reports whether older history is available.
func (v *View) HasMore() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hasMore
}

// Messages returns the log in display order.
func (v *View) Messages() []Entry { return v.msgs.Snapshot() }

// SetDraft replaces the pending input text.
func (v *View) SetDraft(s string) {
	v.mu.Lock()
	v.draft = s
	v.mu.Unlock()
}

// Draft returns the pending input text.
func (v *View) Draft() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.draft
}

func (v *View) setState(s State) {
	v.mu.Lock()
	prev := v.state
	v.state = s
	v.mu.Unlock()
	if prev != s {
		v.log.Debug("chat.view.state", "room", v.room.Key(), "from", prev.String(), "to", s.String())
	}
}

// Mount connects, joins, loads the newest page and subscribes to broadcasts.
// A failed history fetch is reported but leaves the view joined.
func (v *View) Mount(ctx context.Context) error {
	v.mu.Lock()
	prev := v.state
	if prev == StateJoined || prev == StateConnecting {
		v.mu.Unlock()
		return errors.New("chat: view already mounted")
	}
	v.state = StateConnecting
	v.mu.Unlock()
	v.log.Debug("chat.view.state", "room", v.room.Key(), "from", prev.String(), "to", StateConnecting.String())

	if _, err := v.mgr.EnsureConnected(ctx); err != nil {
		v.setState(StateDisconnected)
		v.notify.Notify(slog.LevelError, "could not connect to chat")
		return err
	}

	handle := ""
	if v.room.Kind == v1.RoomAnonymous {
		handle = v.identity.Name
	}
	held, err := v.mgr.JoinAs(ctx, v.room, handle)
	if err != nil {
		v.setState(StateDisconnected)
		v.notify.Notify(slog.LevelError, "could not join room")
		return err
	}
	if v.room.Kind == v1.RoomAnonymous {
		v.mu.Lock()
		v.identity.Name = held
		v.mu.Unlock()
		if err := v.backend.JoinAnonymous(ctx, v.room, held); err != nil {
			v.log.Warn("chat.view.anonymous_join.fail", "room", v.room.Key(), "err", err)
		}
	}

	page, err := v.backend.Messages(ctx, v.room, 1, v.pageSize)
	if err != nil {
		v.log.Warn("chat.view.history.fail", "room", v.room.Key(), "err", err)
		v.notify.Notify(slog.LevelWarn, "could not load messages")
	} else {
		v.msgs.Prepend(page.Messages)
		v.mu.Lock()
		v.page, v.hasMore = 1, page.HasMore
		v.mu.Unlock()
	}

	unsub := v.relay.OnMessage(v.room, v.receive)
	v.mu.Lock()
	v.unsub = unsub
	v.mu.Unlock()

	v.setState(StateJoined)
	return nil
}

func (v *View) receive(m v1.ChatMessage) {
	if v.msgs.Apply(m) {
		v.changed(m)
	}
}

func (v *View) changed(m v1.ChatMessage) {
	if v.onChange != nil {
		v.onChange(Entry{Message: m})
	}
}

// Send sends the draft with an optional attachment. The draft is cleared only
// once the server has stored the message; on failure it is kept for a retry
// and the optimistic entry is rolled back.
func (v *View) Send(ctx context.Context, att *v1.Attachment) error {
	if v.State() != StateJoined {
		v.log.Warn("chat.view.send.skip", "room", v.room.Key(), "reason", "not_joined")
		return ErrNotConnected
	}

	v.mu.Lock()
	content := strings.TrimSpace(v.draft)
	id := v.identity
	v.mu.Unlock()

	in := MessageInput{Content: content, Attachment: att, CorrelationID: uuid.NewString()}
	if err := checkPayload(in); err != nil {
		v.notify.Notify(slog.LevelWarn, payloadNotice(err))
		return err
	}

	v.msgs.AppendLocal(v1.ChatMessage{
		RoomID:        v.room.ID,
		Kind:          v.room.Kind,
		Sender:        v1.Sender{ID: id.ID, Name: id.Name},
		Content:       content,
		Attachment:    att,
		CorrelationID: in.CorrelationID,
		CreatedAt:     time.Now().UTC(),
	})

	stored, err := v.relay.Send(ctx, v.room, id, in)
	if err != nil {
		v.msgs.Remove(in.CorrelationID)
		return err
	}

	if v.msgs.Apply(stored) {
		v.changed(stored)
	}
	v.mu.Lock()
	if strings.TrimSpace(v.draft) == content {
		v.draft = ""
	}
	v.mu.Unlock()
	return nil
}

// LoadOlder fetches the next older page and prepends what is strictly older.
func (v *View) LoadOlder(ctx context.Context) (int, error) {
	v.mu.Lock()
	if v.state != StateJoined {
		v.mu.Unlock()
		return 0, ErrNotConnected
	}
	if !v.hasMore {
		v.mu.Unlock()
		return 0, nil
	}
	next := v.page + 1
	v.mu.Unlock()

	page, err := v.backend.Messages(ctx, v.room, next, v.pageSize)
	if err != nil {
		v.notify.Notify(slog.LevelWarn, "could not load older messages")
		return 0, err
	}

	added := v.msgs.Prepend(page.Messages)
	v.mu.Lock()
	v.page, v.hasMore = next, page.HasMore
	v.mu.Unlock()
	return added, nil
}

// Unmount unsubscribes and leaves the room. The shared connection stays open.
func (v *View) Unmount(ctx context.Context) error {
	v.mu.Lock()
	unsub := v.unsub
	v.unsub = nil
	wasJoined := v.state == StateJoined
	v.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	v.setState(StateLeft)

	if !wasJoined {
		return nil
	}
	if err := v.mgr.Leave(ctx, v.room); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}
