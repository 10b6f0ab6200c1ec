package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	v1 "echostream/contracts/realtime/v1"

	"github.com/google/uuid"
)

// Relay sends messages by persisting then broadcasting, and routes inbound
// broadcasts to per-room listeners.
type Relay struct {
	log     *slog.Logger
	mgr     *Manager
	backend Backend
	notify  Notifier

	mu     sync.Mutex
	byRoom map[string]*listenerSet[v1.ChatMessage]
	stop   func()
}

// NewRelay wires a Relay onto mgr. Call Close to detach it.
func NewRelay(log *slog.Logger, mgr *Manager, backend Backend, notify Notifier) (*Relay, error) {
	if mgr == nil || backend == nil {
		return nil, errors.New("chat: nil dependency")
	}
	if log == nil {
		log = slog.Default()
	}
	if notify == nil {
		notify = LogNotifier{Log: log}
	}
	r := &Relay{
		log:     log,
		mgr:     mgr,
		backend: backend,
		notify:  notify,
		byRoom:  make(map[string]*listenerSet[v1.ChatMessage]),
	}
	r.stop = mgr.Subscribe(r.dispatch)
	return r, nil
}

// Close detaches the relay from the manager.
func (r *Relay) Close() { r.stop() }

// checkPayload rejects a message with neither text nor attachment, and malformed attachments.
func checkPayload(in MessageInput) error {
	if strings.TrimSpace(in.Content) == "" && in.Attachment == nil {
		return ErrEmptyMessage
	}
	if a := in.Attachment; a != nil {
		if a.Kind != v1.AttachmentImage && a.Kind != v1.AttachmentVideo {
			return fmt.Errorf("%w: kind must be image or video", ErrInvalidAttachment)
		}
		if strings.TrimSpace(a.URL) == "" {
			return fmt.Errorf("%w: url required", ErrInvalidAttachment)
		}
	}
	return nil
}

// payloadNotice is the user-facing text for a checkPayload error.
func payloadNotice(err error) string {
	switch {
	case errors.Is(err, ErrEmptyMessage):
		return "message is empty"
	case errors.Is(err, ErrInvalidAttachment):
		return "attachment must be an image or video with a url"
	default:
		return "message is invalid"
	}
}

// Send persists in to room, then broadcasts the stored record.
//
// Validation failures never touch the network. A persist failure is returned
// and nothing is broadcast. A broadcast failure after persisting is logged and
// the stored record is still returned; there is no retry.
func (r *Relay) Send(ctx context.Context, room Room, sender Identity, in MessageInput) (v1.ChatMessage, error) {
	if err := checkPayload(in); err != nil {
		r.notify.Notify(slog.LevelWarn, payloadNotice(err))
		return v1.ChatMessage{}, err
	}
	if err := room.Validate(); err != nil {
		r.notify.Notify(slog.LevelWarn, "unknown room")
		return v1.ChatMessage{}, err
	}
	if in.CorrelationID == "" {
		in.CorrelationID = uuid.NewString()
	}

	stored, err := r.backend.PostMessage(ctx, room, sender, in)
	if err != nil {
		r.log.Warn("chat.relay.persist.fail", "room", room.Key(), "correlation_id", in.CorrelationID, "err", err)
		r.notify.Notify(slog.LevelError, "message could not be sent")
		return v1.ChatMessage{}, err
	}

	err = r.mgr.Emit(ctx, v1.TypeMessageBroadcast, v1.MessageBroadcastPayload{
		RoomID:  room.ID,
		Kind:    room.Kind,
		Message: stored,
	})
	if err != nil {
		r.log.Warn("chat.relay.broadcast.fail", "room", room.Key(), "message_id", stored.ID, "err", err)
	}
	return stored, nil
}

// OnMessage registers fn for broadcasts in room. Each call adds one listener;
// the returned func removes exactly that one.
func (r *Relay) OnMessage(room Room, fn func(v1.ChatMessage)) (unsubscribe func()) {
	key := room.Key()

	r.mu.Lock()
	set, ok := r.byRoom[key]
	if !ok {
		set = &listenerSet[v1.ChatMessage]{}
		r.byRoom[key] = set
	}
	// Added under r.mu so a concurrent last unsubscribe cannot drop the set in between.
	off := set.add(fn)
	r.mu.Unlock()

	return func() {
		off()
		r.mu.Lock()
		if r.byRoom[key] == set && set.len() == 0 {
			delete(r.byRoom, key)
		}
		r.mu.Unlock()
	}
}

// Listeners reports the listener count for room.
func (r *Relay) Listeners(room Room) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.byRoom[room.Key()]; ok {
		return set.len()
	}
	return 0
}

func (r *Relay) dispatch(env v1.Envelope) {
	if env.Type != v1.TypeMessageNew {
		return
	}
	var p v1.MessageNewPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		r.log.Debug("chat.relay.bad_payload", "err", err)
		return
	}

	r.mu.Lock()
	set := r.byRoom[v1.RoomKey(p.Kind, p.RoomID)]
	r.mu.Unlock()
	if set != nil {
		set.emit(p.Message)
	}
}
