package community

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"echostream/cmd/internal/ids"
	v1 "echostream/contracts/realtime/v1"
)

const memMaxMessagesPerRoom = 10_000

// MemoryStore is the dev fallback when no database is configured.
// It implements both MessageStore and Directory.
type MemoryStore struct {
	mu         sync.Mutex
	maxPerRoom int

	rooms       map[string]*memRoom
	communities map[string]*memCommunity
	byName      map[string]string
	anonymous   map[string]*memAnon
}

type memRoom struct {
	seq    int64
	dedupe map[string]string // sender key + correlation id -> message id
	msgs   []v1.ChatMessage  // ordered by seq
	keys   map[string]string // message id -> sender key
}

type memCommunity struct {
	c       Community
	members map[string]struct{}
}

type memAnon struct {
	room    AnonymousRoom
	handles map[string]struct{}
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		maxPerRoom:  memMaxMessagesPerRoom,
		rooms:       make(map[string]*memRoom),
		communities: make(map[string]*memCommunity),
		byName:      make(map[string]string),
		anonymous:   make(map[string]*memAnon),
	}
}

// ---- messages ----

// Append persists a message with idempotency and per-room seq allocation.
func (s *MemoryStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	const op = "community.Append"

	in, err := checkAppend(op, in)
	if err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	key := v1.RoomKey(in.Kind, in.RoomID)
	sender := SenderKey(in.Sender)

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[key]
	if r == nil {
		r = &memRoom{
			dedupe: make(map[string]string),
			keys:   make(map[string]string),
			msgs:   make([]v1.ChatMessage, 0, 64),
		}
		s.rooms[key] = r
	}

	dk := sender + "\x00" + in.CorrelationID
	if in.CorrelationID != "" {
		if id, ok := r.dedupe[dk]; ok {
			if i := r.index(id); i >= 0 {
				return AppendResult{Message: r.msgs[i], Duplicated: true}, nil
			}
		}
	}

	id, err := ids.NewULID(in.Now)
	if err != nil {
		return AppendResult{}, err
	}

	r.seq++
	msg := v1.ChatMessage{
		ID:            id,
		RoomID:        in.RoomID,
		Kind:          in.Kind,
		Seq:           r.seq,
		Sender:        in.Sender,
		Content:       in.Content,
		Attachment:    in.Attachment,
		CorrelationID: in.CorrelationID,
		CreatedAt:     in.Now,
	}
	r.msgs = append(r.msgs, msg)
	r.keys[id] = sender
	if in.CorrelationID != "" {
		r.dedupe[dk] = id
	}

	if n := len(r.msgs) - s.maxPerRoom; n > 0 {
		for _, m := range r.msgs[:n] {
			delete(r.keys, m.ID)
			if m.CorrelationID != "" {
				delete(r.dedupe, SenderKey(m.Sender)+"\x00"+m.CorrelationID)
			}
		}
		r.msgs = append(r.msgs[:0:0], r.msgs[n:]...)
	}

	return AppendResult{Message: msg}, nil
}

// Page returns one newest-first window of history.
func (s *MemoryStore) Page(ctx context.Context, kind v1.RoomKind, roomID string, page, limit int) (v1.MessagePage, error) {
	if err := v1.ValidateRoom(kind, roomID); err != nil {
		return v1.MessagePage{}, invalid("community.Page", err.Error())
	}
	if err := ctx.Err(); err != nil {
		return v1.MessagePage{}, err
	}
	page, limit = clampPage(page, limit)

	s.mu.Lock()
	var snap []v1.ChatMessage
	if r := s.rooms[v1.RoomKey(kind, roomID)]; r != nil {
		snap = append([]v1.ChatMessage(nil), r.msgs...)
	}
	s.mu.Unlock()

	start, end, hasMore := pageWindow(len(snap), page, limit)
	out := v1.MessagePage{Messages: []v1.ChatMessage{}, Page: page, Limit: limit, HasMore: hasMore}
	if end > start {
		out.Messages = snap[start:end]
	}
	return out, nil
}

// Get returns a single message.
func (s *MemoryStore) Get(ctx context.Context, kind v1.RoomKind, roomID, messageID string) (v1.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return v1.ChatMessage{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[v1.RoomKey(kind, roomID)]
	if r == nil {
		return v1.ChatMessage{}, notFound("community.Get", "message")
	}
	i := r.index(messageID)
	if i < 0 {
		return v1.ChatMessage{}, notFound("community.Get", "message")
	}
	return r.msgs[i], nil
}

// Edit replaces the content of a message owned by in.SenderKey.
func (s *MemoryStore) Edit(ctx context.Context, in EditInput) (v1.ChatMessage, error) {
	const op = "community.Edit"

	if err := ValidatePayload(in.Content, nil); err != nil {
		return v1.ChatMessage{}, err
	}
	if err := ctx.Err(); err != nil {
		return v1.ChatMessage{}, err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[v1.RoomKey(in.Kind, in.RoomID)]
	if r == nil {
		return v1.ChatMessage{}, notFound(op, "message")
	}
	i := r.index(in.MessageID)
	if i < 0 {
		return v1.ChatMessage{}, notFound(op, "message")
	}
	if r.keys[in.MessageID] != in.SenderKey {
		return v1.ChatMessage{}, forbidden(op, "only the sender may edit a message")
	}

	r.msgs[i].Content = strings.TrimSpace(in.Content)
	r.msgs[i].EditedAt = &now
	return r.msgs[i], nil
}

// Delete removes a message owned by senderKey.
func (s *MemoryStore) Delete(ctx context.Context, kind v1.RoomKind, roomID, messageID, senderKey string) error {
	const op = "community.Delete"

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rooms[v1.RoomKey(kind, roomID)]
	if r == nil {
		return notFound(op, "message")
	}
	i := r.index(messageID)
	if i < 0 {
		return notFound(op, "message")
	}
	if r.keys[messageID] != senderKey {
		return forbidden(op, "only the sender may delete a message")
	}

	m := r.msgs[i]
	r.msgs = append(r.msgs[:i], r.msgs[i+1:]...)
	delete(r.keys, messageID)
	if m.CorrelationID != "" {
		delete(r.dedupe, senderKey+"\x00"+m.CorrelationID)
	}
	return nil
}

// index finds a message by id, scanning from the newest.
func (r *memRoom) index(id string) int {
	for i := len(r.msgs) - 1; i >= 0; i-- {
		if r.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// ---- directory ----

// CreateCommunity registers a community; the creator becomes its first member.
func (s *MemoryStore) CreateCommunity(ctx context.Context, in CreateCommunityInput) (Community, error) {
	const op = "community.CreateCommunity"

	in, err := checkCreateCommunity(op, in)
	if err != nil {
		return Community{}, err
	}
	if err := ctx.Err(); err != nil {
		return Community{}, err
	}

	id, err := ids.NewULID(in.Now)
	if err != nil {
		return Community{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	norm := strings.ToLower(in.Name)
	if _, taken := s.byName[norm]; taken {
		return Community{}, OpError{Op: op, Kind: ErrConflict, Msg: "community name"}
	}

	c := Community{
		ID:          id,
		Name:        in.Name,
		Description: in.Description,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   in.Now,
		Members:     1,
	}
	s.communities[id] = &memCommunity{c: c, members: map[string]struct{}{in.CreatedBy: {}}}
	s.byName[norm] = id
	return c, nil
}

// ListCommunities returns communities newest first.
func (s *MemoryStore) ListCommunities(ctx context.Context, limit, offset int) ([]Community, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, limit = clampPage(1, limit)
	if offset < 0 {
		offset = 0
	}

	s.mu.Lock()
	out := make([]Community, 0, len(s.communities))
	for _, mc := range s.communities {
		c := mc.c
		c.Members = len(mc.members)
		out = append(out, c)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })

	if offset >= len(out) {
		return []Community{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Community returns a community by id.
func (s *MemoryStore) Community(ctx context.Context, id string) (Community, error) {
	if err := ctx.Err(); err != nil {
		return Community{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.communities[id]
	if mc == nil {
		return Community{}, notFound("community.Community", "community")
	}
	c := mc.c
	c.Members = len(mc.members)
	return c, nil
}

// JoinCommunity adds userID as a member. Joining twice is a no-op.
func (s *MemoryStore) JoinCommunity(ctx context.Context, communityID, userID string, _ time.Time) (Community, error) {
	const op = "community.JoinCommunity"

	if strings.TrimSpace(userID) == "" {
		return Community{}, invalid(op, "missing user")
	}
	if err := ctx.Err(); err != nil {
		return Community{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.communities[communityID]
	if mc == nil {
		return Community{}, notFound(op, "community")
	}
	mc.members[userID] = struct{}{}

	c := mc.c
	c.Members = len(mc.members)
	return c, nil
}

// IsMember reports whether userID belongs to communityID.
func (s *MemoryStore) IsMember(ctx context.Context, userID, communityID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mc := s.communities[communityID]
	if mc == nil {
		return false, nil
	}
	_, ok := mc.members[userID]
	return ok, nil
}

// JoinAnonymous creates the room on first use and records the handle.
func (s *MemoryStore) JoinAnonymous(ctx context.Context, name, handle string, now time.Time) (AnonymousRoom, error) {
	const op = "community.JoinAnonymous"

	name, handle, err := checkAnonymousJoin(op, name, handle)
	if err != nil {
		return AnonymousRoom{}, err
	}
	if err := ctx.Err(); err != nil {
		return AnonymousRoom{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.anonymous[name]
	if a == nil {
		a = &memAnon{room: AnonymousRoom{Name: name, CreatedAt: now}, handles: make(map[string]struct{})}
		s.anonymous[name] = a
	}
	a.handles[handle] = struct{}{}

	out := a.room
	out.Participants = len(a.handles)
	return out, nil
}

func checkCreateCommunity(op string, in CreateCommunityInput) (CreateCommunityInput, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	switch {
	case in.Name == "":
		return in, invalid(op, "name is required")
	case len([]rune(in.Name)) > maxNameChars:
		return in, invalid(op, "name is too long")
	case len([]rune(in.Description)) > maxDescriptionChars:
		return in, invalid(op, "description is too long")
	case strings.TrimSpace(in.CreatedBy) == "":
		return in, invalid(op, "missing creator")
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	return in, nil
}

func checkAnonymousJoin(op, name, handle string) (string, string, error) {
	name = v1.NormalizeRoomName(name)
	handle = strings.TrimSpace(handle)
	switch {
	case name == "":
		return "", "", invalid(op, "community name is required")
	case len([]rune(name)) > maxNameChars:
		return "", "", invalid(op, "community name is too long")
	case handle == "":
		return "", "", invalid(op, "username is required")
	case len([]rune(handle)) > maxHandleChars:
		return "", "", invalid(op, "username is too long")
	}
	return name, handle, nil
}
