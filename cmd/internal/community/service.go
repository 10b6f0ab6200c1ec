package community

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	v1 "echostream/contracts/realtime/v1"
)

// MessageInput is the client-supplied part of a new message.
type MessageInput struct {
	Content       string         `json:"content"`
	Attachment    *v1.Attachment `json:"attachment,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Service applies room rules on top of the stores: name normalization,
// membership checks and payload validation.
type Service struct {
	log     *slog.Logger
	msgs    MessageStore
	dir     Directory
	metrics *Metrics
	now     func() time.Time
}

// ServiceOption configures Service.
type ServiceOption func(*Service)

// WithMetrics attaches persistence metrics.
func WithMetrics(m *Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires a Service over msgs and dir.
func NewService(log *slog.Logger, msgs MessageStore, dir Directory, opts ...ServiceOption) (*Service, error) {
	if msgs == nil || dir == nil {
		return nil, errors.New("community: nil store")
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		log:  log,
		msgs: msgs,
		dir:  dir,
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// ---- communities ----

// CreateCommunity registers a community owned by userID.
func (s *Service) CreateCommunity(ctx context.Context, userID, name, description string) (Community, error) {
	c, err := s.dir.CreateCommunity(ctx, CreateCommunityInput{
		Name:        name,
		Description: description,
		CreatedBy:   userID,
		Now:         s.now(),
	})
	if err != nil {
		s.observe("create_community", err)
		return Community{}, err
	}
	s.log.Info("community.created", "community_id", c.ID, "user_id", userID)
	return c, nil
}

// ListCommunities pages through communities newest first.
func (s *Service) ListCommunities(ctx context.Context, limit, offset int) ([]Community, error) {
	out, err := s.dir.ListCommunities(ctx, limit, offset)
	s.observe("list_communities", err)
	return out, err
}

// JoinCommunity adds userID to communityID.
func (s *Service) JoinCommunity(ctx context.Context, userID, communityID string) (Community, error) {
	c, err := s.dir.JoinCommunity(ctx, strings.TrimSpace(communityID), userID, s.now())
	if err != nil {
		s.observe("join_community", err)
		return Community{}, err
	}
	s.log.Info("community.member.join", "community_id", c.ID, "user_id", userID)
	return c, nil
}

// PostCommunityMessage persists a message from a member.
func (s *Service) PostCommunityMessage(ctx context.Context, sender v1.Sender, communityID string, in MessageInput) (AppendResult, error) {
	const op = "community.PostCommunityMessage"

	if err := ValidatePayload(in.Content, in.Attachment); err != nil {
		return AppendResult{}, err
	}
	if err := s.requireMember(ctx, op, sender.ID, communityID); err != nil {
		return AppendResult{}, err
	}
	return s.append(ctx, v1.RoomCommunity, communityID, sender, in)
}

// CommunityMessages returns one page of community history for a member.
func (s *Service) CommunityMessages(ctx context.Context, userID, communityID string, page, limit int) (v1.MessagePage, error) {
	if err := s.requireMember(ctx, "community.CommunityMessages", userID, communityID); err != nil {
		return v1.MessagePage{}, err
	}
	out, err := s.msgs.Page(ctx, v1.RoomCommunity, communityID, page, limit)
	s.observe("page", err)
	return out, err
}

// EditCommunityMessage lets the sender change a message's content.
func (s *Service) EditCommunityMessage(ctx context.Context, userID, communityID, messageID, content string) (v1.ChatMessage, error) {
	m, err := s.msgs.Edit(ctx, EditInput{
		Kind:      v1.RoomCommunity,
		RoomID:    communityID,
		MessageID: messageID,
		SenderKey: SenderKey(v1.Sender{ID: userID}),
		Content:   content,
		Now:       s.now(),
	})
	s.observe("edit", err)
	return m, err
}

// DeleteCommunityMessage lets the sender remove a message.
func (s *Service) DeleteCommunityMessage(ctx context.Context, userID, communityID, messageID string) error {
	err := s.msgs.Delete(ctx, v1.RoomCommunity, communityID, messageID, SenderKey(v1.Sender{ID: userID}))
	s.observe("delete", err)
	return err
}

// ---- anonymous rooms ----

// JoinAnonymous creates or joins the anonymous room named rawName.
func (s *Service) JoinAnonymous(ctx context.Context, rawName, handle string) (AnonymousRoom, error) {
	r, err := s.dir.JoinAnonymous(ctx, rawName, handle, s.now())
	if err != nil {
		s.observe("join_anonymous", err)
		return AnonymousRoom{}, err
	}
	s.log.Info("anonymous.member.join", "room", r.Name, "handle", strings.TrimSpace(handle))
	return r, nil
}

// PostAnonymousMessage persists a message to the anonymous room named rawName.
func (s *Service) PostAnonymousMessage(ctx context.Context, rawName, handle string, in MessageInput) (AppendResult, error) {
	if err := ValidatePayload(in.Content, in.Attachment); err != nil {
		return AppendResult{}, err
	}
	return s.append(ctx, v1.RoomAnonymous, v1.NormalizeRoomName(rawName), v1.Sender{Name: handle}, in)
}

// AnonymousMessages returns one page of anonymous room history.
func (s *Service) AnonymousMessages(ctx context.Context, rawName string, page, limit int) (v1.MessagePage, error) {
	out, err := s.msgs.Page(ctx, v1.RoomAnonymous, v1.NormalizeRoomName(rawName), page, limit)
	s.observe("page", err)
	return out, err
}

// ---- realtime hooks ----

// CanJoin reports whether userID may join a room over the realtime gateway.
// Anonymous rooms are open; community rooms need membership.
func (s *Service) CanJoin(ctx context.Context, userID string, kind v1.RoomKind, roomID string) (bool, error) {
	switch kind {
	case v1.RoomAnonymous:
		return true, nil
	case v1.RoomCommunity:
		if userID == "" {
			return false, nil
		}
		return s.dir.IsMember(ctx, userID, roomID)
	default:
		return false, nil
	}
}

// Lookup returns the stored record for a message id.
func (s *Service) Lookup(ctx context.Context, kind v1.RoomKind, roomID, messageID string) (v1.ChatMessage, error) {
	return s.msgs.Get(ctx, kind, roomID, messageID)
}

// ---- helpers ----

func (s *Service) append(ctx context.Context, kind v1.RoomKind, roomID string, sender v1.Sender, in MessageInput) (AppendResult, error) {
	res, err := s.msgs.Append(ctx, AppendInput{
		Kind:          kind,
		RoomID:        roomID,
		Sender:        sender,
		Content:       in.Content,
		Attachment:    in.Attachment,
		CorrelationID: in.CorrelationID,
		Now:           s.now(),
	})
	if err != nil {
		s.observe("append", err)
		return AppendResult{}, err
	}
	s.metrics.appended(string(kind), res.Duplicated)
	s.log.Debug("message.persisted",
		"room", v1.RoomKey(kind, roomID),
		"message_id", res.Message.ID,
		"seq", res.Message.Seq,
		"duplicated", res.Duplicated,
	)
	return res, nil
}

func (s *Service) requireMember(ctx context.Context, op, userID, communityID string) error {
	if _, err := s.dir.Community(ctx, communityID); err != nil {
		return err
	}
	ok, err := s.dir.IsMember(ctx, userID, communityID)
	if err != nil {
		s.observe("is_member", err)
		return err
	}
	if !ok {
		return forbidden(op, "not a member of this community")
	}
	return nil
}

// observe counts and logs unexpected store errors. Domain errors are expected
// outcomes and are left to the caller.
func (s *Service) observe(op string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden) || errors.Is(err, ErrConflict) ||
		errors.Is(err, context.Canceled) {
		return
	}
	s.metrics.failed(op)
	s.log.Error("community.store.fail", "op", op, "err", err)
}
