package community

import (
	"context"
	"time"

	v1 "echostream/contracts/realtime/v1"
)

// MessageStore persists room history.
//
// Requirements:
//   - idempotency per (room, sender, correlation id)
//   - strictly increasing seq per room, no gaps for duplicates
//   - Page returns the newest-first window ordered oldest first
type MessageStore interface {
	Append(ctx context.Context, in AppendInput) (AppendResult, error)
	Page(ctx context.Context, kind v1.RoomKind, roomID string, page, limit int) (v1.MessagePage, error)
	Get(ctx context.Context, kind v1.RoomKind, roomID, messageID string) (v1.ChatMessage, error)
	Edit(ctx context.Context, in EditInput) (v1.ChatMessage, error)
	Delete(ctx context.Context, kind v1.RoomKind, roomID, messageID, senderKey string) error
}

// Directory tracks communities, their members, and anonymous rooms.
type Directory interface {
	CreateCommunity(ctx context.Context, in CreateCommunityInput) (Community, error)
	ListCommunities(ctx context.Context, limit, offset int) ([]Community, error)
	Community(ctx context.Context, id string) (Community, error)
	JoinCommunity(ctx context.Context, communityID, userID string, now time.Time) (Community, error)
	IsMember(ctx context.Context, userID, communityID string) (bool, error)
	JoinAnonymous(ctx context.Context, name, handle string, now time.Time) (AnonymousRoom, error)
}

// CreateCommunityInput describes a new community. The creator joins it.
type CreateCommunityInput struct {
	Name        string
	Description string
	CreatedBy   string
	Now         time.Time
}
