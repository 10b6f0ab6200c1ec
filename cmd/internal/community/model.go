package community

import (
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	v1 "echostream/contracts/realtime/v1"
)

const (
	// MaxMessageChars bounds message content in runes.
	MaxMessageChars = 4000

	// DefaultPageLimit is used when a page request has no limit.
	DefaultPageLimit = 20
	// MaxPageLimit caps page size.
	MaxPageLimit = 100

	maxNameChars        = 64
	maxDescriptionChars = 500
	maxHandleChars      = 64
	maxCorrelationChars = 64
)

// Community is a persistent, membership-gated chat room.
type Community struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	Members     int       `json:"members"`
}

// AnonymousRoom is an ephemeral room addressed by its normalized name.
type AnonymousRoom struct {
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"created_at"`
	Participants int       `json:"participants"`
}

// AppendInput describes a message to persist.
type AppendInput struct {
	Kind          v1.RoomKind
	RoomID        string
	Sender        v1.Sender
	Content       string
	Attachment    *v1.Attachment
	CorrelationID string
	Now           time.Time
}

// AppendResult is the stored record. Duplicated is set when the same
// (room, sender, correlation id) was already persisted.
type AppendResult struct {
	Message    v1.ChatMessage
	Duplicated bool
}

// EditInput changes the content of an existing message.
type EditInput struct {
	Kind      v1.RoomKind
	RoomID    string
	MessageID string
	SenderKey string
	Content   string
	Now       time.Time
}

// SenderKey identifies a sender for ownership and idempotency checks.
// Accounts are keyed by id, anonymous handles by name.
func SenderKey(s v1.Sender) string {
	if s.ID != "" {
		return "user:" + s.ID
	}
	return "anon:" + s.Name
}

// ValidatePayload checks message content and attachment before any I/O.
// Empty content is only allowed with an attachment.
func ValidatePayload(content string, att *v1.Attachment) error {
	const op = "community.ValidatePayload"

	text := strings.TrimSpace(content)
	if text == "" && att == nil {
		return invalid(op, "message content or attachment is required")
	}
	if utf8.RuneCountInString(text) > MaxMessageChars {
		return invalid(op, "message too long")
	}
	if att != nil {
		if att.Kind != v1.AttachmentImage && att.Kind != v1.AttachmentVideo {
			return invalid(op, "attachment kind must be image or video")
		}
		u, err := url.Parse(strings.TrimSpace(att.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid(op, "attachment url must be an absolute http(s) url")
		}
	}
	return nil
}

func checkAppend(op string, in AppendInput) (AppendInput, error) {
	if err := v1.ValidateRoom(in.Kind, in.RoomID); err != nil {
		return in, invalid(op, err.Error())
	}
	in.Sender.Name = strings.TrimSpace(in.Sender.Name)
	if in.Sender.Name == "" {
		return in, invalid(op, "missing sender")
	}
	if err := ValidatePayload(in.Content, in.Attachment); err != nil {
		return in, err
	}
	in.Content = strings.TrimSpace(in.Content)
	in.CorrelationID = strings.TrimSpace(in.CorrelationID)
	if len(in.CorrelationID) > maxCorrelationChars {
		return in, invalid(op, "correlation_id too long")
	}
	if in.Attachment != nil {
		a := *in.Attachment
		a.URL = strings.TrimSpace(a.URL)
		in.Attachment = &a
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	return in, nil
}

// clampPage normalizes page/limit.
func clampPage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return page, limit
}

// pageWindow returns the [start,end) slice bounds of page over n messages
// ordered oldest first, and whether older messages remain.
func pageWindow(n, page, limit int) (start, end int, hasMore bool) {
	end = n - (page-1)*limit
	if end <= 0 {
		return 0, 0, false
	}
	start = end - limit
	if start < 0 {
		start = 0
	}
	return start, end, start > 0
}
