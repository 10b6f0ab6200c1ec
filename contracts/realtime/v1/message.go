package v1

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// RoomKind distinguishes persistent community rooms from ephemeral anonymous rooms.
type RoomKind string

const (
	RoomCommunity RoomKind = "community"
	RoomAnonymous RoomKind = "anonymous"
)

// Valid reports whether k is a known room kind.
func (k RoomKind) Valid() bool {
	return k == RoomCommunity || k == RoomAnonymous
}

var whitespaceRun = regexp.MustCompile(`[\s\p{Zs}]+`)

// NormalizeRoomName canonicalizes a user-typed room name: trim, lower-case,
// and collapse every whitespace run into a single underscore. Punctuation is kept.
//
// Every place that derives a room name from user input (join, send, URL/flag
// resolution, REST handlers) must go through this function so routing keys match.
func NormalizeRoomName(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	return whitespaceRun.ReplaceAllString(s, "_")
}

// RoomKey is the gateway routing key for a room. Kinds are namespaced so a
// community id can never collide with an anonymous room name.
func RoomKey(kind RoomKind, roomID string) string {
	return string(kind) + ":" + roomID
}

// ValidateRoom checks the shape of a room reference received on the wire.
func ValidateRoom(kind RoomKind, roomID string) error {
	if !kind.Valid() {
		return errors.New("invalid room kind")
	}
	if strings.TrimSpace(roomID) == "" {
		return errors.New("missing room_id")
	}
	if kind == RoomAnonymous && NormalizeRoomName(roomID) != roomID {
		return errors.New("anonymous room_id must be normalized")
	}
	return nil
}

// AttachmentKind is the media type of a chat attachment.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
)

// Attachment references uploaded media stored by the REST backend.
type Attachment struct {
	Kind AttachmentKind `json:"kind"`
	URL  string         `json:"url"`
}

// Sender identifies the author of a message.
// ID is empty for anonymous participants.
type Sender struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// ChatMessage is the canonical stored message record shared by REST and realtime.
type ChatMessage struct {
	ID            string      `json:"id"`
	RoomID        string      `json:"room_id"`
	Kind          RoomKind    `json:"kind"`
	Seq           int64       `json:"seq"`
	Sender        Sender      `json:"sender"`
	Content       string      `json:"content"`
	Attachment    *Attachment `json:"attachment,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	EditedAt      *time.Time  `json:"edited_at,omitempty"`
}

// MessagePage is one page of room history, ordered oldest first.
// Page 1 is the newest window; higher pages walk back in time.
type MessagePage struct {
	Messages []ChatMessage `json:"messages"`
	Page     int           `json:"page"`
	Limit    int           `json:"limit"`
	HasMore  bool          `json:"has_more"`
}
