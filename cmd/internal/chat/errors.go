package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation needs the realtime handle and none exists.
	ErrNotConnected = errors.New("chat: not connected")
	// ErrEmptyMessage rejects a send with no content and no attachment.
	ErrEmptyMessage = errors.New("chat: empty message")
	// ErrInvalidAttachment rejects an attachment with an unknown kind or no URL.
	ErrInvalidAttachment = errors.New("chat: invalid attachment")
	// ErrInvalidRoom rejects a room reference that cannot be resolved.
	ErrInvalidRoom = errors.New("chat: invalid room")
	// ErrHandshake is returned when the gateway does not complete the hello exchange.
	ErrHandshake = errors.New("chat: handshake failed")
)

// APIError is a non-2xx answer from the REST backend.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("chat: api status %d", e.Status)
	}
	return fmt.Sprintf("chat: api %d %s: %s", e.Status, e.Code, e.Message)
}

// IsAPIStatus reports whether err is an APIError with the given HTTP status.
func IsAPIStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}
