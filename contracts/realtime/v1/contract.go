// Package v1 defines the EchoStream Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the gateway and the chat client to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the only WebSocket subprotocol accepted by the gateway.
const Subprotocol = "echostream.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeRoomJoin joins a room (client -> server) and is echoed back on success.
	TypeRoomJoin = "room_join"
	// TypeRoomLeave leaves a room (client -> server) and is echoed back.
	TypeRoomLeave = "room_leave"

	// TypeMessageBroadcast asks the gateway to relay an already persisted message (client -> server).
	TypeMessageBroadcast = "message_broadcast"
	// TypeMessageNew delivers a relayed message to every room member, sender included (server -> client).
	TypeMessageNew = "message_new"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeRoomJoin,
		TypeRoomLeave,
		TypeMessageBroadcast,
		TypeMessageNew,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct {
	// Client is a free-form client label used in gateway logs.
	Client string `json:"client,omitempty"`
}

// HelloAckPayload carries the gateway-assigned session id and the resolved identity, if any.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	Name      string `json:"name,omitempty"`
}

// RoomJoinPayload requests membership in a room.
// Handle is only meaningful for anonymous rooms.
type RoomJoinPayload struct {
	RoomID string   `json:"room_id"`
	Kind   RoomKind `json:"kind"`
	Handle string   `json:"handle,omitempty"`
}

// RoomLeavePayload drops membership in a room.
type RoomLeavePayload struct {
	RoomID string   `json:"room_id"`
	Kind   RoomKind `json:"kind"`
}

// MessageBroadcastPayload carries a persisted message to be fanned out to a room.
type MessageBroadcastPayload struct {
	RoomID  string      `json:"room_id"`
	Kind    RoomKind    `json:"kind"`
	Message ChatMessage `json:"message"`
}

// MessageNewPayload is delivered to room members when a message is relayed.
type MessageNewPayload struct {
	RoomID  string      `json:"room_id"`
	Kind    RoomKind    `json:"kind"`
	Message ChatMessage `json:"message"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
