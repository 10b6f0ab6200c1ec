package chat

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"net/url"
	"strings"

	v1 "echostream/contracts/realtime/v1"
)

// Room identifies a chat scope on the wire.
type Room struct {
	Kind v1.RoomKind
	ID   string
}

// CommunityRoom is the room of a backend-assigned community id.
func CommunityRoom(id string) Room {
	return Room{Kind: v1.RoomCommunity, ID: strings.TrimSpace(id)}
}

// AnonymousRoom normalizes a user-typed name into an anonymous room.
func AnonymousRoom(rawName string) Room {
	return Room{Kind: v1.RoomAnonymous, ID: v1.NormalizeRoomName(rawName)}
}

// Key is the routing key shared with the gateway.
func (r Room) Key() string { return v1.RoomKey(r.Kind, r.ID) }

func (r Room) String() string { return r.Key() }

// Validate checks the room the same way the gateway does.
func (r Room) Validate() error {
	if err := v1.ValidateRoom(r.Kind, r.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRoom, err)
	}
	return nil
}

// ResolveRoom turns a user or URL reference into a Room. Accepted forms:
//
//	community:<id>
//	anonymous:<name>          (anon:<name> also works)
//	/communities/<id>
//	/anonymous-community/<name>
//
// Anonymous names always pass through v1.NormalizeRoomName.
func ResolveRoom(ref string) (Room, error) {
	ref = strings.TrimSpace(ref)

	if strings.HasPrefix(ref, "/") {
		parts := strings.Split(strings.Trim(ref, "/"), "/")
		if len(parts) >= 2 {
			seg, err := url.PathUnescape(parts[1])
			if err != nil {
				return Room{}, fmt.Errorf("%w: %v", ErrInvalidRoom, err)
			}
			switch parts[0] {
			case "communities", "community":
				return checked(CommunityRoom(seg))
			case "anonymous-community":
				return checked(AnonymousRoom(seg))
			}
		}
		return Room{}, fmt.Errorf("%w: unknown path %q", ErrInvalidRoom, ref)
	}

	kind, id, ok := strings.Cut(ref, ":")
	if !ok {
		return Room{}, fmt.Errorf("%w: %q needs a kind prefix", ErrInvalidRoom, ref)
	}
	switch strings.ToLower(kind) {
	case string(v1.RoomCommunity):
		return checked(CommunityRoom(id))
	case string(v1.RoomAnonymous), "anon":
		return checked(AnonymousRoom(id))
	default:
		return Room{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRoom, kind)
	}
}

func checked(r Room) (Room, error) {
	if err := r.Validate(); err != nil {
		return Room{}, err
	}
	return r, nil
}

// Identity is who a view speaks as. ID is empty for anonymous handles.
type Identity struct {
	ID   string
	Name string
}

// Anonymous reports whether the identity has no backing account.
func (i Identity) Anonymous() bool { return i.ID == "" }

const (
	maxHandleBase = 24
	handleSuffix  = 6
)

var suffixEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewAnonymousIdentity derives a fresh handle from a chosen display name:
// the sanitized name, an underscore and a random suffix. An empty name gives "anon".
// Two calls with the same name practically never collide.
func NewAnonymousIdentity(chosen string) Identity {
	return Identity{Name: sanitizeHandle(chosen) + "_" + randomSuffix()}
}

func sanitizeHandle(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
		if b.Len() >= maxHandleBase {
			break
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > maxHandleBase {
		out = strings.Trim(out[:maxHandleBase], "_")
	}
	if out == "" {
		return "anon"
	}
	return out
}

func randomSuffix() string {
	var buf [5]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	return strings.ToLower(suffixEncoding.EncodeToString(buf[:]))[:handleSuffix]
}
