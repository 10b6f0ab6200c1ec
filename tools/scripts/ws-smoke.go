// Package main is a CI-friendly smoke test for the EchoStream realtime gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - anonymous room join echo for two sessions
//   - REST persist, then broadcast -> message_new on both sessions
//   - history page contains the stored record
//   - idempotent persist by correlation_id
//   - broadcasts of unknown message ids are refused
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "echostream/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	handle    string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8000", "Server base URL (REST); the socket is <base>/ws")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		room    = flag.String("room", "Smoke Room", "Anonymous room name (normalized before use)")
		text    = flag.String("text", "hello echostream 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	wsURL, err := socketURL(*baseURL)
	if err != nil {
		fatalf("invalid -base: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	roomID := v1.NormalizeRoomName(*room)
	if err := v1.ValidateRoom(v1.RoomAnonymous, roomID); err != nil {
		fatalf("invalid -room: %v", err)
	}

	root := context.Background()
	suffix := time.Now().UnixNano() % 1_000_000

	a := mustConnect(root, "A", wsURL, *origin, *timeout)
	defer closeWS(a.conn)
	a.handle = fmt.Sprintf("smoke_a_%d", suffix)

	b := mustConnect(root, "B", wsURL, *origin, *timeout)
	defer closeWS(b.conn)
	b.handle = fmt.Sprintf("smoke_b_%d", suffix)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q room=%s\n", a.sessionID, b.sessionID, *origin, roomID)
	}

	mustJoin(root, a, roomID, *timeout)
	mustJoin(root, b, roomID, *timeout)

	correlationID := uuid.NewString()
	stored, status := mustPersist(root, *baseURL, *room, a.handle, correlationID, *text, *timeout)
	if status != http.StatusCreated {
		fatalf("persist: status=%d want 201", status)
	}

	mustBroadcast(root, a, roomID, stored, *timeout)
	mustAssertNew(root, b, roomID, stored, a.handle, *text, *timeout)
	mustAssertNew(root, a, roomID, stored, a.handle, *text, *timeout)

	mustHistoryContains(root, *baseURL, roomID, stored, *timeout)

	again, status := mustPersist(root, *baseURL, *room, a.handle, correlationID, *text, *timeout)
	if status != http.StatusOK || again.ID != stored.ID || again.Seq != stored.Seq {
		fatalf("dedupe: status=%d id=%s/%s seq=%d/%d", status, again.ID, stored.ID, again.Seq, stored.Seq)
	}

	forged := stored
	forged.ID = "forged-" + correlationID
	mustBroadcastRejected(root, a, roomID, forged, "not_persisted", *timeout)

	mustAssertNoType(root, b, v1.TypeMessageNew, 1200*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s room=%s seq=%d message_id=%s\n", a.sessionID, b.sessionID, roomID, stored.Seq, stored.ID)
}

func socketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path = "/ws"
	return u.String(), nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if conn.Subprotocol() != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, conn.Subprotocol(), v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := envelope(name+"-hello", v1.TypeHello, v1.HelloPayload{Client: "ws-smoke"})
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID

	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustJoin(parent context.Context, c *smokeClient, roomID string, stepTimeout time.Duration) {
	env := envelope(c.name+"-join", v1.TypeRoomJoin, v1.RoomJoinPayload{
		RoomID: roomID,
		Kind:   v1.RoomAnonymous,
		Handle: c.handle,
	})
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	echo := c.mustReadUntilType(parent, v1.TypeRoomJoin, stepTimeout, nil)

	var p v1.RoomJoinPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal join echo payload (%s): %v", c.name, err)
	}
	if p.RoomID != roomID || p.Kind != v1.RoomAnonymous {
		fatalf("join echo mismatch (%s): got=%s/%s want=%s", c.name, p.Kind, p.RoomID, roomID)
	}
	if p.Handle != c.handle {
		fatalf("join echo handle mismatch (%s): got=%q want=%q", c.name, p.Handle, c.handle)
	}
}

func mustPersist(parent context.Context, base, rawRoom, handle, correlationID, text string, stepTimeout time.Duration) (v1.ChatMessage, int) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body := mustJSON(map[string]string{
		"community_name": rawRoom,
		"username":       handle,
		"content":        text,
		"correlation_id": correlationID,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/api/anonymous-community/message", bytes.NewReader(body))
	if err != nil {
		fatalf("build persist request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("persist: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out struct {
		Message v1.ChatMessage `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("decode persist response (status %d): %v", resp.StatusCode, err)
	}
	if strings.TrimSpace(out.Message.ID) == "" || out.Message.Seq <= 0 {
		fatalf("persist returned incomplete record: %+v", out.Message)
	}
	return out.Message, resp.StatusCode
}

func mustBroadcast(parent context.Context, c *smokeClient, roomID string, msg v1.ChatMessage, stepTimeout time.Duration) {
	env := envelope(c.name+"-broadcast-"+msg.ID, v1.TypeMessageBroadcast, v1.MessageBroadcastPayload{
		RoomID:  roomID,
		Kind:    v1.RoomAnonymous,
		Message: msg,
	})
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustBroadcastRejected(parent context.Context, c *smokeClient, roomID string, msg v1.ChatMessage, wantCode string, stepTimeout time.Duration) {
	mustBroadcast(parent, c, roomID, msg, stepTimeout)

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %s error (%s)", wantCode, c.name)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %s (%s)", wantCode, c.name)
			}
			if env.Type != v1.TypeError {
				continue
			}
			var ep v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &ep)
			if ep.Code != wantCode {
				fatalf("error code mismatch (%s): got=%q want=%q", c.name, ep.Code, wantCode)
			}
			return
		}
	}
}

func mustAssertNew(parent context.Context, c *smokeClient, roomID string, stored v1.ChatMessage, senderHandle, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, nil)

	var p v1.MessageNewPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message_new payload (%s): %v", c.name, err)
	}

	if p.RoomID != roomID || p.Kind != v1.RoomAnonymous {
		fatalf("new room mismatch (%s): got=%s/%s want=%s", c.name, p.Kind, p.RoomID, roomID)
	}
	if p.Message.ID != stored.ID {
		fatalf("new message id mismatch (%s): got=%q want=%q", c.name, p.Message.ID, stored.ID)
	}
	if p.Message.Seq != stored.Seq {
		fatalf("new seq mismatch (%s): got=%d want=%d", c.name, p.Message.Seq, stored.Seq)
	}
	if p.Message.Sender.Name != senderHandle {
		fatalf("new sender mismatch (%s): got=%q want=%q", c.name, p.Message.Sender.Name, senderHandle)
	}
	if p.Message.Content != text {
		fatalf("new content mismatch (%s): got=%q want=%q", c.name, p.Message.Content, text)
	}
	if p.Message.CreatedAt.IsZero() {
		fatalf("new created_at missing/zero (%s)", c.name)
	}
}

func mustHistoryContains(parent context.Context, base, roomID string, stored v1.ChatMessage, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	u := strings.TrimRight(base, "/") + "/api/anonymous-community/" + url.PathEscape(roomID) + "/messages?page=1&limit=50"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		fatalf("build history request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("history: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		fatalf("history: status=%d", resp.StatusCode)
	}

	var page v1.MessagePage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		fatalf("decode history: %v", err)
	}
	for _, m := range page.Messages {
		if m.ID == stored.ID && m.Seq == stored.Seq && m.Content == stored.Content {
			return
		}
	}
	fatalf("history page missing message %s", stored.ID)
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func envelope(id, typ string, payload any) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
