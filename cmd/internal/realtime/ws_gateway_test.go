package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"echostream/cmd/internal/auth"
	v1 "echostream/contracts/realtime/v1"

	"github.com/coder/websocket"
)

func TestOriginHostOnly(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"http://localhost:5173":    "localhost",
		"https://Chat.Example.com": "chat.example.com",
		"127.0.0.1:8000":           "127.0.0.1",
		"example.org":              "example.org",
		"":                         "",
		"http://[::1]:3000":        "::1",
		"not a url://":             "",
	}
	for in, want := range cases {
		if got := originHostOnly(in); got != want {
			t.Fatalf("originHostOnly(%q)=%q want=%q", in, got, want)
		}
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{
		"http://localhost:5173", "http://localhost", "*", "https://b.example", "https://a.example",
	})
	want := []string{"a.example", "b.example", "localhost"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("patterns=%v want=%v", got, want)
	}
}

func TestEnforceOrigin(t *testing.T) {
	t.Parallel()

	cfg := DefaultGatewayConfig()
	cfg.AllowedOrigins = []string{"http://localhost", "https://chat.example.com"}
	g := NewWSGateway(discardLogger(), cfg)

	cases := []struct {
		origin  string
		wantErr bool
	}{
		{origin: "", wantErr: true},
		{origin: "http://localhost:5173"},
		{origin: "https://chat.example.com"},
		{origin: "https://evil.example.com", wantErr: true},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		err := g.enforceOrigin(r)
		if (err != nil) != tc.wantErr {
			t.Fatalf("origin=%q err=%v wantErr=%v", tc.origin, err, tc.wantErr)
		}
	}
}

func TestClassifyReadErr(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want readErrKind
	}{
		{err: fmt.Errorf("%w: boom", errBadJSON), want: readErrBadJSON},
		{err: context.Canceled, want: readErrCtxDone},
		{err: fmt.Errorf("read: %w", context.DeadlineExceeded), want: readErrCtxDone},
		{err: errors.New("mystery"), want: readErrUnknown},
	}
	for _, tc := range cases {
		if got := classifyReadErr(tc.err); got != tc.want {
			t.Fatalf("classifyReadErr(%v)=%d want=%d", tc.err, got, tc.want)
		}
	}
}

func TestWSGateway_MissingOriginRejected(t *testing.T) {
	t.Parallel()

	ts := startWSTestServer(t, NewWSGateway(discardLogger(), DefaultGatewayConfig()))

	_, resp, err := dialWS(t, ts.URL, "", "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got resp=%v err=%v", resp, err)
	}
}

func TestWSGateway_RequireAuth_UnauthorizedRejected(t *testing.T) {
	t.Parallel()

	cfg := testGatewayConfig()
	cfg.RequireAuth = true
	tokens := newTestTokens(t)
	ts := startWSTestServer(t, NewWSGateway(discardLogger(), cfg, WithAuthenticator(tokens)))

	for _, bearer := range []string{"", "not-a-valid-token"} {
		_, resp, err := dialWS(t, ts.URL, "", bearer)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("bearer=%q: expected 401, got resp=%v err=%v", bearer, resp, err)
		}
	}
}

func TestWSGateway_HelloAckCarriesIdentity(t *testing.T) {
	t.Parallel()

	tokens := newTestTokens(t)
	tok := issue(t, tokens, "u-1", "navid")
	ts := startWSTestServer(t, NewWSGateway(discardLogger(), testGatewayConfig(), WithAuthenticator(tokens)))

	conn := mustDial(t, ts.URL, tok)
	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeHello, v1.HelloPayload{Client: "test"}))

	ack := readUntilType(t, conn, v1.TypeHelloAck, 2)
	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		t.Fatalf("decode hello ack: %v", err)
	}
	if p.SessionID == "" || p.UserID != "u-1" || p.Name != "navid" {
		t.Fatalf("unexpected ack: %+v", p)
	}
}

func TestWSGateway_AnonymousFanoutIncludesSender(t *testing.T) {
	t.Parallel()

	ts := startWSTestServer(t, NewWSGateway(discardLogger(), testGatewayConfig()))
	room := v1.NormalizeRoomName("Movie Night!")

	alice := mustDial(t, ts.URL, "")
	bob := mustDial(t, ts.URL, "")
	joinRoom(t, alice, v1.RoomAnonymous, room, "alice_k2")
	joinRoom(t, bob, v1.RoomAnonymous, room, "bob_7q")

	msg := v1.ChatMessage{
		ID:      "m-1",
		RoomID:  room,
		Kind:    v1.RoomAnonymous,
		Sender:  v1.Sender{Name: "alice_k2"},
		Content: "popcorn?",
	}
	writeEnvelopeWS(t, alice, clientEnvelope(t, v1.TypeMessageBroadcast, v1.MessageBroadcastPayload{
		RoomID: room, Kind: v1.RoomAnonymous, Message: msg,
	}))

	for name, conn := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		got := readMessageNew(t, conn)
		if got.Message.ID != "m-1" || got.Message.Content != "popcorn?" || got.RoomID != room {
			t.Fatalf("%s received %+v", name, got)
		}
	}
}

func TestWSGateway_BroadcastRelaysStoredRecord(t *testing.T) {
	t.Parallel()

	stored := v1.ChatMessage{
		ID:      "m-9",
		RoomID:  "general",
		Kind:    v1.RoomAnonymous,
		Seq:     7,
		Sender:  v1.Sender{Name: "carol_1"},
		Content: "canonical",
	}
	lookup := &fakeLookup{msgs: map[string]v1.ChatMessage{stored.ID: stored}}
	ts := startWSTestServer(t, NewWSGateway(discardLogger(), testGatewayConfig(), WithMessageLookup(lookup)))

	conn := mustDial(t, ts.URL, "")
	joinRoom(t, conn, v1.RoomAnonymous, "general", "carol_1")

	tampered := stored
	tampered.Content = "tampered"
	tampered.Seq = 0
	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeMessageBroadcast, v1.MessageBroadcastPayload{
		RoomID: "general", Kind: v1.RoomAnonymous, Message: tampered,
	}))

	got := readMessageNew(t, conn)
	if got.Message.Content != "canonical" || got.Message.Seq != 7 {
		t.Fatalf("expected stored record, got %+v", got.Message)
	}

	missing := stored
	missing.ID = "m-unknown"
	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeMessageBroadcast, v1.MessageBroadcastPayload{
		RoomID: "general", Kind: v1.RoomAnonymous, Message: missing,
	}))
	if code := readErrorCode(t, conn); code != "not_persisted" {
		t.Fatalf("code=%q want not_persisted", code)
	}
}

func TestWSGateway_BroadcastRejectsOtherSender(t *testing.T) {
	t.Parallel()

	ts := startWSTestServer(t, NewWSGateway(discardLogger(), testGatewayConfig()))
	conn := mustDial(t, ts.URL, "")
	joinRoom(t, conn, v1.RoomAnonymous, "general", "carol_1")

	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeMessageBroadcast, v1.MessageBroadcastPayload{
		RoomID: "general",
		Kind:   v1.RoomAnonymous,
		Message: v1.ChatMessage{
			ID: "m-1", RoomID: "general", Kind: v1.RoomAnonymous,
			Sender: v1.Sender{Name: "someone_else"}, Content: "hi",
		},
	}))
	if code := readErrorCode(t, conn); code != "forbidden" {
		t.Fatalf("code=%q want forbidden", code)
	}
}

func TestWSGateway_CommunityJoinNeedsLoginAndMembership(t *testing.T) {
	t.Parallel()

	tokens := newTestTokens(t)
	rooms := &fakeRooms{members: map[string]bool{"u-member|c-1": true}}
	ts := startWSTestServer(t, NewWSGateway(discardLogger(), testGatewayConfig(),
		WithAuthenticator(tokens), WithRoomAuthorizer(rooms)))

	anon := mustDial(t, ts.URL, "")
	writeEnvelopeWS(t, anon, clientEnvelope(t, v1.TypeRoomJoin, v1.RoomJoinPayload{RoomID: "c-1", Kind: v1.RoomCommunity}))
	if code := readErrorCode(t, anon); code != "unauthorized" {
		t.Fatalf("anon code=%q want unauthorized", code)
	}

	outsider := mustDial(t, ts.URL, issue(t, tokens, "u-outsider", "eve"))
	writeEnvelopeWS(t, outsider, clientEnvelope(t, v1.TypeRoomJoin, v1.RoomJoinPayload{RoomID: "c-1", Kind: v1.RoomCommunity}))
	if code := readErrorCode(t, outsider); code != "forbidden" {
		t.Fatalf("outsider code=%q want forbidden", code)
	}

	member := mustDial(t, ts.URL, issue(t, tokens, "u-member", "navid"))
	joinRoom(t, member, v1.RoomCommunity, "c-1", "")

	writeEnvelopeWS(t, member, clientEnvelope(t, v1.TypeMessageBroadcast, v1.MessageBroadcastPayload{
		RoomID: "c-1",
		Kind:   v1.RoomCommunity,
		Message: v1.ChatMessage{
			ID: "m-1", RoomID: "c-1", Kind: v1.RoomCommunity,
			Sender: v1.Sender{ID: "u-member", Name: "navid"}, Content: "hello",
		},
	}))
	if got := readMessageNew(t, member); got.Message.Sender.ID != "u-member" {
		t.Fatalf("unexpected message: %+v", got.Message)
	}
}

func TestWSGateway_LeaveKeepsConnectionOpen(t *testing.T) {
	t.Parallel()

	gw := NewWSGateway(discardLogger(), testGatewayConfig())
	ts := startWSTestServer(t, gw)
	conn := mustDial(t, ts.URL, "")

	joinRoom(t, conn, v1.RoomAnonymous, "general", "")
	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeRoomLeave, v1.RoomLeavePayload{RoomID: "general", Kind: v1.RoomAnonymous}))
	_ = readUntilType(t, conn, v1.TypeRoomLeave, 2)

	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeMessageBroadcast, v1.MessageBroadcastPayload{
		RoomID: "general",
		Kind:   v1.RoomAnonymous,
		Message: v1.ChatMessage{
			ID: "m-1", RoomID: "general", Kind: v1.RoomAnonymous, Sender: v1.Sender{Name: "x"}, Content: "hi",
		},
	}))
	if code := readErrorCode(t, conn); code != "not_joined" {
		t.Fatalf("code=%q want not_joined", code)
	}

	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeHello, v1.HelloPayload{}))
	_ = readUntilType(t, conn, v1.TypeHelloAck, 2)

	if gw.Hub().Len() != 0 {
		t.Fatalf("room should be released after leave")
	}
}

func TestWSGateway_BadInputKeepsSession(t *testing.T) {
	t.Parallel()

	ts := startWSTestServer(t, NewWSGateway(discardLogger(), testGatewayConfig()))
	conn := mustDial(t, ts.URL, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if code := readErrorCode(t, conn); code != "bad_json" {
		t.Fatalf("code=%q want bad_json", code)
	}

	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeRoomJoin, v1.RoomJoinPayload{RoomID: "Movie Night", Kind: v1.RoomAnonymous}))
	if code := readErrorCode(t, conn); code != "bad_room" {
		t.Fatalf("code=%q want bad_room", code)
	}

	writeEnvelopeWS(t, conn, v1.Envelope{V: v1.Version, Type: "direct_message", Payload: json.RawMessage(`{}`)})
	if code := readErrorCode(t, conn); code != "bad_envelope" {
		t.Fatalf("code=%q want bad_envelope", code)
	}

	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeHello, v1.HelloPayload{}))
	_ = readUntilType(t, conn, v1.TypeHelloAck, 2)
}

// ---- fakes ----

type fakeRooms struct {
	members map[string]bool
}

func (f *fakeRooms) CanJoin(_ context.Context, userID string, kind v1.RoomKind, roomID string) (bool, error) {
	if kind == v1.RoomAnonymous {
		return true, nil
	}
	return f.members[userID+"|"+roomID], nil
}

type fakeLookup struct {
	mu   sync.Mutex
	msgs map[string]v1.ChatMessage
}

func (f *fakeLookup) Lookup(_ context.Context, kind v1.RoomKind, roomID, messageID string) (v1.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[messageID]
	if !ok || m.Kind != kind || m.RoomID != roomID {
		return v1.ChatMessage{}, errors.New("not found")
	}
	return m, nil
}

// ---- helpers ----

func testGatewayConfig() GatewayConfig {
	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false
	return cfg
}

func newTestTokens(t *testing.T) *auth.TokenManager {
	t.Helper()
	cfg := auth.DefaultConfig()
	cfg.Secret = strings.Repeat("s", 32)
	m, err := auth.NewTokenManager(cfg)
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	return m
}

func issue(t *testing.T, m *auth.TokenManager, userID, username string) string {
	t.Helper()
	tok, _, err := m.Issue(userID, username, time.Now().UTC())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func startWSTestServer(t *testing.T, gw *WSGateway) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func dialWS(t *testing.T, baseHTTPURL, origin, bearerToken string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(bearerToken) != "" {
		h.Set("Authorization", "Bearer "+bearerToken)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func mustDial(t *testing.T, baseHTTPURL, bearerToken string) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, baseHTTPURL, "", bearerToken)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return conn
}

func clientEnvelope(t *testing.T, typ string, payload any) v1.Envelope {
	t.Helper()
	return v1.Envelope{V: v1.Version, Type: typ, ID: typ + "-1", TS: time.Now().UTC(), Payload: mustJSONRaw(t, payload)}
}

func joinRoom(t *testing.T, conn *websocket.Conn, kind v1.RoomKind, roomID, handle string) {
	t.Helper()
	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeRoomJoin, v1.RoomJoinPayload{RoomID: roomID, Kind: kind, Handle: handle}))
	env := readUntilType(t, conn, v1.TypeRoomJoin, 2)
	var p v1.RoomJoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode join echo: %v", err)
	}
	if p.RoomID != roomID || p.Kind != kind {
		t.Fatalf("join echo=%+v", p)
	}
}

func readMessageNew(t *testing.T, conn *websocket.Conn) v1.MessageNewPayload {
	t.Helper()
	env := readUntilType(t, conn, v1.TypeMessageNew, 3)
	var p v1.MessageNewPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode message_new: %v", err)
	}
	return p
}

func readErrorCode(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	env := readUntilType(t, conn, v1.TypeError, 3)
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return p.Code
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}
