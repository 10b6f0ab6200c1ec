package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"echostream/cmd/internal/auth"
	"echostream/cmd/internal/ids"
	v1 "echostream/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxHandleChars = 64

// Authenticator resolves the caller of an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (auth.Principal, bool)
}

// RoomAuthorizer decides whether a user may join a room.
type RoomAuthorizer interface {
	CanJoin(ctx context.Context, userID string, kind v1.RoomKind, roomID string) (bool, error)
}

// MessageLookup returns the stored record of a persisted message.
// The gateway relays that record instead of the client-supplied copy.
type MessageLookup interface {
	Lookup(ctx context.Context, kind v1.RoomKind, roomID, messageID string) (v1.ChatMessage, error)
}

// WSGateway is the WebSocket entrypoint for EchoStream realtime.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and routes validated envelopes to the Hub and Bus. It never persists:
// messages arrive already stored through the REST API.
type WSGateway struct {
	log     *slog.Logger
	cfg     GatewayConfig
	hub     *Hub
	bus     Bus
	auth    Authenticator
	rooms   RoomAuthorizer
	lookup  MessageLookup
	metrics *Metrics

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// GatewayOption configures a WSGateway.
type GatewayOption func(*WSGateway)

// WithHub shares a hub with other components (the Redis bus delivers into it).
func WithHub(h *Hub) GatewayOption {
	return func(g *WSGateway) { g.hub = h }
}

// WithBus replaces the default in-process fanout.
func WithBus(b Bus) GatewayOption {
	return func(g *WSGateway) { g.bus = b }
}

// WithAuthenticator resolves principals from upgrade requests.
func WithAuthenticator(a Authenticator) GatewayOption {
	return func(g *WSGateway) { g.auth = a }
}

// WithRoomAuthorizer enforces room membership on join.
func WithRoomAuthorizer(r RoomAuthorizer) GatewayOption {
	return func(g *WSGateway) { g.rooms = r }
}

// WithMessageLookup makes broadcasts relay the stored record.
func WithMessageLookup(l MessageLookup) GatewayOption {
	return func(g *WSGateway) { g.lookup = l }
}

// WithGatewayMetrics records gateway metrics.
func WithGatewayMetrics(m *Metrics) GatewayOption {
	return func(g *WSGateway) { g.metrics = m }
}

// NewWSGateway constructs a gateway with secure defaults.
// Without a bus it fans out in-process through its hub.
func NewWSGateway(log *slog.Logger, cfg GatewayConfig, opts ...GatewayOption) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &WSGateway{log: log, cfg: cfg.withDefaults()}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if g.hub == nil {
		g.hub = NewHub(log)
	}
	if g.bus == nil {
		g.bus = NewLocalBus(g.hub, g.metrics)
	}

	// websocket.Accept enforces its own origin policy (same-host ok, cross-origin
	// needs OriginPatterns). Derive the patterns from the allowlist so both layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.cfg.AllowedOrigins)

	return g
}

// Hub exposes the gateway hub.
func (g *WSGateway) Hub() *Hub { return g.hub }

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		g.metrics.reject("origin")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var principal auth.Principal
	if g.auth != nil {
		if p, ok := g.auth.Authenticate(r); ok {
			principal = p
		}
	}
	if g.cfg.RequireAuth && principal.UserID == "" {
		g.log.Info("ws.reject.unauthorized", "remote", r.RemoteAddr)
		g.metrics.reject("unauthorized")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{v1.Subprotocol},
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		g.metrics.reject("subprotocol")
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(sessionID, principal.UserID, principal.Username, g.cfg.SendQueue)

	g.metrics.connOpened()
	defer g.metrics.connClosed()
	g.log.Info("ws.session.open", "session_id", sessionID, "user_id", principal.UserID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Membership removal happens before client.Close so broadcasters never see a closed session.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			for _, key := range client.detachRooms() {
				g.hub.Leave(key, sessionID)
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			g.log.Info("ws.session.close", "session_id", sessionID, "reason", reason)
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.metrics.reject("bad_json")
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.metrics.reject("rate_limited")
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.metrics.reject("bad_envelope")
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}
		g.metrics.event(env.Type)

		switch env.Type {
		case v1.TypeHello:
			err = g.onHello(ctx, client, env)
		case v1.TypeRoomJoin:
			err = g.onJoin(ctx, client, env)
		case v1.TypeRoomLeave:
			err = g.onLeave(ctx, client, env)
		case v1.TypeMessageBroadcast:
			err = g.onBroadcast(ctx, client, env)
		default:
			err = wsErr("unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}

		if err != nil {
			var we *wsError
			if !errors.As(err, &we) {
				g.log.Error("ws.handle.fail", "session_id", sessionID, "type", env.Type, "err", err)
				we = wsErr("internal", "internal error")
			}
			g.metrics.reject(we.Code)
			g.trySendError(ctx, client, we.Code, we.Msg)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

// ---- handlers ----

// wsError is a handler failure reported to the client as an error envelope.
type wsError struct {
	Code string
	Msg  string
}

func (e *wsError) Error() string { return e.Code + ": " + e.Msg }

func wsErr(code, msg string) *wsError { return &wsError{Code: code, Msg: msg} }

func decodePayload(env v1.Envelope, dst any) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return wsErr("bad_payload", "invalid payload")
	}
	return nil
}

func (g *WSGateway) onHello(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := decodePayload(env, &p); err != nil {
			return err
		}
	}
	g.log.Debug("ws.hello", "session_id", client.SessionID, "client", p.Client)

	ack := newEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{
		SessionID: client.SessionID,
		UserID:    client.UserID,
		Name:      client.Name,
	})
	if !g.enqueue(ctx, client, ack) {
		return wsErr("backpressure", "hello ack dropped")
	}
	return nil
}

func (g *WSGateway) onJoin(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.RoomJoinPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if err := v1.ValidateRoom(p.Kind, p.RoomID); err != nil {
		return wsErr("bad_room", err.Error())
	}

	var handle string
	switch p.Kind {
	case v1.RoomCommunity:
		if client.UserID == "" {
			return wsErr("unauthorized", "login required for community rooms")
		}
	case v1.RoomAnonymous:
		handle = strings.TrimSpace(p.Handle)
		if len([]rune(handle)) > maxHandleChars {
			return wsErr("bad_payload", "handle too long")
		}
	}

	if g.rooms != nil {
		ok, err := g.rooms.CanJoin(ctx, client.UserID, p.Kind, p.RoomID)
		if err != nil {
			return fmt.Errorf("can join: %w", err)
		}
		if !ok {
			return wsErr("forbidden", "not a member of room")
		}
	}

	key := v1.RoomKey(p.Kind, p.RoomID)
	if !client.trackRoom(key, handle, g.cfg.MaxRooms) {
		if client.Detached() {
			return nil
		}
		return wsErr("too_many_rooms", fmt.Sprintf("max %d rooms per connection", g.cfg.MaxRooms))
	}
	if !g.hub.JoinOpen(p.Kind, p.RoomID, client) {
		return nil
	}

	echo := newEnvelope(v1.TypeRoomJoin, v1.RoomJoinPayload{RoomID: p.RoomID, Kind: p.Kind, Handle: handle})
	if !g.enqueue(ctx, client, echo) {
		client.untrackRoom(key)
		g.hub.Leave(key, client.SessionID)
		return wsErr("backpressure", "join echo dropped")
	}
	return nil
}

func (g *WSGateway) onLeave(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.RoomLeavePayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if err := v1.ValidateRoom(p.Kind, p.RoomID); err != nil {
		return wsErr("bad_room", err.Error())
	}

	key := v1.RoomKey(p.Kind, p.RoomID)
	if client.untrackRoom(key) {
		g.hub.Leave(key, client.SessionID)
	}

	// Leaving a room not joined is a no-op but still acknowledged.
	echo := newEnvelope(v1.TypeRoomLeave, v1.RoomLeavePayload{RoomID: p.RoomID, Kind: p.Kind})
	if !g.enqueue(ctx, client, echo) {
		return wsErr("backpressure", "leave echo dropped")
	}
	return nil
}

func (g *WSGateway) onBroadcast(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.MessageBroadcastPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if err := v1.ValidateRoom(p.Kind, p.RoomID); err != nil {
		return wsErr("bad_room", err.Error())
	}

	key := v1.RoomKey(p.Kind, p.RoomID)
	handle, joined := client.Joined(key)
	if !joined {
		return wsErr("not_joined", "join first")
	}

	msg := p.Message
	if msg.RoomID != p.RoomID || msg.Kind != p.Kind {
		return wsErr("bad_payload", "message room mismatch")
	}
	if strings.TrimSpace(msg.ID) == "" {
		return wsErr("bad_payload", "missing message id")
	}

	if g.lookup != nil {
		stored, err := g.lookup.Lookup(ctx, p.Kind, p.RoomID, msg.ID)
		if err != nil {
			g.log.Info("ws.broadcast.lookup.fail", "session_id", client.SessionID, "room", key, "message_id", msg.ID, "err", err)
			return wsErr("not_persisted", "message not found")
		}
		msg = stored
	}

	if !senderMatches(client, p.Kind, handle, msg.Sender) {
		return wsErr("forbidden", "sender mismatch")
	}

	out := newEnvelope(v1.TypeMessageNew, v1.MessageNewPayload{RoomID: p.RoomID, Kind: p.Kind, Message: msg})
	if err := g.bus.Publish(ctx, key, out); err != nil {
		return fmt.Errorf("bus publish: %w", err)
	}
	g.metrics.broadcast()
	g.log.Debug("ws.broadcast", "session_id", client.SessionID, "room", key, "message_id", msg.ID)
	return nil
}

// senderMatches restricts relaying to the client's own messages.
func senderMatches(client *Client, kind v1.RoomKind, handle string, sender v1.Sender) bool {
	switch kind {
	case v1.RoomCommunity:
		return client.UserID != "" && sender.ID == client.UserID
	case v1.RoomAnonymous:
		return handle == "" || sender.Name == handle
	default:
		return false
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}))
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload any) v1.Envelope {
	now := time.Now().UTC()
	raw, _ := json.Marshal(payload)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(now),
		TS:      now,
		Payload: raw,
	}
}

var errBadJSON = errors.New("invalid JSON")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins extracts the sorted, unique hosts of
// the allowlist. websocket.Accept matches them with filepath.Match.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
