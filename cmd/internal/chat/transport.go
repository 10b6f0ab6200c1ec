package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	v1 "echostream/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const maxReadBytes = 1 << 20

// Transport is one live realtime session.
type Transport interface {
	// Emit sends one envelope of the given type.
	Emit(ctx context.Context, typ string, payload any) error
	// Listen registers fn for every inbound envelope. Listeners run in registration order.
	Listen(fn func(v1.Envelope)) (unsubscribe func())
	// Session is the gateway's hello_ack.
	Session() v1.HelloAckPayload
	// Done is closed once the session has ended for any reason.
	Done() <-chan struct{}
	Close() error
}

// Dialer opens a Transport. The Manager calls it at most once per live handle.
type Dialer func(ctx context.Context) (Transport, error)

// WSDialer dials the gateway over WebSocket with the given credentials.
// token is read on every dial so a later Login is picked up.
func WSDialer(log *slog.Logger, cfg Config, hc *http.Client, token func() string) Dialer {
	return func(ctx context.Context) (Transport, error) {
		wsURL, err := cfg.WebSocketURL()
		if err != nil {
			return nil, err
		}

		h := http.Header{}
		if o := strings.TrimSpace(cfg.Origin); o != "" {
			h.Set("Origin", o)
		}
		if token != nil {
			if t := token(); t != "" {
				h.Set("Authorization", "Bearer "+t)
			}
		}

		if cfg.DialTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
			defer cancel()
		}

		conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
			Subprotocols: []string{v1.Subprotocol},
			HTTPHeader:   h,
			HTTPClient:   hc,
		})
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("dial %s: status %d: %w", wsURL, resp.StatusCode, err)
			}
			return nil, fmt.Errorf("dial %s: %w", wsURL, err)
		}
		if conn.Subprotocol() != v1.Subprotocol {
			_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol required")
			return nil, fmt.Errorf("%w: subprotocol %q", ErrHandshake, conn.Subprotocol())
		}
		conn.SetReadLimit(maxReadBytes)

		return startWSTransport(ctx, log, conn, cfg)
	}
}

type wsTransport struct {
	log          *slog.Logger
	conn         *websocket.Conn
	writeTimeout time.Duration
	ack          v1.HelloAckPayload

	listeners listenerSet[v1.Envelope]

	done      chan struct{}
	closeOnce sync.Once
}

// startWSTransport runs the hello exchange, then starts the read loop.
func startWSTransport(ctx context.Context, log *slog.Logger, conn *websocket.Conn, cfg Config) (*wsTransport, error) {
	t := &wsTransport{
		log:          log,
		conn:         conn,
		writeTimeout: cfg.WriteTimeout,
		done:         make(chan struct{}),
	}

	if err := t.Emit(ctx, v1.TypeHello, v1.HelloPayload{Client: cfg.ClientLabel}); err != nil {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	for {
		env, err := t.read(ctx)
		if err != nil {
			_ = conn.CloseNow()
			return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		switch env.Type {
		case v1.TypeHelloAck:
			if err := json.Unmarshal(env.Payload, &t.ack); err != nil || t.ack.SessionID == "" {
				_ = conn.CloseNow()
				return nil, fmt.Errorf("%w: bad hello_ack", ErrHandshake)
			}
			go t.readLoop()
			return t, nil
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			_ = conn.CloseNow()
			return nil, fmt.Errorf("%w: %s: %s", ErrHandshake, p.Code, p.Message)
		}
	}
}

func (t *wsTransport) read(ctx context.Context) (v1.Envelope, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	return decodeEnvelope(data)
}

func decodeEnvelope(data []byte) (v1.Envelope, error) {
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, env.Validate()
}

func (t *wsTransport) readLoop() {
	defer t.shutdown(false)

	for {
		_, data, err := t.conn.Read(context.Background())
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				t.log.Info("chat.socket.read.fail", "err", err)
			}
			return
		}
		env, err := decodeEnvelope(data)
		if err != nil {
			t.log.Debug("chat.socket.read.bad_envelope", "err", err)
			continue
		}
		t.listeners.emit(env)
	}
}

func (t *wsTransport) Emit(ctx context.Context, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      uuid.NewString(),
		TS:      time.Now().UTC(),
		Payload: raw,
	})
	if err != nil {
		return err
	}

	if t.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.writeTimeout)
		defer cancel()
	}
	return t.conn.Write(ctx, websocket.MessageText, b)
}

func (t *wsTransport) Listen(fn func(v1.Envelope)) func() { return t.listeners.add(fn) }

func (t *wsTransport) Session() v1.HelloAckPayload { return t.ack }

func (t *wsTransport) Done() <-chan struct{} { return t.done }

func (t *wsTransport) Close() error {
	t.shutdown(true)
	return nil
}

func (t *wsTransport) shutdown(graceful bool) {
	t.closeOnce.Do(func() {
		if graceful {
			_ = t.conn.Close(websocket.StatusNormalClosure, "bye")
		} else {
			_ = t.conn.CloseNow()
		}
		close(t.done)
	})
}
