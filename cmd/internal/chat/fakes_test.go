package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	v1 "echostream/contracts/realtime/v1"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// callLog records the order of network-facing calls across fakes.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(s string) {
	c.mu.Lock()
	c.calls = append(c.calls, s)
	c.mu.Unlock()
}

func (c *callLog) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type emitted struct {
	typ     string
	payload any
}

type fakeTransport struct {
	calls *callLog

	mu      sync.Mutex
	emits   []emitted
	emitErr error
	hold    *emitHold

	listeners listenerSet[v1.Envelope]
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeTransport(calls *callLog) *fakeTransport {
	if calls == nil {
		calls = &callLog{}
	}
	return &fakeTransport{calls: calls, done: make(chan struct{})}
}

// emitHold parks the next Emit of typ until release is closed.
type emitHold struct {
	typ     string
	entered chan struct{}
	release chan struct{}
}

// holdNext makes the next Emit of typ block. It returns a channel closed once
// that Emit is parked and a func that lets it continue.
func (t *fakeTransport) holdNext(typ string) (entered <-chan struct{}, release func()) {
	h := &emitHold{typ: typ, entered: make(chan struct{}), release: make(chan struct{})}
	t.mu.Lock()
	t.hold = h
	t.mu.Unlock()
	var once sync.Once
	return h.entered, func() { once.Do(func() { close(h.release) }) }
}

func (t *fakeTransport) Emit(_ context.Context, typ string, payload any) error {
	t.mu.Lock()
	if h := t.hold; h != nil && h.typ == typ {
		t.hold = nil
		t.mu.Unlock()
		close(h.entered)
		<-h.release
		t.mu.Lock()
	}
	defer t.mu.Unlock()
	t.calls.add("emit:" + typ)
	if t.emitErr != nil {
		return t.emitErr
	}
	t.emits = append(t.emits, emitted{typ: typ, payload: payload})
	return nil
}

func (t *fakeTransport) Listen(fn func(v1.Envelope)) func() { return t.listeners.add(fn) }

func (t *fakeTransport) Session() v1.HelloAckPayload {
	return v1.HelloAckPayload{SessionID: "sess-1"}
}

func (t *fakeTransport) Done() <-chan struct{} { return t.done }

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func (t *fakeTransport) setEmitErr(err error) {
	t.mu.Lock()
	t.emitErr = err
	t.mu.Unlock()
}

func (t *fakeTransport) emitted(typ string) []emitted {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []emitted
	for _, e := range t.emits {
		if e.typ == typ {
			out = append(out, e)
		}
	}
	return out
}

// deliver simulates an inbound envelope.
func (t *fakeTransport) deliver(typ string, payload any) {
	raw, _ := json.Marshal(payload)
	t.listeners.emit(v1.Envelope{V: v1.Version, Type: typ, ID: "srv", TS: time.Now().UTC(), Payload: raw})
}

func (t *fakeTransport) deliverMessage(room Room, m v1.ChatMessage) {
	t.deliver(v1.TypeMessageNew, v1.MessageNewPayload{RoomID: room.ID, Kind: room.Kind, Message: m})
}

// fakeBackend is an in-memory Backend with per-room seq.
type fakeBackend struct {
	calls *callLog

	mu       sync.Mutex
	postErr  error
	pageErr  error
	rooms    map[string][]v1.ChatMessage
	anonJoin []string
	nextSeq  int64
}

func newFakeBackend(calls *callLog) *fakeBackend {
	if calls == nil {
		calls = &callLog{}
	}
	return &fakeBackend{calls: calls, rooms: make(map[string][]v1.ChatMessage)}
}

func (b *fakeBackend) PostMessage(_ context.Context, room Room, sender Identity, in MessageInput) (v1.ChatMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls.add("persist")
	if b.postErr != nil {
		return v1.ChatMessage{}, b.postErr
	}
	b.nextSeq++
	m := v1.ChatMessage{
		ID:            fmt.Sprintf("m%d", b.nextSeq),
		RoomID:        room.ID,
		Kind:          room.Kind,
		Seq:           b.nextSeq,
		Sender:        v1.Sender{ID: sender.ID, Name: sender.Name},
		Content:       in.Content,
		Attachment:    in.Attachment,
		CorrelationID: in.CorrelationID,
		CreatedAt:     time.Unix(1_700_000_000+b.nextSeq, 0).UTC(),
	}
	b.rooms[room.Key()] = append(b.rooms[room.Key()], m)
	return m, nil
}

// seed stores n messages with contents c1..cn.
func (b *fakeBackend) seed(room Room, n int) {
	for i := 1; i <= n; i++ {
		_, _ = b.PostMessage(context.Background(), room, Identity{Name: "seed"}, MessageInput{Content: fmt.Sprintf("c%d", i)})
	}
}

func (b *fakeBackend) Messages(_ context.Context, room Room, page, limit int) (v1.MessagePage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls.add(fmt.Sprintf("page:%d", page))
	if b.pageErr != nil {
		return v1.MessagePage{}, b.pageErr
	}
	all := b.rooms[room.Key()]
	end := len(all) - (page-1)*limit
	if end < 0 {
		end = 0
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return v1.MessagePage{
		Messages: append([]v1.ChatMessage(nil), all[start:end]...),
		Page:     page,
		Limit:    limit,
		HasMore:  start > 0,
	}, nil
}

func (b *fakeBackend) JoinAnonymous(_ context.Context, room Room, handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.anonJoin = append(b.anonJoin, room.ID+"/"+handle)
	return nil
}

func (b *fakeBackend) persistCount() int {
	n := 0
	for _, c := range b.calls.list() {
		if c == "persist" {
			n++
		}
	}
	return n
}

// fakeDialer hands out fresh fake transports and counts dials.
type fakeDialer struct {
	calls *callLog
	delay time.Duration
	err   error

	mu    sync.Mutex
	dials int
	last  *fakeTransport
}

func (d *fakeDialer) dial(ctx context.Context) (Transport, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()

	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}

	t := newFakeTransport(d.calls)
	d.mu.Lock()
	d.last = t
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) transport() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// harness wires a Client over fakes.
type harness struct {
	calls   *callLog
	dialer  *fakeDialer
	backend *fakeBackend
	notices *noticeLog
	client  *Client
}

type noticeLog struct {
	mu   sync.Mutex
	msgs []string
}

func (n *noticeLog) Notify(_ slog.Level, msg string) {
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.mu.Unlock()
}

func (n *noticeLog) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.msgs) == 0 {
		return ""
	}
	return n.msgs[len(n.msgs)-1]
}

func (n *noticeLog) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

func newHarness(tb interface {
	Helper()
	Fatalf(string, ...any)
	Cleanup(func())
}) *harness {
	tb.Helper()

	calls := &callLog{}
	h := &harness{
		calls:   calls,
		dialer:  &fakeDialer{calls: calls},
		backend: newFakeBackend(calls),
		notices: &noticeLog{},
	}
	cfg := DefaultConfig()
	cfg.PageSize = 3

	c, err := New(cfg, discardLogger(),
		WithDialer(h.dialer.dial),
		WithBackend(h.backend),
		WithNotifier(h.notices),
	)
	if err != nil {
		tb.Fatalf("New: %v", err)
	}
	tb.Cleanup(c.Close)
	h.client = c
	return h
}
