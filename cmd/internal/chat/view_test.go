package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	v1 "echostream/contracts/realtime/v1"
)

func contents(entries []Entry) string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message.Content
	}
	return strings.Join(out, ",")
}

func mountView(t *testing.T, h *harness, room Room, id Identity) *View {
	t.Helper()
	v, err := h.client.View(room, id, nil)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if err := v.Mount(context.Background()); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	return v
}

func TestView_MountSequence(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	room := CommunityRoom("general")
	h.backend.seed(room, 5)
	h.calls = &callLog{}
	h.backend.calls = h.calls
	h.dialer.calls = h.calls

	v := mountView(t, h, room, Identity{ID: "u1", Name: "alice"})

	if v.State() != StateJoined {
		t.Fatalf("state=%s", v.State())
	}
	if got := strings.Join(h.calls.list(), ","); got != "emit:room_join,page:1" {
		t.Fatalf("mount calls=%s", got)
	}
	if got := contents(v.Messages()); got != "c3,c4,c5" {
		t.Fatalf("first page=%s", got)
	}
	if !v.HasMore() {
		t.Fatalf("expected more history")
	}
	if h.client.Relay().Listeners(room) != 1 {
		t.Fatalf("mount must subscribe exactly once")
	}
}

func TestView_ConcurrentMountTakesOneRef(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.dialer.delay = 20 * time.Millisecond
	room := CommunityRoom("general")

	v, err := h.client.View(room, Identity{ID: "u1", Name: "alice"}, nil)
	if err != nil {
		t.Fatalf("View: %v", err)
	}

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- v.Mount(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		}
	}
	if ok != 1 {
		t.Fatalf("successful mounts=%d want 1", ok)
	}
	if got := h.client.Manager().Refs(room); got != 1 {
		t.Fatalf("refs=%d want 1", got)
	}
	if h.client.Relay().Listeners(room) != 1 {
		t.Fatalf("listeners=%d want 1", h.client.Relay().Listeners(room))
	}
}

func TestView_MountFailsWhenDialFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.dialer.err = errors.New("refused")

	v, _ := h.client.View(CommunityRoom("general"), Identity{ID: "u1"}, nil)
	if err := v.Mount(context.Background()); err == nil {
		t.Fatalf("expected mount error")
	}
	if v.State() != StateDisconnected {
		t.Fatalf("state=%s", v.State())
	}
	if h.notices.count() != 1 {
		t.Fatalf("connect failure must notify")
	}
}

func TestView_HistoryFailureKeepsJoined(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.backend.pageErr = errors.New("down")

	v := mountView(t, h, CommunityRoom("general"), Identity{ID: "u1"})
	if v.State() != StateJoined {
		t.Fatalf("state=%s", v.State())
	}
	if h.notices.count() != 1 {
		t.Fatalf("history failure must notify")
	}
}

func TestView_SendReconcilesEcho(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	room := CommunityRoom("general")
	v := mountView(t, h, room, Identity{ID: "u1", Name: "alice"})
	tr := h.dialer.transport()

	v.SetDraft("hello")
	if err := v.Send(context.Background(), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if v.Draft() != "" {
		t.Fatalf("confirmed send must clear the draft")
	}

	// The gateway echoes the stored record back to the sender.
	p := tr.emitted(v1.TypeMessageBroadcast)[0].payload.(v1.MessageBroadcastPayload)
	tr.deliverMessage(room, p.Message)

	entries := v.Messages()
	if len(entries) != 1 || entries[0].Pending || entries[0].Message.Content != "hello" {
		t.Fatalf("entries=%+v want exactly one confirmed hello", entries)
	}
}

func TestView_FailedSendKeepsDraft(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	v := mountView(t, h, CommunityRoom("general"), Identity{ID: "u1"})
	h.backend.postErr = errors.New("boom")

	v.SetDraft("keep me")
	if err := v.Send(context.Background(), nil); err == nil {
		t.Fatalf("expected send error")
	}
	if v.Draft() != "keep me" {
		t.Fatalf("draft=%q", v.Draft())
	}
	if v.State() != StateJoined {
		t.Fatalf("state=%s", v.State())
	}
	if n := len(v.Messages()); n != 0 {
		t.Fatalf("optimistic entry not rolled back: %d entries", n)
	}
}

func TestView_SendEmptyDraft(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	v := mountView(t, h, CommunityRoom("general"), Identity{ID: "u1"})
	before := len(h.calls.list())

	v.SetDraft("   ")
	if err := v.Send(context.Background(), nil); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err=%v", err)
	}
	if len(h.calls.list()) != before {
		t.Fatalf("empty send touched the network")
	}
}

func TestView_LoadOlder(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	room := CommunityRoom("general")
	h.backend.seed(room, 7)
	v := mountView(t, h, room, Identity{ID: "u1"})

	// A live message arrives before the user scrolls back.
	h.dialer.transport().deliverMessage(room, v1.ChatMessage{ID: "live", Seq: 99, Content: "live"})

	n, err := v.LoadOlder(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("LoadOlder n=%d err=%v", n, err)
	}
	if got := contents(v.Messages()); got != "c2,c3,c4,c5,c6,c7,live" {
		t.Fatalf("log=%s", got)
	}

	n, err = v.LoadOlder(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("LoadOlder n=%d err=%v", n, err)
	}
	if v.HasMore() {
		t.Fatalf("history exhausted")
	}
	if n, _ := v.LoadOlder(context.Background()); n != 0 {
		t.Fatalf("no more pages expected")
	}
	if got := contents(v.Messages()); got != "c1,c2,c3,c4,c5,c6,c7,live" {
		t.Fatalf("log=%s", got)
	}
}

func TestView_UnmountReleasesListenerAndRoom(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	room := CommunityRoom("general")
	a := mountView(t, h, room, Identity{ID: "u1"})
	b := mountView(t, h, room, Identity{ID: "u1"})
	tr := h.dialer.transport()

	if n := len(tr.emitted(v1.TypeRoomJoin)); n != 1 {
		t.Fatalf("two views must share one wire join, got %d", n)
	}
	if h.client.Relay().Listeners(room) != 2 {
		t.Fatalf("listeners=%d", h.client.Relay().Listeners(room))
	}

	if err := a.Unmount(context.Background()); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	if a.State() != StateLeft {
		t.Fatalf("state=%s", a.State())
	}
	if n := len(tr.emitted(v1.TypeRoomLeave)); n != 0 {
		t.Fatalf("room left while b still mounted")
	}

	tr.deliverMessage(room, v1.ChatMessage{ID: "x", Seq: 1, Content: "after"})
	if len(a.Messages()) != 0 || len(b.Messages()) != 1 {
		t.Fatalf("unmounted view still receives: a=%d b=%d", len(a.Messages()), len(b.Messages()))
	}

	_ = b.Unmount(context.Background())
	if n := len(tr.emitted(v1.TypeRoomLeave)); n != 1 {
		t.Fatalf("room_leave=%d want 1", n)
	}
	if _, ok := h.client.Manager().Current(); !ok {
		t.Fatalf("unmount must not tear down the shared connection")
	}
}

func TestView_AnonymousMountUsesHeldHandle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	v, err := h.client.AnonymousView("Movie Night!", "guest", nil)
	if err != nil {
		t.Fatalf("AnonymousView: %v", err)
	}
	if err := v.Mount(context.Background()); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	if v.Room().ID != "movie_night!" {
		t.Fatalf("room=%q", v.Room().ID)
	}
	handle := v.Identity().Name
	if !strings.HasPrefix(handle, "guest_") {
		t.Fatalf("handle=%q", handle)
	}
	if len(h.backend.anonJoin) != 1 || h.backend.anonJoin[0] != "movie_night!/"+handle {
		t.Fatalf("rest join=%v", h.backend.anonJoin)
	}

	v.SetDraft("hi")
	if err := v.Send(context.Background(), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	p := h.dialer.transport().emitted(v1.TypeMessageBroadcast)[0].payload.(v1.MessageBroadcastPayload)
	if p.Message.Sender.Name != handle {
		t.Fatalf("sender=%q want %q", p.Message.Sender.Name, handle)
	}
}
