package community

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	v1 "echostream/contracts/realtime/v1"
)

func appendText(t *testing.T, s MessageStore, kind v1.RoomKind, room string, sender v1.Sender, text, corr string) AppendResult {
	t.Helper()
	res, err := s.Append(context.Background(), AppendInput{
		Kind:          kind,
		RoomID:        room,
		Sender:        sender,
		Content:       text,
		CorrelationID: corr,
	})
	if err != nil {
		t.Fatalf("append %q: %v", text, err)
	}
	return res
}

func TestMemoryStore_AppendIdempotentPerSender(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	alice := v1.Sender{Name: "alice_1"}
	bob := v1.Sender{Name: "bob_2"}

	first := appendText(t, s, v1.RoomAnonymous, "general", alice, "hi", "c-1")
	again := appendText(t, s, v1.RoomAnonymous, "general", alice, "hi (retry)", "c-1")
	if !again.Duplicated || again.Message.ID != first.Message.ID || again.Message.Content != "hi" {
		t.Fatalf("retry should return the original record: %+v", again)
	}

	other := appendText(t, s, v1.RoomAnonymous, "general", bob, "hey", "c-1")
	if other.Duplicated || other.Message.Seq != 2 {
		t.Fatalf("same correlation id from another sender is a new message: %+v", other)
	}

	noCorr1 := appendText(t, s, v1.RoomAnonymous, "general", alice, "a", "")
	noCorr2 := appendText(t, s, v1.RoomAnonymous, "general", alice, "a", "")
	if noCorr1.Duplicated || noCorr2.Duplicated || noCorr2.Message.Seq != 4 {
		t.Fatalf("messages without correlation id are never deduplicated")
	}
}

func TestMemoryStore_TrimDropsDedupeKeys(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	s.maxPerRoom = 3
	alice := v1.Sender{Name: "alice_1"}

	for i := 1; i <= 5; i++ {
		appendText(t, s, v1.RoomAnonymous, "general", alice, fmt.Sprintf("m%d", i), fmt.Sprintf("c-%d", i))
	}
	appendText(t, s, v1.RoomAnonymous, "general", alice, "plain", "")

	r := s.rooms[v1.RoomKey(v1.RoomAnonymous, "general")]
	if len(r.msgs) != 3 || len(r.keys) != 3 {
		t.Fatalf("msgs=%d keys=%d want 3", len(r.msgs), len(r.keys))
	}
	if len(r.dedupe) != 2 {
		t.Fatalf("dedupe=%d want 2 (c-4, c-5)", len(r.dedupe))
	}

	// A retry of a trimmed message is stored anew; a retained one still dedupes.
	if res := appendText(t, s, v1.RoomAnonymous, "general", alice, "m1", "c-1"); res.Duplicated {
		t.Fatalf("trimmed correlation id must not dedupe")
	}
	if res := appendText(t, s, v1.RoomAnonymous, "general", alice, "m5", "c-5"); !res.Duplicated {
		t.Fatalf("retained correlation id must dedupe")
	}
}

func TestMemoryStore_SeqIsPerRoom(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	u := v1.Sender{ID: "u1", Name: "navid"}

	a := appendText(t, s, v1.RoomCommunity, "c1", u, "x", "")
	b := appendText(t, s, v1.RoomCommunity, "c2", u, "y", "")
	c := appendText(t, s, v1.RoomAnonymous, "c1", u, "z", "")
	if a.Message.Seq != 1 || b.Message.Seq != 1 || c.Message.Seq != 1 {
		t.Fatalf("seq should start at 1 per room: %d %d %d", a.Message.Seq, b.Message.Seq, c.Message.Seq)
	}
}

func TestMemoryStore_AppendConcurrentSeqUnique(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	const n = 50

	var wg sync.WaitGroup
	seqs := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Append(context.Background(), AppendInput{
				Kind:    v1.RoomAnonymous,
				RoomID:  "busy",
				Sender:  v1.Sender{Name: fmt.Sprintf("anon_%d", i)},
				Content: "msg",
			})
			if err != nil {
				t.Errorf("append: %v", err)
				return
			}
			seqs <- res.Message.Seq
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool, n)
	for seq := range seqs {
		if seen[seq] {
			t.Fatalf("duplicate seq %d", seq)
		}
		seen[seq] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d seqs want %d", len(seen), n)
	}
}

func TestMemoryStore_PageNewestWindowOldestFirst(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	u := v1.Sender{Name: "anon_p"}
	for i := 1; i <= 25; i++ {
		appendText(t, s, v1.RoomAnonymous, "paged", u, fmt.Sprintf("m%02d", i), "")
	}

	ctx := context.Background()
	p1, err := s.Page(ctx, v1.RoomAnonymous, "paged", 1, 10)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(p1.Messages) != 10 || !p1.HasMore {
		t.Fatalf("page 1: len=%d hasMore=%v", len(p1.Messages), p1.HasMore)
	}
	if p1.Messages[0].Content != "m16" || p1.Messages[9].Content != "m25" {
		t.Fatalf("page 1 should be m16..m25 oldest first, got %s..%s", p1.Messages[0].Content, p1.Messages[9].Content)
	}

	p3, err := s.Page(ctx, v1.RoomAnonymous, "paged", 3, 10)
	if err != nil {
		t.Fatalf("page 3: %v", err)
	}
	if len(p3.Messages) != 5 || p3.HasMore || p3.Messages[0].Content != "m01" {
		t.Fatalf("page 3: %+v", p3)
	}

	p9, err := s.Page(ctx, v1.RoomAnonymous, "paged", 9, 10)
	if err != nil || len(p9.Messages) != 0 || p9.Messages == nil {
		t.Fatalf("page past the end should be an empty list: %+v err=%v", p9, err)
	}

	empty, err := s.Page(ctx, v1.RoomAnonymous, "nobody_here", 1, 0)
	if err != nil || len(empty.Messages) != 0 || empty.Limit != DefaultPageLimit {
		t.Fatalf("empty room: %+v err=%v", empty, err)
	}
}

func TestMemoryStore_EditDeleteOwnership(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	owner := v1.Sender{ID: "u1", Name: "navid"}

	res := appendText(t, s, v1.RoomCommunity, "c1", owner, "typo", "c-7")

	_, err := s.Edit(ctx, EditInput{Kind: v1.RoomCommunity, RoomID: "c1", MessageID: res.Message.ID, SenderKey: "user:u2", Content: "hijack"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	edited, err := s.Edit(ctx, EditInput{Kind: v1.RoomCommunity, RoomID: "c1", MessageID: res.Message.ID, SenderKey: SenderKey(owner), Content: " fixed ", Now: now})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.Content != "fixed" || edited.EditedAt == nil || !edited.EditedAt.Equal(now) {
		t.Fatalf("unexpected edit result: %+v", edited)
	}

	if err := s.Delete(ctx, v1.RoomCommunity, "c1", res.Message.ID, "user:u2"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := s.Delete(ctx, v1.RoomCommunity, "c1", res.Message.ID, SenderKey(owner)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, v1.RoomCommunity, "c1", res.Message.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// The correlation id is free again once its message is gone.
	again := appendText(t, s, v1.RoomCommunity, "c1", owner, "new", "c-7")
	if again.Duplicated || again.Message.Seq != 2 {
		t.Fatalf("unexpected append after delete: %+v", again)
	}
}

func TestMemoryStore_AppendRejectsInvalid(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	cases := []AppendInput{
		{Kind: v1.RoomAnonymous, RoomID: "Not Normalized", Sender: v1.Sender{Name: "a"}, Content: "x"},
		{Kind: "dm", RoomID: "x", Sender: v1.Sender{Name: "a"}, Content: "x"},
		{Kind: v1.RoomAnonymous, RoomID: "general", Sender: v1.Sender{Name: " "}, Content: "x"},
		{Kind: v1.RoomAnonymous, RoomID: "general", Sender: v1.Sender{Name: "a"}, Content: "  "},
	}
	for i, in := range cases {
		if _, err := s.Append(ctx, in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
}

func TestMemoryStore_Directory(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()

	c, err := s.CreateCommunity(ctx, CreateCommunityInput{Name: " Gophers ", CreatedBy: "u1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Name != "Gophers" || c.Members != 1 {
		t.Fatalf("unexpected community: %+v", c)
	}
	if _, err := s.CreateCommunity(ctx, CreateCommunityInput{Name: "gophers", CreatedBy: "u2"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if ok, _ := s.IsMember(ctx, "u1", c.ID); !ok {
		t.Fatalf("creator should be a member")
	}
	if ok, _ := s.IsMember(ctx, "u2", c.ID); ok {
		t.Fatalf("u2 should not be a member yet")
	}
	joined, err := s.JoinCommunity(ctx, c.ID, "u2", time.Time{})
	if err != nil || joined.Members != 2 {
		t.Fatalf("join: %+v err=%v", joined, err)
	}
	if again, _ := s.JoinCommunity(ctx, c.ID, "u2", time.Time{}); again.Members != 2 {
		t.Fatalf("joining twice should be a no-op, members=%d", again.Members)
	}
	if _, err := s.JoinCommunity(ctx, "missing", "u2", time.Time{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	list, err := s.ListCommunities(ctx, 10, 0)
	if err != nil || len(list) != 1 || list[0].Members != 2 {
		t.Fatalf("list: %+v err=%v", list, err)
	}
	if list, _ := s.ListCommunities(ctx, 10, 5); len(list) != 0 {
		t.Fatalf("offset past the end should be empty")
	}

	room, err := s.JoinAnonymous(ctx, "Movie Night!", "anon_a", time.Time{})
	if err != nil || room.Name != "movie_night!" || room.Participants != 1 {
		t.Fatalf("join anonymous: %+v err=%v", room, err)
	}
	room, _ = s.JoinAnonymous(ctx, "  movie   NIGHT! ", "anon_b", time.Time{})
	if room.Name != "movie_night!" || room.Participants != 2 {
		t.Fatalf("names should normalize to the same room: %+v", room)
	}
	if _, err := s.JoinAnonymous(ctx, "   ", "anon_c", time.Time{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
