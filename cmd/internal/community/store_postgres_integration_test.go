package community

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"echostream/cmd/internal/auth"
	"echostream/cmd/internal/pgtest"
	"echostream/cmd/internal/pgutil"
	v1 "echostream/contracts/realtime/v1"
)

func newPostgresStore(t *testing.T) (*PostgresStore, *auth.PostgresUserStore) {
	t.Helper()

	pool := pgtest.Open(t)
	schema := pgtest.Schema(t, pool, pgutil.SchemaDDL)

	s, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	users, err := auth.NewPostgresUserStore(pool, auth.WithSchema(schema))
	if err != nil {
		t.Fatalf("new user store: %v", err)
	}
	return s, users
}

func TestPostgresStore_AppendIdempotentAndPaged(t *testing.T) {
	t.Parallel()

	s, _ := newPostgresStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	sender := v1.Sender{Name: "anon_pg"}
	var first AppendResult
	for i := 1; i <= 7; i++ {
		res, err := s.Append(ctx, AppendInput{
			Kind:          v1.RoomAnonymous,
			RoomID:        "pg_room",
			Sender:        sender,
			Content:       fmt.Sprintf("m%d", i),
			CorrelationID: fmt.Sprintf("c-%d", i),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if res.Message.Seq != int64(i) {
			t.Fatalf("seq=%d want %d", res.Message.Seq, i)
		}
		if i == 1 {
			first = res
		}
	}

	dup, err := s.Append(ctx, AppendInput{Kind: v1.RoomAnonymous, RoomID: "pg_room", Sender: sender, Content: "m1", CorrelationID: "c-1"})
	if err != nil {
		t.Fatalf("dup append: %v", err)
	}
	if !dup.Duplicated || dup.Message.ID != first.Message.ID || dup.Message.Seq != 1 {
		t.Fatalf("expected duplicate of first: %+v", dup)
	}

	p1, err := s.Page(ctx, v1.RoomAnonymous, "pg_room", 1, 3)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(p1.Messages) != 3 || !p1.HasMore || p1.Messages[0].Content != "m5" || p1.Messages[2].Content != "m7" {
		t.Fatalf("page 1: %+v", p1)
	}
	p3, err := s.Page(ctx, v1.RoomAnonymous, "pg_room", 3, 3)
	if err != nil {
		t.Fatalf("page 3: %v", err)
	}
	if len(p3.Messages) != 1 || p3.HasMore || p3.Messages[0].Content != "m1" {
		t.Fatalf("page 3: %+v", p3)
	}

	got, err := s.Get(ctx, v1.RoomAnonymous, "pg_room", first.Message.ID)
	if err != nil || got.Content != "m1" || got.CorrelationID != "c-1" {
		t.Fatalf("get: %+v err=%v", got, err)
	}
	if _, err := s.Get(ctx, v1.RoomAnonymous, "other_room", first.Message.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound across rooms, got %v", err)
	}
}

func TestPostgresStore_CommunityLifecycle(t *testing.T) {
	t.Parallel()

	s, users := newPostgresStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	owner, err := users.CreateUser(ctx, auth.CreateUserInput{Username: "owner", PasswordHash: "$argon2id$x"})
	if err != nil {
		t.Fatalf("create owner: %v", err)
	}
	member, err := users.CreateUser(ctx, auth.CreateUserInput{Username: "member", PasswordHash: "$argon2id$y"})
	if err != nil {
		t.Fatalf("create member: %v", err)
	}

	c, err := s.CreateCommunity(ctx, CreateCommunityInput{Name: "Postgres Fans", CreatedBy: owner.ID})
	if err != nil {
		t.Fatalf("create community: %v", err)
	}
	if _, err := s.CreateCommunity(ctx, CreateCommunityInput{Name: "postgres fans", CreatedBy: owner.ID}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if ok, err := s.IsMember(ctx, member.ID, c.ID); err != nil || ok {
		t.Fatalf("member before join: ok=%v err=%v", ok, err)
	}
	joined, err := s.JoinCommunity(ctx, c.ID, member.ID, time.Now().UTC())
	if err != nil || joined.Members != 2 {
		t.Fatalf("join: %+v err=%v", joined, err)
	}
	if _, err := s.JoinCommunity(ctx, c.ID, member.ID, time.Now().UTC()); err != nil {
		t.Fatalf("rejoin should be a no-op: %v", err)
	}
	if _, err := s.JoinCommunity(ctx, "01HZX3Q5R4S6T7V8W9X0Y1Z2A3", member.ID, time.Now().UTC()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	list, err := s.ListCommunities(ctx, 10, 0)
	if err != nil || len(list) != 1 || list[0].Members != 2 {
		t.Fatalf("list: %+v err=%v", list, err)
	}

	res, err := s.Append(ctx, AppendInput{
		Kind:       v1.RoomCommunity,
		RoomID:     c.ID,
		Sender:     v1.Sender{ID: member.ID, Name: member.Username},
		Attachment: &v1.Attachment{Kind: v1.AttachmentVideo, URL: "https://cdn.example.com/v.mp4"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	ownerKey := SenderKey(v1.Sender{ID: owner.ID})
	memberKey := SenderKey(v1.Sender{ID: member.ID})

	if _, err := s.Edit(ctx, EditInput{Kind: v1.RoomCommunity, RoomID: c.ID, MessageID: res.Message.ID, SenderKey: ownerKey, Content: "x"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	edited, err := s.Edit(ctx, EditInput{Kind: v1.RoomCommunity, RoomID: c.ID, MessageID: res.Message.ID, SenderKey: memberKey, Content: "caption"})
	if err != nil || edited.Content != "caption" || edited.EditedAt == nil || edited.Attachment == nil {
		t.Fatalf("edit: %+v err=%v", edited, err)
	}
	if err := s.Delete(ctx, v1.RoomCommunity, c.ID, res.Message.ID, memberKey); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, v1.RoomCommunity, c.ID, res.Message.ID, memberKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	room, err := s.JoinAnonymous(ctx, "Late Night", "anon_1", time.Now().UTC())
	if err != nil || room.Name != "late_night" || room.Participants != 1 {
		t.Fatalf("join anonymous: %+v err=%v", room, err)
	}
	room, err = s.JoinAnonymous(ctx, "late   night", "anon_2", time.Now().UTC())
	if err != nil || room.Participants != 2 {
		t.Fatalf("join anonymous again: %+v err=%v", room, err)
	}
}
