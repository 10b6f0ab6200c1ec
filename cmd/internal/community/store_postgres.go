package community

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"echostream/cmd/internal/ids"
	"echostream/cmd/internal/pgutil"
	v1 "echostream/contracts/realtime/v1"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements MessageStore and Directory on PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//
// Concurrency model:
//   - Appends take a per-room transactional advisory lock so duplicates never
//     consume a seq and seq stays strictly monotonic under concurrency.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "echostream").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		v, err := pgutil.CheckSchema(schema)
		if err != nil {
			return err
		}
		s.schema = v
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: pgutil.DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("community: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) table(name string) string { return pgutil.Ident(s.schema, name) }

const messageColumns = `id, room_id, room_kind, seq, sender_id, sender_name, content,
       attachment_kind, attachment_url, correlation_id, created_at, edited_at`

// ---- messages ----

// Append appends a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	const op = "community.Append"

	in, err := checkAppend(op, in)
	if err != nil {
		return AppendResult{}, err
	}

	key := v1.RoomKey(in.Kind, in.RoomID)
	sender := SenderKey(in.Sender)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return AppendResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	if in.CorrelationID != "" {
		existing, err := scanMessage(tx.QueryRow(ctx,
			`SELECT `+messageColumns+`
			   FROM `+s.table("messages")+`
			  WHERE room_key = $1 AND sender_key = $2 AND correlation_id = $3`,
			key, sender, in.CorrelationID,
		))
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return AppendResult{}, err
			}
			return AppendResult{Message: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return AppendResult{}, err
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("room_cursors")+` (room_key, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (room_key) DO NOTHING`,
		key,
	); err != nil {
		return AppendResult{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`UPDATE `+s.table("room_cursors")+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE room_key = $1
		RETURNING (next_seq - 1)`,
		key,
	).Scan(&seq); err != nil {
		return AppendResult{}, err
	}

	id, err := ids.NewULID(in.Now)
	if err != nil {
		return AppendResult{}, err
	}

	var attKind, attURL *string
	if in.Attachment != nil {
		k := string(in.Attachment.Kind)
		attKind, attURL = &k, &in.Attachment.URL
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("messages")+` (
		     id, room_key, room_kind, room_id, seq, sender_key, sender_id, sender_name,
		     content, attachment_kind, attachment_url, correlation_id, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		id, key, string(in.Kind), in.RoomID, seq, sender, nullable(in.Sender.ID), in.Sender.Name,
		in.Content, attKind, attURL, nullable(in.CorrelationID), in.Now,
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}

	return AppendResult{Message: v1.ChatMessage{
		ID:            id,
		RoomID:        in.RoomID,
		Kind:          in.Kind,
		Seq:           seq,
		Sender:        in.Sender,
		Content:       in.Content,
		Attachment:    in.Attachment,
		CorrelationID: in.CorrelationID,
		CreatedAt:     in.Now,
	}}, nil
}

// Page returns one newest-first window of history, ordered oldest first.
func (s *PostgresStore) Page(ctx context.Context, kind v1.RoomKind, roomID string, page, limit int) (v1.MessagePage, error) {
	if err := v1.ValidateRoom(kind, roomID); err != nil {
		return v1.MessagePage{}, invalid("community.Page", err.Error())
	}
	page, limit = clampPage(page, limit)

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+s.table("messages")+`
		  WHERE room_key = $1
		  ORDER BY seq DESC
		  LIMIT $2 OFFSET $3`,
		v1.RoomKey(kind, roomID), limit+1, (page-1)*limit,
	)
	if err != nil {
		return v1.MessagePage{}, err
	}
	defer rows.Close()

	msgs := make([]v1.ChatMessage, 0, limit+1)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return v1.MessagePage{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return v1.MessagePage{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	return v1.MessagePage{Messages: msgs, Page: page, Limit: limit, HasMore: hasMore}, nil
}

// Get returns a single message.
func (s *PostgresStore) Get(ctx context.Context, kind v1.RoomKind, roomID, messageID string) (v1.ChatMessage, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+`
		   FROM `+s.table("messages")+`
		  WHERE room_key = $1 AND id = $2`,
		v1.RoomKey(kind, roomID), messageID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return v1.ChatMessage{}, notFound("community.Get", "message")
	}
	return m, err
}

// Edit replaces the content of a message owned by in.SenderKey.
func (s *PostgresStore) Edit(ctx context.Context, in EditInput) (v1.ChatMessage, error) {
	const op = "community.Edit"

	if err := ValidatePayload(in.Content, nil); err != nil {
		return v1.ChatMessage{}, err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return v1.ChatMessage{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	key := v1.RoomKey(in.Kind, in.RoomID)
	if err := s.checkOwner(ctx, tx, op, key, in.MessageID, in.SenderKey); err != nil {
		return v1.ChatMessage{}, err
	}

	m, err := scanMessage(tx.QueryRow(ctx,
		`UPDATE `+s.table("messages")+`
		    SET content = $3, edited_at = $4
		  WHERE room_key = $1 AND id = $2
		RETURNING `+messageColumns,
		key, in.MessageID, strings.TrimSpace(in.Content), now,
	))
	if err != nil {
		return v1.ChatMessage{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return v1.ChatMessage{}, err
	}
	return m, nil
}

// Delete removes a message owned by senderKey.
func (s *PostgresStore) Delete(ctx context.Context, kind v1.RoomKind, roomID, messageID, senderKey string) error {
	const op = "community.Delete"

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	key := v1.RoomKey(kind, roomID)
	if err := s.checkOwner(ctx, tx, op, key, messageID, senderKey); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM `+s.table("messages")+` WHERE room_key = $1 AND id = $2`,
		key, messageID,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) checkOwner(ctx context.Context, tx pgx.Tx, op, roomKey, messageID, senderKey string) error {
	var owner string
	err := tx.QueryRow(ctx,
		`SELECT sender_key FROM `+s.table("messages")+`
		  WHERE room_key = $1 AND id = $2
		  FOR UPDATE`,
		roomKey, messageID,
	).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(op, "message")
	}
	if err != nil {
		return err
	}
	if owner != senderKey {
		return forbidden(op, "only the sender may change a message")
	}
	return nil
}

// ---- directory ----

// CreateCommunity inserts a community and its creator's membership.
func (s *PostgresStore) CreateCommunity(ctx context.Context, in CreateCommunityInput) (Community, error) {
	const op = "community.CreateCommunity"

	in, err := checkCreateCommunity(op, in)
	if err != nil {
		return Community{}, err
	}
	id, err := ids.NewULID(in.Now)
	if err != nil {
		return Community{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Community{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("communities")+` (id, name, name_norm, description, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, in.Name, strings.ToLower(in.Name), in.Description, in.CreatedBy, in.Now,
	); err != nil {
		if _, ok := pgutil.UniqueViolation(err); ok {
			return Community{}, OpError{Op: op, Kind: ErrConflict, Msg: "community name"}
		}
		if pgutil.ForeignKeyViolation(err) {
			return Community{}, notFound(op, "user")
		}
		return Community{}, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("community_members")+` (community_id, user_id, joined_at)
		 VALUES ($1, $2, $3)`,
		id, in.CreatedBy, in.Now,
	); err != nil {
		return Community{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Community{}, err
	}

	return Community{
		ID:          id,
		Name:        in.Name,
		Description: in.Description,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   in.Now,
		Members:     1,
	}, nil
}

const communityColumns = `c.id, c.name, c.description, c.created_by, c.created_at,
       (SELECT count(*) FROM %s m WHERE m.community_id = c.id)`

func (s *PostgresStore) communitySelect() string {
	return `SELECT ` + fmt.Sprintf(communityColumns, s.table("community_members")) +
		` FROM ` + s.table("communities") + ` c`
}

// ListCommunities returns communities newest first.
func (s *PostgresStore) ListCommunities(ctx context.Context, limit, offset int) ([]Community, error) {
	_, limit = clampPage(1, limit)
	if offset < 0 {
		offset = 0
	}

	rows, err := s.pool.Query(ctx,
		s.communitySelect()+` ORDER BY c.id DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Community, 0, limit)
	for rows.Next() {
		var c Community
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.CreatedBy, &c.CreatedAt, &c.Members); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Community returns a community by id.
func (s *PostgresStore) Community(ctx context.Context, id string) (Community, error) {
	var c Community
	err := s.pool.QueryRow(ctx, s.communitySelect()+` WHERE c.id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Description, &c.CreatedBy, &c.CreatedAt, &c.Members)
	if errors.Is(err, pgx.ErrNoRows) {
		return Community{}, notFound("community.Community", "community")
	}
	return c, err
}

// JoinCommunity adds userID as a member. Joining twice is a no-op.
func (s *PostgresStore) JoinCommunity(ctx context.Context, communityID, userID string, now time.Time) (Community, error) {
	const op = "community.JoinCommunity"

	if strings.TrimSpace(userID) == "" {
		return Community{}, invalid(op, "missing user")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("community_members")+` (community_id, user_id, joined_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (community_id, user_id) DO NOTHING`,
		communityID, userID, now,
	); err != nil {
		if pgutil.ForeignKeyViolation(err) {
			return Community{}, notFound(op, "community")
		}
		return Community{}, err
	}
	return s.Community(ctx, communityID)
}

// IsMember reports whether userID belongs to communityID.
func (s *PostgresStore) IsMember(ctx context.Context, userID, communityID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	communityID = strings.TrimSpace(communityID)
	if userID == "" || communityID == "" {
		return false, nil
	}

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+s.table("community_members")+` WHERE community_id = $1 AND user_id = $2`,
		communityID, userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// JoinAnonymous creates the room on first use and records the handle.
func (s *PostgresStore) JoinAnonymous(ctx context.Context, name, handle string, now time.Time) (AnonymousRoom, error) {
	const op = "community.JoinAnonymous"

	name, handle, err := checkAnonymousJoin(op, name, handle)
	if err != nil {
		return AnonymousRoom{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return AnonymousRoom{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("anonymous_rooms")+` (name, created_at) VALUES ($1, $2)
		 ON CONFLICT (name) DO NOTHING`,
		name, now,
	); err != nil {
		return AnonymousRoom{}, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("anonymous_participants")+` (room_name, handle, joined_at) VALUES ($1, $2, $3)
		 ON CONFLICT (room_name, handle) DO NOTHING`,
		name, handle, now,
	); err != nil {
		return AnonymousRoom{}, err
	}

	var out AnonymousRoom
	if err := tx.QueryRow(ctx,
		`SELECT r.name, r.created_at,
		        (SELECT count(*) FROM `+s.table("anonymous_participants")+` p WHERE p.room_name = r.name)
		   FROM `+s.table("anonymous_rooms")+` r
		  WHERE r.name = $1`,
		name,
	).Scan(&out.Name, &out.CreatedAt, &out.Participants); err != nil {
		return AnonymousRoom{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return AnonymousRoom{}, err
	}
	return out, nil
}

// ---- scanning ----

func scanMessage(row pgx.Row) (v1.ChatMessage, error) {
	var (
		m        v1.ChatMessage
		kind     string
		senderID *string
		attKind  *string
		attURL   *string
		corr     *string
	)
	if err := row.Scan(
		&m.ID, &m.RoomID, &kind, &m.Seq, &senderID, &m.Sender.Name, &m.Content,
		&attKind, &attURL, &corr, &m.CreatedAt, &m.EditedAt,
	); err != nil {
		return v1.ChatMessage{}, err
	}
	m.Kind = v1.RoomKind(kind)
	if senderID != nil {
		m.Sender.ID = *senderID
	}
	if attKind != nil && attURL != nil {
		m.Attachment = &v1.Attachment{Kind: v1.AttachmentKind(*attKind), URL: *attURL}
	}
	if corr != nil {
		m.CorrelationID = *corr
	}
	return m, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
