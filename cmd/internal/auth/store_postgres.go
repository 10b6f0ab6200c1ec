package auth

import (
	"context"
	"errors"

	"echostream/cmd/internal/ids"
	"echostream/cmd/internal/pgutil"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresUserStore is a UserStore backed by PostgreSQL.
// It does not own the pool.
type PostgresUserStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresUserStore.
type PostgresOption func(*PostgresUserStore) error

// WithSchema overrides the default "echostream" schema.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresUserStore) error {
		v, err := pgutil.CheckSchema(schema)
		if err != nil {
			return err
		}
		s.schema = v
		return nil
	}
}

// NewPostgresUserStore constructs a store over pool.
func NewPostgresUserStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresUserStore, error) {
	s := &PostgresUserStore{pool: pool, schema: pgutil.DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.pool == nil {
		return nil, errors.New("auth: nil pool")
	}
	return s, nil
}

// CreateUser inserts a user and its credentials in one transaction.
func (s *PostgresUserStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "auth.CreateUser"

	in, err := checkCreateUser(op, in)
	if err != nil {
		return User{}, err
	}

	id, err := ids.NewULID(in.Now)
	if err != nil {
		return User{}, err
	}
	u := User{
		ID:           id,
		Username:     in.Username,
		UsernameNorm: NormalizeUsername(in.Username),
		FullName:     in.FullName,
		CreatedAt:    in.Now,
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return User{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+pgutil.Ident(s.schema, "users")+` (id, username, username_norm, full_name, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Username, u.UsernameNorm, u.FullName, u.CreatedAt,
	); err != nil {
		if _, ok := pgutil.UniqueViolation(err); ok {
			return User{}, OpError{Op: op, Kind: ErrConflict, Msg: "username"}
		}
		return User{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+pgutil.Ident(s.schema, "user_credentials")+` (user_id, password_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $3)`,
		u.ID, in.PasswordHash, u.CreatedAt,
	); err != nil {
		return User{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return User{}, err
	}
	return u, nil
}

// UserByUsername returns the user and password hash for login.
func (s *PostgresUserStore) UserByUsername(ctx context.Context, username string) (UserAuth, error) {
	var ua UserAuth
	err := s.pool.QueryRow(ctx,
		`SELECT u.id, u.username, u.username_norm, u.full_name, u.created_at, c.password_hash
		   FROM `+pgutil.Ident(s.schema, "users")+` u
		   JOIN `+pgutil.Ident(s.schema, "user_credentials")+` c ON c.user_id = u.id
		  WHERE u.username_norm = $1`,
		NormalizeUsername(username),
	).Scan(&ua.User.ID, &ua.User.Username, &ua.User.UsernameNorm, &ua.User.FullName, &ua.User.CreatedAt, &ua.PasswordHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserAuth{}, OpError{Op: "auth.UserByUsername", Kind: ErrNotFound}
	}
	return ua, err
}

// UserByID returns the user with id.
func (s *PostgresUserStore) UserByID(ctx context.Context, id string) (User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, username_norm, full_name, created_at
		   FROM `+pgutil.Ident(s.schema, "users")+`
		  WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Username, &u.UsernameNorm, &u.FullName, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, OpError{Op: "auth.UserByID", Kind: ErrNotFound}
	}
	return u, err
}
