package auth

import (
	"context"
	"strings"
	"time"
)

// User is an EchoStream account.
type User struct {
	ID           string
	Username     string
	UsernameNorm string
	FullName     string
	CreatedAt    time.Time
}

// UserAuth is a user together with its password hash, for login only.
type UserAuth struct {
	User         User
	PasswordHash string
}

// CreateUserInput describes a registration. PasswordHash is already encoded.
type CreateUserInput struct {
	Username     string
	FullName     string
	PasswordHash string
	Now          time.Time
}

// UserStore persists accounts.
//
// Requirements:
//   - usernames are unique case-insensitively (ErrConflict)
//   - missing users yield ErrNotFound
type UserStore interface {
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)
	UserByUsername(ctx context.Context, username string) (UserAuth, error)
	UserByID(ctx context.Context, id string) (User, error)
}

// NormalizeUsername trims and lower-cases a username.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func checkCreateUser(op string, in CreateUserInput) (CreateUserInput, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.FullName = strings.TrimSpace(in.FullName)
	if in.Username == "" {
		return in, invalid(op, "username is required")
	}
	if len(in.Username) > 64 {
		return in, invalid(op, "username is too long")
	}
	if strings.ContainsFunc(in.Username, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' }) {
		return in, invalid(op, "username must not contain whitespace")
	}
	if in.PasswordHash == "" {
		return in, invalid(op, "password hash is required")
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	return in, nil
}
