package auth

import (
	"context"
	"sync"

	"echostream/cmd/internal/ids"
)

// MemoryUserStore is the dev fallback when no database is configured.
type MemoryUserStore struct {
	mu     sync.RWMutex
	byID   map[string]UserAuth
	byNorm map[string]string
}

// NewMemoryUserStore constructs an empty store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		byID:   make(map[string]UserAuth),
		byNorm: make(map[string]string),
	}
}

// CreateUser registers a user.
func (s *MemoryUserStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "auth.CreateUser"

	in, err := checkCreateUser(op, in)
	if err != nil {
		return User{}, err
	}
	if err := ctx.Err(); err != nil {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byNorm[u.UsernameNorm]; taken {
		return User{}, OpError{Op: op, Kind: ErrConflict, Msg: "username"}
	}
	s.byID[u.ID] = UserAuth{User: u, PasswordHash: in.PasswordHash}
	s.byNorm[u.UsernameNorm] = u.ID
	return u, nil
}

// UserByUsername looks a user up case-insensitively.
func (s *MemoryUserStore) UserByUsername(ctx context.Context, username string) (UserAuth, error) {
	if err := ctx.Err(); err != nil {
		return UserAuth{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byNorm[NormalizeUsername(username)]
	if !ok {
		return UserAuth{}, OpError{Op: "auth.UserByUsername", Kind: ErrNotFound}
	}
	return s.byID[id], nil
}

// UserByID returns the user with id.
func (s *MemoryUserStore) UserByID(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ua, ok := s.byID[id]
	if !ok {
		return User{}, OpError{Op: "auth.UserByID", Kind: ErrNotFound}
	}
	return ua.User, nil
}
