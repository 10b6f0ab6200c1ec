package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"echostream/cmd/internal/httpjson"
	v1 "echostream/contracts/realtime/v1"
)

// MessageInput is the persist body for a new message.
type MessageInput struct {
	Content       string         `json:"content"`
	Attachment    *v1.Attachment `json:"attachment,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Backend is the REST surface the relay and views depend on.
type Backend interface {
	PostMessage(ctx context.Context, room Room, sender Identity, in MessageInput) (v1.ChatMessage, error)
	Messages(ctx context.Context, room Room, page, limit int) (v1.MessagePage, error)
	JoinAnonymous(ctx context.Context, room Room, handle string) error
}

// API is the REST client. Credentials travel both as the accessToken cookie
// (kept in the jar) and as a bearer header.
type API struct {
	base    string
	hc      *http.Client
	timeout time.Duration

	mu    sync.RWMutex
	token string
}

// NewAPI builds a REST client for baseURL. A nil hc gets a client with a cookie jar.
func NewAPI(baseURL string, hc *http.Client, timeout time.Duration) (*API, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("chat: bad api base %q", baseURL)
	}
	if hc == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		hc = &http.Client{Jar: jar}
	}
	return &API{base: strings.TrimRight(baseURL, "/"), hc: hc, timeout: timeout}, nil
}

// HTTPClient exposes the client so the socket dial shares its cookie jar.
func (a *API) HTTPClient() *http.Client { return a.hc }

// SetToken replaces the bearer token.
func (a *API) SetToken(token string) {
	a.mu.Lock()
	a.token = strings.TrimSpace(token)
	a.mu.Unlock()
}

// Token returns the bearer token in use.
func (a *API) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

type userResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Login authenticates and keeps the returned token.
func (a *API) Login(ctx context.Context, username, password string) (Identity, error) {
	var out struct {
		User        userResponse `json:"user"`
		AccessToken string       `json:"access_token"`
	}
	body := map[string]string{"username": username, "password": password}
	if err := a.do(ctx, http.MethodPost, "/api/users/login", body, &out); err != nil {
		return Identity{}, err
	}
	a.SetToken(out.AccessToken)
	return Identity{ID: out.User.ID, Name: out.User.Username}, nil
}

// CurrentUser resolves the identity behind the current credentials.
func (a *API) CurrentUser(ctx context.Context) (Identity, error) {
	var out struct {
		User userResponse `json:"user"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/users/current-user", nil, &out); err != nil {
		return Identity{}, err
	}
	return Identity{ID: out.User.ID, Name: out.User.Username}, nil
}

// Register creates an account. It does not log in.
func (a *API) Register(ctx context.Context, username, password string) (Identity, error) {
	var out struct {
		User userResponse `json:"user"`
	}
	body := map[string]string{"username": username, "password": password}
	if err := a.do(ctx, http.MethodPost, "/api/users/register", body, &out); err != nil {
		return Identity{}, err
	}
	return Identity{ID: out.User.ID, Name: out.User.Username}, nil
}

// CreateCommunity creates a community owned by the current user and returns its room.
func (a *API) CreateCommunity(ctx context.Context, name, description string) (Room, error) {
	var out struct {
		Community struct {
			ID string `json:"id"`
		} `json:"community"`
	}
	body := map[string]string{"name": name}
	if description != "" {
		body["description"] = description
	}
	if err := a.do(ctx, http.MethodPost, "/api/communities", body, &out); err != nil {
		return Room{}, err
	}
	return CommunityRoom(out.Community.ID), nil
}

// JoinCommunity makes the current user a member of a community.
func (a *API) JoinCommunity(ctx context.Context, communityID string) error {
	return a.do(ctx, http.MethodPost, "/api/communities/join", map[string]string{"community_id": communityID}, nil)
}

// JoinAnonymous registers handle in the anonymous room.
func (a *API) JoinAnonymous(ctx context.Context, room Room, handle string) error {
	body := map[string]string{"community_name": room.ID, "username": handle}
	return a.do(ctx, http.MethodPost, "/api/anonymous-community/join", body, nil)
}

type anonymousMessageRequest struct {
	CommunityName string `json:"community_name"`
	Username      string `json:"username"`
	MessageInput
}

// PostMessage persists a message and returns the stored record.
// A repeated correlation id returns the original record.
func (a *API) PostMessage(ctx context.Context, room Room, sender Identity, in MessageInput) (v1.ChatMessage, error) {
	var out struct {
		Message v1.ChatMessage `json:"message"`
	}

	var err error
	switch room.Kind {
	case v1.RoomCommunity:
		err = a.do(ctx, http.MethodPost, "/api/communities/"+url.PathEscape(room.ID)+"/messages", in, &out)
	case v1.RoomAnonymous:
		err = a.do(ctx, http.MethodPost, "/api/anonymous-community/message", anonymousMessageRequest{
			CommunityName: room.ID,
			Username:      sender.Name,
			MessageInput:  in,
		}, &out)
	default:
		return v1.ChatMessage{}, fmt.Errorf("%w: kind %q", ErrInvalidRoom, room.Kind)
	}
	if err != nil {
		return v1.ChatMessage{}, err
	}
	return out.Message, nil
}

// Messages fetches one page of history. Page 1 is the newest window.
func (a *API) Messages(ctx context.Context, room Room, page, limit int) (v1.MessagePage, error) {
	var path string
	switch room.Kind {
	case v1.RoomCommunity:
		path = "/api/communities/" + url.PathEscape(room.ID) + "/messages"
	case v1.RoomAnonymous:
		path = "/api/anonymous-community/" + url.PathEscape(room.ID) + "/messages"
	default:
		return v1.MessagePage{}, fmt.Errorf("%w: kind %q", ErrInvalidRoom, room.Kind)
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	var out v1.MessagePage
	if err := a.do(ctx, http.MethodGet, path+"?"+q.Encode(), nil, &out); err != nil {
		return v1.MessagePage{}, err
	}
	return out, nil
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t := a.Token(); t != "" {
		req.Header.Set("Authorization", "Bearer "+t)
	}

	resp, err := a.hc.Do(req)
	if err != nil {
		return fmt.Errorf("chat: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var er httpjson.ErrorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&er); err == nil {
			apiErr.Code, apiErr.Message = er.Error.Code, er.Error.Message
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("chat: decode %s: %w", path, err)
	}
	return nil
}
