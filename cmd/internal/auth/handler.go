package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"echostream/cmd/internal/httpjson"
	"echostream/cmd/security/password"
)

// Handler serves the account endpoints under /api/users.
type Handler struct {
	log    *slog.Logger
	cfg    Config
	users  UserStore
	tokens *TokenManager
	pw     password.Config

	dummyHash string
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, cfg Config, users UserStore, tokens *TokenManager, pw password.Config) (*Handler, error) {
	if users == nil || tokens == nil {
		return nil, errors.New("auth: nil dependency")
	}
	if log == nil {
		log = slog.Default()
	}

	h := &Handler{log: log, cfg: cfg, users: users, tokens: tokens, pw: pw}

	// Dummy hash for timing-resistant login checks.
	if hash, err := pw.Hash("dummy-password-for-timing-only"); err == nil {
		h.dummyHash = hash
	}
	return h, nil
}

// Register wires the routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/users/register", h.handleRegister)
	mux.HandleFunc("POST /api/users/login", h.handleLogin)
	mux.HandleFunc("POST /api/users/logout", h.handleLogout)
	mux.Handle("GET /api/users/current-user", h.tokens.Require(http.HandlerFunc(h.handleCurrentUser)))
}

type registerRequest struct {
	Username string `json:"username"`
	FullName string `json:"full_name,omitempty"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	FullName  string    `json:"full_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type userEnvelope struct {
	User userResponse `json:"user"`
}

type loginResponse struct {
	User        userResponse `json:"user"`
	AccessToken string       `json:"access_token"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

func toUserResponse(u User) userResponse {
	return userResponse{ID: u.ID, Username: u.Username, FullName: u.FullName, CreatedAt: u.CreatedAt}
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpjson.Decode(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	hash, err := h.pw.Hash(req.Password)
	if err != nil {
		switch {
		case errors.Is(err, password.ErrPasswordTooShort),
			errors.Is(err, password.ErrPasswordTooLong),
			errors.Is(err, password.ErrWeakPassword):
			httpjson.Error(w, http.StatusBadRequest, "weak_password", err.Error())
		default:
			h.log.Error("auth.register.hash.fail", "err", err)
			httpjson.Error(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	u, err := h.users.CreateUser(r.Context(), CreateUserInput{
		Username:     req.Username,
		FullName:     req.FullName,
		PasswordHash: hash,
		Now:          time.Now().UTC(),
	})
	if err != nil {
		var opErr OpError
		switch {
		case errors.Is(err, ErrConflict):
			httpjson.Error(w, http.StatusConflict, "username_taken", "username already taken")
		case errors.As(err, &opErr) && errors.Is(err, ErrInvalidInput):
			httpjson.Error(w, http.StatusBadRequest, "invalid_request", opErr.Msg)
		default:
			h.log.Error("auth.register.fail", "err", err)
			httpjson.Error(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	h.log.Info("auth.register.ok", "user_id", u.ID)
	httpjson.Write(w, http.StatusCreated, userEnvelope{User: toUserResponse(u)})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpjson.Decode(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		httpjson.Error(w, http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}

	ua, err := h.users.UserByUsername(r.Context(), req.Username)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			h.log.Error("auth.login.lookup.fail", "err", err)
			httpjson.Error(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}
		// Timing resistance: perform a dummy verify when user is missing.
		if h.dummyHash != "" {
			_, _ = h.pw.Verify(h.dummyHash, req.Password)
		}
		httpjson.Error(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}

	ok, err := h.pw.Verify(ua.PasswordHash, req.Password)
	if err != nil || !ok {
		h.log.Info("auth.login.reject", "user_id", ua.User.ID)
		httpjson.Error(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}

	token, exp, err := h.tokens.Issue(ua.User.ID, ua.User.Username, time.Now().UTC())
	if err != nil {
		h.log.Error("auth.login.issue.fail", "err", err)
		httpjson.Error(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.tokens.SetCookie(w, token, exp)
	h.log.Info("auth.login.ok", "user_id", ua.User.ID)
	httpjson.Write(w, http.StatusOK, loginResponse{
		User:        toUserResponse(ua.User),
		AccessToken: token,
		ExpiresAt:   exp,
	})
}

// handleLogout clears the cookie. Tokens are stateless and expire on their own.
func (h *Handler) handleLogout(w http.ResponseWriter, _ *http.Request) {
	h.tokens.ClearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	u, err := h.users.UserByID(r.Context(), p.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpjson.Error(w, http.StatusUnauthorized, "not_found", "user not found")
			return
		}
		h.log.Error("auth.me.fail", "err", err)
		httpjson.Error(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	httpjson.Write(w, http.StatusOK, userEnvelope{User: toUserResponse(u)})
}
